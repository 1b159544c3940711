// Package config loads optional TOML overrides for litecore's OpenOptions
// and replicator defaults. The spec names no configuration file format, but
// every ambient stack in the example corpus carries a config layer; TOML
// mirrors the teacher's own use of pelletier/go-toml for node configuration.
package config

import (
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config holds the tunables a deployment may want to override without
// recompiling: cache sizes and backoff shape. The expiration sweep interval
// is not among them.
type Config struct {
	Storage     StorageConfig     `toml:"storage"`
	Replication ReplicationConfig `toml:"replication"`
}

type StorageConfig struct {
	SharedKeysCacheSize int `toml:"shared_keys_cache_size"`
	BlobCacheSize       int `toml:"blob_cache_size"`
}

type ReplicationConfig struct {
	InitialBackoff time.Duration `toml:"initial_backoff"`
	MaxBackoff     time.Duration `toml:"max_backoff"`
	EchoCacheLimit int           `toml:"echo_cache_limit"`
}

// Default returns the built-in defaults, used when no file is supplied.
func Default() Config {
	return Config{
		Storage: StorageConfig{
			SharedKeysCacheSize: 4096,
			BlobCacheSize:       256,
		},
		Replication: ReplicationConfig{
			InitialBackoff: time.Second,
			MaxBackoff:     5 * time.Minute,
			EchoCacheLimit: 250,
		},
	}
}

// Load reads a TOML file at path and overlays it on Default(). A missing
// file is not an error — it simply yields the defaults, matching the
// "optional override" contract.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, err
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}
