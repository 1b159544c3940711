package replicator

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

const defaultEchoCancelCap = 250

// EchoCancelSet tracks (docID, revID) pairs the puller just inserted so
// the pusher's change feed can skip re-sending them back to the peer that
// sent them, per spec §4.L's echo-cancellation rule. Entries beyond the
// cap evict oldest-first; since EchoCancelSet never "touches" an entry to
// refresh it, golang-lru's LRU eviction degenerates to exactly the FIFO
// eviction the spec asks for.
type EchoCancelSet struct {
	mu    sync.Mutex
	cache *lru.Cache[string, time.Time]
}

// NewEchoCancelSet creates a set with the given capacity (0 uses the
// spec's example cap of 250).
func NewEchoCancelSet(capacity int) *EchoCancelSet {
	if capacity <= 0 {
		capacity = defaultEchoCancelCap
	}
	c, _ := lru.New[string, time.Time](capacity) // capacity > 0 always succeeds
	return &EchoCancelSet{cache: c}
}

func key(docID, revID string) string { return docID + "\x00" + revID }

// Mark records that (docID, revID) was just inserted by the puller.
func (s *EchoCancelSet) Mark(docID, revID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache.Add(key(docID, revID), time.Now())
}

// TakeIfPresent reports whether (docID, revID) is in the set, removing it
// if so (the pusher consults this once per candidate change and the spec
// says the entry is then removed).
func (s *EchoCancelSet) TakeIfPresent(docID, revID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key(docID, revID)
	if _, ok := s.cache.Peek(k); !ok {
		return false
	}
	s.cache.Remove(k)
	return true
}

// Len reports the current entry count.
func (s *EchoCancelSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cache.Len()
}
