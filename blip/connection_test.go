package blip

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

func dialPair(t *testing.T) (*Connection, *Connection, func()) {
	t.Helper()
	upgrader := websocket.Upgrader{}
	serverConnCh := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		serverConnCh <- c
	}))

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	clientWS, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	serverWS := <-serverConnCh

	client := NewConnection(clientWS, nil, 1<<20, 1<<20)
	server := NewConnection(serverWS, nil, 1<<20, 1<<20)

	ctx, cancel := context.WithCancel(context.Background())
	go client.Run(ctx)
	go server.Run(ctx)

	cleanup := func() {
		cancel()
		client.Close()
		server.Close()
		srv.Close()
	}
	return client, server, cleanup
}

func TestRequestResponseRoundTrip(t *testing.T) {
	client, server, cleanup := dialPair(t)
	defer cleanup()

	server.HandleFunc("echo", func(ctx context.Context, conn *Connection, msg *Message) (*Message, error) {
		resp := NewResponse(msg)
		resp.Body = append([]byte(nil), msg.Body...)
		return resp, nil
	})

	req := NewRequest("echo")
	req.Body = []byte("hello")
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := client.Send(ctx, req)
	require.NoError(t, err)
	require.Equal(t, "hello", string(resp.Body))
}

func TestNoReplyRequestGetsNoResponse(t *testing.T) {
	client, server, cleanup := dialPair(t)
	defer cleanup()

	received := make(chan struct{}, 1)
	server.HandleFunc("fire", func(ctx context.Context, conn *Connection, msg *Message) (*Message, error) {
		received <- struct{}{}
		return nil, nil
	})

	req := NewRequest("fire")
	req.Flags |= NoReply
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := client.Send(ctx, req)
	require.NoError(t, err)
	require.Nil(t, resp)

	select {
	case <-received:
	case <-time.After(time.Second):
		t.Fatal("handler never ran")
	}
}

func TestUnknownProfileReturnsErrorResponse(t *testing.T) {
	client, _, cleanup := dialPair(t)
	defer cleanup()

	req := NewRequest("nonexistent")
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := client.Send(ctx, req)
	require.Error(t, err)
}
