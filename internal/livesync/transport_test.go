package livesync

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func TestConnDeliversFramesAndClosesOnce(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		ctx := r.Context()
		_ = wsjson.Write(ctx, conn, map[string]any{"type": "heartbeat", "timestamp": "2026-01-01T00:00:00Z"})
		_ = wsjson.Write(ctx, conn, map[string]any{"type": "agent_created", "agent": map[string]any{"id": "a1"}})
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}))
	defer server.Close()

	frames := make(chan string, 4)
	var closes int32
	closed := make(chan error, 2)
	conn := NewConn(wsURL(server), TransportOptions{HeartbeatInterval: time.Hour})
	conn.OnFrame(func(raw []byte) { frames <- string(raw) })
	conn.OnClose(func(err error) {
		atomic.AddInt32(&closes, 1)
		closed <- err
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Open(ctx); err != nil {
		t.Fatalf("open failed: %v", err)
	}
	for i, want := range []string{"heartbeat", "agent_created"} {
		select {
		case got := <-frames:
			if !strings.Contains(got, want) {
				t.Fatalf("frame %d: expected %s, got %s", i, want, got)
			}
		case <-ctx.Done():
			t.Fatalf("timed out waiting for frame %d", i)
		}
	}
	select {
	case err := <-closed:
		if err != nil {
			t.Fatalf("expected clean close to report nil, got %v", err)
		}
	case <-ctx.Done():
		t.Fatalf("timed out waiting for close")
	}
	_ = conn.Close()
	_ = conn.Close()
	if got := atomic.LoadInt32(&closes); got != 1 {
		t.Fatalf("expected close handler once, got %d", got)
	}
	if conn.IsOpen() {
		t.Fatalf("expected connection to be closed")
	}
	if err := conn.Send(ctx, map[string]string{"type": "ping"}); err != nil {
		t.Fatalf("expected send on closed connection to be a no-op, got %v", err)
	}
}

func TestConnSendsHeartbeatPings(t *testing.T) {
	pings := make(chan map[string]any, 4)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()
		for {
			var msg map[string]any
			if err := wsjson.Read(r.Context(), conn, &msg); err != nil {
				return
			}
			pings <- msg
		}
	}))
	defer server.Close()

	conn := NewConn(wsURL(server), TransportOptions{HeartbeatInterval: 20 * time.Millisecond})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Open(ctx); err != nil {
		t.Fatalf("open failed: %v", err)
	}
	defer conn.Close()

	select {
	case msg := <-pings:
		if msg["type"] != "ping" {
			t.Fatalf("expected ping frame, got %+v", msg)
		}
	case <-ctx.Done():
		t.Fatalf("timed out waiting for heartbeat")
	}
}

func TestConnOpenFailsOnRejectedHandshake(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	var closes int32
	conn := NewConn(wsURL(server), TransportOptions{})
	conn.OnClose(func(error) { atomic.AddInt32(&closes, 1) })
	if err := conn.Open(context.Background()); err == nil {
		t.Fatalf("expected handshake failure")
	}
	if conn.IsOpen() {
		t.Fatalf("expected connection to stay closed")
	}
	if got := atomic.LoadInt32(&closes); got != 0 {
		t.Fatalf("expected no close callback for a failed open, got %d", got)
	}
}
