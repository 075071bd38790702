package relay

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"
)

type chanSink struct {
	frames      chan Frame
	disconnects chan error
}

func newChanSink() *chanSink {
	return &chanSink{
		frames:      make(chan Frame, 16),
		disconnects: make(chan error, 4),
	}
}

func (s *chanSink) HandleFrame(f Frame)        { s.frames <- f }
func (s *chanSink) HandleDisconnect(err error) { s.disconnects <- err }

func newWSServer(t *testing.T, handler func(ctx context.Context, c *websocket.Conn)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("Accept failed: %v", err)
			return
		}
		defer func() {
			_ = c.CloseNow()
		}()
		handler(r.Context(), c)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestSessionDeliversFrames(t *testing.T) {
	srv := newWSServer(t, func(ctx context.Context, c *websocket.Conn) {
		if err := c.Write(ctx, websocket.MessageText, []byte(`["NOTICE","hello"]`)); err != nil {
			t.Errorf("Server write failed: %v", err)
			return
		}
		// Hold the connection open until the client goes away.
		_, _, _ = c.Read(ctx)
	})

	sink := newChanSink()
	s := NewSession("agent-1", sink)
	defer s.Close("test done")

	opened, err := s.Ensure(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("Ensure failed: %v", err)
	}
	if !opened {
		t.Error("Expected a new connection")
	}
	if !s.Connected() {
		t.Error("Expected connected session")
	}

	select {
	case f := <-sink.frames:
		n, ok := f.(NoticeFrame)
		if !ok || n.Text != "hello" {
			t.Errorf("Unexpected frame: %#v", f)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for frame")
	}

	// Same URL again is a no-op.
	opened, err = s.Ensure(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("Repeat ensure failed: %v", err)
	}
	if opened {
		t.Error("Expected no-op for an already-open connection")
	}
}

func TestSessionSendReachesServer(t *testing.T) {
	received := make(chan []byte, 1)
	srv := newWSServer(t, func(ctx context.Context, c *websocket.Conn) {
		_, data, err := c.Read(ctx)
		if err != nil {
			return
		}
		received <- data
		_, _, _ = c.Read(ctx)
	})

	sink := newChanSink()
	s := NewSession("agent-1", sink)
	defer s.Close("test done")

	if _, err := s.Ensure(context.Background(), srv.URL); err != nil {
		t.Fatalf("Ensure failed: %v", err)
	}
	if err := s.Send(context.Background(), []byte(`["EVENT",{"id":"ev1"}]`)); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	select {
	case data := <-received:
		if string(data) != `["EVENT",{"id":"ev1"}]` {
			t.Errorf("Server received %s", data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for server receive")
	}
}

func TestSendWithoutConnection(t *testing.T) {
	s := NewSession("agent-1", newChanSink())
	if err := s.Send(context.Background(), []byte(`x`)); err != ErrNotConnected {
		t.Errorf("Expected ErrNotConnected, got %v", err)
	}
}

func TestDeliberateCloseIsNotADisconnect(t *testing.T) {
	srv := newWSServer(t, func(ctx context.Context, c *websocket.Conn) {
		_, _, _ = c.Read(ctx)
	})

	sink := newChanSink()
	s := NewSession("agent-1", sink)
	if _, err := s.Ensure(context.Background(), srv.URL); err != nil {
		t.Fatalf("Ensure failed: %v", err)
	}

	s.Close("session expired")
	if s.Connected() {
		t.Error("Expected disconnected state after close")
	}

	select {
	case err := <-sink.disconnects:
		t.Errorf("Deliberate close reported as disconnect: %v", err)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestServerDropNotifiesSink(t *testing.T) {
	srv := newWSServer(t, func(ctx context.Context, c *websocket.Conn) {
		// Drop the connection immediately.
	})

	sink := newChanSink()
	s := NewSession("agent-1", sink)
	if _, err := s.Ensure(context.Background(), srv.URL); err != nil {
		t.Fatalf("Ensure failed: %v", err)
	}

	select {
	case <-sink.disconnects:
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for disconnect notification")
	}
	if s.Connected() {
		t.Error("Expected disconnected state after server drop")
	}
}
