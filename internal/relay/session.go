package relay

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
)

const (
	dialTimeout = 10 * time.Second
	// Relay frames are small; a generous cap guards against a misbehaving
	// relay streaming an unbounded message.
	maxFrameBytes = 512 * 1024
)

// ErrNotConnected is returned by Send when no socket is open.
var ErrNotConnected = errors.New("relay session not connected")

// Sink receives decoded frames and connection-loss notifications. Both are
// invoked from the session's read goroutine; implementations must hand off
// to their own serialization point (the agent actor posts into its inbox).
type Sink interface {
	HandleFrame(f Frame)
	HandleDisconnect(err error)
}

// Session owns at most one live socket for an agent. Ensure, Send, and Close
// are called from the owning actor only; the read loop runs in its own
// goroutine and exits when its connection is replaced or fails.
type Session struct {
	agentID string
	sink    Sink

	mu   sync.Mutex
	url  string
	conn *websocket.Conn
	gen  int // bumped on every replace/close so stale read loops stay silent
}

// NewSession creates a session for one agent. No socket is opened yet.
func NewSession(agentID string, sink Sink) *Session {
	return &Session{agentID: agentID, sink: sink}
}

// Ensure opens a socket against url if one is not already open there. It
// reports whether a new connection was established.
func (s *Session) Ensure(ctx context.Context, url string) (bool, error) {
	s.mu.Lock()
	if s.conn != nil && s.url == url {
		s.mu.Unlock()
		return false, nil
	}
	if s.conn != nil {
		_ = s.conn.Close(websocket.StatusNormalClosure, "relay replaced")
		s.conn = nil
		s.gen++
	}
	s.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, url, nil)
	if err != nil {
		return false, err
	}
	conn.SetReadLimit(maxFrameBytes)

	s.mu.Lock()
	s.conn = conn
	s.url = url
	s.gen++
	gen := s.gen
	s.mu.Unlock()

	slog.Info("Relay session opened", "agent_id", s.agentID, "relay", url)
	go s.readLoop(conn, gen)
	return true, nil
}

// Connected reports whether a socket is currently open.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

// URL returns the relay URL of the current or most recent socket.
func (s *Session) URL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.url
}

// Send writes one outbound frame to the open socket.
func (s *Session) Send(ctx context.Context, payload []byte) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	return conn.Write(ctx, websocket.MessageText, payload)
}

// Close tears down the socket, if any. The read loop for the closed socket
// exits without notifying the sink; a deliberate close is not a disconnect.
func (s *Session) Close(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return
	}
	if err := s.conn.Close(websocket.StatusNormalClosure, reason); err != nil {
		slog.Debug("Failed to close relay socket", "agent_id", s.agentID, "error", err)
	}
	s.conn = nil
	s.gen++
	slog.Info("Relay session closed", "agent_id", s.agentID, "reason", reason)
}

func (s *Session) readLoop(conn *websocket.Conn, gen int) {
	for {
		_, data, err := conn.Read(context.Background())
		if err != nil {
			s.mu.Lock()
			current := s.gen == gen
			if current {
				s.conn = nil
				s.gen++
			}
			s.mu.Unlock()

			if current {
				if websocket.CloseStatus(err) != -1 {
					slog.Debug("Relay closed socket", "agent_id", s.agentID)
				} else {
					slog.Warn("Relay socket read error", "agent_id", s.agentID, "error", err)
				}
				s.sink.HandleDisconnect(err)
			}
			return
		}
		s.sink.HandleFrame(DecodeFrame(data))
	}
}
