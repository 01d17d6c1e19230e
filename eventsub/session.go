package eventsub

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// welcome must arrive promptly after the handshake or the dial fails.
const welcomeTimeout = 10 * time.Second

// Session is a connected EventSub websocket that has already consumed its
// welcome frame. Read blocks until the next decodable frame or a transport
// error.
type Session interface {
	ID() string
	KeepaliveSeconds() int
	Read() (*Message, error)
	Close() error
}

// Dialer opens a Session against the given websocket URL. The Registry
// takes a Dialer so tests can substitute an in-memory session.
type Dialer func(ctx context.Context, url string) (Session, error)

type wsSession struct {
	conn      *websocket.Conn
	id        string
	keepalive int

	closeOnce sync.Once
	closeErr  error
}

// DialWebsocket connects to the EventSub websocket endpoint and waits for
// the session_welcome frame that carries the session id and keepalive
// interval.
func DialWebsocket(ctx context.Context, url string) (Session, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial eventsub %s: %w", url, err)
	}
	s := &wsSession{conn: conn}
	_ = conn.SetReadDeadline(time.Now().Add(welcomeTimeout))
	msg, err := s.Read()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("await eventsub welcome: %w", err)
	}
	if msg.Type != MessageWelcome || msg.SessionID == "" {
		_ = conn.Close()
		return nil, fmt.Errorf("expected session_welcome, got %q", msg.Type)
	}
	_ = conn.SetReadDeadline(time.Time{})
	s.id = msg.SessionID
	s.keepalive = msg.KeepaliveSeconds
	if s.keepalive <= 0 {
		s.keepalive = 10
	}
	return s, nil
}

func (s *wsSession) ID() string            { return s.id }
func (s *wsSession) KeepaliveSeconds() int { return s.keepalive }

func (s *wsSession) Read() (*Message, error) {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		msg, err := decodeMessage(data)
		if err != nil {
			// skip the frame rather than tearing the session down
			slog.Warn("eventsub: undecodable frame", "session_id", s.id, "error", err)
			continue
		}
		return msg, nil
	}
}

func (s *wsSession) Close() error {
	s.closeOnce.Do(func() {
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		s.closeErr = s.conn.Close()
	})
	return s.closeErr
}
