package websocket

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	pingInterval    = 30 * time.Second
	activityTimeout = 60 * time.Second
	writeWait       = 5 * time.Second
)

// Session is one live WebSocket connection registered as a room subscriber.
// Writes are serialized with a mutex; a failed or timed-out write means the
// connection is presumed dead and the caller evicts the session, so there
// are no write retries here.
type Session struct {
	id           string
	clientID     string
	conn         *websocket.Conn
	log          zerolog.Logger
	lastActivity int64 // UnixNano timestamp
	mu           sync.Mutex
	closed       bool
}

func NewSession(id, clientID string, conn *websocket.Conn, log zerolog.Logger) *Session {
	return &Session{
		id:           id,
		clientID:     clientID,
		conn:         conn,
		log:          log,
		lastActivity: time.Now().UnixNano(),
	}
}

func (s *Session) ID() string { return s.id }

// ClientID is the authenticated identity behind the connection.
func (s *Session) ClientID() string { return s.clientID }

// Send writes payload as one text frame, bounded by the context deadline.
func (s *Session) Send(ctx context.Context, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := s.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.TextMessage, payload)
}

func (s *Session) UpdateActivity() {
	atomic.StoreInt64(&s.lastActivity, time.Now().UnixNano())
}

func (s *Session) LastActivityTime() time.Time {
	return time.Unix(0, atomic.LoadInt64(&s.lastActivity))
}

func (s *Session) StartPingSender(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.conn.WriteControl(
				websocket.PingMessage,
				nil,
				time.Now().Add(writeWait),
			)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Session) StartActivityChecker(ctx context.Context, onTimeout func()) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if time.Since(s.LastActivityTime()) > activityTimeout {
				s.conn.Close()
				onTimeout()
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// Close sends a close frame and tears down the connection. Safe to call more
// than once.
func (s *Session) Close() error {
	return s.CloseWithReason(websocket.CloseNormalClosure, "")
}

func (s *Session) CloseWithReason(code int, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	if err := s.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(code, text),
		time.Now().Add(writeWait),
	); err != nil {
		s.log.Debug().Err(err).Str("session", s.id).Msg("close frame not delivered")
	}
	return s.conn.Close()
}
