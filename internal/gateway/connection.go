package gateway

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/pkg/errors"

	"github.com/jbeur/mcp-ble-server/internal/protocol"
)

// session is one live client connection. All egress to the socket goes
// through sendCh so writes are serialized by the single writePump; reads
// happen only on the readPump goroutine.
type session struct {
	id     string
	remote string
	conn   *websocket.Conn

	sendCh chan []byte

	mu     sync.RWMutex
	authed bool
	token  string

	lastActivity int64 // unix millis, atomic

	closed    chan struct{}
	closeOnce sync.Once
}

func newSession(id, remote string, conn *websocket.Conn, queueSize int) *session {
	s := &session{
		id:     id,
		remote: remote,
		conn:   conn,
		sendCh: make(chan []byte, queueSize),
		closed: make(chan struct{}),
	}
	s.touch()
	return s
}

// touch records frame activity on the session
func (s *session) touch() {
	atomic.StoreInt64(&s.lastActivity, time.Now().UnixMilli())
}

// lastActive returns the time of the most recent frame
func (s *session) lastActive() time.Time {
	return time.UnixMilli(atomic.LoadInt64(&s.lastActivity))
}

func (s *session) markAuthenticated(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.authed = true
	s.token = token
}

func (s *session) markUnauthenticated() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.authed = false
	s.token = ""
}

func (s *session) isAuthenticated() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.authed
}

// sessionToken returns the token bound at authentication, empty when the
// session is unauthenticated.
func (s *session) sessionToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

// enqueue hands a frame to the writePump. Returns a typed error when the
// session is closed or its queue is full; the frame is dropped either way.
func (s *session) enqueue(frame []byte) error {
	select {
	case <-s.closed:
		return protocol.NewGatewayError(protocol.ErrCodeConnectionClosed, "connection closed")
	default:
	}

	select {
	case s.sendCh <- frame:
		return nil
	case <-s.closed:
		return protocol.NewGatewayError(protocol.ErrCodeConnectionClosed, "connection closed")
	default:
		return protocol.NewGatewayError(protocol.ErrCodeQueueFull, "send queue full")
	}
}

// close shuts the socket with the given status. Idempotent.
func (s *session) close(status websocket.StatusCode, reason string) {
	s.closeOnce.Do(func() {
		close(s.closed)
		_ = s.conn.Close(status, reason)
	})
}

// writePump drains sendCh onto the socket until the session closes. A
// write failure closes the session; queued frames after that are dropped.
func (s *session) writePump(ctx context.Context) {
	for {
		select {
		case <-s.closed:
			return
		case <-ctx.Done():
			return
		case frame := <-s.sendCh:
			writeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := s.conn.Write(writeCtx, websocket.MessageText, frame)
			cancel()
			if err != nil {
				s.close(websocket.StatusInternalError, "write failed")
				return
			}
		}
	}
}

// readPump delivers inbound frames to onFrame until the socket closes,
// then runs onClose exactly once.
func (s *session) readPump(ctx context.Context, onFrame func(frame []byte), onClose func(err error)) {
	defer func() {
		var err error
		select {
		case <-s.closed:
		default:
			err = errors.New("connection lost")
		}
		s.close(websocket.StatusNormalClosure, "")
		onClose(err)
	}()

	for {
		_, frame, err := s.conn.Read(ctx)
		if err != nil {
			return
		}
		s.touch()
		onFrame(frame)
	}
}
