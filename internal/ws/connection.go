package ws

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"
)

// ErrSessionClosed is returned by Send once the session has started closing.
var ErrSessionClosed = errors.New("ws: session closed")

// State is a session's position in its lifecycle. States only move forward.
type State int32

const (
	StateConnecting State = iota
	StateAuthenticating
	StateAuthorized
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateAuthorized:
		return "authorized"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Session is one upgraded socket. It implements registry.Sink: Send and
// Close are safe to call from any goroutine, and the write mutex keeps
// frames from interleaving.
type Session struct {
	groupID string
	userID  string

	conn         net.Conn
	writeTimeout time.Duration
	writeMu      sync.Mutex

	state       atomic.Int32
	closeOnce   sync.Once
	releaseOnce sync.Once

	log zerolog.Logger
}

func newSession(conn net.Conn, groupID string, writeTimeout time.Duration, log zerolog.Logger) *Session {
	return &Session{
		groupID:      groupID,
		conn:         conn,
		writeTimeout: writeTimeout,
		log: log.With().
			Str("group_id", groupID).
			Str("remote", conn.RemoteAddr().String()).
			Logger(),
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// advance moves the session to next unless it is already at or past it.
func (s *Session) advance(next State) bool {
	for {
		cur := s.state.Load()
		if State(cur) >= next {
			return false
		}
		if s.state.CompareAndSwap(cur, int32(next)) {
			s.log.Debug().Stringer("from", State(cur)).Stringer("to", next).Msg("session state")
			return true
		}
	}
}

// Send writes one text frame.
func (s *Session) Send(data []byte) error {
	if s.State() >= StateClosing {
		return ErrSessionClosed
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.setWriteDeadline()
	return wsutil.WriteServerMessage(s.conn, ws.OpText, data)
}

// Ping writes a protocol-level ping frame.
func (s *Session) Ping() error {
	if s.State() >= StateClosing {
		return ErrSessionClosed
	}
	return s.writeFrame(ws.NewPingFrame(nil))
}

func (s *Session) writeFrame(f ws.Frame) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.setWriteDeadline()
	return ws.WriteFrame(s.conn, f)
}

func (s *Session) setWriteDeadline() {
	if s.writeTimeout > 0 {
		_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	}
}

// CloseWith sends a close frame carrying code and reason, then closes the
// socket. Only the first call has any effect.
func (s *Session) CloseWith(code int, reason string) error {
	var err error
	s.closeOnce.Do(func() {
		s.advance(StateClosing)
		body := ws.NewCloseFrameBody(ws.StatusCode(code), reason)
		if werr := s.writeFrame(ws.NewCloseFrame(body)); werr != nil {
			s.log.Debug().Err(werr).Int("code", code).Msg("close frame not sent")
		}
		err = s.conn.Close()
		s.log.Debug().Int("code", code).Str("reason", reason).Msg("session closed")
	})
	return err
}

// Close closes the session with a normal closure code.
func (s *Session) Close() error {
	return s.CloseWith(int(ws.StatusNormalClosure), "")
}
