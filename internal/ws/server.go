// Package ws is the session gateway: it upgrades HTTP requests to WebSocket
// sessions, authenticates and authorizes them, registers them with the
// connection registry, and runs one read loop per session that feeds
// inbound frames to the dispatcher. Every session leaves the registry,
// presence and typing state exactly once, however it ends.
package ws

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"

	"github.com/whisper/groupchat/internal/auth"
	"github.com/whisper/groupchat/internal/chat"
	"github.com/whisper/groupchat/internal/dispatch"
	"github.com/whisper/groupchat/internal/logging"
	"github.com/whisper/groupchat/internal/metrics"
	"github.com/whisper/groupchat/internal/protocol"
	"github.com/whisper/groupchat/internal/registry"
)

// Config holds tunable parameters for the gateway.
type Config struct {
	WriteTimeout  time.Duration // per-frame write deadline
	IdleTimeout   time.Duration // close a session after this long without any inbound frame
	MaxFrameBytes int64         // largest accepted data message
	AuthTimeout   time.Duration // bound on identity and membership lookups during the handshake
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		WriteTimeout:  10 * time.Second,
		IdleTimeout:   90 * time.Second,
		MaxFrameBytes: 16 * 1024,
		AuthTimeout:   5 * time.Second,
	}
}

// Dispatcher authorizes sessions and executes their inbound frames.
type Dispatcher interface {
	Authorize(ctx context.Context, groupID, userID string) error
	Handle(ctx context.Context, c dispatch.Caller, data []byte)
}

// Presence records sessions joining and leaving a group.
type Presence interface {
	NotifyJoin(ctx context.Context, groupID, userID string) bool
	NotifyLeave(ctx context.Context, groupID, userID string) bool
	CurrentOnline(groupID string) []string
}

// Typing clears a user's typing indicator when their session ends.
type Typing interface {
	ClearTyping(ctx context.Context, groupID, userID string) bool
}

var (
	errPeerClosed    = errors.New("ws: peer sent close")
	errFrameTooLarge = errors.New("ws: message exceeds size limit")
)

// Gateway serves GET /chat/ws/{groupID}.
type Gateway struct {
	cfg      Config
	reg      *registry.Registry
	resolver auth.Resolver
	disp     Dispatcher
	presence Presence
	typing   Typing

	mu       sync.Mutex
	draining bool
	active   sync.WaitGroup

	log zerolog.Logger
}

// NewGateway wires a gateway to its collaborators.
func NewGateway(cfg Config, reg *registry.Registry, resolver auth.Resolver, disp Dispatcher, presence Presence, typing Typing) *Gateway {
	return &Gateway{
		cfg:      cfg,
		reg:      reg,
		resolver: resolver,
		disp:     disp,
		presence: presence,
		typing:   typing,
		log:      logging.Component("ws"),
	}
}

// ServeHTTP upgrades the request and runs the session until it closes. The
// socket is upgraded before authentication so rejections can carry a close
// code the client can act on.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	groupID := chi.URLParam(r, "groupID")
	token := auth.TokenFromRequest(r)

	conn, rw, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		g.log.Warn().Err(err).Str("group_id", groupID).Msg("upgrade failed")
		return
	}

	// The request context is detached from the hijacked connection.
	ctx := context.WithoutCancel(r.Context())
	s := newSession(conn, groupID, g.cfg.WriteTimeout, g.log)

	if !g.enter() {
		g.reject(s, "shutdown", protocol.CloseGoingAway, "server shutting down")
		return
	}
	defer g.active.Done()

	identity, ok := g.authenticate(ctx, s, token)
	if !ok {
		return
	}
	s.userID = identity.UserID
	s.log = s.log.With().Str("user_id", identity.UserID).Logger()

	if !g.authorize(ctx, s) {
		return
	}

	connID, err := g.reg.Register(groupID, s.userID, s)
	if err != nil {
		if errors.Is(err, registry.ErrCapacity) {
			g.reject(s, "capacity", protocol.CloseTryAgainLater, "server at capacity")
			return
		}
		g.log.Error().Err(err).Msg("register failed")
		g.reject(s, "error", protocol.CloseTryAgainLater, "try again later")
		return
	}
	if !g.admitted(connID) {
		g.reject(s, "shutdown", protocol.CloseGoingAway, "server shutting down")
		return
	}

	var src io.Reader = conn
	if rw != nil && rw.Reader.Buffered() > 0 {
		src = rw.Reader
	}
	g.run(ctx, s, src, dispatch.Caller{ConnID: connID, GroupID: groupID, UserID: s.userID})
}

// enter admits a new session unless the gateway is draining.
func (g *Gateway) enter() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.draining {
		return false
	}
	g.active.Add(1)
	return true
}

// admitted re-checks draining after Register. Shutdown sets draining before
// it snapshots the registry, so a session registered before that point is
// in the snapshot and one registered after it is turned away here.
func (g *Gateway) admitted(connID string) bool {
	g.mu.Lock()
	draining := g.draining
	g.mu.Unlock()
	if draining {
		g.reg.Unregister(connID)
		return false
	}
	return true
}

func (g *Gateway) authenticate(ctx context.Context, s *Session, token string) (auth.Identity, bool) {
	s.advance(StateAuthenticating)
	if token == "" {
		g.reject(s, "auth", protocol.CloseAuthFailed, "authentication required")
		return auth.Identity{}, false
	}
	actx, cancel := context.WithTimeout(ctx, g.cfg.AuthTimeout)
	defer cancel()
	id, err := g.resolver.ResolveIdentity(actx, token)
	if err != nil {
		s.log.Info().Err(err).Msg("authentication failed")
		g.reject(s, "auth", protocol.CloseAuthFailed, "authentication failed")
		return auth.Identity{}, false
	}
	return id, true
}

func (g *Gateway) authorize(ctx context.Context, s *Session) bool {
	actx, cancel := context.WithTimeout(ctx, g.cfg.AuthTimeout)
	defer cancel()
	err := g.disp.Authorize(actx, s.groupID, s.userID)
	switch {
	case err == nil:
		s.advance(StateAuthorized)
		return true
	case errors.Is(err, chat.ErrNotFound):
		g.reject(s, "not_found", protocol.CloseGroupNotFound, "group not found")
	case errors.Is(err, chat.ErrNotMember), errors.Is(err, chat.ErrBanned):
		g.reject(s, "forbidden", protocol.CloseForbidden, "not allowed in this group")
	default:
		s.log.Error().Err(err).Msg("authorization lookup failed")
		g.reject(s, "error", protocol.CloseTryAgainLater, "try again later")
	}
	return false
}

func (g *Gateway) reject(s *Session, reason string, code int, text string) {
	metrics.ConnectionsRejected.WithLabelValues(reason).Inc()
	_ = s.CloseWith(code, text)
	s.advance(StateClosed)
}

// run opens the session, reads frames until the socket ends, then releases
// everything the session held.
func (g *Gateway) run(ctx context.Context, s *Session, src io.Reader, c dispatch.Caller) {
	log := s.log.With().Str("conn_id", c.ConnID).Logger()
	defer g.release(ctx, s, c)
	defer func() {
		if p := recover(); p != nil {
			log.Error().Interface("panic", p).Msg("read loop panicked")
			_ = s.CloseWith(int(ws.StatusInternalServerError), "internal error")
		}
	}()

	s.advance(StateOpen)
	metrics.ConnectionsActive.Set(float64(g.reg.Count()))
	metrics.GroupsActive.Set(float64(g.reg.GroupCount()))
	g.presence.NotifyJoin(ctx, c.GroupID, c.UserID)

	opened, err := protocol.Encode(protocol.SessionOpened{
		ConnectionID: c.ConnID,
		GroupID:      c.GroupID,
		UserID:       c.UserID,
		OnlineUsers:  g.presence.CurrentOnline(c.GroupID),
	})
	if err == nil {
		err = s.Send(opened)
	}
	if err != nil {
		log.Warn().Err(err).Msg("session_opened not delivered")
		return
	}
	log.Info().Msg("session open")

	err = g.readLoop(ctx, s, src, c)
	var netErr net.Error
	switch {
	case err == nil, errors.Is(err, errPeerClosed):
	case errors.As(err, &netErr) && netErr.Timeout():
		_ = s.CloseWith(protocol.CloseNormal, "idle timeout")
	case errors.Is(err, errFrameTooLarge), errors.Is(err, wsutil.ErrFrameTooLarge):
		_ = s.CloseWith(int(ws.StatusMessageTooBig), "message too large")
	case errors.Is(err, wsutil.ErrInvalidUTF8), errors.As(err, new(ws.ProtocolError)):
		_ = s.CloseWith(int(ws.StatusProtocolError), "protocol error")
	default:
		log.Debug().Err(err).Msg("read loop ended")
	}
}

// readLoop feeds data messages to the dispatcher in arrival order and
// answers control frames under the session's write mutex.
func (g *Gateway) readLoop(ctx context.Context, s *Session, src io.Reader, c dispatch.Caller) error {
	rd := &wsutil.Reader{
		Source:       src,
		State:        ws.StateServerSide,
		CheckUTF8:    true,
		MaxFrameSize: g.cfg.MaxFrameBytes,
	}
	rd.OnIntermediate = func(h ws.Header, r io.Reader) error {
		return g.control(s, h, r)
	}

	for {
		if g.cfg.IdleTimeout > 0 {
			_ = s.conn.SetReadDeadline(time.Now().Add(g.cfg.IdleTimeout))
		}
		hdr, err := rd.NextFrame()
		if err != nil {
			return err
		}
		if hdr.OpCode.IsControl() {
			if err := g.control(s, hdr, rd); err != nil {
				return err
			}
			continue
		}
		if hdr.OpCode != ws.OpText && hdr.OpCode != ws.OpBinary {
			if err := rd.Discard(); err != nil {
				return err
			}
			continue
		}

		data, err := io.ReadAll(io.LimitReader(rd, g.cfg.MaxFrameBytes+1))
		if err != nil {
			return err
		}
		if int64(len(data)) > g.cfg.MaxFrameBytes {
			return errFrameTooLarge
		}
		if len(data) == 0 {
			continue
		}
		g.disp.Handle(ctx, c, data)
	}
}

// control answers one control frame. A close frame is echoed and ends the
// loop.
func (g *Gateway) control(s *Session, h ws.Header, r io.Reader) error {
	payload, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	switch h.OpCode {
	case ws.OpPing:
		return s.writeFrame(ws.NewPongFrame(payload))
	case ws.OpClose:
		code, reason := ws.ParseCloseFrameData(payload)
		if code == 0 {
			code = ws.StatusNormalClosure
		}
		s.log.Debug().Int("code", int(code)).Str("reason", reason).Msg("peer closed")
		_ = s.CloseWith(int(code), "")
		return errPeerClosed
	}
	return nil
}

// release undoes everything run set up. It runs exactly once per session.
func (g *Gateway) release(ctx context.Context, s *Session, c dispatch.Caller) {
	s.releaseOnce.Do(func() {
		_ = s.Close()
		if _, ok := g.reg.Unregister(c.ConnID); ok {
			g.presence.NotifyLeave(ctx, c.GroupID, c.UserID)
			g.typing.ClearTyping(ctx, c.GroupID, c.UserID)
		}
		metrics.ConnectionsActive.Set(float64(g.reg.Count()))
		metrics.GroupsActive.Set(float64(g.reg.GroupCount()))
		s.advance(StateClosed)
		s.log.Info().Str("conn_id", c.ConnID).Int("total", g.reg.Count()).Msg("session released")
	})
}

// Shutdown stops admitting sessions, closes every open one with 1001, and
// waits for their cleanup to finish or ctx to expire.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	g.draining = true
	g.mu.Unlock()

	conns := g.reg.All()
	for _, c := range conns {
		if s, ok := c.Sink.(*Session); ok {
			_ = s.CloseWith(protocol.CloseGoingAway, "server shutting down")
			continue
		}
		_ = c.Sink.Close()
	}
	g.log.Info().Int("sessions", len(conns)).Msg("draining sessions")

	done := make(chan struct{})
	go func() {
		g.active.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("ws: shutdown: %w", ctx.Err())
	}
}
