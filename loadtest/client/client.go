// Package client is a socket client for load testing the group chat server.
// It dials /chat/ws/{groupID} with gobwas/ws, waits for session_opened and
// dispatches server events to registered handlers.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/goccy/go-json"
)

// ---------------------------------------------------------------------------
// Protocol message types (local equivalents of internal/protocol constants)
// ---------------------------------------------------------------------------

// Client -> Server command types.
const (
	TypeSendMessage    = "send_message"
	TypeStartTyping    = "start_typing"
	TypeStopTyping     = "stop_typing"
	TypeMarkRead       = "mark_read"
	TypeAddReaction    = "add_reaction"
	TypeGetOnlineUsers = "get_online_users"
	TypePing           = "ping"
)

// Server -> Client event types.
const (
	TypeSessionOpened = "session_opened"
	TypeNewMessage    = "new_message"
	TypeTypingUpdate  = "typing_update"
	TypeOnlineUsers   = "online_users"
	TypeReadReceipt   = "read_receipt"
	TypeRateLimited   = "rate_limited"
	TypeError         = "error"
	TypePong          = "pong"
)

// CloseError reports the status the server closed the socket with.
type CloseError struct {
	Code   int
	Reason string
}

func (e *CloseError) Error() string {
	return fmt.Sprintf("closed by server: %d %s", e.Code, e.Reason)
}

// ---------------------------------------------------------------------------
// Metrics
// ---------------------------------------------------------------------------

// Metrics tracks per-connection performance data.
type Metrics struct {
	ConnectLatency   time.Duration // dial until session_opened
	MessagesReceived int
	MessagesSent     int
	RateLimited      int
	Errors           int
}

// ---------------------------------------------------------------------------
// Client
// ---------------------------------------------------------------------------

// Client is one simulated group member.
type Client struct {
	GroupID string
	UserID  string

	conn net.Conn
	r    io.Reader

	writeMu sync.Mutex

	mu        sync.Mutex
	metrics   Metrics
	handlers  map[string]func(json.RawMessage)
	connID    string
	closeErr  *CloseError
	dialStart time.Time

	opened    chan struct{}
	openOnce  sync.Once
	done      chan struct{}
	closeOnce sync.Once
	alive     atomic.Bool
}

// Dial connects userID to groupID on the server at base (ws:// or wss://).
// The token is sent as the token query parameter. Reading starts
// immediately; call WaitOpen before sending commands.
func Dial(ctx context.Context, base, groupID, userID, token string) (*Client, error) {
	u := strings.TrimRight(base, "/") + "/chat/ws/" + url.PathEscape(groupID) + "?token=" + url.QueryEscape(token)

	start := time.Now()
	conn, br, _, err := ws.Dial(ctx, u)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	var r io.Reader = conn
	if br != nil {
		r = br
	}
	c := newClient(conn, r, groupID, userID)
	c.dialStart = start
	go c.readLoop()
	return c, nil
}

func newClient(conn net.Conn, r io.Reader, groupID, userID string) *Client {
	c := &Client{
		GroupID:   groupID,
		UserID:    userID,
		conn:      conn,
		r:         r,
		handlers:  make(map[string]func(json.RawMessage)),
		dialStart: time.Now(),
		opened:    make(chan struct{}),
		done:      make(chan struct{}),
	}
	c.alive.Store(true)
	return c
}

// On registers a handler for a server event type. Handlers run on the read
// goroutine. Register them before WaitOpen returns to avoid missing events.
func (c *Client) On(eventType string, handler func(json.RawMessage)) {
	c.mu.Lock()
	c.handlers[eventType] = handler
	c.mu.Unlock()
}

// WaitOpen blocks until session_opened arrives, the server closes the
// socket, or ctx ends. A server close is returned as *CloseError.
func (c *Client) WaitOpen(ctx context.Context) error {
	select {
	case <-c.opened:
		return nil
	case <-c.done:
		if ce := c.CloseStatus(); ce != nil {
			return ce
		}
		return errors.New("connection closed before session opened")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Send writes one command frame. It is goroutine-safe.
func (c *Client) Send(cmd any) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := wsutil.WriteClientMessage(c.conn, ws.OpText, data); err != nil {
		c.countError()
		return err
	}
	c.mu.Lock()
	c.metrics.MessagesSent++
	c.mu.Unlock()
	return nil
}

// SendMessage posts content with a client id stamped with the send time so
// receivers can compute delivery latency with SentAt.
func (c *Client) SendMessage(content string) error {
	return c.Send(map[string]string{
		"type":      TypeSendMessage,
		"content":   content,
		"client_id": c.UserID + "@" + strconv.FormatInt(time.Now().UnixNano(), 10),
	})
}

// SetTyping sends start_typing or stop_typing.
func (c *Client) SetTyping(on bool) error {
	typ := TypeStopTyping
	if on {
		typ = TypeStartTyping
	}
	return c.Send(map[string]string{"type": typ})
}

// SentAt extracts the send time SendMessage stamped into a client id.
func SentAt(clientID string) (time.Time, bool) {
	_, nanos, ok := strings.Cut(clientID, "@")
	if !ok {
		return time.Time{}, false
	}
	n, err := strconv.ParseInt(nanos, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.Unix(0, n), true
}

// Close sends a normal close frame and drops the connection. It is safe to
// call more than once.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.alive.Store(false)
		c.writeMu.Lock()
		_ = wsutil.WriteClientMessage(c.conn, ws.OpClose, ws.NewCloseFrameBody(ws.StatusNormalClosure, ""))
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}

// Alive reports whether the read loop is still running.
func (c *Client) Alive() bool { return c.alive.Load() }

// Done is closed when the read loop exits.
func (c *Client) Done() <-chan struct{} { return c.done }

// ConnectionID is the id from session_opened.
func (c *Client) ConnectionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connID
}

// CloseStatus returns the server's close status, or nil when the server
// has not closed the socket.
func (c *Client) CloseStatus() *CloseError {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeErr
}

// GetMetrics returns a copy of the client's metrics.
func (c *Client) GetMetrics() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.metrics
}

func (c *Client) countError() {
	c.mu.Lock()
	c.metrics.Errors++
	c.mu.Unlock()
}

// readLoop reads frames until the socket closes. Control frames are
// answered here; data frames are decoded and dispatched.
func (c *Client) readLoop() {
	defer close(c.done)
	defer c.alive.Store(false)

	var msg []byte
	for {
		h, err := ws.ReadHeader(c.r)
		if err != nil {
			if c.alive.Load() {
				c.countError()
			}
			return
		}
		payload := make([]byte, h.Length)
		if _, err := io.ReadFull(c.r, payload); err != nil {
			c.countError()
			return
		}
		if h.Masked {
			ws.Cipher(payload, h.Mask, 0)
		}

		switch h.OpCode {
		case ws.OpPing:
			c.writeMu.Lock()
			_ = wsutil.WriteClientMessage(c.conn, ws.OpPong, payload)
			c.writeMu.Unlock()
			continue
		case ws.OpPong:
			continue
		case ws.OpClose:
			code, reason := ws.ParseCloseFrameData(payload)
			c.mu.Lock()
			c.closeErr = &CloseError{Code: int(code), Reason: reason}
			c.mu.Unlock()
			c.Close()
			return
		}

		msg = append(msg, payload...)
		if !h.Fin {
			continue
		}
		c.dispatch(msg)
		msg = nil
	}
}

func (c *Client) dispatch(data []byte) {
	var env struct {
		Type         string `json:"type"`
		ConnectionID string `json:"connection_id"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		c.countError()
		return
	}

	c.mu.Lock()
	c.metrics.MessagesReceived++
	switch env.Type {
	case TypeSessionOpened:
		c.connID = env.ConnectionID
		c.metrics.ConnectLatency = time.Since(c.dialStart)
	case TypeRateLimited:
		c.metrics.RateLimited++
	case TypeError:
		c.metrics.Errors++
	}
	handler := c.handlers[env.Type]
	c.mu.Unlock()

	if env.Type == TypeSessionOpened {
		c.openOnce.Do(func() { close(c.opened) })
	}
	if handler != nil {
		handler(json.RawMessage(data))
	}
}
