package ws

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/whisper/groupchat/internal/logging"
	"github.com/whisper/groupchat/internal/registry"
)

// Pinger is implemented by sinks that accept protocol-level pings.
type Pinger interface {
	Ping() error
}

// Heartbeat periodically pings every registered connection. A failed ping
// closes the sink, which ends that session's read loop and runs its
// cleanup. Silent peers are caught by the gateway's idle read deadline,
// which each pong resets.
type Heartbeat struct {
	reg      *registry.Registry
	interval time.Duration
	log      zerolog.Logger
}

// NewHeartbeat returns a heartbeat that pings every interval.
func NewHeartbeat(reg *registry.Registry, interval time.Duration) *Heartbeat {
	return &Heartbeat{
		reg:      reg,
		interval: interval,
		log:      logging.Component("ws"),
	}
}

// Serve runs until ctx is cancelled. It implements suture.Service.
func (h *Heartbeat) Serve(ctx context.Context) error {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			h.PingAll()
		}
	}
}

func (h *Heartbeat) String() string { return "ws-heartbeat" }

// PingAll pings each connection once and returns how many were closed.
func (h *Heartbeat) PingAll() int {
	closed := 0
	for _, c := range h.reg.All() {
		p, ok := c.Sink.(Pinger)
		if !ok {
			continue
		}
		if err := p.Ping(); err != nil {
			h.log.Info().Err(err).
				Str("conn_id", c.ID).
				Str("user_id", c.UserID).
				Str("group_id", c.GroupID).
				Msg("heartbeat ping failed")
			_ = c.Sink.Close()
			closed++
		}
	}
	return closed
}
