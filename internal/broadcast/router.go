// Package broadcast fans outbound events out to every live connection of a
// group. A publish encodes the event once, snapshots the group's connections
// and writes to each one concurrently with no registry lock held.
package broadcast

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/whisper/groupchat/internal/logging"
	"github.com/whisper/groupchat/internal/metrics"
	"github.com/whisper/groupchat/internal/protocol"
	"github.com/whisper/groupchat/internal/registry"
)

// ConnectionSource is the registry view the router needs.
type ConnectionSource interface {
	ConnectionsFor(groupID string) []registry.Connection
	Get(connID string) (registry.Connection, bool)
}

// DeliveryError records a failed send to one connection.
type DeliveryError struct {
	ConnID string
	UserID string
	Err    error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("broadcast: deliver to conn %s (user %s): %v", e.ConnID, e.UserID, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// Report summarizes one publish.
type Report struct {
	Targeted  int
	Delivered int
	Failed    []*DeliveryError
}

type publishOptions struct {
	excludeUser string
	excludeConn string
}

// Option narrows the set of recipients.
type Option func(*publishOptions)

// ExcludeUser skips every connection belonging to userID.
func ExcludeUser(userID string) Option {
	return func(o *publishOptions) { o.excludeUser = userID }
}

// ExcludeConn skips a single connection.
func ExcludeConn(connID string) Option {
	return func(o *publishOptions) { o.excludeConn = connID }
}

// Router delivers events to group members.
type Router struct {
	conns ConnectionSource
	log   zerolog.Logger
}

// NewRouter returns a router reading connections from conns.
func NewRouter(conns ConnectionSource) *Router {
	return &Router{
		conns: conns,
		log:   logging.Component("broadcast"),
	}
}

// Publish sends ev to the group's connections. A failed send closes that
// connection's sink, which unwinds through the gateway's cleanup path; the
// remaining connections still receive the event. The returned error is set
// only when the event cannot be encoded.
func (r *Router) Publish(ctx context.Context, groupID string, ev protocol.Event, opts ...Option) (Report, error) {
	var o publishOptions
	for _, opt := range opts {
		opt(&o)
	}

	data, err := protocol.Encode(ev)
	if err != nil {
		return Report{}, err
	}

	snapshot := r.conns.ConnectionsFor(groupID)
	targets := snapshot[:0:0]
	for _, c := range snapshot {
		if c.UserID == o.excludeUser && o.excludeUser != "" {
			continue
		}
		if c.ID == o.excludeConn && o.excludeConn != "" {
			continue
		}
		targets = append(targets, c)
	}

	metrics.EventsPublished.WithLabelValues(ev.EventType()).Inc()
	metrics.FanoutSize.Observe(float64(len(targets)))

	rep := Report{Targeted: len(targets)}
	if len(targets) == 0 {
		return rep, nil
	}

	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	for _, c := range targets {
		wg.Add(1)
		go func(c registry.Connection) {
			defer wg.Done()
			if err := c.Sink.Send(data); err != nil {
				derr := &DeliveryError{ConnID: c.ID, UserID: c.UserID, Err: err}
				r.evict(ctx, c, derr)
				mu.Lock()
				rep.Failed = append(rep.Failed, derr)
				mu.Unlock()
				return
			}
			mu.Lock()
			rep.Delivered++
			mu.Unlock()
		}(c)
	}
	wg.Wait()

	return rep, nil
}

// SendTo delivers ev to a single connection.
func (r *Router) SendTo(ctx context.Context, connID string, ev protocol.Event) error {
	c, ok := r.conns.Get(connID)
	if !ok {
		return fmt.Errorf("broadcast: connection %s not registered", connID)
	}
	return r.SendToConn(ctx, c, ev)
}

// SendToConn delivers ev to c without a registry lookup.
func (r *Router) SendToConn(ctx context.Context, c registry.Connection, ev protocol.Event) error {
	data, err := protocol.Encode(ev)
	if err != nil {
		return err
	}
	if err := c.Sink.Send(data); err != nil {
		derr := &DeliveryError{ConnID: c.ID, UserID: c.UserID, Err: err}
		r.evict(ctx, c, derr)
		return derr
	}
	return nil
}

// evict treats a failed send as an implicit disconnect.
func (r *Router) evict(ctx context.Context, c registry.Connection, derr *DeliveryError) {
	metrics.DeliveryFailures.Inc()
	r.log.Warn().
		Err(derr.Err).
		Str("conn_id", c.ID).
		Str("user_id", c.UserID).
		Str("group_id", c.GroupID).
		Bool("ctx_done", ctx.Err() != nil).
		Msg("delivery failed, closing connection")
	if err := c.Sink.Close(); err != nil {
		r.log.Debug().Err(err).Str("conn_id", c.ID).Msg("close after delivery failure")
	}
}
