// Package typing holds ephemeral "user is typing" indicators per group.
// Entries expire after a TTL; reads filter expired entries and a periodic
// sweep removes them and announces the cleared state to the group.
package typing

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/whisper/groupchat/internal/broadcast"
	"github.com/whisper/groupchat/internal/logging"
	"github.com/whisper/groupchat/internal/metrics"
	"github.com/whisper/groupchat/internal/protocol"
)

const (
	DefaultTTL           = 5 * time.Second
	DefaultSweepInterval = 1 * time.Second
)

// Publisher fans events out to a group.
type Publisher interface {
	Publish(ctx context.Context, groupID string, ev protocol.Event, opts ...broadcast.Option) (broadcast.Report, error)
}

// Option configures a Store.
type Option func(*Store)

// WithTTL sets how long an entry lives without a refresh.
func WithTTL(d time.Duration) Option { return func(s *Store) { s.ttl = d } }

// WithSweepInterval sets the sweeper tick.
func WithSweepInterval(d time.Duration) Option { return func(s *Store) { s.interval = d } }

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option { return func(s *Store) { s.now = now } }

type groupTyping struct {
	mu     sync.Mutex
	expiry map[string]time.Time // user id -> expiry
}

// Store is safe for concurrent use.
type Store struct {
	pub      Publisher
	serial   *broadcast.Serial
	ttl      time.Duration
	interval time.Duration
	now      func() time.Time
	log      zerolog.Logger

	mu     sync.RWMutex
	groups map[string]*groupTyping
}

// NewStore returns a store announcing changes through pub.
func NewStore(pub Publisher, opts ...Option) *Store {
	s := &Store{
		pub:      pub,
		serial:   broadcast.NewSerial(),
		ttl:      DefaultTTL,
		interval: DefaultSweepInterval,
		now:      time.Now,
		log:      logging.Component("typing"),
		groups:   make(map[string]*groupTyping),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// SetTyping inserts or refreshes the entry for (groupID, userID) and tells
// the rest of the group. The typer's own connections are excluded. It
// reports whether the entry is new (absent or already expired).
func (s *Store) SetTyping(ctx context.Context, groupID, userID string) bool {
	now := s.now()

	s.mu.Lock()
	gt, ok := s.groups[groupID]
	if !ok {
		gt = &groupTyping{expiry: make(map[string]time.Time)}
		s.groups[groupID] = gt
	}
	gt.mu.Lock()
	s.mu.Unlock()

	exp, had := gt.expiry[userID]
	fresh := !had || !now.Before(exp)
	gt.expiry[userID] = now.Add(s.ttl)
	gt.mu.Unlock()

	s.announce(ctx, groupID, userID, true)
	return fresh
}

// ClearTyping removes the entry and announces it. Clearing an absent entry
// is a no-op and announces nothing.
func (s *Store) ClearTyping(ctx context.Context, groupID, userID string) bool {
	if !s.remove(groupID, userID) {
		return false
	}
	s.announce(ctx, groupID, userID, false)
	return true
}

func (s *Store) remove(groupID, userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	gt, ok := s.groups[groupID]
	if !ok {
		return false
	}
	gt.mu.Lock()
	defer gt.mu.Unlock()
	if _, ok := gt.expiry[userID]; !ok {
		return false
	}
	delete(gt.expiry, userID)
	if len(gt.expiry) == 0 {
		delete(s.groups, groupID)
	}
	return true
}

// ActiveTypers returns the sorted users whose entries have not expired.
func (s *Store) ActiveTypers(groupID string) []string {
	now := s.now()
	s.mu.RLock()
	gt := s.groups[groupID]
	s.mu.RUnlock()
	if gt == nil {
		return []string{}
	}

	gt.mu.Lock()
	users := make([]string, 0, len(gt.expiry))
	for u, exp := range gt.expiry {
		if now.Before(exp) {
			users = append(users, u)
		}
	}
	gt.mu.Unlock()
	sort.Strings(users)
	return users
}

type expired struct {
	groupID string
	userID  string
}

// Sweep removes every expired entry and announces each one. It returns the
// number removed.
func (s *Store) Sweep(ctx context.Context) int {
	now := s.now()
	var gone []expired

	s.mu.Lock()
	for gid, gt := range s.groups {
		gt.mu.Lock()
		for uid, exp := range gt.expiry {
			if !now.Before(exp) {
				delete(gt.expiry, uid)
				gone = append(gone, expired{groupID: gid, userID: uid})
			}
		}
		if len(gt.expiry) == 0 {
			delete(s.groups, gid)
		}
		gt.mu.Unlock()
	}
	s.mu.Unlock()

	for _, e := range gone {
		s.announce(ctx, e.groupID, e.userID, false)
	}
	if len(gone) > 0 {
		metrics.TypingExpired.Add(float64(len(gone)))
		s.log.Debug().Int("expired", len(gone)).Msg("typing sweep")
	}
	return len(gone)
}

// Serve runs the sweep loop until ctx is cancelled. It implements
// suture.Service.
func (s *Store) Serve(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

func (s *Store) String() string { return "typing-sweeper" }

// announce publishes isTyping for userID. Announcements for a group are
// serialized and re-check the entry first, so a clear that lost a race with
// a refresh (or the reverse) is dropped instead of published out of order.
func (s *Store) announce(ctx context.Context, groupID, userID string, isTyping bool) {
	unlock := s.serial.Lock(groupID)
	defer unlock()

	if s.isTyping(groupID, userID) != isTyping {
		s.log.Debug().Str("group_id", groupID).Str("user_id", userID).Bool("is_typing", isTyping).Msg("typing update superseded")
		return
	}
	ev := protocol.TypingUpdate{GroupID: groupID, UserID: userID, IsTyping: isTyping}
	if _, err := s.pub.Publish(ctx, groupID, ev, broadcast.ExcludeUser(userID)); err != nil {
		s.log.Error().Err(err).Str("group_id", groupID).Msg("publish typing update")
	}
}

func (s *Store) isTyping(groupID, userID string) bool {
	s.mu.RLock()
	gt := s.groups[groupID]
	s.mu.RUnlock()
	if gt == nil {
		return false
	}
	gt.mu.Lock()
	defer gt.mu.Unlock()
	exp, ok := gt.expiry[userID]
	return ok && s.now().Before(exp)
}
