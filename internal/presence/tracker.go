// Package presence tracks which users have at least one live connection in
// each group and announces the 0→1 and 1→0 transitions.
package presence

import (
	"context"
	"slices"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/whisper/groupchat/internal/broadcast"
	"github.com/whisper/groupchat/internal/logging"
	"github.com/whisper/groupchat/internal/protocol"
)

// Publisher fans events out to a group.
type Publisher interface {
	Publish(ctx context.Context, groupID string, ev protocol.Event, opts ...broadcast.Option) (broadcast.Report, error)
}

type groupPresence struct {
	mu     sync.Mutex
	counts map[string]int
}

// Tracker is safe for concurrent use.
type Tracker struct {
	pub    Publisher
	serial *broadcast.Serial
	log    zerolog.Logger

	mu     sync.RWMutex
	groups map[string]*groupPresence
}

// NewTracker returns a tracker that announces transitions through pub.
func NewTracker(pub Publisher) *Tracker {
	return &Tracker{
		pub:    pub,
		serial: broadcast.NewSerial(),
		log:    logging.Component("presence"),
		groups: make(map[string]*groupPresence),
	}
}

// NotifyJoin records one more connection for userID. It reports whether the
// user just came online.
func (t *Tracker) NotifyJoin(ctx context.Context, groupID, userID string) bool {
	t.mu.Lock()
	gp, ok := t.groups[groupID]
	if !ok {
		gp = &groupPresence{counts: make(map[string]int)}
		t.groups[groupID] = gp
	}
	gp.mu.Lock()
	t.mu.Unlock()

	gp.counts[userID]++
	online := gp.counts[userID] == 1
	gp.mu.Unlock()

	if online {
		t.announce(ctx, groupID, userID, protocol.StatusOnline)
	}
	return online
}

// NotifyLeave records one fewer connection for userID. It reports whether
// the user just went offline. Leaving without a matching join is a no-op.
func (t *Tracker) NotifyLeave(ctx context.Context, groupID, userID string) bool {
	t.mu.Lock()
	gp, ok := t.groups[groupID]
	if !ok {
		t.mu.Unlock()
		return false
	}
	gp.mu.Lock()

	n, known := gp.counts[userID]
	if !known {
		gp.mu.Unlock()
		t.mu.Unlock()
		return false
	}
	offline := n <= 1
	if offline {
		delete(gp.counts, userID)
	} else {
		gp.counts[userID] = n - 1
	}
	if len(gp.counts) == 0 {
		delete(t.groups, groupID)
	}
	gp.mu.Unlock()
	t.mu.Unlock()

	if offline {
		t.announce(ctx, groupID, userID, protocol.StatusOffline)
	}
	return offline
}

// CurrentOnline returns the sorted users online in groupID.
func (t *Tracker) CurrentOnline(groupID string) []string {
	t.mu.RLock()
	gp := t.groups[groupID]
	t.mu.RUnlock()
	if gp == nil {
		return []string{}
	}
	gp.mu.Lock()
	defer gp.mu.Unlock()
	return sortedUsers(gp.counts)
}

// IsOnline reports whether userID has a live connection in groupID.
func (t *Tracker) IsOnline(groupID, userID string) bool {
	t.mu.RLock()
	gp := t.groups[groupID]
	t.mu.RUnlock()
	if gp == nil {
		return false
	}
	gp.mu.Lock()
	defer gp.mu.Unlock()
	return gp.counts[userID] > 0
}

// Snapshot builds the reply to get_online_users.
func (t *Tracker) Snapshot(groupID string) protocol.OnlineUsers {
	users := t.CurrentOnline(groupID)
	return protocol.OnlineUsers{
		GroupID: groupID,
		Status:  protocol.StatusSnapshot,
		Users:   users,
		Count:   len(users),
	}
}

// announce publishes a transition with the group's current member list.
// Announcements for a group are serialized and re-read the state first: a
// transition already undone by a later one is dropped, since the later one
// announces the state peers should end up with.
func (t *Tracker) announce(ctx context.Context, groupID, userID, status string) {
	unlock := t.serial.Lock(groupID)
	defer unlock()

	users := t.CurrentOnline(groupID)
	if slices.Contains(users, userID) != (status == protocol.StatusOnline) {
		t.log.Debug().
			Str("group_id", groupID).
			Str("user_id", userID).
			Str("status", status).
			Msg("presence transition superseded")
		return
	}

	t.log.Debug().
		Str("group_id", groupID).
		Str("user_id", userID).
		Str("status", status).
		Int("online", len(users)).
		Msg("presence transition")

	ev := protocol.OnlineUsers{
		GroupID: groupID,
		UserID:  userID,
		Status:  status,
		Users:   users,
		Count:   len(users),
	}
	if _, err := t.pub.Publish(ctx, groupID, ev); err != nil {
		t.log.Error().Err(err).Str("group_id", groupID).Msg("publish presence")
	}
}

func sortedUsers(counts map[string]int) []string {
	users := make([]string, 0, len(counts))
	for u, n := range counts {
		if n > 0 {
			users = append(users, u)
		}
	}
	sort.Strings(users)
	return users
}
