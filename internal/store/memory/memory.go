// Package memory is an in-process implementation of store.Store used in
// development and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/whisper/groupchat/internal/chat"
)

type cursorKey struct {
	groupID string
	userID  string
}

// Store keeps everything in maps under a single RWMutex.
type Store struct {
	mu       sync.RWMutex
	groups   map[string]chat.Group
	members  map[string]map[string]struct{}
	messages map[string]*chat.Message
	byGroup  map[string][]string // group id -> message ids, oldest first
	cursors  map[cursorKey]chat.ReadCursor
	last     time.Time
	now      func() time.Time
}

// New returns an empty store.
func New() *Store {
	return &Store{
		groups:   make(map[string]chat.Group),
		members:  make(map[string]map[string]struct{}),
		messages: make(map[string]*chat.Message),
		byGroup:  make(map[string][]string),
		cursors:  make(map[cursorKey]chat.ReadCursor),
		now:      time.Now,
	}
}

// SetClock replaces time.Now for tests.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

// tick returns a strictly increasing microsecond timestamp. Must hold mu.
func (s *Store) tick() time.Time {
	t := s.now().UTC().Truncate(time.Microsecond)
	if !t.After(s.last) {
		t = s.last.Add(time.Microsecond)
	}
	s.last = t
	return t
}

func (s *Store) CreateGroup(_ context.Context, g chat.Group, members []string) (chat.Group, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if g.ID == "" {
		g.ID = uuid.New().String()
	}
	if _, ok := s.groups[g.ID]; ok {
		return chat.Group{}, fmt.Errorf("memory: group %s already exists", g.ID)
	}
	if g.Visibility == "" {
		g.Visibility = chat.VisibilityPrivate
	}
	if g.CreatedAt.IsZero() {
		g.CreatedAt = s.tick()
	}
	s.groups[g.ID] = g
	set := make(map[string]struct{}, len(members))
	for _, m := range members {
		set[m] = struct{}{}
	}
	s.members[g.ID] = set
	return g, nil
}

func (s *Store) AddMember(_ context.Context, groupID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.members[groupID]
	if !ok {
		return chat.ErrNotFound
	}
	set[userID] = struct{}{}
	return nil
}

func (s *Store) FindGroup(_ context.Context, groupID string) (chat.Group, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.groups[groupID]
	if !ok {
		return chat.Group{}, chat.ErrNotFound
	}
	return g, nil
}

func (s *Store) IsMember(_ context.Context, groupID, userID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.members[groupID][userID]
	return ok, nil
}

func (s *Store) GroupMembers(_ context.Context, groupID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	set, ok := s.members[groupID]
	if !ok {
		return nil, chat.ErrNotFound
	}
	out := make([]string, 0, len(set))
	for u := range set {
		out = append(out, u)
	}
	sort.Strings(out)
	return out, nil
}

func (s *Store) GroupsForUser(_ context.Context, userID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for gid, set := range s.members {
		if _, ok := set[userID]; ok {
			out = append(out, gid)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *Store) InsertMessage(_ context.Context, msg chat.Message) (chat.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.groups[msg.GroupID]; !ok {
		return chat.Message{}, chat.ErrNotFound
	}
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if _, dup := s.messages[msg.ID]; dup {
		return chat.Message{}, fmt.Errorf("memory: message %s already exists", msg.ID)
	}
	msg.CreatedAt = s.tick()
	if msg.ReadBy == nil {
		msg.ReadBy = []string{}
	}
	if msg.Reactions == nil {
		msg.Reactions = []chat.Reaction{}
	}
	stored := clone(msg)
	s.messages[msg.ID] = &stored
	s.byGroup[msg.GroupID] = append(s.byGroup[msg.GroupID], msg.ID)
	return clone(stored), nil
}

func (s *Store) MessageByID(_ context.Context, messageID string) (chat.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.messages[messageID]
	if !ok {
		return chat.Message{}, chat.ErrNotFound
	}
	return clone(*m), nil
}

func (s *Store) AppendReadBy(_ context.Context, messageID, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[messageID]
	if !ok {
		return false, chat.ErrNotFound
	}
	if m.ReadByUser(userID) {
		return false, nil
	}
	m.ReadBy = append(m.ReadBy, userID)
	return true, nil
}

func (s *Store) UpsertReaction(_ context.Context, messageID, userID, emoji string) (chat.ReactionChange, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[messageID]
	if !ok {
		return chat.ReactionChange{}, chat.ErrNotFound
	}
	for i, r := range m.Reactions {
		if r.UserID != userID {
			continue
		}
		if r.Emoji == emoji {
			m.Reactions = append(m.Reactions[:i], m.Reactions[i+1:]...)
			return chat.ReactionChange{Action: chat.ReactionToggledOff, Previous: emoji}, nil
		}
		m.Reactions[i] = chat.Reaction{UserID: userID, Emoji: emoji, CreatedAt: s.tick()}
		return chat.ReactionChange{Action: chat.ReactionReplaced, Emoji: emoji, Previous: r.Emoji}, nil
	}
	m.Reactions = append(m.Reactions, chat.Reaction{UserID: userID, Emoji: emoji, CreatedAt: s.tick()})
	return chat.ReactionChange{Action: chat.ReactionAdded, Emoji: emoji}, nil
}

func (s *Store) RemoveReaction(_ context.Context, messageID, userID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[messageID]
	if !ok {
		return "", chat.ErrNotFound
	}
	for i, r := range m.Reactions {
		if r.UserID == userID {
			m.Reactions = append(m.Reactions[:i], m.Reactions[i+1:]...)
			return r.Emoji, nil
		}
	}
	return "", nil
}

func (s *Store) MessagesAfter(_ context.Context, groupID string, after time.Time) ([]chat.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []chat.Message
	for _, id := range s.byGroup[groupID] {
		m := s.messages[id]
		if m.CreatedAt.After(after) {
			out = append(out, clone(*m))
		}
	}
	return out, nil
}

func (s *Store) ListMessages(_ context.Context, groupID string, before time.Time, limit int) ([]chat.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.byGroup[groupID]
	var out []chat.Message
	for i := len(ids) - 1; i >= 0 && len(out) < limit; i-- {
		m := s.messages[ids[i]]
		if !before.IsZero() && !m.CreatedAt.Before(before) {
			continue
		}
		out = append(out, clone(*m))
	}
	return out, nil
}

func (s *Store) ReadCursor(_ context.Context, groupID, userID string) (chat.ReadCursor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.cursors[cursorKey{groupID, userID}]
	if !ok {
		return chat.ReadCursor{GroupID: groupID, UserID: userID}, nil
	}
	return c, nil
}

func (s *Store) AdvanceReadCursor(_ context.Context, c chat.ReadCursor) (chat.ReadCursor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := cursorKey{c.GroupID, c.UserID}
	cur, ok := s.cursors[key]
	if ok && !c.LastReadAt.After(cur.LastReadAt) {
		return cur, nil
	}
	c.LastReadAt = c.LastReadAt.UTC()
	s.cursors[key] = c
	return c, nil
}

func (s *Store) UnreadCount(_ context.Context, groupID, userID string) (chat.UnreadCount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cur := s.cursors[cursorKey{groupID, userID}]
	uc := chat.UnreadCount{GroupID: groupID}
	ids := s.byGroup[groupID]
	for _, id := range ids {
		m := s.messages[id]
		if m.SenderID != userID && m.CreatedAt.After(cur.LastReadAt) {
			uc.Unread++
		}
	}
	if n := len(ids); n > 0 {
		latest := s.messages[ids[n-1]].CreatedAt
		uc.LatestMessageAt = &latest
	}
	return uc, nil
}

func clone(m chat.Message) chat.Message {
	m.Attachments = append([]chat.Attachment(nil), m.Attachments...)
	m.ReadBy = append([]string{}, m.ReadBy...)
	m.Reactions = append([]chat.Reaction{}, m.Reactions...)
	return m
}
