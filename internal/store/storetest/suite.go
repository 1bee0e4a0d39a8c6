// Package storetest holds behaviour tests shared by every store.Store
// implementation.
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/whisper/groupchat/internal/chat"
	"github.com/whisper/groupchat/internal/store"
)

// Factory returns a fresh, empty store for one subtest.
type Factory func(t *testing.T) store.Store

// Run executes the suite against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s store.Store)
	}{
		{"GroupsAndMembership", testGroupsAndMembership},
		{"InsertAndFetch", testInsertAndFetch},
		{"AppendReadBy", testAppendReadBy},
		{"ReactionToggleAndReplace", testReactionToggleAndReplace},
		{"RemoveReaction", testRemoveReaction},
		{"ListMessagesPaging", testListMessagesPaging},
		{"MessagesAfter", testMessagesAfter},
		{"ReadCursorMonotonic", testReadCursorMonotonic},
		{"UnreadCount", testUnreadCount},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, newStore(t))
		})
	}
}

func seedGroup(t *testing.T, s store.Store, members ...string) chat.Group {
	t.Helper()
	g, err := s.CreateGroup(context.Background(), chat.Group{Name: "test", CreatedBy: members[0]}, members)
	if err != nil {
		t.Fatalf("CreateGroup() error: %v", err)
	}
	return g
}

func send(t *testing.T, s store.Store, groupID, sender, content string) chat.Message {
	t.Helper()
	m, err := s.InsertMessage(context.Background(), chat.Message{GroupID: groupID, SenderID: sender, Content: content})
	if err != nil {
		t.Fatalf("InsertMessage() error: %v", err)
	}
	return m
}

func testGroupsAndMembership(t *testing.T, s store.Store) {
	ctx := context.Background()
	g := seedGroup(t, s, "alice", "bob")

	got, err := s.FindGroup(ctx, g.ID)
	if err != nil || got.ID != g.ID {
		t.Fatalf("FindGroup = %+v, %v", got, err)
	}
	if _, err := s.FindGroup(ctx, "00000000-0000-0000-0000-000000000000"); !errors.Is(err, chat.ErrNotFound) {
		t.Errorf("FindGroup(unknown) err = %v, want ErrNotFound", err)
	}

	if ok, _ := s.IsMember(ctx, g.ID, "alice"); !ok {
		t.Error("alice should be a member")
	}
	if ok, _ := s.IsMember(ctx, g.ID, "mallory"); ok {
		t.Error("mallory should not be a member")
	}
	if err := s.AddMember(ctx, g.ID, "carol"); err != nil {
		t.Fatalf("AddMember: %v", err)
	}
	members, _ := s.GroupMembers(ctx, g.ID)
	if len(members) != 3 {
		t.Errorf("GroupMembers = %v", members)
	}
	groups, _ := s.GroupsForUser(ctx, "carol")
	if len(groups) != 1 || groups[0] != g.ID {
		t.Errorf("GroupsForUser(carol) = %v", groups)
	}
}

func testInsertAndFetch(t *testing.T, s store.Store) {
	ctx := context.Background()
	g := seedGroup(t, s, "alice")

	m, err := s.InsertMessage(ctx, chat.Message{
		GroupID:     g.ID,
		SenderID:    "alice",
		Content:     "hi",
		ClientID:    "c-1",
		Attachments: []chat.Attachment{{URL: "https://x/a.png", MimeType: "image/png"}},
	})
	if err != nil {
		t.Fatalf("InsertMessage() error: %v", err)
	}
	if m.ID == "" || m.CreatedAt.IsZero() {
		t.Errorf("stored message missing id or timestamp: %+v", m)
	}

	got, err := s.MessageByID(ctx, m.ID)
	if err != nil {
		t.Fatalf("MessageByID() error: %v", err)
	}
	if got.Content != "hi" || got.ClientID != "c-1" || len(got.Attachments) != 1 {
		t.Errorf("fetched %+v", got)
	}
	if _, err := s.MessageByID(ctx, "00000000-0000-0000-0000-000000000000"); !errors.Is(err, chat.ErrNotFound) {
		t.Errorf("MessageByID(unknown) err = %v", err)
	}
}

func testAppendReadBy(t *testing.T, s store.Store) {
	ctx := context.Background()
	g := seedGroup(t, s, "alice", "bob")
	m := send(t, s, g.ID, "alice", "hi")

	added, err := s.AppendReadBy(ctx, m.ID, "bob")
	if err != nil || !added {
		t.Fatalf("AppendReadBy = %v, %v", added, err)
	}
	added, _ = s.AppendReadBy(ctx, m.ID, "bob")
	if added {
		t.Error("second AppendReadBy should report no change")
	}
	got, _ := s.MessageByID(ctx, m.ID)
	if len(got.ReadBy) != 1 || got.ReadBy[0] != "bob" {
		t.Errorf("ReadBy = %v", got.ReadBy)
	}
}

func testReactionToggleAndReplace(t *testing.T, s store.Store) {
	ctx := context.Background()
	g := seedGroup(t, s, "alice", "bob")
	m := send(t, s, g.ID, "alice", "hi")

	ch, err := s.UpsertReaction(ctx, m.ID, "bob", "👍")
	if err != nil || ch.Action != chat.ReactionAdded {
		t.Fatalf("first reaction = %+v, %v", ch, err)
	}
	ch, _ = s.UpsertReaction(ctx, m.ID, "bob", "👍")
	if ch.Action != chat.ReactionToggledOff {
		t.Errorf("same emoji should toggle off, got %+v", ch)
	}
	got, _ := s.MessageByID(ctx, m.ID)
	if _, ok := got.ReactionFor("bob"); ok {
		t.Error("bob should have no reaction after toggle")
	}

	s.UpsertReaction(ctx, m.ID, "bob", "👍")
	ch, _ = s.UpsertReaction(ctx, m.ID, "bob", "🎉")
	if ch.Action != chat.ReactionReplaced || ch.Previous != "👍" || ch.Emoji != "🎉" {
		t.Errorf("different emoji should replace, got %+v", ch)
	}
	got, _ = s.MessageByID(ctx, m.ID)
	n := 0
	for _, r := range got.Reactions {
		if r.UserID == "bob" {
			n++
			if r.Emoji != "🎉" {
				t.Errorf("bob reaction = %q, want latest", r.Emoji)
			}
		}
	}
	if n != 1 {
		t.Errorf("bob holds %d reactions, want exactly 1", n)
	}
}

func testRemoveReaction(t *testing.T, s store.Store) {
	ctx := context.Background()
	g := seedGroup(t, s, "alice", "bob")
	m := send(t, s, g.ID, "alice", "hi")

	if emoji, _ := s.RemoveReaction(ctx, m.ID, "bob"); emoji != "" {
		t.Errorf("remove without reaction returned %q", emoji)
	}
	s.UpsertReaction(ctx, m.ID, "bob", "❤️")
	emoji, err := s.RemoveReaction(ctx, m.ID, "bob")
	if err != nil || emoji != "❤️" {
		t.Errorf("RemoveReaction = %q, %v", emoji, err)
	}
}

func testListMessagesPaging(t *testing.T, s store.Store) {
	ctx := context.Background()
	g := seedGroup(t, s, "alice")
	var sent []chat.Message
	for _, c := range []string{"1", "2", "3", "4", "5"} {
		sent = append(sent, send(t, s, g.ID, "alice", c))
	}

	page, err := s.ListMessages(ctx, g.ID, time.Time{}, 2)
	if err != nil {
		t.Fatalf("ListMessages() error: %v", err)
	}
	if len(page) != 2 || page[0].Content != "5" || page[1].Content != "4" {
		t.Fatalf("first page = %v", contents(page))
	}

	page, _ = s.ListMessages(ctx, g.ID, page[1].CreatedAt, 10)
	if got := contents(page); len(got) != 3 || got[0] != "3" || got[2] != "1" {
		t.Errorf("second page = %v", got)
	}
	_ = sent
}

func testMessagesAfter(t *testing.T, s store.Store) {
	ctx := context.Background()
	g := seedGroup(t, s, "alice")
	first := send(t, s, g.ID, "alice", "a")
	send(t, s, g.ID, "alice", "b")
	send(t, s, g.ID, "alice", "c")

	after, err := s.MessagesAfter(ctx, g.ID, first.CreatedAt)
	if err != nil {
		t.Fatalf("MessagesAfter() error: %v", err)
	}
	if got := contents(after); len(got) != 2 || got[0] != "b" || got[1] != "c" {
		t.Errorf("MessagesAfter = %v", got)
	}
}

func testReadCursorMonotonic(t *testing.T, s store.Store) {
	ctx := context.Background()
	g := seedGroup(t, s, "alice")
	t1 := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	t0 := t1.Add(-time.Hour)

	c, err := s.ReadCursor(ctx, g.ID, "alice")
	if err != nil || !c.LastReadAt.IsZero() {
		t.Fatalf("initial cursor = %+v, %v", c, err)
	}
	c, _ = s.AdvanceReadCursor(ctx, chat.ReadCursor{GroupID: g.ID, UserID: "alice", LastReadAt: t1})
	if !c.LastReadAt.Equal(t1) {
		t.Errorf("advanced cursor = %v", c.LastReadAt)
	}
	c, _ = s.AdvanceReadCursor(ctx, chat.ReadCursor{GroupID: g.ID, UserID: "alice", LastReadAt: t0})
	if !c.LastReadAt.Equal(t1) {
		t.Errorf("cursor moved backwards to %v", c.LastReadAt)
	}
	stored, _ := s.ReadCursor(ctx, g.ID, "alice")
	if !stored.LastReadAt.Equal(t1) {
		t.Errorf("stored cursor = %v", stored.LastReadAt)
	}
}

func testUnreadCount(t *testing.T, s store.Store) {
	ctx := context.Background()
	g := seedGroup(t, s, "alice", "bob")

	uc, err := s.UnreadCount(ctx, g.ID, "bob")
	if err != nil || uc.Unread != 0 || uc.LatestMessageAt != nil {
		t.Fatalf("empty group unread = %+v, %v", uc, err)
	}

	send(t, s, g.ID, "alice", "1")
	send(t, s, g.ID, "bob", "mine")
	last := send(t, s, g.ID, "alice", "2")

	uc, _ = s.UnreadCount(ctx, g.ID, "bob")
	if uc.Unread != 2 {
		t.Errorf("bob unread = %d, want 2 (own message excluded)", uc.Unread)
	}
	if uc.LatestMessageAt == nil || !uc.LatestMessageAt.Equal(last.CreatedAt) {
		t.Errorf("LatestMessageAt = %v, want %v", uc.LatestMessageAt, last.CreatedAt)
	}

	s.AdvanceReadCursor(ctx, chat.ReadCursor{GroupID: g.ID, UserID: "bob", LastReadAt: last.CreatedAt, LastMessageID: last.ID})
	uc, _ = s.UnreadCount(ctx, g.ID, "bob")
	if uc.Unread != 0 {
		t.Errorf("unread after cursor = %d, want 0", uc.Unread)
	}
}

func contents(ms []chat.Message) []string {
	out := make([]string, len(ms))
	for i, m := range ms {
		out[i] = m.Content
	}
	return out
}
