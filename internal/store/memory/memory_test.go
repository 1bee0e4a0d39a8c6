package memory

import (
	"context"
	"testing"
	"time"

	"github.com/whisper/groupchat/internal/chat"
	"github.com/whisper/groupchat/internal/store"
	"github.com/whisper/groupchat/internal/store/storetest"
)

var _ store.Store = (*Store)(nil)

func TestConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store { return New() })
}

func TestTimestampsStrictlyIncrease(t *testing.T) {
	s := New()
	frozen := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s.SetClock(func() time.Time { return frozen })

	ctx := context.Background()
	g, _ := s.CreateGroup(ctx, chat.Group{Name: "g"}, []string{"a"})
	m1, _ := s.InsertMessage(ctx, chat.Message{GroupID: g.ID, SenderID: "a", Content: "1"})
	m2, _ := s.InsertMessage(ctx, chat.Message{GroupID: g.ID, SenderID: "a", Content: "2"})
	if !m2.CreatedAt.After(m1.CreatedAt) {
		t.Errorf("timestamps not increasing: %v then %v", m1.CreatedAt, m2.CreatedAt)
	}
}

func TestInsertUnknownGroup(t *testing.T) {
	_, err := New().InsertMessage(context.Background(), chat.Message{GroupID: "nope", SenderID: "a", Content: "x"})
	if err != chat.ErrNotFound {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestReturnedMessagesAreCopies(t *testing.T) {
	s := New()
	ctx := context.Background()
	g, _ := s.CreateGroup(ctx, chat.Group{Name: "g"}, []string{"a", "b"})
	m, _ := s.InsertMessage(ctx, chat.Message{GroupID: g.ID, SenderID: "a", Content: "x"})

	m.ReadBy = append(m.ReadBy, "intruder")
	got, _ := s.MessageByID(ctx, m.ID)
	if len(got.ReadBy) != 0 {
		t.Errorf("caller mutation leaked into store: %v", got.ReadBy)
	}
}

func TestSeedIsIdempotent(t *testing.T) {
	s := New()
	ctx := context.Background()
	groups := []store.SeedGroup{
		{Group: chat.Group{ID: "general", Name: "General"}, Members: []string{"alice", "bob"}},
	}

	n, err := store.Seed(ctx, s, groups)
	if err != nil || n != 1 {
		t.Fatalf("first Seed() = %d, %v; want 1, nil", n, err)
	}

	groups[0].Members = append(groups[0].Members, "carol")
	n, err = store.Seed(ctx, s, groups)
	if err != nil || n != 0 {
		t.Fatalf("second Seed() = %d, %v; want 0, nil", n, err)
	}

	members, _ := s.GroupMembers(ctx, "general")
	if len(members) != 3 {
		t.Errorf("members = %v, want alice, bob and carol", members)
	}
	g, _ := s.FindGroup(ctx, "general")
	if g.Visibility != chat.VisibilityPrivate {
		t.Errorf("visibility = %q, want private default", g.Visibility)
	}
}
