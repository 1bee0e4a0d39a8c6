package typing

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/whisper/groupchat/internal/broadcast"
	"github.com/whisper/groupchat/internal/protocol"
	"github.com/whisper/groupchat/internal/registry"
)

// fakeClock is advanced manually by tests.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type published struct {
	groupID string
	ev      protocol.TypingUpdate
	opts    int
}

type capturePublisher struct {
	mu   sync.Mutex
	sent []published
}

func (p *capturePublisher) Publish(_ context.Context, groupID string, ev protocol.Event, opts ...broadcast.Option) (broadcast.Report, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, published{groupID: groupID, ev: ev.(protocol.TypingUpdate), opts: len(opts)})
	return broadcast.Report{}, nil
}

func (p *capturePublisher) last() published {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sent[len(p.sent)-1]
}

func (p *capturePublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sent)
}

func newTestStore() (*Store, *capturePublisher, *fakeClock) {
	pub := &capturePublisher{}
	clk := newFakeClock()
	return NewStore(pub, WithClock(clk.Now)), pub, clk
}

// ---------------------------------------------------------------------------
// Set / Clear
// ---------------------------------------------------------------------------

func TestSetTyping_Announces(t *testing.T) {
	s, pub, _ := newTestStore()
	ctx := context.Background()

	if !s.SetTyping(ctx, "g1", "alice") {
		t.Error("first SetTyping should report a new entry")
	}
	got := pub.last()
	if !got.ev.IsTyping || got.ev.UserID != "alice" || got.groupID != "g1" {
		t.Errorf("published %+v", got)
	}
	if got.opts != 1 {
		t.Error("typing updates must exclude the typer")
	}
	if s.SetTyping(ctx, "g1", "alice") {
		t.Error("refresh within TTL is not a new entry")
	}
	if users := s.ActiveTypers("g1"); len(users) != 1 || users[0] != "alice" {
		t.Errorf("ActiveTypers = %v", users)
	}
}

func TestClearTyping_Idempotent(t *testing.T) {
	s, pub, _ := newTestStore()
	ctx := context.Background()

	s.SetTyping(ctx, "g1", "alice")
	if !s.ClearTyping(ctx, "g1", "alice") {
		t.Fatal("first clear should remove the entry")
	}
	if pub.last().ev.IsTyping {
		t.Error("clear should announce is_typing=false")
	}
	n := pub.count()
	if s.ClearTyping(ctx, "g1", "alice") {
		t.Error("second clear must be a no-op")
	}
	if pub.count() != n {
		t.Error("second clear must not announce")
	}
	if len(s.ActiveTypers("g1")) != 0 {
		t.Error("no typers expected")
	}
}

// ---------------------------------------------------------------------------
// Expiry
// ---------------------------------------------------------------------------

func TestActiveTypers_FiltersExpired(t *testing.T) {
	s, _, clk := newTestStore()
	ctx := context.Background()

	s.SetTyping(ctx, "g1", "alice")
	clk.Advance(4900 * time.Millisecond)
	if len(s.ActiveTypers("g1")) != 1 {
		t.Error("entry should still be active before TTL")
	}
	clk.Advance(100 * time.Millisecond)
	if len(s.ActiveTypers("g1")) != 0 {
		t.Error("entry must be filtered at TTL")
	}
}

func TestSweep_ExpiresWithinOneInterval(t *testing.T) {
	s, pub, clk := newTestStore()
	ctx := context.Background()

	s.SetTyping(ctx, "g1", "alice")
	s.SetTyping(ctx, "g1", "bob")
	base := pub.count()

	// Sweeps tick every second; nothing expires before 5s.
	for i := 0; i < 4; i++ {
		clk.Advance(time.Second)
		if n := s.Sweep(ctx); n != 0 {
			t.Fatalf("sweep at %ds removed %d", i+1, n)
		}
	}
	clk.Advance(time.Second)
	if n := s.Sweep(ctx); n != 2 {
		t.Fatalf("sweep at 5s removed %d, want 2", n)
	}
	if pub.count() != base+2 {
		t.Errorf("expected 2 expiry announcements, got %d", pub.count()-base)
	}
	if pub.last().ev.IsTyping {
		t.Error("expiry must announce is_typing=false")
	}
	if s.ClearTyping(ctx, "g1", "alice") {
		t.Error("swept entry should already be gone")
	}
}

func TestSweep_RefreshExtends(t *testing.T) {
	s, _, clk := newTestStore()
	ctx := context.Background()

	s.SetTyping(ctx, "g1", "alice")
	clk.Advance(4 * time.Second)
	s.SetTyping(ctx, "g1", "alice")
	clk.Advance(2 * time.Second)
	if n := s.Sweep(ctx); n != 0 {
		t.Errorf("refreshed entry swept early (%d)", n)
	}
	clk.Advance(3 * time.Second)
	if n := s.Sweep(ctx); n != 1 {
		t.Errorf("refreshed entry not swept after TTL (%d)", n)
	}
}

func TestSweep_RacingRefreshNotUndone(t *testing.T) {
	s, pub, clk := newTestStore()
	ctx := context.Background()
	s.SetTyping(ctx, "g1", "alice")
	clk.Advance(5 * time.Second)
	base := pub.count()

	// Stall announcements so the sweep and the refresh both change state
	// before either publishes.
	unlock := s.serial.Lock("g1")
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); s.Sweep(ctx) }()
	waitUntil(t, func() bool {
		s.mu.RLock()
		defer s.mu.RUnlock()
		return s.groups["g1"] == nil
	})
	go func() { defer wg.Done(); s.SetTyping(ctx, "g1", "alice") }()
	waitUntil(t, func() bool { return len(s.ActiveTypers("g1")) == 1 })
	unlock()
	wg.Wait()

	pub.mu.Lock()
	defer pub.mu.Unlock()
	for _, p := range pub.sent[base:] {
		if !p.ev.IsTyping {
			t.Errorf("stale is_typing=false published after refresh: %+v", pub.sent[base:])
		}
	}
	if len(pub.sent) == base || !pub.sent[len(pub.sent)-1].ev.IsTyping {
		t.Error("refresh should leave peers with is_typing=true")
	}
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(time.Millisecond)
	}
}

// ---------------------------------------------------------------------------
// Sweeper service delivers expiry to peers without polling
// ---------------------------------------------------------------------------

type chanSink struct{ frames chan []byte }

func (c chanSink) Send(b []byte) error { c.frames <- b; return nil }
func (c chanSink) Close() error        { return nil }

func TestServe_PeerSeesExpiry(t *testing.T) {
	reg := registry.New(0)
	router := broadcast.NewRouter(reg)
	bob := chanSink{frames: make(chan []byte, 8)}
	reg.Register("g1", "bob", bob)

	s := NewStore(router, WithTTL(50*time.Millisecond), WithSweepInterval(10*time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Serve(ctx)

	s.SetTyping(ctx, "g1", "alice")

	want := []bool{true, false}
	for _, w := range want {
		select {
		case frame := <-bob.frames:
			typ, _ := protocol.PeekType(frame)
			if typ != protocol.TypeTypingUpdate {
				t.Fatalf("frame type = %q", typ)
			}
			isTyping := strings.Contains(string(frame), `"is_typing":true`)
			if isTyping != w {
				t.Fatalf("is_typing = %v, want %v (%s)", isTyping, w, frame)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for is_typing=%v", w)
		}
	}
}
