package presence

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/whisper/groupchat/internal/broadcast"
	"github.com/whisper/groupchat/internal/metrics"
	"github.com/whisper/groupchat/internal/protocol"
	"github.com/whisper/groupchat/internal/registry"
)

// capturePublisher records every published event.
type capturePublisher struct {
	mu     sync.Mutex
	events []protocol.OnlineUsers
}

func (p *capturePublisher) Publish(_ context.Context, _ string, ev protocol.Event, _ ...broadcast.Option) (broadcast.Report, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ou, ok := ev.(protocol.OnlineUsers); ok {
		p.events = append(p.events, ou)
	}
	return broadcast.Report{}, nil
}

func (p *capturePublisher) byStatus(status string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.events {
		if e.Status == status {
			n++
		}
	}
	return n
}

// ---------------------------------------------------------------------------
// Transitions
// ---------------------------------------------------------------------------

func TestJoinLeave_Transitions(t *testing.T) {
	pub := &capturePublisher{}
	tr := NewTracker(pub)
	ctx := context.Background()

	if !tr.NotifyJoin(ctx, "g1", "alice") {
		t.Error("first join should transition online")
	}
	if tr.NotifyJoin(ctx, "g1", "alice") {
		t.Error("second device must not transition")
	}
	if tr.NotifyLeave(ctx, "g1", "alice") {
		t.Error("leaving one of two devices must not transition")
	}
	if !tr.IsOnline("g1", "alice") {
		t.Error("alice still has a device online")
	}
	if !tr.NotifyLeave(ctx, "g1", "alice") {
		t.Error("last leave should transition offline")
	}
	if tr.IsOnline("g1", "alice") {
		t.Error("alice should be offline")
	}

	if pub.byStatus(protocol.StatusOnline) != 1 || pub.byStatus(protocol.StatusOffline) != 1 {
		t.Errorf("events = %+v, want one online and one offline", pub.events)
	}
}

func TestEventCarriesMemberList(t *testing.T) {
	pub := &capturePublisher{}
	tr := NewTracker(pub)
	ctx := context.Background()

	tr.NotifyJoin(ctx, "g1", "bob")
	tr.NotifyJoin(ctx, "g1", "alice")
	tr.NotifyLeave(ctx, "g1", "bob")

	last := pub.events[len(pub.events)-1]
	if last.Status != protocol.StatusOffline || last.UserID != "bob" {
		t.Errorf("last event = %+v", last)
	}
	if len(last.Users) != 1 || last.Users[0] != "alice" || last.Count != 1 {
		t.Errorf("users after bob left = %v", last.Users)
	}
	second := pub.events[1]
	if len(second.Users) != 2 || second.Users[0] != "alice" || second.Users[1] != "bob" {
		t.Errorf("users should be sorted, got %v", second.Users)
	}
}

func TestLeaveUnknown_NoOp(t *testing.T) {
	pub := &capturePublisher{}
	tr := NewTracker(pub)
	if tr.NotifyLeave(context.Background(), "g1", "ghost") {
		t.Error("unknown leave must not transition")
	}
	if len(pub.events) != 0 {
		t.Error("unknown leave must not publish")
	}
	if got := tr.CurrentOnline("g1"); len(got) != 0 {
		t.Errorf("CurrentOnline = %v", got)
	}
}

func TestSnapshot(t *testing.T) {
	tr := NewTracker(&capturePublisher{})
	tr.NotifyJoin(context.Background(), "g1", "alice")
	snap := tr.Snapshot("g1")
	if snap.Status != protocol.StatusSnapshot || snap.Count != 1 || snap.Users[0] != "alice" {
		t.Errorf("Snapshot = %+v", snap)
	}
}

// ---------------------------------------------------------------------------
// Presence mirrors registry counts under churn
// ---------------------------------------------------------------------------

func TestPresenceMatchesRegistryUnderChurn(t *testing.T) {
	pub := &capturePublisher{}
	tr := NewTracker(pub)
	reg := registry.New(0)
	ctx := context.Background()

	type nop struct{ registry.Sink }
	var wg sync.WaitGroup
	const n = 50
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := reg.Register("g1", "alice", nop{})
			if err != nil {
				t.Errorf("Register: %v", err)
				return
			}
			tr.NotifyJoin(ctx, "g1", "alice")
			reg.Unregister(id)
			tr.NotifyLeave(ctx, "g1", "alice")
		}()
	}
	wg.Wait()

	if tr.IsOnline("g1", "alice") != (reg.UserConnectionCount("g1", "alice") > 0) {
		t.Error("presence disagrees with registry count")
	}
	if on, off := pub.byStatus(protocol.StatusOnline), pub.byStatus(protocol.StatusOffline); on != off {
		t.Errorf("online=%d offline=%d, transitions must pair up", on, off)
	}
}

func TestOpenCloseSequential_SingleTransitionPair(t *testing.T) {
	pub := &capturePublisher{}
	tr := NewTracker(pub)
	ctx := context.Background()

	const devices = 5
	for i := 0; i < devices; i++ {
		tr.NotifyJoin(ctx, "g1", "alice")
	}
	for i := 0; i < devices; i++ {
		tr.NotifyLeave(ctx, "g1", "alice")
	}
	if got := fmt.Sprint(pub.byStatus(protocol.StatusOnline), pub.byStatus(protocol.StatusOffline)); got != "1 1" {
		t.Errorf("online/offline = %s, want 1 1", got)
	}
}

func TestDeviceSwitch_StaleOfflineDropped(t *testing.T) {
	pub := &capturePublisher{}
	tr := NewTracker(pub)
	ctx := context.Background()
	tr.NotifyJoin(ctx, "g1", "alice")

	// Stall announcements so the leave and the rejoin both change state
	// before either publishes.
	unlock := tr.serial.Lock("g1")
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); tr.NotifyLeave(ctx, "g1", "alice") }()
	waitUntil(t, func() bool { return !tr.IsOnline("g1", "alice") })
	go func() { defer wg.Done(); tr.NotifyJoin(ctx, "g1", "alice") }()
	waitUntil(t, func() bool { return tr.IsOnline("g1", "alice") })
	unlock()
	wg.Wait()

	pub.mu.Lock()
	defer pub.mu.Unlock()
	for _, e := range pub.events {
		if e.Status == protocol.StatusOffline {
			t.Errorf("stale offline published: %+v", pub.events)
		}
	}
	last := pub.events[len(pub.events)-1]
	if last.Status != protocol.StatusOnline || len(last.Users) != 1 || last.Users[0] != "alice" {
		t.Errorf("last event = %+v, want alice online", last)
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

func TestTracker_LeavesGroupGaugeToGateway(t *testing.T) {
	metrics.GroupsActive.Set(7)
	t.Cleanup(func() { metrics.GroupsActive.Set(0) })

	tr := NewTracker(&capturePublisher{})
	ctx := context.Background()
	tr.NotifyJoin(ctx, "g1", "alice")
	tr.NotifyJoin(ctx, "g2", "bob")
	tr.NotifyLeave(ctx, "g1", "alice")

	if got := testutil.ToFloat64(metrics.GroupsActive); got != 7 {
		t.Errorf("groups gauge = %v, want 7 (owned by the gateway)", got)
	}
}
