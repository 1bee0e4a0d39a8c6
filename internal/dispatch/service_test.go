package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/whisper/groupchat/internal/ban"
	"github.com/whisper/groupchat/internal/broadcast"
	"github.com/whisper/groupchat/internal/chat"
	"github.com/whisper/groupchat/internal/messaging"
	"github.com/whisper/groupchat/internal/presence"
	"github.com/whisper/groupchat/internal/protocol"
	"github.com/whisper/groupchat/internal/ratelimit"
	"github.com/whisper/groupchat/internal/registry"
	"github.com/whisper/groupchat/internal/store"
	"github.com/whisper/groupchat/internal/store/memory"
	"github.com/whisper/groupchat/internal/typing"
)

// ---------------------------------------------------------------------------
// Harness
// ---------------------------------------------------------------------------

type frame map[string]any

type recordingSink struct {
	mu     sync.Mutex
	frames []frame
}

func (s *recordingSink) Send(data []byte) error {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	s.mu.Lock()
	s.frames = append(s.frames, f)
	s.mu.Unlock()
	return nil
}

func (s *recordingSink) Close() error { return nil }

// ofType returns received frames with the given type.
func (s *recordingSink) ofType(typ string) []frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []frame
	for _, f := range s.frames {
		if f["type"] == typ {
			out = append(out, f)
		}
	}
	return out
}

type harness struct {
	t        *testing.T
	mem      *memory.Store
	reg      *registry.Registry
	presence *presence.Tracker
	svc      *Service
	group    chat.Group
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	mem := memory.New()
	reg := registry.New(0)
	router := broadcast.NewRouter(reg)
	pres := presence.NewTracker(router)
	typ := typing.NewStore(router)

	g, err := mem.CreateGroup(context.Background(), chat.Group{Name: "team"}, []string{"alice", "bob", "carol"})
	if err != nil {
		t.Fatal(err)
	}
	return &harness{
		t:        t,
		mem:      mem,
		reg:      reg,
		presence: pres,
		svc:      New(mem, router, pres, typ, opts...),
		group:    g,
	}
}

// connect registers a live connection for userID and returns its caller
// and sink.
func (h *harness) connect(userID string) (Caller, *recordingSink) {
	h.t.Helper()
	sink := &recordingSink{}
	id, err := h.reg.Register(h.group.ID, userID, sink)
	if err != nil {
		h.t.Fatal(err)
	}
	h.presence.NotifyJoin(context.Background(), h.group.ID, userID)
	return Caller{ConnID: id, GroupID: h.group.ID, UserID: userID}, sink
}

func (h *harness) handle(c Caller, raw string) {
	h.svc.Handle(context.Background(), c, []byte(raw))
}

// failingInsert wraps a store and fails every InsertMessage.
type failingInsert struct {
	store.Store
}

func (failingInsert) InsertMessage(context.Context, chat.Message) (chat.Message, error) {
	return chat.Message{}, errors.New("disk full")
}

// ---------------------------------------------------------------------------
// send_message
// ---------------------------------------------------------------------------

func TestSendMessage_DeliveredOnceToEachConnection(t *testing.T) {
	h := newHarness(t)
	a, aSink := h.connect("alice")
	_, bSink := h.connect("bob")

	h.handle(a, `{"type":"send_message","content":"hi","client_id":"c-1"}`)

	got := bSink.ofType(protocol.TypeNewMessage)
	if len(got) != 1 {
		t.Fatalf("bob received %d new_message events, want 1", len(got))
	}
	msg := got[0]["message"].(map[string]any)
	if msg["content"] != "hi" || msg["sender_id"] != "alice" {
		t.Errorf("bob got %v", msg)
	}
	if echo := aSink.ofType(protocol.TypeNewMessage); len(echo) != 1 {
		t.Errorf("sender echo count = %d, want 1", len(echo))
	} else if echo[0]["message"].(map[string]any)["client_id"] != "c-1" {
		t.Error("echo must carry the client id for de-duplication")
	}
}

func TestSendMessage_StoreFailureRepliesToSenderOnly(t *testing.T) {
	h := newHarness(t)
	h.svc.store = failingInsert{h.mem}
	a, aSink := h.connect("alice")
	_, bSink := h.connect("bob")

	h.handle(a, `{"type":"send_message","content":"hi"}`)

	if n := len(bSink.ofType(protocol.TypeNewMessage)); n != 0 {
		t.Errorf("bob saw %d events for a failed write", n)
	}
	errs := aSink.ofType(protocol.TypeError)
	if len(errs) != 1 || errs[0]["code"] != "store_error" || errs[0]["command"] != "send_message" {
		t.Errorf("alice errors = %v", errs)
	}
	if len(bSink.ofType(protocol.TypeError)) != 0 {
		t.Error("errors must not be broadcast")
	}
}

func TestHandle_InvalidFramesDropped(t *testing.T) {
	h := newHarness(t)
	a, aSink := h.connect("alice")

	for _, raw := range []string{
		`not json`,
		`{"content":"no type"}`,
		`{"type":"launch_rockets"}`,
		`{"type":"send_message","content":""}`,
		`{"type":"add_reaction","message_id":"missing","emoji":"👍"}`,
	} {
		h.handle(a, raw)
	}
	if n := len(aSink.ofType(protocol.TypeError)); n != 0 {
		t.Errorf("invalid frames produced %d error replies", n)
	}
	if _, ok := h.reg.Get(a.ConnID); !ok {
		t.Error("connection must stay registered")
	}
}

func TestSendMessage_RateLimited(t *testing.T) {
	h := newHarness(t, WithRateLimit(ratelimit.NewLocalLimiter(), ratelimit.MessageRule(1, time.Minute)))
	a, aSink := h.connect("alice")

	h.handle(a, `{"type":"send_message","content":"one"}`)
	h.handle(a, `{"type":"send_message","content":"two"}`)

	if n := len(aSink.ofType(protocol.TypeNewMessage)); n != 1 {
		t.Errorf("new_message count = %d, want 1", n)
	}
	rl := aSink.ofType(protocol.TypeRateLimited)
	if len(rl) != 1 {
		t.Fatalf("rate_limited count = %d", len(rl))
	}
	if retry, _ := rl[0]["retry_after"].(float64); retry <= 0 {
		t.Errorf("retry_after = %v", rl[0]["retry_after"])
	}
}

type countingStriker struct{ n int }

func (s *countingStriker) Strike(context.Context, string, string) (bool, time.Duration, error) {
	s.n++
	return false, 0, nil
}

func TestSendMessage_FloodBlocked(t *testing.T) {
	st := &countingStriker{}
	h := newHarness(t, WithStrikes(st))
	a, aSink := h.connect("alice")

	h.handle(a, `{"type":"send_message","content":"aaaaaaaaaaaaaaaaaaaaaaaa"}`)

	if n := len(aSink.ofType(protocol.TypeNewMessage)); n != 0 {
		t.Error("flooded message must not be broadcast")
	}
	if st.n != 1 {
		t.Errorf("strikes = %d, want 1", st.n)
	}
	msgs, _ := h.mem.ListMessages(context.Background(), h.group.ID, time.Time{}, 10)
	if len(msgs) != 0 {
		t.Error("flooded message must not be stored")
	}
}

type fakeBans map[string]bool

func (f fakeBans) IsBanned(_ context.Context, groupID, userID string) (ban.Status, error) {
	return ban.Status{Banned: f[groupID+":"+userID]}, nil
}

func TestSendMessage_BannedMidSession(t *testing.T) {
	bans := fakeBans{}
	h := newHarness(t, WithBans(bans))
	a, aSink := h.connect("alice")
	bans[h.group.ID+":alice"] = true

	h.handle(a, `{"type":"send_message","content":"hello"}`)

	errs := aSink.ofType(protocol.TypeError)
	if len(errs) != 1 || errs[0]["code"] != "forbidden" {
		t.Errorf("errors = %v", errs)
	}
}

type captureNotifier struct {
	reqs []messaging.PushRequest
}

func (c *captureNotifier) NotifyOffline(_ context.Context, req messaging.PushRequest) error {
	c.reqs = append(c.reqs, req)
	return nil
}

func TestSendMessage_PushesOfflineMembers(t *testing.T) {
	n := &captureNotifier{}
	h := newHarness(t, WithNotifier(n))
	a, _ := h.connect("alice")
	h.connect("bob")

	h.handle(a, `{"type":"send_message","content":"ping carol"}`)

	if len(n.reqs) != 1 {
		t.Fatalf("push requests = %d", len(n.reqs))
	}
	if got := n.reqs[0].Recipients; len(got) != 1 || got[0] != "carol" {
		t.Errorf("recipients = %v, want [carol]", got)
	}
}

func TestSendMessage_ReplyToMustBeInGroup(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	other, _ := h.mem.CreateGroup(ctx, chat.Group{Name: "other"}, []string{"alice"})
	foreign, _ := h.mem.InsertMessage(ctx, chat.Message{GroupID: other.ID, SenderID: "alice", Content: "x"})
	a, _ := h.connect("alice")

	_, err := h.svc.SendMessage(ctx, a, protocol.SendMessage{Content: "re", ReplyTo: foreign.ID})
	if !chat.IsValidation(err) {
		t.Errorf("err = %v, want validation error", err)
	}
}

// ---------------------------------------------------------------------------
// typing / presence
// ---------------------------------------------------------------------------

func TestTyping_ExcludesTyper(t *testing.T) {
	h := newHarness(t)
	a, aSink := h.connect("alice")
	_, bSink := h.connect("bob")

	h.handle(a, `{"type":"start_typing"}`)
	if n := len(bSink.ofType(protocol.TypeTypingUpdate)); n != 1 {
		t.Errorf("bob typing updates = %d", n)
	}
	if n := len(aSink.ofType(protocol.TypeTypingUpdate)); n != 0 {
		t.Errorf("typer received %d of its own updates", n)
	}
	if got := h.svc.TypingStatus(Caller{GroupID: h.group.ID, UserID: "bob"}); len(got) != 1 || got[0] != "alice" {
		t.Errorf("TypingStatus = %v", got)
	}
	if got := h.svc.TypingStatus(a); len(got) != 0 {
		t.Errorf("caller should not see itself: %v", got)
	}

	h.handle(a, `{"type":"send_message","content":"done"}`)
	updates := bSink.ofType(protocol.TypeTypingUpdate)
	if last := updates[len(updates)-1]; last["is_typing"] != false {
		t.Error("sending a message should clear the typing indicator")
	}
}

func TestGetOnlineUsers_RepliesToRequesterOnly(t *testing.T) {
	h := newHarness(t)
	a, aSink := h.connect("alice")
	_, bSink := h.connect("bob")
	before := len(bSink.ofType(protocol.TypeOnlineUsers))

	h.handle(a, `{"type":"get_online_users"}`)

	snaps := 0
	for _, f := range aSink.ofType(protocol.TypeOnlineUsers) {
		if f["status"] == protocol.StatusSnapshot {
			snaps++
			if f["count"].(float64) != 2 {
				t.Errorf("count = %v", f["count"])
			}
		}
	}
	if snaps != 1 {
		t.Errorf("snapshots = %d", snaps)
	}
	if len(bSink.ofType(protocol.TypeOnlineUsers)) != before {
		t.Error("snapshot must not be broadcast")
	}

	h.handle(a, `{"type":"ping"}`)
	if len(aSink.ofType(protocol.TypePong)) != 1 || len(bSink.ofType(protocol.TypePong)) != 0 {
		t.Error("pong goes to the requester only")
	}
}

// ---------------------------------------------------------------------------
// reactions
// ---------------------------------------------------------------------------

func TestReactions_ToggleAndReplace(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a, _ := h.connect("alice")
	b, bSink := h.connect("bob")
	msg, err := h.svc.SendMessage(ctx, a, protocol.SendMessage{Content: "vote"})
	if err != nil {
		t.Fatal(err)
	}

	add := `{"type":"add_reaction","message_id":"` + msg.ID + `","emoji":"👍"}`
	h.handle(b, add)
	h.handle(b, add)
	h.handle(b, add)
	h.handle(b, `{"type":"add_reaction","message_id":"`+msg.ID+`","emoji":"🎉"}`)

	added := bSink.ofType(protocol.TypeReactionAdded)
	removed := bSink.ofType(protocol.TypeReactionRemoved)
	if len(added) != 3 || len(removed) != 1 {
		t.Fatalf("added=%d removed=%d, want 3 and 1", len(added), len(removed))
	}
	if last := added[2]; last["emoji"] != "🎉" || last["replaced"] != "👍" {
		t.Errorf("replace event = %v", last)
	}

	stored, _ := h.mem.MessageByID(ctx, msg.ID)
	if r, ok := stored.ReactionFor("bob"); !ok || r.Emoji != "🎉" || len(stored.Reactions) != 1 {
		t.Errorf("stored reactions = %+v", stored.Reactions)
	}

	h.handle(b, `{"type":"remove_reaction","message_id":"`+msg.ID+`"}`)
	h.handle(b, `{"type":"remove_reaction","message_id":"`+msg.ID+`"}`)
	if n := len(bSink.ofType(protocol.TypeReactionRemoved)); n != 2 {
		t.Errorf("reaction_removed count = %d, want 2 (second remove is silent)", n)
	}
}

// ---------------------------------------------------------------------------
// read state
// ---------------------------------------------------------------------------

func TestMarkRead_ZeroesUnread(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a, aSink := h.connect("alice")
	b, _ := h.connect("bob")

	m1, _ := h.svc.SendMessage(ctx, a, protocol.SendMessage{Content: "1"})
	m2, _ := h.svc.SendMessage(ctx, a, protocol.SendMessage{Content: "2"})
	h.svc.SendMessage(ctx, b, protocol.SendMessage{Content: "mine"})

	counts, _ := h.svc.UnreadCounts(ctx, "bob")
	if len(counts) != 1 || counts[0].Unread != 2 {
		t.Fatalf("unread before = %+v", counts)
	}

	h.handle(b, `{"type":"mark_read","message_ids":["`+m1.ID+`","`+m2.ID+`","`+m2.ID+`","nope"]}`)

	counts, _ = h.svc.UnreadCounts(ctx, "bob")
	if counts[0].Unread != 0 {
		t.Errorf("unread after mark_read = %d", counts[0].Unread)
	}
	receipts := aSink.ofType(protocol.TypeReadReceipt)
	if len(receipts) != 1 {
		t.Fatalf("receipts = %d", len(receipts))
	}
	if ids := receipts[0]["message_ids"].([]any); len(ids) != 2 {
		t.Errorf("receipt ids = %v", ids)
	}
	stored, _ := h.mem.MessageByID(ctx, m2.ID)
	if !stored.ReadByUser("bob") {
		t.Error("bob missing from read_by")
	}
}

func TestMarkRead_ForeignIDsOnlyIsInvalid(t *testing.T) {
	h := newHarness(t)
	b, _ := h.connect("bob")
	_, err := h.svc.MarkRead(context.Background(), b, []string{"x", "y"})
	if !chat.IsValidation(err) {
		t.Errorf("err = %v, want validation error", err)
	}
	if _, err := h.svc.MarkRead(context.Background(), b, nil); !chat.IsValidation(err) {
		t.Errorf("empty ids err = %v", err)
	}
}

func TestListMessages_ViewingMarksRead(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a, aSink := h.connect("alice")
	bob := Caller{GroupID: h.group.ID, UserID: "bob"}

	for _, c := range []string{"1", "2", "3"} {
		h.svc.SendMessage(ctx, a, protocol.SendMessage{Content: c})
	}

	page, err := h.svc.ListMessages(ctx, bob, ListQuery{Limit: 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 2 || page[0].Content != "3" {
		t.Fatalf("page = %+v", page)
	}
	if !page[0].ReadByUser("bob") {
		t.Error("returned page should reflect the read")
	}
	if n := len(aSink.ofType(protocol.TypeReadReceipt)); n != 1 {
		t.Errorf("receipts = %d", n)
	}
	counts, _ := h.svc.UnreadCounts(ctx, "bob")
	if counts[0].Unread != 0 {
		t.Errorf("unread after viewing newest page = %d", counts[0].Unread)
	}

	older, err := h.svc.ListMessages(ctx, bob, ListQuery{BeforeID: page[1].ID})
	if err != nil || len(older) != 1 || older[0].Content != "1" {
		t.Fatalf("older page = %+v, %v", older, err)
	}
	cur, _ := h.mem.ReadCursor(ctx, h.group.ID, "bob")
	if cur.LastMessageID != page[0].ID {
		t.Error("older page must not move the cursor backwards")
	}

	h.svc.ListMessages(ctx, bob, ListQuery{})
	if n := len(aSink.ofType(protocol.TypeReadReceipt)); n != 2 {
		t.Errorf("re-reading should not announce again, receipts = %d", n)
	}
}

func TestMarkGroupRead(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a, _ := h.connect("alice")
	h.svc.SendMessage(ctx, a, protocol.SendMessage{Content: "x"})

	bob := Caller{GroupID: h.group.ID, UserID: "bob"}
	if _, err := h.svc.MarkGroupRead(ctx, bob); err != nil {
		t.Fatal(err)
	}
	counts, _ := h.svc.UnreadCounts(ctx, "bob")
	if counts[0].Unread != 0 {
		t.Errorf("unread = %d", counts[0].Unread)
	}
}

func TestMarkGroupRead_IgnoresServiceClock(t *testing.T) {
	// The service clock runs ahead of the store's microsecond timestamps.
	base := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	h := newHarness(t, WithClock(func() time.Time { return base.Add(500 * time.Nanosecond) }))
	h.mem.SetClock(func() time.Time { return base.Add(900 * time.Nanosecond) })
	ctx := context.Background()

	if _, err := h.svc.MarkGroupRead(ctx, Caller{GroupID: h.group.ID, UserID: "bob"}); err != nil {
		t.Fatal(err)
	}
	alice := Caller{GroupID: h.group.ID, UserID: "alice"}
	if _, err := h.svc.SendMessage(ctx, alice, protocol.SendMessage{Content: "after"}); err != nil {
		t.Fatal(err)
	}

	counts, err := h.svc.UnreadCounts(ctx, "bob")
	if err != nil {
		t.Fatal(err)
	}
	if counts[0].Unread != 1 {
		t.Errorf("unread = %d, want 1 for the message sent after mark-read", counts[0].Unread)
	}
}

func TestMarkGroupRead_PinsNewestMessage(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	bob := Caller{GroupID: h.group.ID, UserID: "bob"}

	cur, err := h.svc.MarkGroupRead(ctx, bob)
	if err != nil {
		t.Fatal(err)
	}
	if !cur.LastReadAt.IsZero() {
		t.Errorf("empty group cursor = %+v, want zero", cur)
	}

	m := h.post("alice", "hello")
	cur, err = h.svc.MarkGroupRead(ctx, bob)
	if err != nil {
		t.Fatal(err)
	}
	if cur.LastMessageID != m.ID || !cur.LastReadAt.Equal(m.CreatedAt) {
		t.Errorf("cursor = %+v, want pinned to %s at %v", cur, m.ID, m.CreatedAt)
	}
}

func TestUnreadCounts_SortedByLatest(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	quiet, _ := h.mem.CreateGroup(ctx, chat.Group{Name: "quiet"}, []string{"bob"})
	older, _ := h.mem.CreateGroup(ctx, chat.Group{Name: "older"}, []string{"bob", "alice"})
	h.mem.InsertMessage(ctx, chat.Message{GroupID: older.ID, SenderID: "alice", Content: "a"})
	h.mem.InsertMessage(ctx, chat.Message{GroupID: h.group.ID, SenderID: "alice", Content: "b"})

	counts, err := h.svc.UnreadCounts(ctx, "bob")
	if err != nil {
		t.Fatal(err)
	}
	want := []string{h.group.ID, older.ID, quiet.ID}
	if len(counts) != 3 {
		t.Fatalf("counts = %+v", counts)
	}
	for i, w := range want {
		if counts[i].GroupID != w {
			t.Errorf("position %d = %s, want %s", i, counts[i].GroupID, w)
		}
	}
}

// ---------------------------------------------------------------------------
// authorization
// ---------------------------------------------------------------------------

func TestAuthorize(t *testing.T) {
	bans := fakeBans{}
	h := newHarness(t, WithBans(bans))
	ctx := context.Background()
	bans[h.group.ID+":carol"] = true

	tests := []struct {
		name    string
		groupID string
		userID  string
		want    error
	}{
		{"member", h.group.ID, "alice", nil},
		{"unknown group", "missing", "alice", chat.ErrNotFound},
		{"not a member", h.group.ID, "mallory", chat.ErrNotMember},
		{"banned", h.group.ID, "carol", chat.ErrBanned},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := h.svc.Authorize(ctx, tt.groupID, tt.userID)
			if !errors.Is(err, tt.want) && !(err == nil && tt.want == nil) {
				t.Errorf("Authorize = %v, want %v", err, tt.want)
			}
		})
	}
}
