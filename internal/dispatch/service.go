// Package dispatch executes client commands against the store and fans the
// resulting events out to the group. The socket read loop and the HTTP
// fallback surface share one Service so both paths apply the same rules.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"

	"github.com/whisper/groupchat/internal/ban"
	"github.com/whisper/groupchat/internal/broadcast"
	"github.com/whisper/groupchat/internal/chat"
	"github.com/whisper/groupchat/internal/logging"
	"github.com/whisper/groupchat/internal/messaging"
	"github.com/whisper/groupchat/internal/metrics"
	"github.com/whisper/groupchat/internal/moderation"
	"github.com/whisper/groupchat/internal/protocol"
	"github.com/whisper/groupchat/internal/ratelimit"
	"github.com/whisper/groupchat/internal/report"
	"github.com/whisper/groupchat/internal/store"
)

// Caller identifies who issued a command. ConnID is empty for HTTP calls.
type Caller struct {
	ConnID  string
	GroupID string
	UserID  string
}

// Publisher is the broadcast router.
type Publisher interface {
	Publish(ctx context.Context, groupID string, ev protocol.Event, opts ...broadcast.Option) (broadcast.Report, error)
	SendTo(ctx context.Context, connID string, ev protocol.Event) error
}

// Presence is the read side of the presence tracker.
type Presence interface {
	IsOnline(groupID, userID string) bool
	Snapshot(groupID string) protocol.OnlineUsers
}

// Typing is the typing indicator store.
type Typing interface {
	SetTyping(ctx context.Context, groupID, userID string) bool
	ClearTyping(ctx context.Context, groupID, userID string) bool
	ActiveTypers(groupID string) []string
}

// Notifier hands push requests for offline members to the push service.
type Notifier interface {
	NotifyOffline(ctx context.Context, req messaging.PushRequest) error
}

// Striker records moderation violations and may ban the offender.
type Striker interface {
	Strike(ctx context.Context, groupID, userID string) (banned bool, duration time.Duration, err error)
}

// RateLimitedError is returned when the caller exceeded a rate limit.
type RateLimitedError struct {
	Command    string
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("dispatch: %s rate limited, retry after %s", e.Command, e.RetryAfter)
}

// Service executes commands.
type Service struct {
	store    store.Store
	pub      Publisher
	presence Presence
	typing   Typing

	limiter ratelimit.Limiter
	rule    ratelimit.Rule
	bans    ban.Checker
	strikes Striker
	filter  *moderation.Filter
	push    Notifier

	reports         report.Store
	reportSink      ReportSink
	escalate        Escalator
	reportThreshold int

	now func() time.Time
	log zerolog.Logger
}

// Option configures optional collaborators.
type Option func(*Service)

// WithRateLimit throttles send_message per user under rule.
func WithRateLimit(l ratelimit.Limiter, rule ratelimit.Rule) Option {
	return func(s *Service) { s.limiter, s.rule = l, rule }
}

// WithBans rejects commands from users banned in the group.
func WithBans(c ban.Checker) Option { return func(s *Service) { s.bans = c } }

// WithStrikes records a strike whenever moderation blocks a message.
func WithStrikes(st Striker) Option { return func(s *Service) { s.strikes = st } }

// WithFilter screens message content. Defaults to moderation.NewFilter().
func WithFilter(f *moderation.Filter) Option { return func(s *Service) { s.filter = f } }

// WithNotifier enables push requests for offline members.
func WithNotifier(n Notifier) Option { return func(s *Service) { s.push = n } }

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// New builds a Service from its required collaborators.
func New(st store.Store, pub Publisher, presence Presence, typing Typing, opts ...Option) *Service {
	s := &Service{
		store:    st,
		pub:      pub,
		presence: presence,
		typing:   typing,
		filter:   moderation.NewFilter(),
		now:      time.Now,
		log:      logging.Component("dispatch"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ---------------------------------------------------------------------------
// Socket entry point
// ---------------------------------------------------------------------------

// Handle parses and executes one inbound frame. It never returns an error:
// validation failures are logged and dropped, and every other failure is
// reported to the originating connection only.
func (s *Service) Handle(ctx context.Context, c Caller, data []byte) {
	cmd, err := protocol.ParseCommand(data)
	if err != nil {
		metrics.CommandsTotal.WithLabelValues("unknown", "invalid").Inc()
		s.log.Warn().Err(err).Str("conn_id", c.ConnID).Str("user_id", c.UserID).Msg("dropping malformed frame")
		return
	}

	start := time.Now()
	err = s.Dispatch(ctx, c, cmd)
	metrics.CommandLatency.WithLabelValues(cmd.CommandType()).Observe(time.Since(start).Seconds())
	s.report(ctx, c, cmd.CommandType(), err)
}

// report turns a command error into metrics and, where the client needs to
// know, a reply to the originating connection.
func (s *Service) report(ctx context.Context, c Caller, typ string, err error) {
	var rl *RateLimitedError
	switch {
	case err == nil:
		metrics.CommandsTotal.WithLabelValues(typ, "ok").Inc()
	case chat.IsValidation(err):
		metrics.CommandsTotal.WithLabelValues(typ, "invalid").Inc()
		s.log.Warn().Err(err).Str("command", typ).Str("conn_id", c.ConnID).Str("user_id", c.UserID).Msg("dropping invalid command")
	case errors.As(err, &rl):
		metrics.CommandsTotal.WithLabelValues(typ, "rate_limited").Inc()
		s.reply(ctx, c, protocol.RateLimited{Command: typ, RetryAfter: int(math.Ceil(rl.RetryAfter.Seconds()))})
	case errors.Is(err, chat.ErrBanned), errors.Is(err, chat.ErrNotMember):
		metrics.CommandsTotal.WithLabelValues(typ, "forbidden").Inc()
		s.reply(ctx, c, protocol.Error{Code: "forbidden", Message: "not allowed in this group", Command: typ})
	default:
		metrics.CommandsTotal.WithLabelValues(typ, "store_error").Inc()
		s.log.Error().Err(err).Str("command", typ).Str("group_id", c.GroupID).Str("user_id", c.UserID).Msg("command failed")
		s.reply(ctx, c, protocol.Error{Code: "store_error", Message: "request could not be completed", Command: typ})
	}
}

func (s *Service) reply(ctx context.Context, c Caller, ev protocol.Event) {
	if c.ConnID == "" {
		return
	}
	if err := s.pub.SendTo(ctx, c.ConnID, ev); err != nil {
		s.log.Debug().Err(err).Str("conn_id", c.ConnID).Str("event", ev.EventType()).Msg("reply not delivered")
	}
}

// Dispatch executes a parsed command.
func (s *Service) Dispatch(ctx context.Context, c Caller, cmd protocol.Command) error {
	switch cmd := cmd.(type) {
	case protocol.SendMessage:
		_, err := s.SendMessage(ctx, c, cmd)
		return err
	case protocol.StartTyping:
		return s.SetTyping(ctx, c, true)
	case protocol.StopTyping:
		return s.SetTyping(ctx, c, false)
	case protocol.MarkRead:
		_, err := s.MarkRead(ctx, c, cmd.MessageIDs)
		return err
	case protocol.AddReaction:
		return s.AddReaction(ctx, c, cmd.MessageID, cmd.Emoji)
	case protocol.RemoveReaction:
		return s.RemoveReaction(ctx, c, cmd.MessageID)
	case protocol.GetOnlineUsers:
		s.reply(ctx, c, s.presence.Snapshot(c.GroupID))
		return nil
	case protocol.Ping:
		s.reply(ctx, c, protocol.Pong{})
		return nil
	default:
		return chat.Invalid("type", fmt.Sprintf("unhandled command %T", cmd))
	}
}

// ---------------------------------------------------------------------------
// Authorization
// ---------------------------------------------------------------------------

// Authorize checks that groupID exists, userID is a member, and userID is
// not banned. It returns chat.ErrNotFound, chat.ErrNotMember or
// chat.ErrBanned accordingly. Ban lookups fail open.
func (s *Service) Authorize(ctx context.Context, groupID, userID string) error {
	if _, err := s.store.FindGroup(ctx, groupID); err != nil {
		return err
	}
	ok, err := s.store.IsMember(ctx, groupID, userID)
	if err != nil {
		return fmt.Errorf("store: is member: %w", err)
	}
	if !ok {
		return chat.ErrNotMember
	}
	return s.checkBan(ctx, groupID, userID)
}

func (s *Service) checkBan(ctx context.Context, groupID, userID string) error {
	if s.bans == nil {
		return nil
	}
	st, err := s.bans.IsBanned(ctx, groupID, userID)
	if err != nil {
		s.log.Warn().Err(err).Str("group_id", groupID).Str("user_id", userID).Msg("ban lookup failed, allowing")
		return nil
	}
	if st.Banned {
		return chat.ErrBanned
	}
	return nil
}

// ---------------------------------------------------------------------------
// Messages
// ---------------------------------------------------------------------------

// SendMessage persists a message and announces it to the whole group,
// including the sender's own connections. Nothing is broadcast when the
// insert fails.
func (s *Service) SendMessage(ctx context.Context, c Caller, cmd protocol.SendMessage) (chat.Message, error) {
	if err := s.checkBan(ctx, c.GroupID, c.UserID); err != nil {
		return chat.Message{}, err
	}
	if s.limiter != nil {
		ok, retry, err := s.limiter.Allow(ctx, c.UserID, s.rule)
		if err != nil {
			s.log.Debug().Err(err).Str("user_id", c.UserID).Msg("rate limiter error")
		}
		if !ok {
			return chat.Message{}, &RateLimitedError{Command: protocol.TypeSendMessage, RetryAfter: retry}
		}
	}
	if err := chat.ValidateMessage(cmd.Content, cmd.Attachments); err != nil {
		return chat.Message{}, err
	}
	if res := s.filter.Check(cmd.Content); res.Blocked {
		metrics.MessagesTotal.WithLabelValues("blocked").Inc()
		s.strike(ctx, c)
		return chat.Message{}, chat.Invalid("content", res.Reason+": "+res.Term)
	}
	if cmd.ReplyTo != "" {
		if _, err := s.messageInGroup(ctx, c.GroupID, cmd.ReplyTo); err != nil {
			return chat.Message{}, err
		}
	}

	msg, err := s.store.InsertMessage(ctx, chat.Message{
		GroupID:     c.GroupID,
		SenderID:    c.UserID,
		Content:     cmd.Content,
		Attachments: cmd.Attachments,
		ClientID:    cmd.ClientID,
		ReplyTo:     cmd.ReplyTo,
	})
	if err != nil {
		return chat.Message{}, fmt.Errorf("store: insert message: %w", err)
	}
	metrics.MessagesTotal.WithLabelValues("sent").Inc()

	s.typing.ClearTyping(ctx, c.GroupID, c.UserID)
	if _, err := s.pub.Publish(ctx, c.GroupID, protocol.NewMessage{Message: msg}); err != nil {
		s.log.Error().Err(err).Str("message_id", msg.ID).Msg("publish new_message")
	}
	s.notifyOffline(ctx, msg)
	return msg, nil
}

func (s *Service) strike(ctx context.Context, c Caller) {
	if s.strikes == nil {
		return
	}
	banned, d, err := s.strikes.Strike(ctx, c.GroupID, c.UserID)
	if err != nil {
		s.log.Warn().Err(err).Str("user_id", c.UserID).Msg("strike not recorded")
		return
	}
	if banned {
		s.log.Info().Str("group_id", c.GroupID).Str("user_id", c.UserID).Dur("duration", d).Msg("user banned after repeated violations")
	}
}

// notifyOffline asks the push service to alert members with no live
// connection in the group.
func (s *Service) notifyOffline(ctx context.Context, msg chat.Message) {
	if s.push == nil {
		return
	}
	members, err := s.store.GroupMembers(ctx, msg.GroupID)
	if err != nil {
		s.log.Warn().Err(err).Str("group_id", msg.GroupID).Msg("push skipped: members lookup failed")
		return
	}
	var offline []string
	for _, u := range members {
		if u != msg.SenderID && !s.presence.IsOnline(msg.GroupID, u) {
			offline = append(offline, u)
		}
	}
	err = s.push.NotifyOffline(ctx, messaging.PushRequest{
		GroupID:    msg.GroupID,
		MessageID:  msg.ID,
		SenderID:   msg.SenderID,
		Preview:    msg.Content,
		Recipients: offline,
		CreatedAt:  msg.CreatedAt,
	})
	if err != nil {
		s.log.Warn().Err(err).Str("message_id", msg.ID).Msg("push request failed")
	}
}

// messageInGroup loads a message and checks it belongs to groupID. Unknown
// ids and foreign messages are validation failures.
func (s *Service) messageInGroup(ctx context.Context, groupID, messageID string) (chat.Message, error) {
	if messageID == "" {
		return chat.Message{}, chat.Invalid("message_id", "required")
	}
	m, err := s.store.MessageByID(ctx, messageID)
	if errors.Is(err, chat.ErrNotFound) {
		return chat.Message{}, chat.Invalid("message_id", "unknown message")
	}
	if err != nil {
		return chat.Message{}, fmt.Errorf("store: message by id: %w", err)
	}
	if m.GroupID != groupID {
		return chat.Message{}, chat.Invalid("message_id", "message belongs to another group")
	}
	return m, nil
}

// ---------------------------------------------------------------------------
// Typing
// ---------------------------------------------------------------------------

// SetTyping starts or stops the caller's typing indicator.
func (s *Service) SetTyping(ctx context.Context, c Caller, isTyping bool) error {
	if isTyping {
		s.typing.SetTyping(ctx, c.GroupID, c.UserID)
		return nil
	}
	s.typing.ClearTyping(ctx, c.GroupID, c.UserID)
	return nil
}

// TypingStatus returns the group's active typers other than the caller.
func (s *Service) TypingStatus(c Caller) []string {
	all := s.typing.ActiveTypers(c.GroupID)
	out := make([]string, 0, len(all))
	for _, u := range all {
		if u != c.UserID {
			out = append(out, u)
		}
	}
	return out
}

// ---------------------------------------------------------------------------
// Reactions
// ---------------------------------------------------------------------------

// AddReaction applies the one-reaction-per-user rule and announces the
// outcome: reaction_added for a new or replacing emoji, reaction_removed
// when the same emoji toggles off.
func (s *Service) AddReaction(ctx context.Context, c Caller, messageID, emoji string) error {
	if err := chat.ValidateEmoji(emoji); err != nil {
		return err
	}
	if _, err := s.messageInGroup(ctx, c.GroupID, messageID); err != nil {
		return err
	}
	change, err := s.store.UpsertReaction(ctx, messageID, c.UserID, emoji)
	if err != nil {
		return fmt.Errorf("store: upsert reaction: %w", err)
	}

	var ev protocol.Event
	switch change.Action {
	case chat.ReactionToggledOff:
		ev = protocol.ReactionRemoved{GroupID: c.GroupID, MessageID: messageID, UserID: c.UserID, Emoji: change.Previous}
	default:
		ev = protocol.ReactionAdded{GroupID: c.GroupID, MessageID: messageID, UserID: c.UserID, Emoji: change.Emoji, Replaced: change.Previous}
	}
	if _, err := s.pub.Publish(ctx, c.GroupID, ev); err != nil {
		s.log.Error().Err(err).Str("message_id", messageID).Msg("publish reaction")
	}
	return nil
}

// RemoveReaction drops the caller's reaction. Nothing is announced when the
// caller had none.
func (s *Service) RemoveReaction(ctx context.Context, c Caller, messageID string) error {
	if _, err := s.messageInGroup(ctx, c.GroupID, messageID); err != nil {
		return err
	}
	emoji, err := s.store.RemoveReaction(ctx, messageID, c.UserID)
	if err != nil {
		return fmt.Errorf("store: remove reaction: %w", err)
	}
	if emoji == "" {
		return nil
	}
	ev := protocol.ReactionRemoved{GroupID: c.GroupID, MessageID: messageID, UserID: c.UserID, Emoji: emoji}
	if _, err := s.pub.Publish(ctx, c.GroupID, ev); err != nil {
		s.log.Error().Err(err).Str("message_id", messageID).Msg("publish reaction")
	}
	return nil
}
