package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/whisper/groupchat/internal/chat"
	"github.com/whisper/groupchat/internal/protocol"
)

const (
	DefaultPageSize = 50
	MaxPageSize     = 100
)

// MarkRead records that the caller read messageIDs, advances the caller's
// read cursor to the newest of them, and announces a read_receipt to the
// group. Ids that are unknown or belong to another group are skipped; the
// command is invalid when none remain.
func (s *Service) MarkRead(ctx context.Context, c Caller, messageIDs []string) (protocol.ReadReceipt, error) {
	if len(messageIDs) == 0 {
		return protocol.ReadReceipt{}, chat.Invalid("message_ids", "required")
	}
	if len(messageIDs) > chat.MaxMarkReadBatch {
		return protocol.ReadReceipt{}, chat.Invalid("message_ids", fmt.Sprintf("at most %d ids", chat.MaxMarkReadBatch))
	}

	seen := make(map[string]struct{}, len(messageIDs))
	var msgs []chat.Message
	for _, id := range messageIDs {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		m, err := s.messageInGroup(ctx, c.GroupID, id)
		if chat.IsValidation(err) {
			s.log.Debug().Err(err).Str("message_id", id).Str("user_id", c.UserID).Msg("mark_read skipping id")
			continue
		}
		if err != nil {
			return protocol.ReadReceipt{}, err
		}
		msgs = append(msgs, m)
	}
	if len(msgs) == 0 {
		return protocol.ReadReceipt{}, chat.Invalid("message_ids", "no messages in this group")
	}

	if _, err := s.markRead(ctx, c, msgs); err != nil {
		return protocol.ReadReceipt{}, err
	}

	ids := make([]string, len(msgs))
	for i, m := range msgs {
		ids[i] = m.ID
	}
	receipt := protocol.ReadReceipt{GroupID: c.GroupID, UserID: c.UserID, MessageIDs: ids, ReadAt: s.now().UTC()}
	if _, err := s.pub.Publish(ctx, c.GroupID, receipt); err != nil {
		s.log.Error().Err(err).Msg("publish read_receipt")
	}
	return receipt, nil
}

// markRead appends the caller to each message's read-by list (skipping the
// caller's own messages) and advances the cursor to the newest message. It
// returns the ids whose read-by list actually changed.
func (s *Service) markRead(ctx context.Context, c Caller, msgs []chat.Message) ([]string, error) {
	var (
		changed []string
		newest  chat.Message
	)
	for _, m := range msgs {
		if m.CreatedAt.After(newest.CreatedAt) {
			newest = m
		}
		if m.SenderID == c.UserID {
			continue
		}
		added, err := s.store.AppendReadBy(ctx, m.ID, c.UserID)
		if err != nil {
			return nil, fmt.Errorf("store: append read_by: %w", err)
		}
		if added {
			changed = append(changed, m.ID)
		}
	}
	_, err := s.store.AdvanceReadCursor(ctx, chat.ReadCursor{
		GroupID:       c.GroupID,
		UserID:        c.UserID,
		LastReadAt:    newest.CreatedAt,
		LastMessageID: newest.ID,
	})
	if err != nil {
		return nil, fmt.Errorf("store: advance read cursor: %w", err)
	}
	return changed, nil
}

// MarkGroupRead moves the caller's cursor to the newest stored message.
// The cursor is taken from the store's timestamps, never the local clock,
// so a message stored after this call is always unread. The cursor never
// moves backwards.
func (s *Service) MarkGroupRead(ctx context.Context, c Caller) (chat.ReadCursor, error) {
	newest, err := s.store.ListMessages(ctx, c.GroupID, time.Time{}, 1)
	if err != nil {
		return chat.ReadCursor{}, fmt.Errorf("store: list messages: %w", err)
	}
	if len(newest) == 0 {
		cur, err := s.store.ReadCursor(ctx, c.GroupID, c.UserID)
		if err != nil {
			return chat.ReadCursor{}, fmt.Errorf("store: read cursor: %w", err)
		}
		return cur, nil
	}
	cur, err := s.store.AdvanceReadCursor(ctx, chat.ReadCursor{
		GroupID:       c.GroupID,
		UserID:        c.UserID,
		LastReadAt:    newest[0].CreatedAt,
		LastMessageID: newest[0].ID,
	})
	if err != nil {
		return chat.ReadCursor{}, fmt.Errorf("store: advance read cursor: %w", err)
	}
	return cur, nil
}

// ListQuery selects one page of history. BeforeID takes precedence over
// Before when both are set.
type ListQuery struct {
	Before   time.Time
	BeforeID string
	Limit    int
}

// ListMessages returns a page of the group's history, newest first. Viewing
// implies reading: the returned messages are marked read for the caller
// and a read_receipt is announced for those newly read.
func (s *Service) ListMessages(ctx context.Context, c Caller, q ListQuery) ([]chat.Message, error) {
	limit := q.Limit
	switch {
	case limit <= 0:
		limit = DefaultPageSize
	case limit > MaxPageSize:
		limit = MaxPageSize
	}

	before := q.Before
	if q.BeforeID != "" {
		anchor, err := s.messageInGroup(ctx, c.GroupID, q.BeforeID)
		if err != nil {
			return nil, err
		}
		before = anchor.CreatedAt
	}

	msgs, err := s.store.ListMessages(ctx, c.GroupID, before, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list messages: %w", err)
	}
	if msgs == nil {
		msgs = []chat.Message{}
	}
	if len(msgs) == 0 {
		return msgs, nil
	}

	changed, err := s.markRead(ctx, c, msgs)
	if err != nil {
		return nil, err
	}
	if len(changed) > 0 {
		receipt := protocol.ReadReceipt{GroupID: c.GroupID, UserID: c.UserID, MessageIDs: changed, ReadAt: s.now().UTC()}
		if _, err := s.pub.Publish(ctx, c.GroupID, receipt); err != nil {
			s.log.Error().Err(err).Msg("publish read_receipt")
		}
		// Reflect the caller's own read in the returned page.
		for i := range msgs {
			if msgs[i].SenderID != c.UserID && !msgs[i].ReadByUser(c.UserID) {
				msgs[i].ReadBy = append(msgs[i].ReadBy, c.UserID)
			}
		}
	}
	return msgs, nil
}

// UnreadCounts summarizes every group the user belongs to, most recently
// active first. Groups without messages sort last.
func (s *Service) UnreadCounts(ctx context.Context, userID string) ([]chat.UnreadCount, error) {
	groups, err := s.store.GroupsForUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("store: groups for user: %w", err)
	}
	out := make([]chat.UnreadCount, 0, len(groups))
	for _, g := range groups {
		uc, err := s.store.UnreadCount(ctx, g, userID)
		if errors.Is(err, chat.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("store: unread count: %w", err)
		}
		out = append(out, uc)
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i].LatestMessageAt, out[j].LatestMessageAt
		switch {
		case a == nil:
			return false
		case b == nil:
			return true
		default:
			return a.After(*b)
		}
	})
	return out, nil
}
