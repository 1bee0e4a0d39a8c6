// Package store defines the persistence contract the chat engine consumes.
// The store owns all durable group and message state; the engine never keeps
// message content beyond a single publish.
package store

import (
	"context"
	"time"

	"github.com/whisper/groupchat/internal/chat"
)

// Store is implemented by memory.Store and postgres.Store.
type Store interface {
	// FindGroup returns chat.ErrNotFound for unknown ids.
	FindGroup(ctx context.Context, groupID string) (chat.Group, error)
	IsMember(ctx context.Context, groupID, userID string) (bool, error)
	GroupMembers(ctx context.Context, groupID string) ([]string, error)
	GroupsForUser(ctx context.Context, userID string) ([]string, error)

	// InsertMessage assigns ID and CreatedAt when empty and returns the
	// stored message.
	InsertMessage(ctx context.Context, msg chat.Message) (chat.Message, error)
	// MessageByID returns chat.ErrNotFound for unknown ids.
	MessageByID(ctx context.Context, messageID string) (chat.Message, error)
	// AppendReadBy adds userID to the message's read-by list. It reports
	// false when the user was already present.
	AppendReadBy(ctx context.Context, messageID, userID string) (bool, error)
	// UpsertReaction applies the one-reaction-per-user rule: a new emoji is
	// added, a different emoji replaces the old one, the same emoji toggles off.
	UpsertReaction(ctx context.Context, messageID, userID, emoji string) (chat.ReactionChange, error)
	// RemoveReaction drops the user's reaction and returns the removed
	// emoji, or "" when there was none.
	RemoveReaction(ctx context.Context, messageID, userID string) (string, error)

	// MessagesAfter returns the group's messages created strictly after
	// the given time, oldest first.
	MessagesAfter(ctx context.Context, groupID string, after time.Time) ([]chat.Message, error)
	// ListMessages returns up to limit messages created strictly before
	// the given time (zero means no bound), newest first.
	ListMessages(ctx context.Context, groupID string, before time.Time, limit int) ([]chat.Message, error)

	// ReadCursor returns the zero cursor when none is stored.
	ReadCursor(ctx context.Context, groupID, userID string) (chat.ReadCursor, error)
	// AdvanceReadCursor moves the cursor forward only and returns the
	// cursor now in effect.
	AdvanceReadCursor(ctx context.Context, c chat.ReadCursor) (chat.ReadCursor, error)
	// UnreadCount counts messages after the user's cursor not sent by the
	// user, and reports the group's latest message time.
	UnreadCount(ctx context.Context, groupID, userID string) (chat.UnreadCount, error)

	CreateGroup(ctx context.Context, g chat.Group, members []string) (chat.Group, error)
	AddMember(ctx context.Context, groupID, userID string) error
}
