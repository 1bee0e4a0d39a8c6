// Package chat defines the group chat domain types shared by the store, the
// real-time engine and the HTTP fallback surface.
package chat

import "time"

// Visibility is a group's join policy.
type Visibility string

const (
	VisibilityPublic     Visibility = "public"
	VisibilityPrivate    Visibility = "private"
	VisibilityRestricted Visibility = "restricted"
)

// Group is a named chat room with a membership list.
type Group struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Visibility Visibility `json:"visibility"`
	CreatedBy  string     `json:"created_by"`
	CreatedAt  time.Time  `json:"created_at"`
}

// Attachment references a file stored elsewhere. The engine never stores
// attachment bytes.
type Attachment struct {
	URL      string `json:"url"`
	Name     string `json:"name,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// Reaction is one user's emoji on a message. A user holds at most one
// reaction per message.
type Reaction struct {
	UserID    string    `json:"user_id"`
	Emoji     string    `json:"emoji"`
	CreatedAt time.Time `json:"created_at"`
}

// Message is a persisted group message.
type Message struct {
	ID          string       `json:"id"`
	GroupID     string       `json:"group_id"`
	SenderID    string       `json:"sender_id"`
	Content     string       `json:"content"`
	Attachments []Attachment `json:"attachments,omitempty"`
	ClientID    string       `json:"client_id,omitempty"`
	ReplyTo     string       `json:"reply_to,omitempty"`
	ReadBy      []string     `json:"read_by"`
	Reactions   []Reaction   `json:"reactions"`
	CreatedAt   time.Time    `json:"created_at"`
}

// ReactionFor returns the reaction userID holds on m, if any.
func (m *Message) ReactionFor(userID string) (Reaction, bool) {
	for _, r := range m.Reactions {
		if r.UserID == userID {
			return r, true
		}
	}
	return Reaction{}, false
}

// ReadByUser reports whether userID is in the read-by list.
func (m *Message) ReadByUser(userID string) bool {
	for _, u := range m.ReadBy {
		if u == userID {
			return true
		}
	}
	return false
}

// ReactionAction is the outcome of an upsert.
type ReactionAction int

const (
	// ReactionAdded means the user had no reaction and now has one.
	ReactionAdded ReactionAction = iota
	// ReactionReplaced means a different emoji replaced the previous one.
	ReactionReplaced
	// ReactionToggledOff means the same emoji was sent again and removed.
	ReactionToggledOff
)

// ReactionChange describes what UpsertReaction did.
type ReactionChange struct {
	Action   ReactionAction
	Emoji    string // the emoji now held (empty when toggled off)
	Previous string // the emoji held before (empty when none)
}

// ReadCursor is the per (group, user) watermark. Messages created after
// LastReadAt are unread.
type ReadCursor struct {
	GroupID       string    `json:"group_id"`
	UserID        string    `json:"user_id"`
	LastReadAt    time.Time `json:"last_read_at"`
	LastMessageID string    `json:"last_message_id,omitempty"`
}

// UnreadCount summarizes one group for the unread-counts endpoint.
type UnreadCount struct {
	GroupID         string     `json:"group_id"`
	Unread          int        `json:"unread"`
	LatestMessageAt *time.Time `json:"latest_message_at"`
}
