// Package protocol defines the socket frames exchanged between clients and the
// chat engine. Every frame is a JSON object with a "type" discriminator.
// Inbound frames decode into the closed Command set; outbound frames are built
// from the closed Event set.
package protocol

import (
	"bytes"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/whisper/groupchat/internal/chat"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server command types.
const (
	TypeSendMessage    = "send_message"
	TypeStartTyping    = "start_typing"
	TypeStopTyping     = "stop_typing"
	TypeMarkRead       = "mark_read"
	TypeAddReaction    = "add_reaction"
	TypeRemoveReaction = "remove_reaction"
	TypeGetOnlineUsers = "get_online_users"
	TypePing           = "ping"
)

// Server -> Client event types.
const (
	TypeSessionOpened   = "session_opened"
	TypeNewMessage      = "new_message"
	TypeTypingUpdate    = "typing_update"
	TypeOnlineUsers     = "online_users"
	TypeReadReceipt     = "read_receipt"
	TypeReactionAdded   = "reaction_added"
	TypeReactionRemoved = "reaction_removed"
	TypeRateLimited     = "rate_limited"
	TypeError           = "error"
	TypePong            = "pong"
)

// Socket close codes.
const (
	CloseNormal        = 1000
	CloseGoingAway     = 1001
	CloseTryAgainLater = 1013
	CloseAuthFailed    = 4001
	CloseForbidden     = 4003
	CloseGroupNotFound = 4004
)

// ---------------------------------------------------------------------------
// Client -> Server commands
// ---------------------------------------------------------------------------

// Command is an inbound client frame. The set is closed: only types in this
// package implement it.
type Command interface {
	CommandType() string
	isCommand()
}

// SendMessage posts a message to the socket's group.
type SendMessage struct {
	Content     string            `json:"content"`
	Attachments []chat.Attachment `json:"attachments,omitempty"`
	ClientID    string            `json:"client_id,omitempty"`
	ReplyTo     string            `json:"reply_to,omitempty"`
}

// StartTyping marks the sender as typing.
type StartTyping struct{}

// StopTyping clears the sender's typing indicator.
type StopTyping struct{}

// MarkRead acknowledges messages in the socket's group.
type MarkRead struct {
	MessageIDs []string `json:"message_ids"`
}

// AddReaction sets, replaces or toggles off the sender's reaction.
type AddReaction struct {
	MessageID string `json:"message_id"`
	Emoji     string `json:"emoji"`
}

// RemoveReaction drops the sender's reaction from a message.
type RemoveReaction struct {
	MessageID string `json:"message_id"`
}

// GetOnlineUsers asks for the group's current presence.
type GetOnlineUsers struct{}

// Ping is an application-level keepalive.
type Ping struct{}

func (SendMessage) CommandType() string    { return TypeSendMessage }
func (StartTyping) CommandType() string    { return TypeStartTyping }
func (StopTyping) CommandType() string     { return TypeStopTyping }
func (MarkRead) CommandType() string       { return TypeMarkRead }
func (AddReaction) CommandType() string    { return TypeAddReaction }
func (RemoveReaction) CommandType() string { return TypeRemoveReaction }
func (GetOnlineUsers) CommandType() string { return TypeGetOnlineUsers }
func (Ping) CommandType() string           { return TypePing }

func (SendMessage) isCommand()    {}
func (StartTyping) isCommand()    {}
func (StopTyping) isCommand()     {}
func (MarkRead) isCommand()       {}
func (AddReaction) isCommand()    {}
func (RemoveReaction) isCommand() {}
func (GetOnlineUsers) isCommand() {}
func (Ping) isCommand()           {}

// envelope extracts the discriminator before the concrete decode.
type envelope struct {
	Type string `json:"type"`
}

// ParseCommand decodes a raw client frame. Malformed JSON, a missing or
// unknown type, and payload decode failures all return a *chat.ValidationError.
func ParseCommand(data []byte) (Command, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, chat.Invalid("frame", "malformed json")
	}
	if env.Type == "" {
		return nil, chat.Invalid("type", "missing")
	}

	var (
		cmd Command
		err error
	)
	switch env.Type {
	case TypeSendMessage:
		var c SendMessage
		err = json.Unmarshal(data, &c)
		cmd = c
	case TypeStartTyping:
		cmd = StartTyping{}
	case TypeStopTyping:
		cmd = StopTyping{}
	case TypeMarkRead:
		var c MarkRead
		err = json.Unmarshal(data, &c)
		cmd = c
	case TypeAddReaction:
		var c AddReaction
		err = json.Unmarshal(data, &c)
		cmd = c
	case TypeRemoveReaction:
		var c RemoveReaction
		err = json.Unmarshal(data, &c)
		cmd = c
	case TypeGetOnlineUsers:
		cmd = GetOnlineUsers{}
	case TypePing:
		cmd = Ping{}
	default:
		return nil, chat.Invalid("type", fmt.Sprintf("unknown command %q", env.Type))
	}
	if err != nil {
		return nil, chat.Invalid(env.Type, "payload does not decode")
	}
	return cmd, nil
}

// ---------------------------------------------------------------------------
// Server -> Client events
// ---------------------------------------------------------------------------

// Event is an outbound frame. The set is closed.
type Event interface {
	EventType() string
	isEvent()
}

// SessionOpened confirms the socket reached the Open state.
type SessionOpened struct {
	ConnectionID string   `json:"connection_id"`
	GroupID      string   `json:"group_id"`
	UserID       string   `json:"user_id"`
	OnlineUsers  []string `json:"online_users"`
}

// NewMessage carries a persisted message to the group.
type NewMessage struct {
	Message chat.Message `json:"message"`
}

// TypingUpdate reports a typing state change.
type TypingUpdate struct {
	GroupID  string `json:"group_id"`
	UserID   string `json:"user_id"`
	IsTyping bool   `json:"is_typing"`
}

// Presence statuses carried by OnlineUsers.
const (
	StatusOnline   = "online"
	StatusOffline  = "offline"
	StatusSnapshot = "snapshot"
)

// OnlineUsers is the group's presence. UserID and Status name the
// transition that produced it; a reply to get_online_users uses StatusSnapshot.
type OnlineUsers struct {
	GroupID string   `json:"group_id"`
	UserID  string   `json:"user_id,omitempty"`
	Status  string   `json:"status"`
	Users   []string `json:"users"`
	Count   int      `json:"count"`
}

// ReadReceipt reports messages a user has read.
type ReadReceipt struct {
	GroupID    string    `json:"group_id"`
	UserID     string    `json:"user_id"`
	MessageIDs []string  `json:"message_ids"`
	ReadAt     time.Time `json:"read_at"`
}

// ReactionAdded reports a new or replacing reaction. Replaced holds the
// previous emoji when one was swapped out.
type ReactionAdded struct {
	GroupID   string `json:"group_id"`
	MessageID string `json:"message_id"`
	UserID    string `json:"user_id"`
	Emoji     string `json:"emoji"`
	Replaced  string `json:"replaced,omitempty"`
}

// ReactionRemoved reports a reaction taken away.
type ReactionRemoved struct {
	GroupID   string `json:"group_id"`
	MessageID string `json:"message_id"`
	UserID    string `json:"user_id"`
	Emoji     string `json:"emoji"`
}

// RateLimited tells the client to back off.
type RateLimited struct {
	Command    string `json:"command"`
	RetryAfter int    `json:"retry_after"`
}

// Error reports a failed command to the originating connection only.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Command string `json:"command,omitempty"`
}

// Pong answers Ping.
type Pong struct{}

func (SessionOpened) EventType() string   { return TypeSessionOpened }
func (NewMessage) EventType() string      { return TypeNewMessage }
func (TypingUpdate) EventType() string    { return TypeTypingUpdate }
func (OnlineUsers) EventType() string     { return TypeOnlineUsers }
func (ReadReceipt) EventType() string     { return TypeReadReceipt }
func (ReactionAdded) EventType() string   { return TypeReactionAdded }
func (ReactionRemoved) EventType() string { return TypeReactionRemoved }
func (RateLimited) EventType() string     { return TypeRateLimited }
func (Error) EventType() string           { return TypeError }
func (Pong) EventType() string            { return TypePong }

func (SessionOpened) isEvent()   {}
func (NewMessage) isEvent()      {}
func (TypingUpdate) isEvent()    {}
func (OnlineUsers) isEvent()     {}
func (ReadReceipt) isEvent()     {}
func (ReactionAdded) isEvent()   {}
func (ReactionRemoved) isEvent() {}
func (RateLimited) isEvent()     {}
func (Error) isEvent()           {}
func (Pong) isEvent()            {}

// Encode serializes an event with its "type" field first.
func Encode(e Event) ([]byte, error) {
	payload, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal %s: %w", e.EventType(), err)
	}
	if len(payload) < 2 || payload[0] != '{' {
		return nil, fmt.Errorf("protocol: %s did not encode as an object", e.EventType())
	}

	var buf bytes.Buffer
	buf.Grow(len(payload) + len(e.EventType()) + 12)
	buf.WriteString(`{"type":`)
	typ, _ := json.Marshal(e.EventType())
	buf.Write(typ)
	if rest := payload[1:]; len(rest) > 1 {
		buf.WriteByte(',')
		buf.Write(rest)
	} else {
		buf.WriteByte('}')
	}
	return buf.Bytes(), nil
}

// PeekType returns the discriminator of any frame.
func PeekType(data []byte) (string, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", fmt.Errorf("protocol: peek type: %w", err)
	}
	if env.Type == "" {
		return "", fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	return env.Type, nil
}
