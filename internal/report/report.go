// Package report stores abuse reports filed against group messages. Each
// report captures who reported whom, the reason, and the few messages that
// led up to the reported one so moderators can review it in context.
package report

import (
	"context"
	"errors"
	"time"
)

// Reasons accepted by Create.
const (
	ReasonHarassment = "harassment"
	ReasonSpam       = "spam"
	ReasonExplicit   = "explicit"
	ReasonOther      = "other"
)

// ContextSize is the number of messages snapshotted with a report, the
// reported message included.
const ContextSize = 5

// ErrDuplicate is returned when the reporter already reported the message.
var ErrDuplicate = errors.New("report: message already reported by this user")

// ErrInvalidReason is returned for a reason outside the accepted set.
var ErrInvalidReason = errors.New("report: invalid reason")

// Report is one abuse report.
type Report struct {
	ID         string           `json:"id"`
	GroupID    string           `json:"group_id"`
	MessageID  string           `json:"message_id"`
	ReporterID string           `json:"reporter_id"`
	ReportedID string           `json:"reported_id"`
	Reason     string           `json:"reason"`
	Note       string           `json:"note,omitempty"`
	Context    []ContextMessage `json:"context,omitempty"`
	CreatedAt  time.Time        `json:"created_at"`
}

// ContextMessage is one message in the snapshot attached to a report.
type ContextMessage struct {
	MessageID string    `json:"message_id"`
	SenderID  string    `json:"sender_id"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Store persists reports.
type Store interface {
	// Create assigns ID and CreatedAt and returns the stored report.
	Create(ctx context.Context, r Report) (Report, error)
	// CountRecent counts reports against reportedID in groupID filed
	// within window.
	CountRecent(ctx context.Context, groupID, reportedID string, window time.Duration) (int, error)
}

// ValidReason reports whether reason is accepted.
func ValidReason(reason string) bool {
	switch reason {
	case ReasonHarassment, ReasonSpam, ReasonExplicit, ReasonOther:
		return true
	}
	return false
}
