package messaging

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/whisper/groupchat/internal/metrics"
)

// PreviewRunes caps the message preview carried in a push request.
const PreviewRunes = 120

// PushRequest asks the notification service to alert members who had no
// live connection when a message was sent.
type PushRequest struct {
	GroupID    string    `json:"group_id"`
	MessageID  string    `json:"message_id"`
	SenderID   string    `json:"sender_id"`
	Preview    string    `json:"preview"`
	Recipients []string  `json:"recipients"`
	CreatedAt  time.Time `json:"created_at"`
}

// Publisher is satisfied by *NATSClient.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// PushNotifier publishes push requests to <subject>.<group_id>.
type PushNotifier struct {
	pub     Publisher
	subject string
}

// NewPushNotifier returns a notifier publishing under subject.
func NewPushNotifier(pub Publisher, subject string) *PushNotifier {
	return &PushNotifier{pub: pub, subject: subject}
}

// NotifyOffline publishes req. Requests without recipients are skipped.
func (n *PushNotifier) NotifyOffline(_ context.Context, req PushRequest) error {
	if len(req.Recipients) == 0 {
		return nil
	}
	req.Preview = Preview(req.Preview)
	data, err := json.Marshal(req)
	if err != nil {
		metrics.PushRequests.WithLabelValues("error").Inc()
		return fmt.Errorf("messaging: marshal push: %w", err)
	}
	if err := n.pub.Publish(n.subject+"."+req.GroupID, data); err != nil {
		metrics.PushRequests.WithLabelValues("error").Inc()
		return fmt.Errorf("messaging: publish push: %w", err)
	}
	metrics.PushRequests.WithLabelValues("ok").Inc()
	return nil
}

// Preview truncates content to PreviewRunes runes.
func Preview(content string) string {
	r := []rune(content)
	if len(r) <= PreviewRunes {
		return content
	}
	return string(r[:PreviewRunes-1]) + "…"
}
