package dispatch

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/whisper/groupchat/internal/chat"
	"github.com/whisper/groupchat/internal/metrics"
	"github.com/whisper/groupchat/internal/report"
)

// ReportWindow is how far back reports count toward escalation.
const ReportWindow = 24 * time.Hour

// DefaultReportThreshold is the number of reports within ReportWindow that
// bans the reported user.
const DefaultReportThreshold = 3

// Escalator bans a user for a duration that grows with each offense.
type Escalator interface {
	Escalate(ctx context.Context, groupID, userID, reason string) (time.Duration, error)
}

// ReportSink forwards filed reports for review.
type ReportSink interface {
	PublishReport(ctx context.Context, r report.Report) error
}

// WithReportSink forwards every filed report to sink.
func WithReportSink(sink ReportSink) Option { return func(s *Service) { s.reportSink = sink } }

// WithReports enables ReportMessage.
func WithReports(st report.Store) Option { return func(s *Service) { s.reports = st } }

// WithReportEscalation bans a user once threshold reports against them
// land within ReportWindow. A threshold below 1 uses DefaultReportThreshold.
func WithReportEscalation(e Escalator, threshold int) Option {
	return func(s *Service) {
		if threshold < 1 {
			threshold = DefaultReportThreshold
		}
		s.escalate, s.reportThreshold = e, threshold
	}
}

// ReportInput is a report request from a group member.
type ReportInput struct {
	MessageID string
	Reason    string
	Note      string
}

// ReportMessage files an abuse report against a message in the caller's
// group. The report carries the reported message and up to
// report.ContextSize-1 messages before it.
func (s *Service) ReportMessage(ctx context.Context, c Caller, in ReportInput) (report.Report, error) {
	if s.reports == nil {
		return report.Report{}, errors.New("dispatch: reports are not configured")
	}
	if !report.ValidReason(in.Reason) {
		return report.Report{}, chat.Invalid("reason", "must be harassment, spam, explicit or other")
	}
	m, err := s.messageInGroup(ctx, c.GroupID, in.MessageID)
	if err != nil {
		return report.Report{}, err
	}
	if m.SenderID == c.UserID {
		return report.Report{}, chat.Invalid("message_id", "cannot report your own message")
	}

	snapshot, err := s.reportContext(ctx, m)
	if err != nil {
		return report.Report{}, err
	}

	r, err := s.reports.Create(ctx, report.Report{
		GroupID:    c.GroupID,
		MessageID:  m.ID,
		ReporterID: c.UserID,
		ReportedID: m.SenderID,
		Reason:     in.Reason,
		Note:       in.Note,
		Context:    snapshot,
	})
	if errors.Is(err, report.ErrDuplicate) {
		return report.Report{}, chat.Invalid("message_id", "already reported")
	}
	if err != nil {
		return report.Report{}, fmt.Errorf("store: create report: %w", err)
	}
	metrics.ReportsFiled.WithLabelValues(r.Reason).Inc()
	s.log.Info().
		Str("group_id", r.GroupID).
		Str("message_id", r.MessageID).
		Str("reported_id", r.ReportedID).
		Str("reason", r.Reason).
		Msg("message reported")

	if s.reportSink != nil {
		if err := s.reportSink.PublishReport(ctx, r); err != nil {
			s.log.Warn().Err(err).Str("report_id", r.ID).Msg("report not forwarded for review")
		}
	}
	s.escalateReports(ctx, r)
	return r, nil
}

// reportContext returns the reported message and the ones just before it,
// oldest first.
func (s *Service) reportContext(ctx context.Context, m chat.Message) ([]report.ContextMessage, error) {
	msgs, err := s.store.ListMessages(ctx, m.GroupID, m.CreatedAt.Add(time.Microsecond), report.ContextSize)
	if err != nil {
		return nil, fmt.Errorf("store: list messages: %w", err)
	}
	out := make([]report.ContextMessage, 0, len(msgs))
	for _, cm := range msgs {
		out = append(out, report.ContextMessage{
			MessageID: cm.ID,
			SenderID:  cm.SenderID,
			Content:   cm.Content,
			CreatedAt: cm.CreatedAt,
		})
	}
	slices.Reverse(out)
	return out, nil
}

// escalateReports bans the reported user once enough reports accumulate.
// Failures are logged; the report itself already succeeded.
func (s *Service) escalateReports(ctx context.Context, r report.Report) {
	if s.escalate == nil {
		return
	}
	n, err := s.reports.CountRecent(ctx, r.GroupID, r.ReportedID, ReportWindow)
	if err != nil {
		s.log.Warn().Err(err).Str("reported_id", r.ReportedID).Msg("report count failed")
		return
	}
	if n < s.reportThreshold {
		return
	}
	d, err := s.escalate.Escalate(ctx, r.GroupID, r.ReportedID, "reported: "+r.Reason)
	if err != nil {
		s.log.Warn().Err(err).Str("reported_id", r.ReportedID).Msg("report ban failed")
		return
	}
	s.log.Info().
		Str("group_id", r.GroupID).
		Str("user_id", r.ReportedID).
		Int("reports", n).
		Dur("duration", d).
		Msg("user banned after reports")
}
