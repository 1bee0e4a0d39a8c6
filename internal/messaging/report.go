package messaging

import (
	"context"
	"fmt"

	"github.com/goccy/go-json"

	"github.com/whisper/groupchat/internal/report"
)

// ReportPublisher hands filed abuse reports to the moderator service on
// <subject>.<group_id>.
type ReportPublisher struct {
	pub     Publisher
	subject string
}

// NewReportPublisher returns a publisher under subject.
func NewReportPublisher(pub Publisher, subject string) *ReportPublisher {
	return &ReportPublisher{pub: pub, subject: subject}
}

func (p *ReportPublisher) PublishReport(_ context.Context, r report.Report) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("messaging: marshal report: %w", err)
	}
	if err := p.pub.Publish(p.subject+"."+r.GroupID, data); err != nil {
		return fmt.Errorf("messaging: publish report: %w", err)
	}
	return nil
}

// DecodeReport parses a payload written by PublishReport.
func DecodeReport(data []byte) (report.Report, error) {
	var r report.Report
	if err := json.Unmarshal(data, &r); err != nil {
		return report.Report{}, fmt.Errorf("messaging: decode report: %w", err)
	}
	if r.ID == "" || r.GroupID == "" || r.ReportedID == "" {
		return report.Report{}, fmt.Errorf("messaging: decode report: missing id, group or reported user")
	}
	return r, nil
}
