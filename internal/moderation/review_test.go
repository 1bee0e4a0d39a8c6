package moderation

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/whisper/groupchat/internal/logging"
	"github.com/whisper/groupchat/internal/report"
)

type fakeEscalator struct {
	calls []string
	err   error
}

func (f *fakeEscalator) Escalate(_ context.Context, groupID, userID, reason string) (time.Duration, error) {
	f.calls = append(f.calls, groupID+":"+userID+":"+reason)
	return 15 * time.Minute, f.err
}

func reportOf(content string) report.Report {
	return report.Report{
		ID: "r1", GroupID: "g1", MessageID: "m2",
		ReporterID: "alice", ReportedID: "bob", Reason: report.ReasonHarassment,
		Context: []report.ContextMessage{
			{MessageID: "m1", SenderID: "alice", Content: "badword earlier"},
			{MessageID: "m2", SenderID: "bob", Content: content},
		},
	}
}

// ----------------------------------------------------------------------------
// Review
// ----------------------------------------------------------------------------

func TestReview(t *testing.T) {
	f := NewFilter(WithTerms([]string{"badword"}))

	tests := []struct {
		name      string
		content   string
		flagged   bool
		wantCalls int
	}{
		{"clean message", "see you tomorrow", false, 0},
		{"blocked term", "you are a badword", true, 1},
		{"flood", "aaaaaaaaaaaaaaaaaaaaaaaa", true, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			esc := &fakeEscalator{}
			r := NewReviewer(f, esc, logging.NewTestLogger(io.Discard))
			v := r.Review(context.Background(), reportOf(tt.content))
			if v.Flagged != tt.flagged {
				t.Errorf("Flagged = %v, want %v (result %+v)", v.Flagged, tt.flagged, v.Result)
			}
			if len(esc.calls) != tt.wantCalls {
				t.Errorf("escalations = %v, want %d", esc.calls, tt.wantCalls)
			}
			if tt.flagged && v.BannedFor != 15*time.Minute {
				t.Errorf("BannedFor = %v, want 15m", v.BannedFor)
			}
		})
	}
}

func TestReview_ChecksOnlyReportedMessage(t *testing.T) {
	esc := &fakeEscalator{}
	r := NewReviewer(NewFilter(WithTerms([]string{"badword"})), esc, logging.NewTestLogger(io.Discard))

	// The earlier context message contains the term; the reported one does not.
	if v := r.Review(context.Background(), reportOf("fine")); v.Flagged {
		t.Errorf("flagged on context message: %+v", v.Result)
	}

	rep := reportOf("badword")
	rep.Context = rep.Context[:1]
	if v := r.Review(context.Background(), rep); v.Flagged {
		t.Error("flagged a report whose message is missing from context")
	}
	if len(esc.calls) != 0 {
		t.Errorf("escalations = %v, want none", esc.calls)
	}
}

func TestReview_EscalateFailure(t *testing.T) {
	esc := &fakeEscalator{err: errors.New("redis down")}
	r := NewReviewer(NewFilter(WithTerms([]string{"badword"})), esc, logging.NewTestLogger(io.Discard))

	v := r.Review(context.Background(), reportOf("badword"))
	if !v.Flagged || v.BannedFor != 0 {
		t.Errorf("verdict = %+v, want flagged without ban", v)
	}
}

func TestReview_NoEscalator(t *testing.T) {
	r := NewReviewer(NewFilter(WithTerms([]string{"badword"})), nil, logging.NewTestLogger(io.Discard))
	if v := r.Review(context.Background(), reportOf("badword")); !v.Flagged {
		t.Error("want flagged")
	}
}
