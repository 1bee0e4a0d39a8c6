package moderation

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/whisper/groupchat/internal/report"
)

// Escalator bans a user for a duration that grows with each offense.
type Escalator interface {
	Escalate(ctx context.Context, groupID, userID, reason string) (time.Duration, error)
}

// Verdict is the outcome of reviewing one report.
type Verdict struct {
	ReportID  string
	Flagged   bool
	Result    Result
	BannedFor time.Duration
}

// Reviewer re-checks reported messages with a Filter that may be stricter
// than the one screening live traffic.
type Reviewer struct {
	filter   *Filter
	escalate Escalator
	log      zerolog.Logger
}

// NewReviewer returns a Reviewer. escalate may be nil, in which case flagged
// reports are only logged.
func NewReviewer(f *Filter, escalate Escalator, log zerolog.Logger) *Reviewer {
	return &Reviewer{filter: f, escalate: escalate, log: log}
}

// Review checks the reported message's content as captured in the report
// context. A report whose context lacks the message is never flagged.
func (r *Reviewer) Review(ctx context.Context, rep report.Report) Verdict {
	v := Verdict{ReportID: rep.ID}
	content, ok := reportedContent(rep)
	if !ok {
		r.log.Warn().Str("report_id", rep.ID).Msg("reported message missing from context")
		return v
	}

	v.Result = r.filter.Check(content)
	if !v.Result.Blocked {
		r.log.Debug().Str("report_id", rep.ID).Str("reason", rep.Reason).Msg("report reviewed: clean")
		return v
	}
	v.Flagged = true

	ev := r.log.Info().
		Str("report_id", rep.ID).
		Str("group_id", rep.GroupID).
		Str("reported_id", rep.ReportedID).
		Str("filter_reason", v.Result.Reason).
		Str("term", v.Result.Term)
	if r.escalate == nil {
		ev.Msg("report reviewed: flagged")
		return v
	}

	d, err := r.escalate.Escalate(ctx, rep.GroupID, rep.ReportedID, "review: "+v.Result.Reason)
	if err != nil {
		ev.Msg("report reviewed: flagged")
		r.log.Warn().Err(err).Str("reported_id", rep.ReportedID).Msg("review ban failed")
		return v
	}
	v.BannedFor = d
	ev.Dur("banned_for", d).Msg("report reviewed: flagged")
	return v
}

func reportedContent(rep report.Report) (string, bool) {
	for _, m := range rep.Context {
		if m.MessageID == rep.MessageID {
			return m.Content, true
		}
	}
	return "", false
}
