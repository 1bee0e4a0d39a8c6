package report

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/lib/pq"
)

// PostgresStore keeps reports in the message_reports table created by the
// postgres message store's migrations.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a report store backed by db.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Create inserts a report. The context snapshot is stored as JSONB.
func (s *PostgresStore) Create(ctx context.Context, r Report) (Report, error) {
	if !ValidReason(r.Reason) {
		return Report{}, fmt.Errorf("%w: %q", ErrInvalidReason, r.Reason)
	}
	if r.ID == "" {
		r.ID = uuid.New().String()
	}

	var contextJSON []byte
	if len(r.Context) > 0 {
		var err error
		contextJSON, err = json.Marshal(r.Context)
		if err != nil {
			return Report{}, fmt.Errorf("report: marshal context: %w", err)
		}
	}

	const query = `
		INSERT INTO message_reports (id, group_id, message_id, reporter_id, reported_id, reason, note, context)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at`

	err := s.db.QueryRowContext(ctx, query,
		r.ID, r.GroupID, r.MessageID, r.ReporterID, r.ReportedID, r.Reason, r.Note, contextJSON,
	).Scan(&r.CreatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return Report{}, ErrDuplicate
		}
		return Report{}, fmt.Errorf("report: insert: %w", err)
	}
	r.CreatedAt = r.CreatedAt.UTC()
	return r, nil
}

// CountRecent counts reports against reportedID in groupID within window.
func (s *PostgresStore) CountRecent(ctx context.Context, groupID, reportedID string, window time.Duration) (int, error) {
	const query = `
		SELECT COUNT(*)
		FROM message_reports
		WHERE group_id = $1
		  AND reported_id = $2
		  AND created_at >= $3`

	var count int
	since := time.Now().Add(-window)
	if err := s.db.QueryRowContext(ctx, query, groupID, reportedID, since).Scan(&count); err != nil {
		return 0, fmt.Errorf("report: count recent: %w", err)
	}
	return count, nil
}
