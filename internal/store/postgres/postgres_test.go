package postgres

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/whisper/groupchat/internal/chat"
	"github.com/whisper/groupchat/internal/store"
	"github.com/whisper/groupchat/internal/store/storetest"
)

var _ store.Store = (*Store)(nil)

// openTestStore connects to TEST_DATABASE_URL and truncates every table.
// Tests are skipped when the variable is unset.
func openTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set, skipping PostgreSQL tests")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s, err := Open(ctx, dsn, 4)
	if err != nil {
		t.Skipf("PostgreSQL not available: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	const truncate = `TRUNCATE message_reports, read_cursors, message_reactions, messages, group_members, chat_groups`
	if _, err := s.db.ExecContext(ctx, truncate); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	return s
}

func TestConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store { return openTestStore(t) })
}

func TestMigrate_Idempotent(t *testing.T) {
	s := openTestStore(t)
	if err := Migrate(s.db); err != nil {
		t.Fatalf("second Migrate() error: %v", err)
	}
}

func TestMalformedIDsAreNotFound(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.FindGroup(ctx, "not-a-uuid"); !errors.Is(err, chat.ErrNotFound) {
		t.Errorf("FindGroup err = %v, want ErrNotFound", err)
	}
	if _, err := s.MessageByID(ctx, "not-a-uuid"); !errors.Is(err, chat.ErrNotFound) {
		t.Errorf("MessageByID err = %v, want ErrNotFound", err)
	}
	if _, err := s.UpsertReaction(ctx, "not-a-uuid", "u", "👍"); !errors.Is(err, chat.ErrNotFound) {
		t.Errorf("UpsertReaction err = %v, want ErrNotFound", err)
	}
}

func TestNotFound(t *testing.T) {
	if !notFound(sql.ErrNoRows) {
		t.Error("sql.ErrNoRows should map to not found")
	}
	if notFound(errors.New("boom")) {
		t.Error("arbitrary errors are not not-found")
	}
}
