// Package postgres provides the PostgreSQL-backed store.Store. The schema is
// embedded and applied with golang-migrate on Open.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/golang-migrate/migrate/v4"
	pgmigrate "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/whisper/groupchat/internal/chat"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Store implements store.Store on top of database/sql.
type Store struct {
	db *sql.DB
}

// New wraps an existing handle. The schema must already be migrated.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Open connects to dsn, verifies the connection and applies pending
// migrations.
func Open(ctx context.Context, dsn string, maxOpenConns int) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}
	if maxOpenConns > 0 {
		db.SetMaxOpenConns(maxOpenConns)
		db.SetMaxIdleConns(maxOpenConns / 2)
	}
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	if err := Migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return New(db), nil
}

// Migrate applies every embedded up migration.
func Migrate(db *sql.DB) error {
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("postgres: migration source: %w", err)
	}
	drv, err := pgmigrate.WithInstance(db, &pgmigrate.Config{})
	if err != nil {
		return fmt.Errorf("postgres: migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", drv)
	if err != nil {
		return fmt.Errorf("postgres: migrate init: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("postgres: migrate up: %w", err)
	}
	return nil
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// DB exposes the pool for stores that share the schema.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// notFound maps missing rows and malformed uuids to chat.ErrNotFound.
func notFound(err error) bool {
	if errors.Is(err, sql.ErrNoRows) {
		return true
	}
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "22P02"
}

// ---------------------------------------------------------------------------
// Groups
// ---------------------------------------------------------------------------

func (s *Store) CreateGroup(ctx context.Context, g chat.Group, members []string) (chat.Group, error) {
	if g.ID == "" {
		g.ID = uuid.New().String()
	}
	if g.Visibility == "" {
		g.Visibility = chat.VisibilityPrivate
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return chat.Group{}, fmt.Errorf("postgres: begin: %w", err)
	}
	defer tx.Rollback()

	const insertGroup = `
		INSERT INTO chat_groups (id, name, visibility, created_by)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at`
	if err := tx.QueryRowContext(ctx, insertGroup, g.ID, g.Name, string(g.Visibility), g.CreatedBy).Scan(&g.CreatedAt); err != nil {
		return chat.Group{}, fmt.Errorf("postgres: insert group: %w", err)
	}
	g.CreatedAt = g.CreatedAt.UTC()

	const insertMember = `
		INSERT INTO group_members (group_id, user_id) VALUES ($1, $2)
		ON CONFLICT DO NOTHING`
	for _, u := range members {
		if _, err := tx.ExecContext(ctx, insertMember, g.ID, u); err != nil {
			return chat.Group{}, fmt.Errorf("postgres: insert member: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return chat.Group{}, fmt.Errorf("postgres: commit: %w", err)
	}
	return g, nil
}

func (s *Store) AddMember(ctx context.Context, groupID, userID string) error {
	const query = `
		INSERT INTO group_members (group_id, user_id) VALUES ($1, $2)
		ON CONFLICT DO NOTHING`
	if _, err := s.db.ExecContext(ctx, query, groupID, userID); err != nil {
		var pqErr *pq.Error
		if notFound(err) || (errors.As(err, &pqErr) && pqErr.Code == "23503") {
			return chat.ErrNotFound
		}
		return fmt.Errorf("postgres: add member: %w", err)
	}
	return nil
}

func (s *Store) FindGroup(ctx context.Context, groupID string) (chat.Group, error) {
	const query = `
		SELECT id, name, visibility, created_by, created_at
		FROM chat_groups WHERE id = $1`
	var (
		g   chat.Group
		vis string
	)
	err := s.db.QueryRowContext(ctx, query, groupID).Scan(&g.ID, &g.Name, &vis, &g.CreatedBy, &g.CreatedAt)
	if notFound(err) {
		return chat.Group{}, chat.ErrNotFound
	}
	if err != nil {
		return chat.Group{}, fmt.Errorf("postgres: find group: %w", err)
	}
	g.Visibility = chat.Visibility(vis)
	g.CreatedAt = g.CreatedAt.UTC()
	return g, nil
}

func (s *Store) IsMember(ctx context.Context, groupID, userID string) (bool, error) {
	const query = `SELECT EXISTS (SELECT 1 FROM group_members WHERE group_id = $1 AND user_id = $2)`
	var ok bool
	err := s.db.QueryRowContext(ctx, query, groupID, userID).Scan(&ok)
	if notFound(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("postgres: is member: %w", err)
	}
	return ok, nil
}

func (s *Store) GroupMembers(ctx context.Context, groupID string) ([]string, error) {
	if _, err := s.FindGroup(ctx, groupID); err != nil {
		return nil, err
	}
	const query = `SELECT user_id FROM group_members WHERE group_id = $1 ORDER BY user_id`
	return s.strings(ctx, query, groupID)
}

func (s *Store) GroupsForUser(ctx context.Context, userID string) ([]string, error) {
	const query = `SELECT group_id::text FROM group_members WHERE user_id = $1 ORDER BY group_id`
	return s.strings(ctx, query, userID)
}

func (s *Store) strings(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: query: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("postgres: scan: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------------
// Messages
// ---------------------------------------------------------------------------

const messageColumns = `id, group_id, sender_id, content, attachments, client_id, reply_to, read_by, created_at`

func (s *Store) InsertMessage(ctx context.Context, msg chat.Message) (chat.Message, error) {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	var attachments []byte
	if len(msg.Attachments) > 0 {
		var err error
		if attachments, err = json.Marshal(msg.Attachments); err != nil {
			return chat.Message{}, fmt.Errorf("postgres: marshal attachments: %w", err)
		}
	}

	const query = `
		INSERT INTO messages (id, group_id, sender_id, content, attachments, client_id, reply_to)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at`
	err := s.db.QueryRowContext(ctx, query,
		msg.ID, msg.GroupID, msg.SenderID, msg.Content, attachments, msg.ClientID, msg.ReplyTo,
	).Scan(&msg.CreatedAt)
	if err != nil {
		var pqErr *pq.Error
		if notFound(err) || (errors.As(err, &pqErr) && pqErr.Code == "23503") {
			return chat.Message{}, chat.ErrNotFound
		}
		return chat.Message{}, fmt.Errorf("postgres: insert message: %w", err)
	}
	msg.CreatedAt = msg.CreatedAt.UTC()
	msg.ReadBy = []string{}
	msg.Reactions = []chat.Reaction{}
	return msg, nil
}

func (s *Store) MessageByID(ctx context.Context, messageID string) (chat.Message, error) {
	msgs, err := s.queryMessages(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = $1`, messageID)
	if notFound(err) {
		return chat.Message{}, chat.ErrNotFound
	}
	if err != nil {
		return chat.Message{}, err
	}
	if len(msgs) == 0 {
		return chat.Message{}, chat.ErrNotFound
	}
	return msgs[0], nil
}

func (s *Store) MessagesAfter(ctx context.Context, groupID string, after time.Time) ([]chat.Message, error) {
	const query = `SELECT ` + messageColumns + ` FROM messages
		WHERE group_id = $1 AND created_at > $2
		ORDER BY created_at ASC`
	msgs, err := s.queryMessages(ctx, query, groupID, after)
	if notFound(err) {
		return nil, nil
	}
	return msgs, err
}

func (s *Store) ListMessages(ctx context.Context, groupID string, before time.Time, limit int) ([]chat.Message, error) {
	var bound any
	if !before.IsZero() {
		bound = before
	}
	const query = `SELECT ` + messageColumns + ` FROM messages
		WHERE group_id = $1 AND ($2::timestamptz IS NULL OR created_at < $2)
		ORDER BY created_at DESC
		LIMIT $3`
	msgs, err := s.queryMessages(ctx, query, groupID, bound, limit)
	if notFound(err) {
		return nil, nil
	}
	return msgs, err
}

// queryMessages scans message rows and attaches their reactions.
func (s *Store) queryMessages(ctx context.Context, query string, args ...any) ([]chat.Message, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: query messages: %w", err)
	}
	defer rows.Close()

	var (
		out []chat.Message
		ids []string
	)
	for rows.Next() {
		var (
			m           chat.Message
			attachments []byte
			readBy      pq.StringArray
		)
		if err := rows.Scan(&m.ID, &m.GroupID, &m.SenderID, &m.Content, &attachments,
			&m.ClientID, &m.ReplyTo, &readBy, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan message: %w", err)
		}
		if len(attachments) > 0 {
			if err := json.Unmarshal(attachments, &m.Attachments); err != nil {
				return nil, fmt.Errorf("postgres: unmarshal attachments: %w", err)
			}
		}
		m.ReadBy = append([]string{}, readBy...)
		m.Reactions = []chat.Reaction{}
		m.CreatedAt = m.CreatedAt.UTC()
		out = append(out, m)
		ids = append(ids, m.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate messages: %w", err)
	}
	if len(ids) == 0 {
		return out, nil
	}

	reactions, err := s.reactionsFor(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range out {
		if rs, ok := reactions[out[i].ID]; ok {
			out[i].Reactions = rs
		}
	}
	return out, nil
}

func (s *Store) reactionsFor(ctx context.Context, ids []string) (map[string][]chat.Reaction, error) {
	const query = `
		SELECT message_id::text, user_id, emoji, created_at
		FROM message_reactions
		WHERE message_id::text = ANY($1)
		ORDER BY created_at ASC`
	rows, err := s.db.QueryContext(ctx, query, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("postgres: query reactions: %w", err)
	}
	defer rows.Close()
	out := make(map[string][]chat.Reaction)
	for rows.Next() {
		var (
			id string
			r  chat.Reaction
		)
		if err := rows.Scan(&id, &r.UserID, &r.Emoji, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan reaction: %w", err)
		}
		r.CreatedAt = r.CreatedAt.UTC()
		out[id] = append(out[id], r)
	}
	return out, rows.Err()
}

func (s *Store) AppendReadBy(ctx context.Context, messageID, userID string) (bool, error) {
	const query = `
		UPDATE messages SET read_by = array_append(read_by, $2)
		WHERE id = $1 AND NOT ($2 = ANY(read_by))`
	res, err := s.db.ExecContext(ctx, query, messageID, userID)
	if notFound(err) {
		return false, chat.ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("postgres: append read_by: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		return true, nil
	}
	if _, err := s.MessageByID(ctx, messageID); err != nil {
		return false, err
	}
	return false, nil
}

// ---------------------------------------------------------------------------
// Reactions
// ---------------------------------------------------------------------------

func (s *Store) UpsertReaction(ctx context.Context, messageID, userID, emoji string) (chat.ReactionChange, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return chat.ReactionChange{}, fmt.Errorf("postgres: begin: %w", err)
	}
	defer tx.Rollback()

	var exists bool
	err = tx.QueryRowContext(ctx, `SELECT true FROM messages WHERE id = $1 FOR SHARE`, messageID).Scan(&exists)
	if notFound(err) {
		return chat.ReactionChange{}, chat.ErrNotFound
	}
	if err != nil {
		return chat.ReactionChange{}, fmt.Errorf("postgres: lock message: %w", err)
	}

	var previous string
	err = tx.QueryRowContext(ctx,
		`SELECT emoji FROM message_reactions WHERE message_id = $1 AND user_id = $2 FOR UPDATE`,
		messageID, userID).Scan(&previous)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return chat.ReactionChange{}, fmt.Errorf("postgres: read reaction: %w", err)
	}

	var change chat.ReactionChange
	switch {
	case previous == "":
		_, err = tx.ExecContext(ctx,
			`INSERT INTO message_reactions (message_id, user_id, emoji) VALUES ($1, $2, $3)`,
			messageID, userID, emoji)
		change = chat.ReactionChange{Action: chat.ReactionAdded, Emoji: emoji}
	case previous == emoji:
		_, err = tx.ExecContext(ctx,
			`DELETE FROM message_reactions WHERE message_id = $1 AND user_id = $2`,
			messageID, userID)
		change = chat.ReactionChange{Action: chat.ReactionToggledOff, Previous: emoji}
	default:
		_, err = tx.ExecContext(ctx,
			`UPDATE message_reactions SET emoji = $3, created_at = clock_timestamp()
			 WHERE message_id = $1 AND user_id = $2`,
			messageID, userID, emoji)
		change = chat.ReactionChange{Action: chat.ReactionReplaced, Emoji: emoji, Previous: previous}
	}
	if err != nil {
		return chat.ReactionChange{}, fmt.Errorf("postgres: write reaction: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return chat.ReactionChange{}, fmt.Errorf("postgres: commit: %w", err)
	}
	return change, nil
}

func (s *Store) RemoveReaction(ctx context.Context, messageID, userID string) (string, error) {
	if _, err := s.MessageByID(ctx, messageID); err != nil {
		return "", err
	}
	const query = `
		DELETE FROM message_reactions WHERE message_id = $1 AND user_id = $2
		RETURNING emoji`
	var emoji string
	err := s.db.QueryRowContext(ctx, query, messageID, userID).Scan(&emoji)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("postgres: remove reaction: %w", err)
	}
	return emoji, nil
}

// ---------------------------------------------------------------------------
// Read cursors
// ---------------------------------------------------------------------------

func (s *Store) ReadCursor(ctx context.Context, groupID, userID string) (chat.ReadCursor, error) {
	const query = `
		SELECT last_read_at, last_message_id FROM read_cursors
		WHERE group_id = $1 AND user_id = $2`
	c := chat.ReadCursor{GroupID: groupID, UserID: userID}
	err := s.db.QueryRowContext(ctx, query, groupID, userID).Scan(&c.LastReadAt, &c.LastMessageID)
	if notFound(err) {
		return chat.ReadCursor{GroupID: groupID, UserID: userID}, nil
	}
	if err != nil {
		return chat.ReadCursor{}, fmt.Errorf("postgres: read cursor: %w", err)
	}
	c.LastReadAt = c.LastReadAt.UTC()
	return c, nil
}

func (s *Store) AdvanceReadCursor(ctx context.Context, c chat.ReadCursor) (chat.ReadCursor, error) {
	const query = `
		INSERT INTO read_cursors (group_id, user_id, last_read_at, last_message_id)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (group_id, user_id) DO UPDATE
		SET last_read_at = EXCLUDED.last_read_at, last_message_id = EXCLUDED.last_message_id
		WHERE read_cursors.last_read_at < EXCLUDED.last_read_at`
	_, err := s.db.ExecContext(ctx, query, c.GroupID, c.UserID, c.LastReadAt.UTC(), c.LastMessageID)
	if err != nil {
		var pqErr *pq.Error
		if notFound(err) || (errors.As(err, &pqErr) && pqErr.Code == "23503") {
			return chat.ReadCursor{}, chat.ErrNotFound
		}
		return chat.ReadCursor{}, fmt.Errorf("postgres: advance cursor: %w", err)
	}
	return s.ReadCursor(ctx, c.GroupID, c.UserID)
}

func (s *Store) UnreadCount(ctx context.Context, groupID, userID string) (chat.UnreadCount, error) {
	const query = `
		SELECT
			count(*) FILTER (WHERE m.sender_id <> $2
				AND m.created_at > COALESCE(c.last_read_at, '-infinity'::timestamptz)),
			max(m.created_at)
		FROM messages m
		LEFT JOIN read_cursors c ON c.group_id = m.group_id AND c.user_id = $2
		WHERE m.group_id = $1`
	uc := chat.UnreadCount{GroupID: groupID}
	var latest sql.NullTime
	err := s.db.QueryRowContext(ctx, query, groupID, userID).Scan(&uc.Unread, &latest)
	if notFound(err) {
		return uc, nil
	}
	if err != nil {
		return chat.UnreadCount{}, fmt.Errorf("postgres: unread count: %w", err)
	}
	if latest.Valid {
		t := latest.Time.UTC()
		uc.LatestMessageAt = &t
	}
	return uc, nil
}
