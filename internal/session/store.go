package session

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	// SessionPrefix is the Redis key prefix for session hashes.
	SessionPrefix = "session:"

	// SessionTTL is the idle lifetime of a session.
	SessionTTL = 24 * time.Hour
)

// Session is the hash stored under session:<token>.
type Session struct {
	Token      string `redis:"token"`
	UserID     string `redis:"user_id"`
	Server     string `redis:"server"`      // instance that issued the token
	CreatedAt  int64  `redis:"created_at"`  // unix timestamp
	LastActive int64  `redis:"last_active"` // unix timestamp
}

// Store manages sessions in Redis.
type Store struct {
	client     *redis.Client
	serverName string
}

// NewStore connects to Redis and verifies the connection.
func NewStore(opts *redis.Options, serverName string) (*Store, error) {
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("session: redis connection failed: %w", err)
	}
	return &Store{client: client, serverName: serverName}, nil
}

// Create issues a new token for userID.
func (s *Store) Create(ctx context.Context, userID string) (string, error) {
	token := uuid.New().String()
	key := SessionPrefix + token
	now := time.Now().Unix()

	fields := map[string]interface{}{
		"token":       token,
		"user_id":     userID,
		"server":      s.serverName,
		"created_at":  now,
		"last_active": now,
	}

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, fields)
	pipe.Expire(ctx, key, SessionTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("session: create: %w", err)
	}
	return token, nil
}

// Get returns the session for token, or nil when it does not exist.
func (s *Store) Get(ctx context.Context, token string) (*Session, error) {
	var sess Session
	if err := s.client.HGetAll(ctx, SessionPrefix+token).Scan(&sess); err != nil {
		return nil, err
	}
	if sess.Token == "" || sess.UserID == "" {
		return nil, nil
	}
	return &sess, nil
}

// Touch records activity and extends the TTL.
func (s *Store) Touch(ctx context.Context, token string) error {
	key := SessionPrefix + token
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, "last_active", time.Now().Unix())
	pipe.Expire(ctx, key, SessionTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Delete revokes a token.
func (s *Store) Delete(ctx context.Context, token string) error {
	return s.client.Del(ctx, SessionPrefix+token).Err()
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// Client returns the underlying Redis client for use by other packages.
func (s *Store) Client() *redis.Client {
	return s.client
}
