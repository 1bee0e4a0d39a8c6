// Package ban manages per-group user bans backed by Redis. Ban records are
// plain keys with TTL-based expiry:
//
//	Key:   ban:<group_id>:<user_id>
//	Value: <reason>
//	TTL:   ban duration
//
// Moderation strikes are counted under strikes:<group_id>:<user_id>.
package ban

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	BanPrefix     = "ban:"
	StrikesPrefix = "strikes:"

	// Escalating ban durations.
	Ban15Min  = 15 * time.Minute // 1st offense
	Ban1Hour  = 1 * time.Hour    // 2nd offense
	Ban24Hour = 24 * time.Hour   // 3rd+ offense

	// StrikesTTL is how long the strike counter lives after its first
	// increment.
	StrikesTTL = 24 * time.Hour

	// StrikeThreshold is the number of strikes within StrikesTTL that
	// triggers an automatic ban.
	StrikeThreshold = 3

	// ReasonStrikes is recorded on automatic bans.
	ReasonStrikes = "repeated_violations"
)

// Status describes a user's ban in one group.
type Status struct {
	Banned    bool
	Remaining time.Duration
	Reason    string
}

// Checker is the read side consumed by the gateway and dispatcher.
type Checker interface {
	IsBanned(ctx context.Context, groupID, userID string) (Status, error)
}

// Store manages ban records in Redis.
type Store struct {
	client *redis.Client
}

// NewStore creates a ban store using the provided Redis client.
func NewStore(client *redis.Client) *Store {
	return &Store{client: client}
}

func banKey(groupID, userID string) string     { return BanPrefix + groupID + ":" + userID }
func strikesKey(groupID, userID string) string { return StrikesPrefix + groupID + ":" + userID }

// IsBanned reports whether userID is banned from groupID. Redis errors are
// returned so callers can choose a policy; the gateway fails open.
func (s *Store) IsBanned(ctx context.Context, groupID, userID string) (Status, error) {
	key := banKey(groupID, userID)

	reason, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return Status{}, nil
	}
	if err != nil {
		return Status{}, err
	}

	// The ban exists even if the TTL cannot be read.
	ttl, err := s.client.TTL(ctx, key).Result()
	if err != nil || ttl < 0 {
		return Status{Banned: true, Reason: reason}, nil
	}
	return Status{Banned: true, Remaining: ttl, Reason: reason}, nil
}

// Ban bans userID from groupID for duration.
func (s *Store) Ban(ctx context.Context, groupID, userID string, duration time.Duration, reason string) error {
	return s.client.Set(ctx, banKey(groupID, userID), reason, duration).Err()
}

// Unban lifts a ban immediately.
func (s *Store) Unban(ctx context.Context, groupID, userID string) error {
	return s.client.Del(ctx, banKey(groupID, userID)).Err()
}

// ---------------------------------------------------------------------------
// Escalation
// ---------------------------------------------------------------------------

func escalationDuration(offenseCount int) time.Duration {
	switch {
	case offenseCount <= 1:
		return Ban15Min
	case offenseCount == 2:
		return Ban1Hour
	default:
		return Ban24Hour
	}
}

// StrikeCount returns the current strike counter, 0 when absent or expired.
func (s *Store) StrikeCount(ctx context.Context, groupID, userID string) (int, error) {
	val, err := s.client.Get(ctx, strikesKey(groupID, userID)).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return val, nil
}

// incrStrikes increments the counter and sets its TTL on the first
// increment only, so the window does not slide.
func (s *Store) incrStrikes(ctx context.Context, groupID, userID string) (int64, error) {
	key := strikesKey(groupID, userID)
	count, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("ban: strike incr: %w", err)
	}
	if count == 1 {
		if err := s.client.Expire(ctx, key, StrikesTTL).Err(); err != nil {
			return 0, fmt.Errorf("ban: strike expire: %w", err)
		}
	}
	return count, nil
}

// Escalate records an offense and bans with a duration that grows with
// the offense count: 15m, 1h, then 24h.
func (s *Store) Escalate(ctx context.Context, groupID, userID, reason string) (time.Duration, error) {
	count, err := s.incrStrikes(ctx, groupID, userID)
	if err != nil {
		return 0, err
	}
	duration := escalationDuration(int(count))
	if err := s.Ban(ctx, groupID, userID, duration, reason); err != nil {
		return 0, fmt.Errorf("ban: escalate ban: %w", err)
	}
	return duration, nil
}

// Strike records one moderation violation and bans automatically once
// StrikeThreshold is reached. It reports whether a ban was applied.
func (s *Store) Strike(ctx context.Context, groupID, userID string) (bool, time.Duration, error) {
	count, err := s.incrStrikes(ctx, groupID, userID)
	if err != nil {
		return false, 0, err
	}
	if count < StrikeThreshold {
		return false, 0, nil
	}
	duration := escalationDuration(int(count))
	if err := s.Ban(ctx, groupID, userID, duration, ReasonStrikes); err != nil {
		return false, 0, fmt.Errorf("ban: strike ban: %w", err)
	}
	return true, duration, nil
}
