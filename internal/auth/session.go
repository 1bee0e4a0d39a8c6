package auth

import (
	"context"
	"fmt"

	"github.com/whisper/groupchat/internal/session"
)

// SessionLookup is the subset of session.Store the resolver needs.
type SessionLookup interface {
	Get(ctx context.Context, token string) (*session.Session, error)
	Touch(ctx context.Context, token string) error
}

// SessionResolver accepts opaque tokens issued by the session store.
type SessionResolver struct {
	sessions SessionLookup
}

func NewSessionResolver(sessions SessionLookup) *SessionResolver {
	return &SessionResolver{sessions: sessions}
}

func (r *SessionResolver) ResolveIdentity(ctx context.Context, token string) (Identity, error) {
	if token == "" {
		return Identity{}, ErrUnauthenticated
	}
	sess, err := r.sessions.Get(ctx, token)
	if err != nil {
		return Identity{}, fmt.Errorf("auth: session lookup: %w", err)
	}
	if sess == nil {
		return Identity{}, ErrUnauthenticated
	}
	// Activity refresh is best effort.
	_ = r.sessions.Touch(ctx, token)
	return Identity{UserID: sess.UserID}, nil
}
