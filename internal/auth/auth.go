// Package auth resolves a bearer token to the user it identifies. Both the
// socket gateway and the HTTP fallback surface share one Resolver.
package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
)

// ErrUnauthenticated is returned for missing, malformed, expired or unknown
// tokens.
var ErrUnauthenticated = errors.New("auth: unauthenticated")

// Identity is the authenticated caller.
type Identity struct {
	UserID string
}

// Resolver maps a token to an Identity.
type Resolver interface {
	ResolveIdentity(ctx context.Context, token string) (Identity, error)
}

// TokenFromRequest reads the token from the Authorization bearer header,
// falling back to the token query parameter used by browser sockets.
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
		return ""
	}
	return r.URL.Query().Get("token")
}

type ctxKey struct{}

// WithIdentity stores id on ctx.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// FromContext returns the identity stored by WithIdentity.
func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(ctxKey{}).(Identity)
	return id, ok
}
