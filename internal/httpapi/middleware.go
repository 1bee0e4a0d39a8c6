package httpapi

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/whisper/groupchat/internal/auth"
	"github.com/whisper/groupchat/internal/dispatch"
	"github.com/whisper/groupchat/internal/logging"
)

// requestIDWithLogging runs chi's RequestID and copies the id into the
// logging context so logging.Ctx picks it up.
func requestIDWithLogging(next http.Handler) http.Handler {
	return chimiddleware.RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := chimiddleware.GetReqID(r.Context())
		if id == "" {
			id = logging.NewRequestID()
		}
		w.Header().Set(chimiddleware.RequestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(logging.ContextWithRequestID(r.Context(), id)))
	}))
}

// authenticate resolves the bearer token and stores the identity on the
// request context.
func (a *API) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := auth.TokenFromRequest(r)
		if token == "" {
			respondErr(w, r, auth.ErrUnauthenticated)
			return
		}
		id, err := a.resolver.ResolveIdentity(r.Context(), token)
		if err != nil {
			logging.Ctx(r.Context()).Debug().Err(err).Msg("token rejected")
			respondErr(w, r, auth.ErrUnauthenticated)
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithIdentity(r.Context(), id)))
	})
}

type callerKey struct{}

// authorizeGroup checks membership in the {groupID} route parameter and
// stores the resulting caller.
func (a *API) authorizeGroup(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := auth.FromContext(r.Context())
		if !ok {
			respondErr(w, r, auth.ErrUnauthenticated)
			return
		}
		groupID := chi.URLParam(r, "groupID")
		if err := a.svc.Authorize(r.Context(), groupID, id.UserID); err != nil {
			respondErr(w, r, err)
			return
		}
		c := dispatch.Caller{GroupID: groupID, UserID: id.UserID}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), callerKey{}, c)))
	})
}

func callerFrom(r *http.Request) dispatch.Caller {
	c, _ := r.Context().Value(callerKey{}).(dispatch.Caller)
	return c
}
