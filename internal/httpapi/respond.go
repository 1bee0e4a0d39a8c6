package httpapi

import (
	"errors"
	"math"
	"net/http"
	"strconv"

	"github.com/goccy/go-json"

	"github.com/whisper/groupchat/internal/auth"
	"github.com/whisper/groupchat/internal/chat"
	"github.com/whisper/groupchat/internal/dispatch"
	"github.com/whisper/groupchat/internal/logging"
)

// Error codes carried in error bodies.
const (
	CodeUnauthenticated = "unauthenticated"
	CodeForbidden       = "forbidden"
	CodeNotFound        = "not_found"
	CodeInvalid         = "invalid"
	CodeRateLimited     = "rate_limited"
	CodeStoreError      = "store_error"
)

// ErrorBody is the JSON body of every non-2xx response.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		logging.Error().Err(err).Msg("marshal response")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, ErrorBody{Code: code, Message: message})
}

// respondErr maps a domain error to its status code and body.
func respondErr(w http.ResponseWriter, r *http.Request, err error) {
	var (
		ve *chat.ValidationError
		rl *dispatch.RateLimitedError
	)
	switch {
	case errors.Is(err, auth.ErrUnauthenticated):
		respondError(w, http.StatusUnauthorized, CodeUnauthenticated, "authentication required")
	case errors.Is(err, chat.ErrNotMember), errors.Is(err, chat.ErrBanned):
		respondError(w, http.StatusForbidden, CodeForbidden, "not allowed in this group")
	case errors.Is(err, chat.ErrNotFound):
		respondError(w, http.StatusNotFound, CodeNotFound, "group not found")
	case errors.As(err, &ve):
		respondError(w, http.StatusBadRequest, CodeInvalid, ve.Error())
	case errors.As(err, &rl):
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(rl.RetryAfter.Seconds()))))
		respondError(w, http.StatusTooManyRequests, CodeRateLimited, "slow down")
	default:
		logging.Ctx(r.Context()).Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		respondError(w, http.StatusInternalServerError, CodeStoreError, "request could not be completed")
	}
}
