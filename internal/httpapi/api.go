// Package httpapi is the HTTP fallback surface: history paging, typing
// polls and unread counts for clients without a live socket. It also
// mounts the socket gateway, health and metrics on the same chi router.
package httpapi

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"

	"github.com/whisper/groupchat/internal/auth"
	"github.com/whisper/groupchat/internal/chat"
	"github.com/whisper/groupchat/internal/dispatch"
	"github.com/whisper/groupchat/internal/metrics"
	"github.com/whisper/groupchat/internal/report"
)

// Service is the subset of the dispatcher the HTTP surface calls.
type Service interface {
	Authorize(ctx context.Context, groupID, userID string) error
	ListMessages(ctx context.Context, c dispatch.Caller, q dispatch.ListQuery) ([]chat.Message, error)
	MarkGroupRead(ctx context.Context, c dispatch.Caller) (chat.ReadCursor, error)
	UnreadCounts(ctx context.Context, userID string) ([]chat.UnreadCount, error)
	SetTyping(ctx context.Context, c dispatch.Caller, isTyping bool) error
	TypingStatus(c dispatch.Caller) []string
	ReportMessage(ctx context.Context, c dispatch.Caller, in dispatch.ReportInput) (report.Report, error)
}

// Stats reports live connection counts for /health.
type Stats interface {
	Count() int
	GroupCount() int
}

// Check probes one dependency for /health.
type Check func(ctx context.Context) error

// Config tunes the router.
type Config struct {
	AllowedOrigins []string
	RateLimit      int // requests per minute per client IP; 0 disables
}

// API serves the fallback endpoints.
type API struct {
	cfg      Config
	svc      Service
	resolver auth.Resolver
	gateway  http.Handler
	stats    Stats
	checks   map[string]Check
	validate *validator.Validate
	started  time.Time
}

// New builds the API. gateway may be nil to serve HTTP endpoints only.
func New(cfg Config, svc Service, resolver auth.Resolver, gateway http.Handler, stats Stats) *API {
	return &API{
		cfg:      cfg,
		svc:      svc,
		resolver: resolver,
		gateway:  gateway,
		stats:    stats,
		checks:   make(map[string]Check),
		validate: validator.New(),
		started:  time.Now(),
	}
}

// AddCheck registers a dependency probe reported by /health.
func (a *API) AddCheck(name string, c Check) {
	a.checks[name] = c
}

// Routes returns the chi router.
func (a *API) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(requestIDWithLogging)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: a.cfg.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type", "X-Request-Id"},
		MaxAge:         300,
	}))

	r.Get("/health", a.health)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Group(func(r chi.Router) {
		if a.cfg.RateLimit > 0 {
			r.Use(httprate.LimitByIP(a.cfg.RateLimit, time.Minute))
		}
		if a.gateway != nil {
			r.Method(http.MethodGet, "/chat/ws/{groupID}", a.gateway)
		}
		r.Route("/chat/groups", func(r chi.Router) {
			r.Use(a.authenticate)
			r.Get("/unread-counts", a.unreadCounts)
			r.Route("/{groupID}", func(r chi.Router) {
				r.Use(a.authorizeGroup)
				r.Get("/messages", a.listMessages)
				r.Post("/messages/{messageID}/report", a.reportMessage)
				r.Post("/mark-read", a.markRead)
				r.Get("/typing", a.typingStatus)
				r.Post("/typing", a.setTyping)
			})
		})
	})
	return r
}

// ---------------------------------------------------------------------------
// Handlers
// ---------------------------------------------------------------------------

type listParams struct {
	Limit int `validate:"min=1,max=100"`
}

// MessagesResponse is one page of history, newest first. NextBefore is the
// id to pass as before for the next page, empty on the last page.
type MessagesResponse struct {
	GroupID    string         `json:"group_id"`
	Messages   []chat.Message `json:"messages"`
	NextBefore string         `json:"next_before,omitempty"`
}

func (a *API) listMessages(w http.ResponseWriter, r *http.Request) {
	c := callerFrom(r)
	q := r.URL.Query()

	p := listParams{Limit: dispatch.DefaultPageSize}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			respondErr(w, r, chat.Invalid("limit", "must be an integer"))
			return
		}
		p.Limit = n
	}
	if err := a.validate.Struct(p); err != nil {
		respondErr(w, r, chat.Invalid("limit", "must be between 1 and 100"))
		return
	}

	lq := dispatch.ListQuery{Limit: p.Limit}
	if raw := q.Get("before"); raw != "" {
		if ts, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			lq.Before = ts
		} else {
			lq.BeforeID = raw
		}
	}

	msgs, err := a.svc.ListMessages(r.Context(), c, lq)
	if err != nil {
		respondErr(w, r, err)
		return
	}
	resp := MessagesResponse{GroupID: c.GroupID, Messages: msgs}
	if len(msgs) == p.Limit {
		resp.NextBefore = msgs[len(msgs)-1].ID
	}
	respondJSON(w, http.StatusOK, resp)
}

func (a *API) markRead(w http.ResponseWriter, r *http.Request) {
	if _, err := a.svc.MarkGroupRead(r.Context(), callerFrom(r)); err != nil {
		respondErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// TypingResponse lists the other members currently typing.
type TypingResponse struct {
	GroupID string   `json:"group_id"`
	Users   []string `json:"users"`
}

func (a *API) typingStatus(w http.ResponseWriter, r *http.Request) {
	c := callerFrom(r)
	respondJSON(w, http.StatusOK, TypingResponse{GroupID: c.GroupID, Users: a.svc.TypingStatus(c)})
}

type typingRequest struct {
	IsTyping *bool `json:"is_typing" validate:"required"`
}

func (a *API) setTyping(w http.ResponseWriter, r *http.Request) {
	var req typingRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1024)).Decode(&req); err != nil {
		respondErr(w, r, chat.Invalid("body", "malformed JSON"))
		return
	}
	if err := a.validate.Struct(req); err != nil {
		respondErr(w, r, chat.Invalid("is_typing", "required"))
		return
	}
	if err := a.svc.SetTyping(r.Context(), callerFrom(r), *req.IsTyping); err != nil {
		respondErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type reportRequest struct {
	Reason string `json:"reason" validate:"required"`
	Note   string `json:"note" validate:"max=500"`
}

// ReportResponse acknowledges a filed report.
type ReportResponse struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
}

func (a *API) reportMessage(w http.ResponseWriter, r *http.Request) {
	var req reportRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil {
		respondErr(w, r, chat.Invalid("body", "malformed JSON"))
		return
	}
	if err := a.validate.Struct(req); err != nil {
		respondErr(w, r, chat.Invalid("report", "reason is required and note is limited to 500 characters"))
		return
	}
	rep, err := a.svc.ReportMessage(r.Context(), callerFrom(r), dispatch.ReportInput{
		MessageID: chi.URLParam(r, "messageID"),
		Reason:    req.Reason,
		Note:      req.Note,
	})
	if err != nil {
		respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, ReportResponse{ID: rep.ID, CreatedAt: rep.CreatedAt})
}

// UnreadCountsResponse covers every group the caller belongs to.
type UnreadCountsResponse struct {
	Groups []chat.UnreadCount `json:"groups"`
}

func (a *API) unreadCounts(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.FromContext(r.Context())
	counts, err := a.svc.UnreadCounts(r.Context(), id.UserID)
	if err != nil {
		respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, UnreadCountsResponse{Groups: counts})
}

// HealthResponse reports liveness, connection counts and dependency probes.
type HealthResponse struct {
	Status      string            `json:"status"`
	Connections int               `json:"connections"`
	Groups      int               `json:"groups"`
	Uptime      string            `json:"uptime"`
	Checks      map[string]string `json:"checks,omitempty"`
}

func (a *API) health(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status: "ok",
		Uptime: time.Since(a.started).Round(time.Second).String(),
	}
	if a.stats != nil {
		resp.Connections = a.stats.Count()
		resp.Groups = a.stats.GroupCount()
	}

	status := http.StatusOK
	if len(a.checks) > 0 {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		resp.Checks = make(map[string]string, len(a.checks))
		for name, check := range a.checks {
			if err := check(ctx); err != nil {
				resp.Checks[name] = err.Error()
				resp.Status = "degraded"
				status = http.StatusServiceUnavailable
				continue
			}
			resp.Checks[name] = "ok"
		}
	}
	respondJSON(w, status, resp)
}
