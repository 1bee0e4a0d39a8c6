package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/whisper/groupchat/internal/logging"
)

// drainer closes live sockets before the listener stops.
type drainer interface {
	Shutdown(ctx context.Context) error
}

// httpService runs an http.Server under the supervisor. On cancellation it
// drains sockets first so clients see close 1001, then shuts the listener.
type httpService struct {
	srv             *http.Server
	drain           drainer
	shutdownTimeout time.Duration
}

func newHTTPService(srv *http.Server, drain drainer, shutdownTimeout time.Duration) *httpService {
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	return &httpService{srv: srv, drain: drain, shutdownTimeout: shutdownTimeout}
}

func (h *httpService) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() { errCh <- h.srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http: %w", err)
	case <-ctx.Done():
	}

	sctx, cancel := context.WithTimeout(context.Background(), h.shutdownTimeout)
	defer cancel()
	if err := h.drain.Shutdown(sctx); err != nil {
		logging.Warn().Err(err).Msg("sockets did not drain before timeout")
	}
	if err := h.srv.Shutdown(sctx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	<-errCh
	return ctx.Err()
}

func (h *httpService) String() string { return "http-server" }
