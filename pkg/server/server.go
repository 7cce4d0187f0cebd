// Package server exposes the proxy's HTTP surfaces: the four protocol
// endpoints, model listing, health and Prometheus metrics.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/prismproxy/prism/pkg/canonical"
	"github.com/prismproxy/prism/pkg/config"
	"github.com/prismproxy/prism/pkg/connector"
	"github.com/prismproxy/prism/pkg/processor"
	"github.com/prismproxy/prism/pkg/proxyerror"
)

// RequestProcessor is the orchestration surface the handlers drive.
type RequestProcessor interface {
	Process(ctx context.Context, req *canonical.Request, meta processor.Meta) (*canonical.Response, error)
	ProcessStream(ctx context.Context, req *canonical.Request, meta processor.Meta) (<-chan canonical.StreamChunk, error)
}

type Server struct {
	cfg        *config.Config
	processor  RequestProcessor
	connectors map[config.BackendType]connector.Connector
	logger     *slog.Logger

	httpServer *http.Server
}

func New(cfg *config.Config, proc RequestProcessor,
	connectors map[config.BackendType]connector.Connector, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:        cfg,
		processor:  proc,
		connectors: connectors,
		logger:     logger,
	}
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		// Streaming completions run for minutes; the per-request bound is
		// the proxy timeout applied via chi.
	}
	return s
}

// Router assembles the chi router. Exposed for tests.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(metricsMiddleware)
	if s.cfg.ProxyTimeout > 0 {
		r.Use(chimiddleware.Timeout(s.cfg.ProxyTimeout))
	}

	r.Get("/healthz", s.handleHealthz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		if !s.cfg.DisableAuth {
			r.Use(s.requireCredentials)
		}
		r.Post("/v1/chat/completions", s.handleChatCompletions)
		r.Post("/v1/responses", s.handleResponses)
		r.Get("/v1/models", s.handleListModels)
		r.Post("/anthropic/v1/messages", s.handleAnthropicMessages)
		r.Get("/anthropic/v1/models", s.handleAnthropicModels)
		r.Post("/v1beta/models/{modelAction}", s.handleGemini)
	})
	return r
}

// requireCredentials rejects requests that carry no credential header at
// all. The proxy holds the real upstream keys; this check only keeps an
// exposed listener from being anonymously usable.
func (s *Server) requireCredentials(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "" &&
			r.Header.Get("x-api-key") == "" &&
			r.Header.Get("x-goog-api-key") == "" {
			s.writeError(w, r, proxyerror.New(proxyerror.KindAuthentication, "missing_credentials",
				"request carries no credential header"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Run serves until ctx is cancelled, then drains with a bounded shutdown.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	s.logger.Info("shutting down")
	return s.httpServer.Shutdown(shutdownCtx)
}
