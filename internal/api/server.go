// Package api exposes the ledger over HTTP.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/parkaudit/parkaudit/internal/doctor"
	"github.com/parkaudit/parkaudit/internal/ledger"
	"github.com/parkaudit/parkaudit/internal/store"
	"github.com/parkaudit/parkaudit/internal/verify"
	"github.com/parkaudit/parkaudit/pkg/logging"
	"github.com/parkaudit/parkaudit/pkg/metrics"
)

// Server wires the ledger services to HTTP routes.
type Server struct {
	store    store.Store
	recorder *ledger.Recorder
	verifier *verify.Verifier
	doctor   *doctor.Doctor
	metrics  *metrics.Registry
	log      *logging.Logger
}

// Deps are the services a Server exposes. Metrics may be nil to disable
// /metrics.
type Deps struct {
	Store    store.Store
	Recorder *ledger.Recorder
	Verifier *verify.Verifier
	Doctor   *doctor.Doctor
	Metrics  *metrics.Registry
	Logger   *logging.Logger
}

// NewServer creates an API server.
func NewServer(d Deps) *Server {
	if d.Logger == nil {
		d.Logger = logging.Default()
	}
	return &Server{
		store:    d.Store,
		recorder: d.Recorder,
		verifier: d.Verifier,
		doctor:   d.Doctor,
		metrics:  d.Metrics,
		log:      d.Logger.WithFields(map[string]any{"component": "api"}),
	}
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.health)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}

	r.Route("/api", func(r chi.Router) {
		r.Route("/lots/{lotID}", func(r chi.Router) {
			r.Post("/entry", s.recordEntry)
			r.Post("/exit", s.recordExit)
			r.Get("/status", s.status)
			r.Get("/audit-trail", s.auditTrail)
		})
		r.Get("/integrity", s.verifyAll)
		r.Get("/integrity/{lotID}", s.verifyLot)
		r.Post("/entries/{entryID}/enrichment", s.enrich)
		r.Get("/doctor", s.runDoctor)
	})
	return r
}

// ListenAndServe serves on addr until ctx is done, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("api listening", map[string]any{"addr": addr})
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.log.Info("api shutting down")
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("request", map[string]any{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      ww.Status(),
			"duration_ms": time.Since(start).Milliseconds(),
			"request_id":  middleware.GetReqID(r.Context()),
		})
	})
}
