// Copyright 2025 James Ross

// Package adminapi exposes internal/admin's dispatcher stats and DLQ
// operations over a small gorilla/mux HTTP surface, for operators who
// would rather curl an endpoint than shell into cmd/spine -admin-cmd.
package adminapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/flyingrobots/spine/internal/admin"
	"github.com/flyingrobots/spine/internal/backend"
	"github.com/flyingrobots/spine/internal/dlq"
	"github.com/flyingrobots/spine/internal/spine"
)

// Server is the admin HTTP surface: GET /stats, GET /dlq, GET /dlq/search,
// POST /dlq/purge, POST /dlq/requeue, GET /healthz.
type Server struct {
	sp      *spine.Spine
	be      backend.Backend
	store   *dlq.Store
	logger  *zap.Logger
	limiter *rateLimiter
	router  *mux.Router
	server  *http.Server
}

// NewServer builds a Server wired against a running Spine and its backend.
// rateLimitPerSecond <= 0 disables throttling on the mutating endpoints.
func NewServer(addr string, sp *spine.Spine, be backend.Backend, logger *zap.Logger, rateLimitPerSecond float64, rateLimitBurst int) *Server {
	s := &Server{
		sp:      sp,
		be:      be,
		store:   sp.FailedEvents(),
		logger:  logger,
		limiter: newRateLimiter(rateLimitPerSecond, rateLimitBurst),
	}

	router := mux.NewRouter()
	router.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	router.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	router.HandleFunc("/dlq", s.handlePeek).Methods(http.MethodGet)
	router.HandleFunc("/dlq/search", s.handleSearch).Methods(http.MethodGet)
	router.HandleFunc("/dlq/purge", s.rateLimited(s.handlePurge)).Methods(http.MethodPost)
	router.HandleFunc("/dlq/requeue", s.rateLimited(s.handleRequeue)).Methods(http.MethodPost)
	s.router = router

	s.server = &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// RouterForTest exposes the underlying handler for in-process testing via
// httptest, without binding a real listener.
func (s *Server) RouterForTest() http.Handler { return s.router }

// Start listens in the background and returns immediately.
func (s *Server) Start() {
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("admin api server error", zap.Error(err))
		}
	}()
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) rateLimited(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.allow(clientIP(r)) {
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next(w, r)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}
