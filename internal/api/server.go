// Package api exposes the claim, payout and campaign administration surface
// over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/folajindayo/epochpay/internal/claims"
	"github.com/folajindayo/epochpay/internal/epoch"
	"github.com/folajindayo/epochpay/internal/metrics"
	"github.com/folajindayo/epochpay/internal/storage"
)

// Config holds runtime settings for the HTTP server.
type Config struct {
	ListenAddr      string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	MaxBulkClaims   int
}

// Server routes claim and administration requests to the engine.
type Server struct {
	cfg       Config
	store     storage.Store
	verifier  *claims.Verifier
	finalizer *epoch.Finalizer
	logger    *zap.Logger
	srv       *http.Server
}

// NewServer builds the HTTP server around the claim verifier, the finalizer
// and storage.
func NewServer(cfg Config, store storage.Store, verifier *claims.Verifier, finalizer *epoch.Finalizer, logger *zap.Logger) *Server {
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		// Claim settlement waits on the ledger, the write window has to
		// outlast it.
		cfg.WriteTimeout = 2 * time.Minute
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	if cfg.MaxBulkClaims <= 0 {
		cfg.MaxBulkClaims = 256
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Server{
		cfg:       cfg,
		store:     store,
		verifier:  verifier,
		finalizer: finalizer,
		logger:    logger,
	}
	s.srv = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      s.router(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

func (s *Server) router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/claims", s.handleClaim)
		r.Post("/claims/bulk", s.handleBulkClaim)
		r.Get("/campaigns/{campaignID}", s.handleGetCampaign)
		r.Get("/campaigns/{campaignID}/epochs/{epoch}/payouts", s.handlePayouts)
	})

	r.Route("/admin", func(r chi.Router) {
		r.Post("/campaigns", s.handleCreateCampaign)
		r.Post("/campaigns/{campaignID}/receipts", s.handleAddReceipts)
		r.Post("/campaigns/{campaignID}/epochs/{epoch}/finalize", s.handleFinalize)
	})

	return r
}

// Handler returns the routed handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

// Run serves until the context is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.srv.ListenAndServe()
	}()
	s.logger.Info("http server listening", zap.String("addr", s.cfg.ListenAddr))

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	s.logger.Info("http server stopped")
	return nil
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = r.URL.Path
		}
		metrics.HTTPRequests.WithLabelValues(route, strconv.Itoa(ww.Status())).Inc()
		s.logger.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Int("bytes", ww.BytesWritten()),
			zap.Duration("duration", time.Since(start)))
	})
}
