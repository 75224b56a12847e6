package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Server exposes the admin HTTP surface described in SPEC_FULL.md A8:
// liveness, readiness, and Prometheus scraping. It deliberately never
// carries any business-facing route.
type Server struct {
	httpServer *http.Server
	log        *logrus.Logger

	readyFn func() error
}

// ReadyFunc reports whether the process is ready to serve, e.g. whether the
// database pool has a live connection. A nil ReadyFunc makes /readyz always
// report ready.
type ReadyFunc func() error

// NewServer builds the admin server bound to port. readyFn may be nil.
func NewServer(port string, log *logrus.Logger, readyFn ReadyFunc) *Server {
	s := &Server{log: log, readyFn: readyFn}

	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET"},
	}))

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	r.Handle("/metrics", promhttp.Handler())

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%s", port),
		Handler:      r,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	return s
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if s.readyFn != nil {
		if err := s.readyFn(); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(err.Error()))
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// StartAsync starts the server in a background goroutine, logging and
// swallowing ErrServerClosed on shutdown.
func (s *Server) StartAsync() {
	go func() {
		s.log.WithField("addr", s.httpServer.Addr).Info("admin server listening")
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.WithError(err).Error("admin server stopped unexpectedly")
		}
	}()
}

// Stop gracefully shuts the server down, respecting ctx's deadline.
func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
