// Package ops serves the operational HTTP endpoints of reminderd: health
// probes, scheduler statistics and manual job triggers. It does not expose
// the reminder API.
package ops

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"reminders/internal/config"
	"reminders/internal/scheduler"
)

// SchedulerControl is the part of scheduler.Service the ops server drives.
type SchedulerControl interface {
	Stats() scheduler.Stats
	Sweep(ctx context.Context) (scheduler.SweepResult, error)
	Purge(ctx context.Context) (int, error)
}

// Server is the ops HTTP server.
type Server struct {
	Logger       *slog.Logger
	HealthProbes []HealthProbe
	Scheduler    SchedulerControl
	Build        config.BuildInfo

	router *chi.Mux
	http   *http.Server
}

// NewServer builds the router. sched may be nil in tests that only need
// /health.
func NewServer(logger *slog.Logger, sched SchedulerControl, build config.BuildInfo, probes ...HealthProbe) (*Server, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger must not be nil")
	}
	s := &Server{
		Logger:       logger,
		HealthProbes: probes,
		Scheduler:    sched,
		Build:        build,
		router:       chi.NewRouter(),
	}
	s.mountRoutes()
	return s, nil
}

func (s *Server) mountRoutes() {
	r := s.router
	r.Use(s.Recoverer)
	r.Use(RequestIDMiddleware)
	r.Use(RequestLogger(s.Logger))

	r.Get("/health", s.HandleHealth)
	r.Get("/version", s.handleVersion)

	r.Route("/scheduler", func(r chi.Router) {
		r.Get("/", s.handleStats)
		r.Post("/sweep", s.handleSweep)
		r.Post("/purge", s.handlePurge)
	})
}

// Handler returns the router.
func (s *Server) Handler() http.Handler { return s.router }

// Router exposes the chi router so callers can mount extra routes.
func (s *Server) Router() chi.Router { return s.router }

// ListenAndServe serves on addr until Shutdown is called.
func (s *Server) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	return s.Serve(ln)
}

// Serve serves on an existing listener.
func (s *Server) Serve(ln net.Listener) error {
	s.http = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
	}
	s.Logger.Info("ops server listening", "addr", ln.Addr().String())
	if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting connections and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	JSON(w, r, http.StatusOK, s.Build)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if s.Scheduler == nil {
		JSON(w, r, http.StatusServiceUnavailable, map[string]string{"status": "scheduler not configured"})
		return
	}
	JSON(w, r, http.StatusOK, s.Scheduler.Stats())
}

func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	if s.Scheduler == nil {
		JSON(w, r, http.StatusServiceUnavailable, map[string]string{"status": "scheduler not configured"})
		return
	}
	res, err := s.Scheduler.Sweep(r.Context())
	if err != nil {
		Error(w, r, err)
		return
	}
	JSON(w, r, http.StatusOK, res)
}

func (s *Server) handlePurge(w http.ResponseWriter, r *http.Request) {
	if s.Scheduler == nil {
		JSON(w, r, http.StatusServiceUnavailable, map[string]string{"status": "scheduler not configured"})
		return
	}
	n, err := s.Scheduler.Purge(r.Context())
	if err != nil {
		Error(w, r, err)
		return
	}
	JSON(w, r, http.StatusOK, map[string]int{"purged": n})
}
