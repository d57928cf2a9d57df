// Package api exposes the control surface over HTTP: job creation, line
// item delivery, control signals, progress streaming, risk profiles and
// summaries, and queue inspection. Handlers stay thin; orchestration
// semantics live in the coordinator, pool, and risk engine.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/traceline/bomflow/internal/bus"
	"github.com/traceline/bomflow/internal/config"
	"github.com/traceline/bomflow/internal/coordinator"
	"github.com/traceline/bomflow/internal/enrich"
	"github.com/traceline/bomflow/internal/model"
	"github.com/traceline/bomflow/internal/risk"
	"github.com/traceline/bomflow/internal/scheduler"
	"github.com/traceline/bomflow/internal/store"
)

// Server wires the HTTP control surface to the orchestration components.
type Server struct {
	store  store.Store
	coord  *coordinator.Coordinator
	pool   *enrich.Pool
	sched  *scheduler.Scheduler
	bus    *bus.Bus
	engine *risk.Engine
	cfg    config.ServerConfig

	// runCtx bounds background processing started by handlers. A dispatched
	// job must outlive the request that delivered its items, so it runs under
	// the server lifetime, not the request.
	runCtx context.Context
}

// NewServer builds the control API. runCtx should be the process context:
// canceling it stops dispatched jobs at their next checkpoint.
func NewServer(
	runCtx context.Context,
	st store.Store,
	coord *coordinator.Coordinator,
	pool *enrich.Pool,
	sched *scheduler.Scheduler,
	b *bus.Bus,
	engine *risk.Engine,
	cfg config.ServerConfig,
) *Server {
	return &Server{
		store:  st,
		coord:  coord,
		pool:   pool,
		sched:  sched,
		bus:    b,
		engine: engine,
		cfg:    cfg,
		runCtx: runCtx,
	}
}

// Router assembles the routing tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	if len(s.cfg.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: s.cfg.CORSOrigins,
			AllowedMethods: []string{"GET", "POST", "PUT", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Content-Type", "Authorization"},
			MaxAge:         300,
		}))
	}

	r.Get("/healthz", s.healthz)

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/boms", func(r chi.Router) {
			r.Post("/", s.createJob)
			r.Get("/", s.listJobs)
			r.Route("/{bomID}", func(r chi.Router) {
				r.Get("/", s.getJob)
				r.Post("/items", s.deliverItems)
				r.Post("/pause", s.signalHandler(model.SignalPause))
				r.Post("/resume", s.signalHandler(model.SignalResume))
				r.Post("/cancel", s.signalHandler(model.SignalCancel))
				r.Post("/restart", s.restartJob)
				r.Get("/events", s.streamEvents)
				r.Get("/risk-summary", s.bomRiskSummary)
			})
		})
		r.Route("/orgs/{orgID}/risk-profile", func(r chi.Router) {
			r.Get("/", s.getRiskProfile)
			r.Put("/", s.putRiskProfile)
		})
		r.Get("/projects/{projectID}/risk-summary", s.projectRiskSummary)
		r.Get("/queue", s.queueSnapshot)
	})

	return r
}

// Serve runs the HTTP server until ctx is canceled, then drains connections.
// No write timeout is set because progress streams are long-lived.
func (s *Server) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.cfg.Port),
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		zap.L().Info("shutting down api server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			zap.L().Warn("api server shutdown", zap.Error(err))
		}
	}()

	zap.L().Info("api server listening", zap.Int("port", s.cfg.Port))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return eris.Wrap(err, "api: server listen")
	}
	return nil
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		zap.L().Error("health check failed", zap.Error(err))
		respondError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		zap.L().Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
		)
	})
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Warn("encode response", zap.Error(err))
	}
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}

// loadJob resolves the {bomID} route parameter. It writes the error response
// itself and returns nil when the handler should stop.
func (s *Server) loadJob(w http.ResponseWriter, r *http.Request) *model.BomJob {
	jobID := chi.URLParam(r, "bomID")
	job, err := s.store.GetJob(r.Context(), jobID)
	if err != nil {
		zap.L().Error("load job", zap.String("job_id", jobID), zap.Error(err))
		respondError(w, http.StatusInternalServerError, "load job")
		return nil
	}
	if job == nil {
		respondError(w, http.StatusNotFound, "job not found")
		return nil
	}
	return job
}

// actorFrom attributes a control action for the job journal.
func actorFrom(r *http.Request) string {
	if a := r.Header.Get("X-Actor"); a != "" {
		return a
	}
	return "api"
}
