package main

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/robfig/cron/v3"

	"github.com/otomoni/machinemon/internal/notify"
	"github.com/otomoni/machinemon/internal/server"
	"github.com/otomoni/machinemon/internal/status"
	"github.com/otomoni/machinemon/internal/types"
)

// Component names reported by the health endpoint.
const (
	componentTrigger   = "mqtt_trigger"
	componentScheduler = "backfill_scheduler"
	componentPoller    = "status_poller"
)

// Server is the HTTP API and background scheduler of the monitor.
type Server struct {
	app      *App
	hub      *server.Hub
	notifier *notify.StateNotifier
	cron     *cron.Cron

	// mu protects components
	mu         sync.RWMutex
	components map[string]types.ComponentStatus

	// backfillMu serialises level backfill runs
	backfillMu sync.Mutex
}

// NewServer returns a Server for app. notifier may be nil.
func NewServer(app *App, notifier *notify.StateNotifier) *Server {
	s := &Server{
		app:      app,
		notifier: notifier,
		components: map[string]types.ComponentStatus{
			componentTrigger:   {State: types.ComponentDisabled},
			componentScheduler: {State: types.ComponentDisabled},
			componentPoller:    {State: types.ComponentDisabled},
		},
	}
	s.hub = server.NewHub(s.statusSnapshot)
	return s
}

// setComponent records the state of a background component.
func (s *Server) setComponent(name string, st types.ComponentStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.components[name] = st
}

func (s *Server) componentStatuses() map[string]types.ComponentStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]types.ComponentStatus, len(s.components))
	for k, v := range s.components {
		out[k] = v
	}
	return out
}

// SetupRoutes returns an [http.Handler] configured with all application routes.
func (s *Server) SetupRoutes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(securityHeaders)

	r.Get("/healthz", s.handleHealth)
	r.Get("/ws", s.hub.ServeHTTP)

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.Timeout(30 * time.Second))

		r.Get("/machine/status", s.handleStatus)
		r.Get("/machine/config", s.handleGetConfig)
		r.Get("/audio/latest", s.handleLatest)
		r.Get("/events", s.handleEvents)

		r.Group(func(r chi.Router) {
			r.Use(s.apiKeyAuth)
			r.Post("/machine/config", s.handleUpdateConfig)
			r.Post("/ingest", s.handleIngest)
			r.Post("/ingest/batch", s.handleIngestBatch)
			r.Post("/backfill/dbfs", s.handleBackfillLevels)
			r.Post("/backfill/index", s.handleBackfillIndex)
		})
	})

	return r
}

// securityHeaders returns middleware that wraps handlers with security headers.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		next.ServeHTTP(w, r)
	})
}

// apiKeyAuth requires the configured API key on mutating routes. Without a
// configured key the routes are open.
func (s *Server) apiKeyAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		apiKey := s.app.cfg.APIKey
		if apiKey == "" {
			next.ServeHTTP(w, r)
			return
		}
		providedKey := r.Header.Get("X-API-Key")
		if subtle.ConstantTimeCompare([]byte(providedKey), []byte(apiKey)) != 1 {
			server.SendError(w, http.StatusUnauthorized, errors.New("unauthorized"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// StartScheduler registers the level backfill on the configured cron schedule.
func (s *Server) StartScheduler(ctx context.Context) error {
	spec := s.app.cfg.BackfillCron
	if spec == "" {
		return nil
	}
	s.cron = cron.New()
	_, err := s.cron.AddFunc(spec, func() {
		rep, err := s.runBackfill(ctx)
		st := types.ComponentStatus{State: types.ComponentRunning, LastRun: time.Now().UTC()}
		if err != nil {
			st.Error = err.Error()
			slog.Error("scheduled backfill failed", "error", err)
		} else {
			slog.Info("scheduled backfill completed", "updated", rep.Updated, "failed", rep.Failed)
		}
		s.setComponent(componentScheduler, st)
	})
	if err != nil {
		s.setComponent(componentScheduler, types.ComponentStatus{State: types.ComponentError, Error: err.Error()})
		return fmt.Errorf("invalid backfill schedule %q: %w", spec, err)
	}
	s.cron.Start()
	s.setComponent(componentScheduler, types.ComponentStatus{State: types.ComponentRunning})
	slog.Info("backfill scheduled", "schedule", spec)
	return nil
}

// StopScheduler stops the scheduler and waits for a running job.
func (s *Server) StopScheduler() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
	s.setComponent(componentScheduler, types.ComponentStatus{State: types.ComponentStopped})
}

// RunStatusPoller evaluates the watched equipment every interval, pushes the
// reports to feed clients and notifies on state changes. It returns when ctx ends.
func (s *Server) RunStatusPoller(ctx context.Context) {
	ids := s.app.cfg.WatchEquipment
	if len(ids) == 0 {
		return
	}
	s.setComponent(componentPoller, types.ComponentStatus{State: types.ComponentRunning})
	defer s.setComponent(componentPoller, types.ComponentStatus{State: types.ComponentStopped})

	ticker := time.NewTicker(s.app.cfg.StatusInterval)
	defer ticker.Stop()

	s.pollOnce(ctx, ids)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.pollOnce(ctx, ids)
		}
	}
}

func (s *Server) pollOnce(ctx context.Context, ids []string) {
	for _, id := range ids {
		rep, err := s.app.status.Status(ctx, id)
		if err != nil {
			slog.Warn("status evaluation failed", "equipment", id, "error", err)
			continue
		}
		s.publish(ctx, &rep)
	}
}

// publish pushes rep to feed clients and the state notifier.
func (s *Server) publish(ctx context.Context, rep *status.Report) {
	s.hub.Broadcast(rep.EquipmentID, statusMessage(rep))
	if s.notifier != nil {
		s.notifier.Observe(ctx, *rep)
	}
}

// statusSnapshot serves the current report to a new feed subscriber.
func (s *Server) statusSnapshot(ctx context.Context, equipmentID string) (any, error) {
	rep, err := s.app.status.Status(ctx, equipmentID)
	if err != nil {
		return nil, err
	}
	return statusMessage(&rep), nil
}

func statusMessage(rep *status.Report) server.WSMessage {
	return server.WSMessage{Type: "status", EquipmentID: rep.EquipmentID, Data: rep}
}

// Start begins the HTTP server.
// Returns an *http.Server that can be used for graceful shutdown.
func (s *Server) Start() *http.Server {
	addr := fmt.Sprintf(":%d", s.app.cfg.WebPort)
	slog.Info("starting web server", "addr", addr)

	srv := &http.Server{
		Addr:              addr,
		Handler:           s.SetupRoutes(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server error", "error", err)
		}
	}()

	return srv
}
