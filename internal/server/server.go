package server

import (
	"context"
	"log"
	"net/http"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mhartley/printflow-go/internal/api"
	"github.com/mhartley/printflow-go/internal/auth"
	"github.com/mhartley/printflow-go/internal/config"
	"github.com/mhartley/printflow-go/internal/db"
	"github.com/mhartley/printflow-go/internal/events"
	"github.com/mhartley/printflow-go/internal/openapi"
	"github.com/mhartley/printflow-go/internal/schedule"
	"github.com/mhartley/printflow-go/internal/settings"
	"github.com/mhartley/printflow-go/internal/system"
)

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// requestLoggerMiddleware logs all incoming HTTP requests
func requestLoggerMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		log.Printf("%s %s %d %s id=%s", r.Method, r.URL.Path, wrapped.status,
			time.Since(start).Round(time.Millisecond), api.GetRequestID(r))
	})
}

// Options controls server wiring.
type Options struct {
	// DisableAutoRun skips arming the cron trigger (for tests).
	DisableAutoRun bool
}

// NewHandler builds the HTTP handler and returns a shutdown function.
func NewHandler(cfg config.Config, options Options) (http.Handler, func(context.Context) error, error) {
	log.Printf("Using database: %s", cfg.SQLiteDBPath)
	dbPair, err := db.Init(cfg.SQLiteDBPath)
	if err != nil {
		return nil, nil, err
	}

	router := chi.NewRouter()
	router.Use(middleware.StripSlashes)
	// Request IDs are assigned before the logger so access lines carry them.
	router.Use(api.RequestIDMiddleware)
	if cfg.LogRequests {
		router.Use(requestLoggerMiddleware)
	}
	router.Use(api.RecovererMiddleware)
	router.Use(auth.Middleware(cfg))

	registerHealthRoutes(router)
	openapi.RegisterRoutes(router, cfg)

	// Live feed hub, fed by the schedule service.
	hub := events.NewHub()
	events.RegisterRoutes(router, hub)

	scheduleService := schedule.NewService(cfg, dbPair, nil, hub)
	schedule.RegisterRoutes(router, scheduleService)
	if !options.DisableAutoRun {
		scheduleService.Start()
	}

	settingsService := settings.NewService(dbPair, nil)
	settings.RegisterRoutes(router, settingsService)

	// System service reports scheduler status on the ops surface.
	systemService := system.NewService(cfg, dbPair, nil, scheduleService)
	system.RegisterRoutes(router, systemService)

	shutdown := func(ctx context.Context) error {
		scheduleService.Stop()
		hub.Close()
		if ctx == nil {
			ctx = context.Background()
		}
		return dbPair.Close()
	}

	return router, shutdown, nil
}

func registerHealthRoutes(router chi.Router) {
	router.Method(http.MethodGet, "/v1/health", api.Handler(func(w http.ResponseWriter, r *http.Request) error {
		response := map[string]any{
			"status":    "healthy",
			"service":   "printflow",
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		}
		return api.WriteJSON(w, http.StatusOK, response)
	}))
	router.Method(http.MethodGet, "/v1/health/live", api.Handler(func(w http.ResponseWriter, r *http.Request) error {
		return api.WriteJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	}))
	router.Method(http.MethodGet, "/v1/health/ready", api.Handler(func(w http.ResponseWriter, r *http.Request) error {
		return api.WriteJSON(w, http.StatusOK, map[string]any{"status": "ready"})
	}))
}
