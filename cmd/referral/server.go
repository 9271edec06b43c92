package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/robfig/cron/v3"

	referralapi "github.com/carelink-ng/referral/internal/referral/api"
	"github.com/carelink-ng/referral/internal/registry"
	"github.com/carelink-ng/referral/internal/shared/auth"
	"github.com/carelink-ng/referral/internal/shared/metrics"
	secmiddleware "github.com/carelink-ng/referral/internal/shared/middleware"
	"github.com/carelink-ng/referral/internal/shared/tracing"
)

const maxBodyBytes = 1 << 20

func serve(ctx context.Context, app *App) error {
	cfg := app.Config
	logger := app.Logger

	shutdownTracing, err := tracing.Init(ctx, cfg.Tracing, serviceName, version)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := shutdownContext()
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			logger.Warn().Err(err).Msg("tracer shutdown failed")
		}
	}()

	if err := app.seedRegistry(ctx); err != nil {
		return fmt.Errorf("registry seed: %w", err)
	}
	stopSync, err := app.scheduleDirectorySync(ctx)
	if err != nil {
		return err
	}
	defer stopSync()

	if err := app.restoreView(ctx); err != nil {
		return fmt.Errorf("view restore: %w", err)
	}
	if err := app.followEventLog(ctx); err != nil {
		// The view still receives this instance's own writes.
		logger.Warn().Err(err).Msg("event log subscription not started")
	}

	if app.memLoads != nil {
		if err := app.memLoads.Start(); err != nil {
			return fmt.Errorf("load tracker: %w", err)
		}
		defer app.memLoads.Stop()
	}

	// Workers outlive ctx so that Stop can deliver the queued records.
	if err := app.Dispatcher.Start(context.Background()); err != nil {
		return err
	}
	defer func() {
		if err := app.Dispatcher.Stop(); err != nil {
			logger.Warn().Err(err).Msg("dispatcher stop failed")
		}
	}()

	result, err := app.Scheduler.Reconcile(ctx, app.View)
	if err != nil {
		return fmt.Errorf("deadline reconcile: %w", err)
	}
	logger.Info().Int("armed", result.Armed).Int("missed", result.Missed).Msg("deadlines reconciled")

	schedulerDone := make(chan error, 1)
	go func() { schedulerDone <- app.Scheduler.Start(ctx) }()
	defer func() {
		app.Scheduler.Stop()
		<-schedulerDone
	}()

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      app.router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info().
			Int("port", cfg.Server.Port).
			Str("env", cfg.Server.Env).
			Bool("database", app.DB != nil).
			Bool("kurrentdb", app.Kurrent != nil).
			Bool("redis", app.Redis != nil).
			Msg("referral coordinator listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down server")
	sctx, cancel := shutdownContext()
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	return nil
}

func (a *App) router() http.Handler {
	cfg := a.Config
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(secmiddleware.RequestLogger(a.Logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(secmiddleware.SecurityHeaders)
	r.Use(secmiddleware.CORS(secmiddleware.DefaultCORSConfig()))
	r.Use(secmiddleware.RateLimiter(cfg.Server.RateLimitRPS, cfg.Server.RateLimitBurst))
	r.Use(secmiddleware.InputSanitizer(maxBodyBytes))
	r.Use(metrics.Middleware)

	r.Get("/health", healthHandler)
	r.Get("/ready", a.readyHandler)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		if cfg.Server.IsProduction() {
			r.Use(auth.Middleware(cfg.Auth))
		} else {
			a.Logger.Warn().Str("header", cfg.Server.DevIdentityHeader).Msg("jwt auth disabled, trusting identity header")
			r.Use(auth.DevMiddleware(cfg.Server.DevIdentityHeader))
		}

		registry.NewHandler(a.Registry, a.Taxonomy).Register(r)
		referralapi.NewHandler(a.Coordinator, a.Scheduler).Register(r)
	})

	return r
}

// scheduleDirectorySync runs the external directory sync now and on the
// configured schedule. Without a directory DSN it does nothing.
func (a *App) scheduleDirectorySync(ctx context.Context) (func(), error) {
	cfg := a.Config.Directory
	if cfg.DSN == "" {
		return func() {}, nil
	}

	dir, err := registry.OpenDirectory(ctx, cfg, a.Logger)
	if err != nil {
		return nil, err
	}
	runSync := func() {
		if _, err := dir.Sync(ctx, a.Registry); err != nil {
			a.Logger.Error().Err(err).Msg("directory sync failed")
		}
	}
	runSync()

	c := cron.New(cron.WithLocation(time.UTC))
	if _, err := c.AddFunc(cfg.SyncSchedule, runSync); err != nil {
		dir.Close()
		return nil, fmt.Errorf("invalid directory sync schedule %q: %w", cfg.SyncSchedule, err)
	}
	c.Start()

	return func() {
		<-c.Stop().Done()
		dir.Close()
	}, nil
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (a *App) readyHandler(w http.ResponseWriter, r *http.Request) {
	checks := a.ready(r.Context())

	allReady := true
	for _, status := range checks {
		if status != "ready" && status != "not configured" {
			allReady = false
			break
		}
	}

	status := http.StatusOK
	if !allReady {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{
		"status": map[bool]string{true: "ready", false: "not ready"}[allReady],
		"checks": checks,
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
