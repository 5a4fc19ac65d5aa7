package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/oracle-garnett/oracle/internal/actionlog"
	"github.com/oracle-garnett/oracle/internal/app"
	"github.com/oracle-garnett/oracle/internal/auth"
	"github.com/oracle-garnett/oracle/internal/engine"
	"github.com/oracle-garnett/oracle/internal/override"
	"github.com/oracle-garnett/oracle/pkg/config"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config file")
	flag.Parse()

	// --- Config ---
	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	initLogger(cfg.Log.Level)
	slog.Info("config loaded", "port", cfg.Server.Port, "memory_backend", cfg.Memory.Backend)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Components ---
	a, err := app.Build(ctx, cfg, app.Options{})
	if err != nil {
		slog.Error("failed to build app", "error", err)
		os.Exit(1)
	}
	defer a.Close()

	// --- HTTP Server ---
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      newRouter(a),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: requestBudget(cfg) + 10*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("server starting", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error { return a.Run(gctx) })
	g.Go(func() error {
		// Graceful shutdown
		<-gctx.Done()
		slog.Info("shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
	slog.Info("server stopped")
}

func newRouter(a *app.App) *chi.Mux {
	r := chi.NewRouter()

	// Standard middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(requestBudget(a.Config)))

	// Health check
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})

	authHandler := auth.NewHandler(a.Auth)
	overrideHandler := override.NewHandler(a.Gate)
	requestHandler := engine.NewHandler(a.Executor)
	actionHandler := actionlog.NewHandler(a.ActionLog)

	// API routes
	r.Route("/api", func(r chi.Router) {
		// Public auth endpoint
		r.Post("/auth/login", authHandler.HandleLogin)

		// Protected routes (require JWT)
		r.Group(func(r chi.Router) {
			r.Use(a.Auth.Middleware)
			r.Mount("/override", overrideHandler.Routes())
			r.Mount("/requests", requestHandler.Routes())
			r.Get("/actions", actionHandler.HandleList)
			r.Get("/notifications", a.Inbox.HandleList)
		})
	})

	return r
}

// requestBudget bounds one API request: every retry may use the full
// handler timeout plus the capped backoff.
func requestBudget(cfg *config.Config) time.Duration {
	attempts := time.Duration(cfg.Engine.MaxRetries + 1)
	return attempts*(cfg.Engine.HandlerTimeout+cfg.Engine.BackoffMax) + 5*time.Second
}

func initLogger(level string) {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	slog.SetDefault(slog.New(handler))
}
