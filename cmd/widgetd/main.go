package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/converselabs/widgetd/internal/api"
	"github.com/converselabs/widgetd/internal/async"
	"github.com/converselabs/widgetd/internal/config"
	"github.com/converselabs/widgetd/internal/observability"
	"github.com/converselabs/widgetd/internal/store"
	"github.com/converselabs/widgetd/pkg/eventlog"
	"github.com/converselabs/widgetd/pkg/limits"
	"github.com/converselabs/widgetd/pkg/session"
	"github.com/converselabs/widgetd/pkg/takeover"
	"github.com/converselabs/widgetd/pkg/titlegen"
)

var (
	// Version information (set via ldflags)
	Version = "dev"

	configFile = flag.String("config", getEnv("CONFIG_FILE", ""), "Configuration file")
	httpPort   = flag.Int("http-port", 0, "HTTP server port (overrides config)")
	logLevel   = flag.String("log-level", getEnv("LOG_LEVEL", "info"), "Log level")
	trace      = flag.Bool("trace", false, "Enable stdout tracing")
)

func main() {
	flag.Parse()

	// Best effort: a missing .env is not an error
	_ = godotenv.Load()

	logger := newLogger(*logLevel)
	logger.Info("starting widgetd", "version", Version)

	if err := run(logger); err != nil {
		logger.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	cfg, err := config.Load(*configFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if *httpPort != 0 {
		cfg.Port = *httpPort
	}

	observability.InitMetrics()
	if err := observability.InitTracing(*trace); err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = observability.ShutdownTracing(ctx)
	}()

	db, err := store.New(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	events, err := eventlog.New(eventlog.Config{
		Addr:      cfg.Redis.Addr,
		Password:  cfg.Redis.Password,
		DB:        cfg.Redis.DB,
		Prefix:    cfg.Redis.Prefix,
		Retention: cfg.Events.Retention.Duration,
		TypingTTL: cfg.Events.TypingTTL.Duration,
	})
	if err != nil {
		return fmt.Errorf("connect event log: %w", err)
	}
	defer events.Close()

	var gen titlegen.Generator
	if cfg.OpenAI.APIKey != "" {
		gen, err = titlegen.NewOpenAI(cfg.OpenAI.APIKey, cfg.OpenAI.Model)
		if err != nil {
			return fmt.Errorf("init title generator: %w", err)
		}
	} else {
		logger.Warn("no OpenAI API key configured, title generation disabled")
	}

	sessions := session.NewStore(db, db, gen, session.StoreConfig{
		TTL: cfg.Session.TTL.Duration,
	})
	limiter := limits.New(db, cfg.Limits)

	runner := async.NewRunner(64, 30*time.Second, logger)
	defer runner.Close()

	orch := takeover.New(db, events, db, runner, logger)

	health := observability.NewHealthChecker()
	health.RegisterCheck(observability.HealthCheck{Name: "sqlite", CheckFunc: db.Ping})
	health.RegisterCheck(observability.HealthCheck{Name: "redis", CheckFunc: events.Ping})

	handler := api.NewHandler(sessions, events, orch, limiter, db, api.Policy{
		MaxMessages:  cfg.Session.MaxMessages,
		MaxPerMinute: cfg.Session.MaxPerMinute,
		MaxFiles:     cfg.Session.MaxFiles,
	}, logger)

	mux := http.NewServeMux()
	handler.Register(mux)
	mux.HandleFunc("GET /health", health.Handler())
	mux.Handle("GET /metrics", observability.MetricsHandler())

	rl := api.NewRateLimiter(50, 100)
	root := api.Instrument(logger, rl.Middleware(mux))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           root,
		ReadHeaderTimeout: 10 * time.Second,
	}

	sched := cron.New()
	_, err = sched.AddFunc(cfg.Session.SweepSchedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		n, err := sessions.SweepExpired(ctx, cfg.Session.SweepGrace.Duration)
		if err != nil {
			logger.Error("session sweep failed", "error", err)
			return
		}
		if n > 0 {
			observability.RecordSessionsSwept(n)
			logger.Info("swept expired sessions", "count", n)
		}
	})
	if err != nil {
		return fmt.Errorf("schedule sweep: %w", err)
	}
	sched.Start()
	defer sched.Stop()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("widgetd stopped")
	return nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
