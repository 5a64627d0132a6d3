package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/txttokindle/internal/config"
	"github.com/txttokindle/internal/delivery"
	"github.com/txttokindle/internal/mailer"
	"github.com/txttokindle/internal/ratelimit"
	"github.com/txttokindle/internal/turnstile"
)

type App struct {
	config  *config.Config
	logger  *slog.Logger
	redis   *redis.Client
	memory  *ratelimit.Memory
	service *delivery.Service
}

func (app *App) Close() {
	if app.redis != nil {
		app.redis.Close()
	}
}

func New(args []string) (*App, error) {
	cfg, err := config.Load(args)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	logger := newLogger(cfg)

	app := &App{config: cfg, logger: logger}

	opts := delivery.Options{
		Logger:              logger,
		RequireKindleDomain: cfg.RequireKindleDomain,
		MaxUploadBytes:      cfg.MaxUploadBytes,
		Sender: mailer.New(&mailer.Config{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			User:     cfg.SMTPUser,
			Pass:     cfg.SMTPPass,
			From:     cfg.SMTPFrom,
			FromName: cfg.SMTPFromName,
		}),
	}

	switch {
	case cfg.RedisURL != "":
		redisOpts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		app.redis = redis.NewClient(redisOpts)
		opts.Limiter = ratelimit.NewRedis(app.redis,
			ratelimit.WithPrefix(cfg.RateLimitPrefix),
			ratelimit.WithLimit(cfg.RateLimitMax, cfg.RateLimitWindow),
		)
		logger.Info("rate limiting enabled", "store", "redis", "max", cfg.RateLimitMax, "window", cfg.RateLimitWindow)
	case cfg.RateLimitInMemory:
		app.memory = ratelimit.NewMemory(cfg.RateLimitMax, cfg.RateLimitWindow)
		opts.Limiter = app.memory
		logger.Info("rate limiting enabled", "store", "memory", "max", cfg.RateLimitMax, "window", cfg.RateLimitWindow)
	default:
		logger.Info("rate limiting disabled")
	}

	if cfg.CaptchaEnabled() {
		opts.CaptchaSecret = cfg.TurnstileSecretKey
		opts.Verifier = turnstile.NewClient(turnstile.WithVerifyURL(cfg.TurnstileVerifyURL))
		logger.Info("captcha verification enabled")
	}

	app.service = delivery.NewService(opts)
	return app, nil
}

func (app *App) Start(ctx context.Context) error {
	// Create an errgroup derived from the parent context
	g, gctx := errgroup.WithContext(ctx)

	if app.memory != nil {
		app.memory.StartJanitor(gctx, time.Minute)
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%s", app.config.Port),
		Handler:           app.routes(gctx),
		IdleTimeout:       time.Minute,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       time.Minute,
		WriteTimeout:      time.Minute,
		ErrorLog:          slog.NewLogLogger(app.logger.Handler(), slog.LevelError),
	}

	// Start the server in a goroutine
	g.Go(func() error {
		app.logger.Info("starting server", "addr", srv.Addr, "env", app.config.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})

	// Start shutdown listener
	g.Go(func() error {
		<-gctx.Done() // Wait for OS signal or parent context to fail

		app.logger.Info("shutting down server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("server error: %w", err)
	}

	app.logger.Info("stopped server")
	return nil
}

type redisPinger struct {
	rdb *redis.Client
}

func (p redisPinger) Ping(ctx context.Context) error {
	return p.rdb.Ping(ctx).Err()
}

func newLogger(cfg *config.Config) *slog.Logger {
	var handler slog.Handler
	if cfg.IsDevelopment() {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug})
	} else {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}
