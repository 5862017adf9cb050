package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/vidfetch/vidfetchd/internal/cleanup"
	"github.com/vidfetch/vidfetchd/internal/config"
	"github.com/vidfetch/vidfetchd/internal/fetch"
	"github.com/vidfetch/vidfetchd/internal/http/rest"
	"github.com/vidfetch/vidfetchd/internal/job"
	"github.com/vidfetch/vidfetchd/internal/logctx"
	"github.com/vidfetch/vidfetchd/internal/notifier"
	"github.com/vidfetch/vidfetchd/internal/storage/sqlite"
	"github.com/vidfetch/vidfetchd/internal/telemetry"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}

	logger := slog.New(logctx.NewTraceHandler(
		slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}),
	))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("vidfetchd starting...", "log_level", cfg.LogLevel)

	if err := run(logctx.WithLogger(ctx, logger), cfg); err != nil {
		slog.Error("fatal error", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := logctx.LoggerFromContext(ctx)

	// =========================================================================
	// Start Telemetry
	tel, err := telemetry.New(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: cfg.Telemetry.ServiceVersion,
	})
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}

	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := tel.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown telemetry", "err", err)
		}
	}()

	// =========================================================================
	// Start Database
	database, err := sqlite.InitDB(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("DB error: %w", err)
	}
	defer database.Close()

	repo := sqlite.NewInstrumentedJobRepository(database, tel)

	// =========================================================================
	// Start Job Manager and Fetcher
	jobs := job.NewManager(cfg.KeepArtifactsFor)

	fetcher := fetch.NewFetcher(fetch.Options{
		YtdlpPath:   cfg.YtdlpPath,
		FfmpegPath:  cfg.FfmpegPath,
		TempRoot:    cfg.TempDir,
		MaxParallel: int64(cfg.MaxParallel),
		MaxFileSize: cfg.MaxFileSize,
	}, jobs, repo, tel)

	// =========================================================================
	// Start Notification
	setupNotificationForFetcher(ctx, fetcher, cfg)

	// =========================================================================
	// Start Cleanup
	if err := cleanup.SweepTempRoot(ctx, cfg.TempDir); err != nil {
		logger.Warn("boot sweep failed", "err", err)
	}

	setupCleanup(ctx, jobs, cfg)

	// =========================================================================
	// Start API Service

	// Make a channel to listen for errors coming from the listener. Use a
	// buffered channel so the goroutine can exit if we don't collect this error.
	serverErrors := make(chan error, 1)

	server := setupServer(ctx, jobs, fetcher, repo, tel, cfg)

	go func() {
		logger.Info("initializing API support", "host", cfg.Web.BindAddress)
		serverErrors <- server.ListenAndServe()
	}()

	logger.Info("waiting for downloads...",
		"temp_dir", cfg.TempDir,
		"max_parallel", cfg.MaxParallel,
		"retention", cfg.KeepArtifactsFor.String(),
	)

	// =========================================================================
	// Start Main Loop
	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		logger.Info("start shutdown")

		// Give outstanding requests a deadline for completion.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Web.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to gracefully shutdown the server", "err", err)

			if err = server.Close(); err != nil {
				return fmt.Errorf("could not stop server gracefully: %w", err)
			}
		}

		return nil
	}
}

// setupNotificationForFetcher forwards terminal job events to the webhook,
// when one is configured.
func setupNotificationForFetcher(ctx context.Context, fetcher *fetch.Fetcher, cfg *config.Config) {
	logger := logctx.LoggerFromContext(ctx)

	var notif notifier.Notifier
	if cfg.DiscordWebhookURL != "" {
		notif = &notifier.DiscordNotifier{
			WebhookURL: cfg.DiscordWebhookURL,
			Client: &http.Client{
				Transport: otelhttp.NewTransport(http.DefaultTransport),
				Timeout:   10 * time.Second,
			},
		}
	}

	go func() {
		for event := range fetcher.OnJobFailed {
			logger.Error("download failed", "job_id", event.ID, "url", event.URL, "err", event.Error)

			if notif == nil {
				continue
			}

			if notifyErr := notif.Notify(
				"❌ Download failed: " + event.URL + " (" + event.Error + ")",
			); notifyErr != nil {
				logger.Error("failed to send notification", "job_id", event.ID, "err", notifyErr)
			}
		}
	}()

	go func() {
		for event := range fetcher.OnJobFinished {
			logger.Info("download finished", "job_id", event.ID, "file", event.Filename)

			if notif == nil {
				continue
			}

			if notifyErr := notif.Notify(
				"✅ Download finished: " + event.Filename,
			); notifyErr != nil {
				logger.Error("failed to send notification", "job_id", event.ID, "err", notifyErr)
			}
		}
	}()
}

// setupServer prepares the handlers and services to create the http rest server.
func setupServer(ctx context.Context, jobs *job.Manager, fetcher *fetch.Fetcher, repo *sqlite.InstrumentedJobRepository, tel *telemetry.Telemetry, cfg *config.Config) *http.Server {
	handler := rest.NewHandler(ctx, jobs, fetcher, repo, tel, rest.HandlerOpts{
		AllowedDomains: cfg.AllowedDomains,
		AllowedOrigins: cfg.AllowedOrigins,
		RatePerMinute:  cfg.RateLimitPerMinute,
	})

	r := chi.NewRouter()
	r.Use(telemetry.RequestID)
	r.Use(telemetry.HTTPLogging)
	r.Use(telemetry.NewHTTPMiddleware(tel).Middleware)

	r.Handle("/metrics", tel.Handler())
	r.Mount("/", handler.Routes())

	return &http.Server{
		Addr:         cfg.Web.BindAddress,
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
		Handler:      r,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
}

func setupCleanup(ctx context.Context, jobs *job.Manager, cfg *config.Config) {
	logger := logctx.LoggerFromContext(ctx)

	go func() {
		cleanupTicker := time.NewTicker(cfg.CleanupInterval)
		defer cleanupTicker.Stop()

		for {
			select {
			case <-ctx.Done():
				logger.Info("cleanup goroutine shutting down")

				return
			case <-cleanupTicker.C:
				cleanup.DeleteExpiredArtifacts(ctx, jobs, time.Now())
			}
		}
	}()
}
