package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/wisbric/reportowl/internal/config"
	"github.com/wisbric/reportowl/internal/httpserver"
	"github.com/wisbric/reportowl/internal/platform"
	"github.com/wisbric/reportowl/internal/telemetry"
	"github.com/wisbric/reportowl/pkg/assembly"
	"github.com/wisbric/reportowl/pkg/email"
	"github.com/wisbric/reportowl/pkg/notify"
	"github.com/wisbric/reportowl/pkg/pptx"
	"github.com/wisbric/reportowl/pkg/queue"
	"github.com/wisbric/reportowl/pkg/registry"
	"github.com/wisbric/reportowl/pkg/report"
	"github.com/wisbric/reportowl/pkg/tableau"
	"github.com/wisbric/reportowl/pkg/transform"
)

// queueName is the Redis queue all report jobs flow through.
const queueName = "report-jobs"

// Run is the main application entry point. It reads config, connects to
// infrastructure, and starts the appropriate mode (api, worker, or all).
func Run(ctx context.Context, cfg *config.Config) error {
	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("starting reportowl",
		"mode", cfg.Mode,
		"listen", cfg.ListenAddr(),
		"redis", cfg.RedisAddr(),
	)

	// Manifests
	reg, err := registry.Load(cfg.ConfigDir)
	if err != nil {
		return fmt.Errorf("loading manifests: %w", err)
	}
	logger.Info("manifests loaded", "use_cases", reg.UseCases())

	// Redis
	rdb, err := platform.NewRedisClient(ctx, cfg.RedisAddr())
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			logger.Error("closing redis", "error", err)
		}
	}()

	// Metrics
	metricsReg := telemetry.NewMetricsRegistry(telemetry.All()...)

	// Queue
	q := queue.New(rdb, queueName, queue.Options{MaxAttempts: cfg.QueueAttempts}, logger)

	// Pipeline components
	creds := tableau.EnvCredentials{DefaultName: cfg.PATName, DefaultSecret: cfg.PATSecret}
	tabClient := tableau.New(cfg.RemoteBaseURL, creds, cfg.IsProduction(), logger)
	defer signOutAll(tabClient, reg, logger)

	transformer := transform.New(reg, logger)
	engine := assembly.New(reg, logger)
	writer := pptx.NewWriter(logger)

	mailer := email.New(email.Config{
		BaseURL:    cfg.NotificationAPIURL,
		Token:      cfg.APIGatewayToken,
		From:       cfg.EmailFrom,
		TeamTag:    cfg.EmailTeamTag,
		ProductTag: cfg.EmailProductTag,
	}, logger)

	notifier := notify.NewNotifier(cfg.SlackBotToken, cfg.SlackAlertChannel, logger)
	if notifier.IsEnabled() {
		logger.Info("slack ops notifications enabled", "channel", cfg.SlackAlertChannel)
	} else {
		logger.Info("slack ops notifications disabled (SLACK_BOT_TOKEN not set)")
	}

	processor := report.NewProcessor(reg, transformer, tabClient, engine, writer, mailer, notifier, 0, logger)
	worker := queue.NewWorker(q, processor.Process, processor.NotifyFailure, queue.WorkerOptions{
		Concurrency: cfg.QueueConcurrency,
	}, logger)

	switch cfg.Mode {
	case "api":
		return runAPI(ctx, cfg, logger, rdb, metricsReg, q, reg, nil)
	case "worker":
		return worker.Run(ctx)
	case "all":
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			return runAPI(gctx, cfg, logger, rdb, metricsReg, q, reg, worker)
		})
		g.Go(func() error {
			return worker.Run(gctx)
		})
		return g.Wait()
	default:
		return fmt.Errorf("unknown mode: %s", cfg.Mode)
	}
}

func runAPI(ctx context.Context, cfg *config.Config, logger *slog.Logger, rdb *redis.Client, metricsReg *prometheus.Registry, q *queue.Queue, reg *registry.Registry, worker report.WorkerStatus) error {
	handler := report.NewHandler(logger, q, reg, worker)

	srv := httpserver.NewServer(httpserver.Config{
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
	}, logger, rdb, metricsReg, handler)

	srv.APIRouter.Mount("/jobs", handler.Routes())

	httpSrv := &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      srv,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server listening", "addr", cfg.ListenAddr())
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down api server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// signOutAll best-effort invalidates the cached Tableau tokens of every
// configured site during shutdown.
func signOutAll(client *tableau.Client, reg *registry.Registry, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	seen := map[string]bool{}
	for _, useCase := range reg.UseCases() {
		meta, err := reg.UseCaseMeta(useCase)
		if err != nil || seen[meta.SiteName] {
			continue
		}
		seen[meta.SiteName] = true
		client.SignOut(ctx, meta.SiteName)
	}
	if len(seen) > 0 {
		logger.Info("signed out of tableau sites", "sites", len(seen))
	}
}
