package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/clipforge-labs/clipforge-go/internal/platform/env"
	"github.com/clipforge-labs/clipforge-go/internal/platform/objectstore"
	"github.com/clipforge-labs/clipforge-go/internal/platform/postgres"
	"github.com/clipforge-labs/clipforge-go/internal/pricing"
	"github.com/clipforge-labs/clipforge-go/internal/provider"
	repopg "github.com/clipforge-labs/clipforge-go/internal/repo/postgres"
	creditsvc "github.com/clipforge-labs/clipforge-go/internal/service/credits"
	"github.com/clipforge-labs/clipforge-go/internal/service/pipeline"
	retrysvc "github.com/clipforge-labs/clipforge-go/internal/service/retry"
	"github.com/clipforge-labs/clipforge-go/internal/storage/blobstore"
	"github.com/clipforge-labs/clipforge-go/internal/worker"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	ctx := context.Background()
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := workerConfigFromEnv()
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}

	policy := pricing.Default()
	if policyPath := env.String("CLIPFORGE_PRICING_POLICY", ""); policyPath != "" {
		policy, err = pricing.Load(policyPath)
		if err != nil {
			logger.Error("invalid pricing policy", "path", policyPath, "error", err)
			os.Exit(2)
		}
	}

	dbCfg, err := postgres.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid database config", "error", err)
		os.Exit(2)
	}
	db, err := postgres.Open(ctx, dbCfg)
	if err != nil {
		logger.Error("database unavailable", "error", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	storeCfg, err := objectstore.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid object store config", "error", err)
		os.Exit(2)
	}
	storeClient, err := objectstore.NewMinIOClient(storeCfg)
	if err != nil {
		logger.Error("object store client init failed", "error", err)
		os.Exit(2)
	}
	startupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	if err := objectstore.EnsureBuckets(startupCtx, storeClient, storeCfg); err != nil {
		cancel()
		logger.Error("object store unavailable", "error", err)
		os.Exit(1)
	}
	cancel()

	artifactStore, err := blobstore.NewMinioStoreWithClient(storeClient, storeCfg.BucketArtifacts)
	if err != nil {
		logger.Error("artifact store init failed", "error", err)
		os.Exit(2)
	}

	providers, err := provider.NewHTTPClient(provider.HTTPConfig{
		BaseURL: env.String("CLIPFORGE_PROVIDER_BASE_URL", "http://localhost:9100"),
		APIKey:  env.String("CLIPFORGE_PROVIDER_API_KEY", ""),
	})
	if err != nil {
		logger.Error("provider client init failed", "error", err)
		os.Exit(2)
	}

	registry, err := pipeline.NewRegistry(
		pipeline.NewScriptingExecutor(providers, artifactStore),
		pipeline.NewVoiceExecutor(providers, artifactStore),
		pipeline.NewAlignmentExecutor(providers, artifactStore),
		pipeline.NewVisualPlanExecutor(artifactStore),
		pipeline.NewImageGenExecutor(providers, artifactStore),
		pipeline.NewTimelineExecutor(artifactStore),
		pipeline.NewRenderExecutor(providers, artifactStore),
		pipeline.NewPackagingExecutor(artifactStore),
	)
	if err != nil {
		logger.Error("executor registry init failed", "error", err)
		os.Exit(2)
	}

	jobStore := repopg.NewJobStore(db)
	checkpointStore := repopg.NewCheckpointStore(db)
	ledgerStore := repopg.NewLedgerStore(db)
	queueStore := repopg.NewQueueStore(db)

	credits := creditsvc.New(ledgerStore, logger)
	controller := pipeline.NewController(jobStore, checkpointStore, registry, policy, logger)
	coordinator := retrysvc.NewCoordinator(jobStore, checkpointStore, queueStore, credits, policy, logger)

	runtime, err := worker.NewRuntime(queueStore, controller, coordinator, cfg, logger)
	if err != nil {
		logger.Error("worker init failed", "error", err)
		os.Exit(2)
	}

	logger.Info("worker started", "concurrency", cfg.Concurrency)
	runtime.Run(ctx)
	logger.Info("worker stopped")
}

func workerConfigFromEnv() (worker.Config, error) {
	cfg := worker.DefaultConfig()
	var err error
	if cfg.Concurrency, err = env.Int("CLIPFORGE_WORKER_CONCURRENCY", cfg.Concurrency); err != nil {
		return worker.Config{}, err
	}
	if cfg.PollInterval, err = env.Duration("CLIPFORGE_WORKER_POLL_INTERVAL", cfg.PollInterval); err != nil {
		return worker.Config{}, err
	}
	if cfg.LeaseDuration, err = env.Duration("CLIPFORGE_WORKER_LEASE_DURATION", cfg.LeaseDuration); err != nil {
		return worker.Config{}, err
	}
	if cfg.NackBackoff, err = env.Duration("CLIPFORGE_WORKER_NACK_BACKOFF", cfg.NackBackoff); err != nil {
		return worker.Config{}, err
	}
	return cfg, cfg.Validate()
}
