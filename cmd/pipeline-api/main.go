package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/clipforge-labs/clipforge-go/internal/platform/env"
	"github.com/clipforge-labs/clipforge-go/internal/platform/httpserver"
	"github.com/clipforge-labs/clipforge-go/internal/platform/objectstore"
	"github.com/clipforge-labs/clipforge-go/internal/platform/postgres"
	"github.com/clipforge-labs/clipforge-go/internal/pricing"
	repopg "github.com/clipforge-labs/clipforge-go/internal/repo/postgres"
	creditsvc "github.com/clipforge-labs/clipforge-go/internal/service/credits"
	retrysvc "github.com/clipforge-labs/clipforge-go/internal/service/retry"
	"github.com/clipforge-labs/clipforge-go/internal/storage/blobstore"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	ctx := context.Background()
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	addr := env.String("CLIPFORGE_API_HTTP_ADDR", ":8080")
	shutdownTimeout, err := env.Duration("CLIPFORGE_API_SHUTDOWN_TIMEOUT", 10*time.Second)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}
	presignTTL, err := env.Duration("CLIPFORGE_ARTIFACT_PRESIGN_TTL", 10*time.Minute)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}
	maxBody, err := env.Int64("CLIPFORGE_API_MAX_BODY_BYTES", defaultMaxBodyBytes)
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

	jobStore := repopg.NewJobStore(db)
	checkpointStore := repopg.NewCheckpointStore(db)
	ledgerStore := repopg.NewLedgerStore(db)
	queueStore := repopg.NewQueueStore(db)

	credits := creditsvc.New(ledgerStore, logger)
	coordinator := retrysvc.NewCoordinator(jobStore, checkpointStore, queueStore, credits, policy, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", httpserver.Healthz("pipeline-api"))
	mux.HandleFunc(
		"/readyz",
		httpserver.ReadyzWithChecks(
			"pipeline-api",
			httpserver.ReadinessCheck{
				Name: "postgres",
				Check: func(ctx context.Context) error {
					checkCtx, cancel := context.WithTimeout(ctx, 750*time.Millisecond)
					defer cancel()
					return db.PingContext(checkCtx)
				},
			},
			httpserver.ReadinessCheck{
				Name: "minio",
				Check: func(ctx context.Context) error {
					checkCtx, cancel := context.WithTimeout(ctx, 750*time.Millisecond)
					defer cancel()
					return objectstore.CheckBuckets(checkCtx, storeClient, storeCfg)
				},
			},
		),
	)

	api := newPipelineAPI(logger, jobStore, checkpointStore, coordinator, credits, artifactStore, presignTTL, maxBody)
	api.register(mux)

	cfg := httpserver.Config{
		Service:         "pipeline-api",
		Addr:            addr,
		ShutdownTimeout: shutdownTimeout,
	}
	if err := httpserver.Run(ctx, logger, cfg, httpserver.Wrap(logger, "pipeline-api", mux)); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}
