package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/hansei-ai/hansei/internal/analytics"
	"github.com/hansei-ai/hansei/internal/cache"
	"github.com/hansei-ai/hansei/internal/config"
	"github.com/hansei-ai/hansei/internal/insight"
	"github.com/hansei-ai/hansei/internal/jobs"
	"github.com/hansei-ai/hansei/internal/model"
	"github.com/hansei-ai/hansei/internal/notify"
	"github.com/hansei-ai/hansei/internal/search"
	"github.com/hansei-ai/hansei/internal/service/embedding"
	"github.com/hansei-ai/hansei/internal/storage"
	"github.com/hansei-ai/hansei/internal/telemetry"
	"github.com/hansei-ai/hansei/migrations"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	level := slog.LevelInfo
	if os.Getenv("HANSEI_LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, logger *slog.Logger) error {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("hansei starting", "version", version, "workers", cfg.WorkerCount)

	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	db, err := storage.New(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	defer db.Close()

	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}

	// Cache: Redis when configured, in-process otherwise.
	var summaryCache cache.Cache
	if cfg.RedisURL != "" {
		redisCache, err := cache.NewRedis(ctx, cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("cache: %w", err)
		}
		summaryCache = redisCache
		logger.Info("redis cache enabled")
	} else {
		summaryCache = cache.NewMemory()
		logger.Info("redis disabled, using in-process cache")
	}
	defer func() { _ = summaryCache.Close() }()

	queue := jobs.NewQueue(db, jobs.Options{
		LeaseDuration: cfg.LeaseDuration,
		MaxAttempts:   cfg.MaxAttempts,
		BackoffBase:   cfg.BackoffBase,
		BackoffCap:    cfg.BackoffCap,
	}, logger)

	// Similarity index: pgvector is always on; Qdrant accelerates when configured.
	var accel *search.QdrantIndex
	if cfg.QdrantURL != "" {
		accel, err = search.NewQdrantIndex(search.QdrantConfig{
			URL:        cfg.QdrantURL,
			APIKey:     cfg.QdrantAPIKey,
			Collection: cfg.QdrantCollection,
			Dims:       uint64(cfg.EmbeddingDimensions), //nolint:gosec // validated positive in config.Validate
		}, logger)
		if err != nil {
			return fmt.Errorf("qdrant: %w", err)
		}
		defer func() { _ = accel.Close() }()

		if err := accel.EnsureCollection(ctx); err != nil {
			return fmt.Errorf("qdrant ensure collection: %w", err)
		}
		logger.Info("qdrant enabled", "collection", cfg.QdrantCollection)
	} else {
		logger.Info("qdrant disabled (no QDRANT_URL), using pgvector only")
	}
	searchSvc := search.NewService(db, search.NewPgvectorIndex(db), accel, logger)

	embedder := newEmbeddingProvider(cfg, logger)
	producer := embedding.NewProducer(db, queue, embedder, embedding.ProducerOptions{
		Timeout:   cfg.EmbeddingTimeout,
		RateLimit: rateLimit(cfg.EmbeddingRateLimit),
	}, logger)

	engine := analytics.NewEngine(db, queue, summaryCache, cfg.CacheTTL, logger)

	var summarizer insight.Summarizer = insight.TemplateSummarizer{}
	if cfg.OpenAIAPIKey != "" {
		summarizer = insight.NewOpenAISummarizer(cfg.OpenAIAPIKey, cfg.SummaryModel, cfg.SummaryTimeout)
		logger.Info("insight summarizer enabled", "model", cfg.SummaryModel)
	}
	generator := insight.NewGenerator(db, queue, []insight.Rule{
		&insight.DecliningSatisfactionRule{DB: db, Slope: cfg.DecliningSlope, MinCount: cfg.DecliningMinCount},
		&insight.DecisionSpikeRule{DB: db, Factor: cfg.SpikeFactor, MinCount: cfg.SpikeMinCount},
		&insight.StaleOutcomeRule{DB: db, After: cfg.StaleOutcomeAfter, MinCount: 3},
	}, summarizer, cfg.InsightCooldown, logger)

	var channel notify.Channel
	if cfg.NotifyWebhookURL != "" {
		channel = notify.NewWebhookChannel(cfg.NotifyWebhookURL)
		logger.Info("webhook notifications enabled")
	} else {
		channel = notify.NewLogChannel(logger)
	}
	dispatcher := notify.NewDispatcher(db, queue, channel, logger)

	worker, err := jobs.NewWorker(queue, jobs.WorkerOptions{
		Workers:      cfg.WorkerCount,
		PollInterval: cfg.PollInterval,
		JobTimeout:   cfg.JobTimeout,
	}, logger)
	if err != nil {
		return fmt.Errorf("worker: %w", err)
	}
	worker.Register(model.TaskEmbeddingGenerate, producer.HandleGenerate)
	worker.Register(model.TaskSearchSync, searchSvc.HandleSync)
	worker.Register(model.TaskAggregateOutcome, engine.HandleAggregate)
	worker.Register(model.TaskRecomputeScope, engine.HandleRecompute)
	worker.Register(model.TaskInsightEvaluate, generator.HandleEvaluate)
	worker.Register(model.TaskNotifyDispatch, dispatcher.HandleDispatch)
	worker.Register(model.TaskReminderSweep, dispatcher.HandleReminderSweep)
	worker.Register(model.TaskJobCleanup, jobs.NewCleanupHandler(queue, cfg.JobRetention, cfg.DeadRetention))

	// Catch decisions whose events were lost before the queue got them.
	// Non-fatal: the periodic pass will try again.
	if n, err := producer.Backfill(ctx, 500); err != nil {
		logger.Warn("embedding backfill failed", "error", err)
	} else if n > 0 {
		logger.Info("embedding backfill scheduled", "count", n)
	}

	scheduler := jobs.NewScheduler(queue, db, jobs.SchedulerOptions{
		RecomputeInterval: cfg.RecomputeInterval,
		ReminderInterval:  cfg.ReminderInterval,
		CleanupInterval:   cfg.CleanupInterval,
	}, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return worker.Run(gctx) })
	g.Go(func() error { return scheduler.Run(gctx) })

	logger.Info("hansei running")
	if err := g.Wait(); err != nil && err != context.Canceled {
		return err
	}
	logger.Info("hansei stopped")
	return nil
}

// newEmbeddingProvider picks the provider from config. "auto" prefers
// OpenAI when a key is present, then Ollama, and never fails: the noop
// provider keeps the pipeline running without external services.
func newEmbeddingProvider(cfg config.Config, logger *slog.Logger) embedding.Provider {
	switch cfg.EmbeddingProvider {
	case "openai":
		if cfg.OpenAIAPIKey == "" {
			logger.Warn("openai provider requested without OPENAI_API_KEY, using noop")
			return embedding.NewNoopProvider(cfg.EmbeddingDimensions)
		}
		return embedding.NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.EmbeddingModel, cfg.EmbeddingDimensions)
	case "ollama":
		return embedding.NewOllamaProvider(cfg.OllamaURL, cfg.OllamaModel, cfg.EmbeddingDimensions)
	case "noop":
		return embedding.NewNoopProvider(cfg.EmbeddingDimensions)
	default: // auto
		if cfg.OpenAIAPIKey != "" {
			logger.Info("embedding provider: openai", "model", cfg.EmbeddingModel)
			return embedding.NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.EmbeddingModel, cfg.EmbeddingDimensions)
		}
		logger.Info("embedding provider: ollama", "model", cfg.OllamaModel, "url", cfg.OllamaURL)
		return embedding.NewOllamaProvider(cfg.OllamaURL, cfg.OllamaModel, cfg.EmbeddingDimensions)
	}
}

func rateLimit(perSecond float64) rate.Limit {
	if perSecond <= 0 {
		return rate.Limit(5)
	}
	return rate.Limit(perSecond)
}
