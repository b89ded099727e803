package main

import (
	"context"
	"database/sql"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"

	"github.com/pipeflow-io/pipeflow-engine/pkg/adapters/connector"
	"github.com/pipeflow-io/pipeflow-engine/pkg/config"
	"github.com/pipeflow-io/pipeflow-engine/pkg/crypto"
	"github.com/pipeflow-io/pipeflow-engine/pkg/database"
	"github.com/pipeflow-io/pipeflow-engine/pkg/llm"
	"github.com/pipeflow-io/pipeflow-engine/pkg/locks"
	"github.com/pipeflow-io/pipeflow-engine/pkg/ratelimit"
	"github.com/pipeflow-io/pipeflow-engine/pkg/repositories"
	"github.com/pipeflow-io/pipeflow-engine/pkg/services"
	"github.com/pipeflow-io/pipeflow-engine/pkg/services/workqueue"
	"github.com/pipeflow-io/pipeflow-engine/pkg/store"
)

// Version is set at build time via ldflags
var Version = "dev"

func main() {
	cfg, err := config.Load(Version)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := newLogger(cfg.Env)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync() //nolint:errcheck // stderr sync errors are expected on some platforms

	logger.Info("starting pipeflow-engine",
		zap.String("version", cfg.Version),
		zap.String("env", cfg.Env))

	if err := migrate(cfg, logger); err != nil {
		logger.Fatal("migrations failed", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.NewConnection(ctx, &database.Config{
		URL:            cfg.Database.URL(),
		MaxConnections: cfg.Database.MaxConnections,
	})
	if err != nil {
		logger.Fatal("database connection failed", zap.Error(err))
	}
	defer db.Close()

	redisClient, err := database.NewRedisClient(&cfg.Redis)
	if err != nil {
		logger.Fatal("redis connection failed", zap.Error(err))
	}
	if redisClient == nil {
		logger.Warn("redis not configured, using in-process locks (single worker only)")
	}

	encryptor, err := crypto.NewCredentialEncryptor(cfg.CredentialsKey)
	if err != nil {
		logger.Fatal("invalid credentials key", zap.Error(err))
	}

	chat, err := llm.NewChatClient(cfg.AI)
	if err != nil {
		logger.Fatal("llm client setup failed", zap.Error(err))
	}

	unified := store.New(db.Pool)
	limiters := ratelimit.NewRegistry(ratelimit.Config{
		MaxRequests:    cfg.RateLimit.MaxRequests,
		Window:         cfg.RateLimit.Window(),
		Burst:          cfg.RateLimit.Burst,
		MinInterval:    cfg.RateLimit.MinInterval(),
		AcquireTimeout: cfg.RateLimit.AcquireTimeout(),
	})
	locker := locks.NewLocker(redisClient, cfg.Sync.LockTTL())
	registry := connector.NewDefaultRegistry(unified, limiters, logger)

	sourceRepo := repositories.NewDataSourceRepository(db)
	tableRepo := repositories.NewTableMetadataRepository(db)
	syncHistoryRepo := repositories.NewSyncHistoryRepository(db)
	modelRepo := repositories.NewDataModelRepository(db)
	refreshHistoryRepo := repositories.NewRefreshHistoryRepository(db)
	joinRepo := repositories.NewJoinSuggestionRepository(db)

	queue := workqueue.New(logger, workqueue.WithStrategy(workqueue.NewKeyedStrategy(cfg.Sync.Workers)))

	sources := services.NewDataSourceService(sourceRepo, tableRepo, registry, encryptor, unified, logger)
	orchestrator := services.NewSyncOrchestrator(
		sources, syncHistoryRepo, tableRepo, registry, queue, locker, limiters, &cfg.Sync, logger)
	refresh := services.NewRefreshService(modelRepo, refreshHistoryRepo, unified, queue, locker, logger)
	joins := services.NewJoinSuggestionService(tableRepo, joinRepo, unified, chat, logger)

	scheduler := services.NewRefreshScheduler(modelRepo, refresh, &cfg.Scheduler, logger)
	orchestrator.OnSyncCompleted(scheduler.CascadeFromSync())

	// Warm the join suggestion cache after each sync so schema changes are
	// picked up without waiting for the first caller.
	orchestrator.OnSyncCompleted(func(dataSourceID uuid.UUID) {
		warmCtx, cancel := context.WithTimeout(context.Background(), cfg.Sync.FetchTimeout())
		defer cancel()
		if _, err := joins.Suggest(warmCtx, dataSourceID); err != nil {
			logger.Warn("join suggestion warmup failed",
				zap.String("datasource_id", dataSourceID.String()),
				zap.Error(err))
		}
	})
	if err := scheduler.Start(); err != nil {
		logger.Fatal("scheduler start failed", zap.Error(err))
	}

	logger.Info("engine running",
		zap.Int("workers", cfg.Sync.Workers),
		zap.Strings("connectors", registry.Types()))

	<-ctx.Done()
	logger.Info("shutting down")

	scheduler.Stop()
	queue.Cancel()

	drainCtx, cancel := context.WithTimeout(context.Background(), cfg.Sync.FetchTimeout())
	defer cancel()
	if err := queue.Wait(drainCtx); err != nil {
		logger.Warn("queue drain timed out", zap.Error(err))
	}
}

func newLogger(env string) (*zap.Logger, error) {
	if env == "local" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func migrate(cfg *config.Config, logger *zap.Logger) error {
	db, err := sql.Open("pgx", cfg.Database.URL())
	if err != nil {
		return err
	}
	defer db.Close() //nolint:errcheck // migration connection is short-lived

	return database.RunMigrations(db, cfg.MigrationsPath, logger)
}
