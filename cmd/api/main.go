package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/Dahilon/Atlas/internal/analytics"
	"github.com/Dahilon/Atlas/internal/api"
	"github.com/Dahilon/Atlas/internal/cache/redis"
	"github.com/Dahilon/Atlas/internal/metrics"
	"github.com/Dahilon/Atlas/internal/middleware/ratelimit"
	"github.com/Dahilon/Atlas/internal/pipeline"
	"github.com/Dahilon/Atlas/internal/scheduler"
	"github.com/Dahilon/Atlas/internal/storage/sqlite"
	"github.com/Dahilon/Atlas/pkg/config"
	appLogger "github.com/Dahilon/Atlas/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	err = appLogger.Init(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.OutputPath, appLogger.RotationConfig{
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
		Compress:   cfg.Logging.Compress,
	})
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer appLogger.Sync()

	appLogger.Info("Starting Atlas risk engine",
		zap.String("pipeline_version", cfg.Engine.PipelineVersion),
		zap.Int("workers", cfg.Engine.Workers),
	)

	metrics.Init()

	sqliteClient, err := sqlite.NewClient(cfg.SQLite.Path)
	if err != nil {
		appLogger.Fatal("Failed to create SQLite client", zap.Error(err))
	}
	defer sqliteClient.Close()

	err = sqliteClient.InitSchema()
	if err != nil {
		appLogger.Fatal("Failed to initialize schema", zap.Error(err))
	}

	deps := api.Deps{
		Store:     sqliteClient,
		Analytics: analytics.NewService(sqliteClient, cfg.Engine.SeasonalPeriod),
		Events:    sqliteClient,
		Checks:    map[string]api.Pinger{"sqlite": sqliteClient},
		AccessLog: cfg.Server.Development,
	}

	var opts []pipeline.Option
	if cfg.Redis.Enabled {
		redisClient, err := redis.NewClient(cfg.Redis)
		if err != nil {
			appLogger.Warn("Redis unavailable, serving snapshots from SQLite only", zap.Error(err))
		} else {
			defer redisClient.Close()
			opts = append(opts, pipeline.WithPublisher(redisClient))
			deps.Cache = redisClient
			deps.Checks["redis"] = redisClient
		}
	}

	orchestrator := pipeline.NewOrchestrator(sqliteClient, cfg.Engine, cfg.Server.MaxBatchEvents, opts...)
	deps.Runner = orchestrator
	deps.Ingest = orchestrator.Ingestor()

	limiter := ratelimit.New(ratelimit.Config{
		MaxRequestsPerMinute: cfg.Server.TriggerRatePerMin,
		Logger:               appLogger.Named("ratelimit"),
	})
	deps.Limiter = limiter

	var sched *scheduler.Scheduler
	if cfg.Schedule.Enabled {
		sched, err = scheduler.New(orchestrator, cfg.Schedule)
		if err != nil {
			appLogger.Fatal("Failed to create scheduler", zap.Error(err))
		}
		sched.Start()
	}

	app := api.NewApp(cfg.Server, deps)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	appLogger.Info("Server starting", zap.String("address", addr))

	go func() {
		if err := app.Listen(addr); err != nil {
			appLogger.Fatal("Server failed to start", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	appLogger.Info("Server shutting down gracefully...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if sched != nil {
		if err := sched.Stop(ctx); err != nil {
			appLogger.Warn("Scheduler did not stop cleanly", zap.Error(err))
		}
	}
	if err := app.ShutdownWithContext(ctx); err != nil {
		appLogger.Warn("Server did not shut down cleanly", zap.Error(err))
	}
	appLogger.Info("Server stopped")
}
