// Package api assembles the HTTP surface: pipeline triggers, output queries,
// health and Prometheus metrics.
package api

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"go.uber.org/zap"

	"github.com/Dahilon/Atlas/internal/api/handlers"
	"github.com/Dahilon/Atlas/internal/ingestion"
	"github.com/Dahilon/Atlas/internal/metrics"
	"github.com/Dahilon/Atlas/internal/middleware/ratelimit"
	"github.com/Dahilon/Atlas/internal/middleware/security"
	"github.com/Dahilon/Atlas/internal/middleware/validation"
	"github.com/Dahilon/Atlas/pkg/config"
	"github.com/Dahilon/Atlas/pkg/logger"
)

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

type EventCounter interface {
	CountEvents(ctx context.Context) (int, error)
}

type Deps struct {
	Runner handlers.Runner
	Ingest *ingestion.Processor
	Store  handlers.Reader
	Cache  handlers.SnapshotCache
	// Analytics serves /analytics when set.
	Analytics handlers.Analyst
	// Events reports the stored event count in /health when set.
	Events  EventCounter
	Limiter *ratelimit.RateLimiter
	// Checks are pinged by /health, keyed by name.
	Checks map[string]Pinger
	// AccessLog enables the per-request access log.
	AccessLog bool
}

func NewApp(cfg config.ServerConfig, deps Deps) *fiber.App {
	app := fiber.New(fiber.Config{
		ReadTimeout:           time.Duration(cfg.ReadTimeout) * time.Second,
		WriteTimeout:          time.Duration(cfg.WriteTimeout) * time.Second,
		BodyLimit:             cfg.BodyLimit,
		DisableStartupMessage: true,
	})

	app.Use(recover.New())
	if deps.AccessLog {
		app.Use(fiberlogger.New())
	}
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowHeaders: "Origin, Content-Type, Accept, Authorization",
		AllowMethods: "GET, POST, OPTIONS",
	}))
	app.Use(security.HeadersMiddleware(security.HeadersConfig{IsDevelopment: cfg.Development}))

	app.Get("/metrics", metrics.MetricsHandler())

	api := app.Group("/api/v1")
	api.Use(validation.Middleware(validation.Config{Logger: logger.Named("validation")}))

	pipelineHandler := handlers.NewPipelineHandler(deps.Runner, deps.Ingest, cfg.MaxReEnrichSpanDays)
	queryHandler := handlers.NewQueryHandler(deps.Store, deps.Cache)

	triggers := api.Group("/pipeline")
	if deps.Limiter != nil {
		triggers.Use(deps.Limiter.Middleware())
	}
	triggers.Post("/batch", pipelineHandler.RunBatch)
	triggers.Post("/re-enrich", pipelineHandler.ReEnrich)

	api.Get("/metrics/daily", queryHandler.DailyMetrics)
	api.Get("/spikes", queryHandler.Spikes)
	api.Get("/tiers/current", queryHandler.CurrentTierModel)
	api.Get("/trends/:country", queryHandler.Trends)
	api.Get("/runs", queryHandler.Runs)
	api.Get("/runs/:id", queryHandler.Run)

	if deps.Analytics != nil {
		analyticsHandler := handlers.NewAnalyticsHandler(deps.Analytics)
		api.Get("/analytics/decomposition/:country", analyticsHandler.Decomposition)
		api.Get("/analytics/top-movers", analyticsHandler.TopMovers)
		api.Get("/analytics/risk-distribution", analyticsHandler.RiskDistribution)
	}

	api.Get("/health", func(c *fiber.Ctx) error {
		ctx, cancel := context.WithTimeout(c.UserContext(), 2*time.Second)
		defer cancel()

		status := "healthy"
		code := fiber.StatusOK
		checks := fiber.Map{}
		for name, p := range deps.Checks {
			if err := p.Ping(ctx); err != nil {
				checks[name] = err.Error()
				status = "unhealthy"
				code = fiber.StatusServiceUnavailable
				continue
			}
			checks[name] = "ok"
		}

		body := fiber.Map{
			"status": status,
			"checks": checks,
			"time":   time.Now().Unix(),
		}
		if deps.Events != nil && code == fiber.StatusOK {
			n, err := deps.Events.CountEvents(ctx)
			if err != nil {
				logger.Warn("Failed to count stored events", zap.Error(err))
			} else {
				body["events"] = n
			}
		}
		return c.Status(code).JSON(body)
	})

	return app
}
