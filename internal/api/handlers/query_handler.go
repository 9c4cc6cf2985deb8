package handlers

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/Dahilon/Atlas/internal/storage/models"
	"github.com/Dahilon/Atlas/internal/storage/sqlite"
	"github.com/Dahilon/Atlas/pkg/logger"
)

// Reader is the output query surface of the store.
type Reader interface {
	DailyMetrics(ctx context.Context, f sqlite.Filter) ([]models.DailyMetric, error)
	Spikes(ctx context.Context, f sqlite.Filter) ([]models.Spike, error)
	CurrentTierModel(ctx context.Context) (*models.RiskTierModel, error)
	Trends(ctx context.Context, country string, window models.TrendWindow) ([]models.TrendLabel, error)
	Runs(ctx context.Context, limit int) ([]models.PipelineRun, error)
	Run(ctx context.Context, id string) (*models.PipelineRun, error)
}

// SnapshotCache serves the latest published tier model and trend labels.
type SnapshotCache interface {
	TierModel(ctx context.Context) (*models.RiskTierModel, bool, error)
	Trends(ctx context.Context, country string) ([]models.TrendLabel, bool, error)
}

type QueryHandler struct {
	store Reader
	cache SnapshotCache
}

// NewQueryHandler builds a handler. cache may be nil.
func NewQueryHandler(store Reader, cache SnapshotCache) *QueryHandler {
	return &QueryHandler{
		store: store,
		cache: cache,
	}
}

func (h *QueryHandler) DailyMetrics(c *fiber.Ctx) error {
	f, err := ParseFilter(c)
	if err != nil {
		return badRequest(c, err)
	}

	rows, err := h.store.DailyMetrics(c.UserContext(), f)
	if err != nil {
		return internalError(c, "Failed to query daily metrics", err)
	}

	return c.JSON(fiber.Map{
		"metrics": nonNil(rows),
		"count":   len(rows),
	})
}

// Spikes returns spikes of the latest committed run covering each date, or
// every run's spikes with all=true.
func (h *QueryHandler) Spikes(c *fiber.Ctx) error {
	f, err := ParseFilter(c)
	if err != nil {
		return badRequest(c, err)
	}
	f.IncludeSuperseded = c.QueryBool("all", false)

	rows, err := h.store.Spikes(c.UserContext(), f)
	if err != nil {
		return internalError(c, "Failed to query spikes", err)
	}

	return c.JSON(fiber.Map{
		"spikes": nonNil(rows),
		"count":  len(rows),
	})
}

func (h *QueryHandler) CurrentTierModel(c *fiber.Ctx) error {
	ctx := c.UserContext()

	if h.cache != nil {
		m, found, err := h.cache.TierModel(ctx)
		if err != nil {
			logger.Debug("Tier model cache unavailable", zap.Error(err))
		}
		if found {
			c.Set("X-Cache", "hit")
			return c.JSON(m)
		}
	}

	m, err := h.store.CurrentTierModel(ctx)
	if errors.Is(err, sqlite.ErrNotFound) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "No tier model has been fitted yet",
		})
	}
	if err != nil {
		return internalError(c, "Failed to get tier model", err)
	}

	c.Set("X-Cache", "miss")
	return c.JSON(m)
}

// Trends returns the labels for one country, optionally one window.
func (h *QueryHandler) Trends(c *fiber.Ctx) error {
	country := strings.ToUpper(c.Params("country"))
	if !isCountry(country) {
		return badRequest(c, errors.New("country must be an ISO-3166 alpha-2 code"))
	}

	window := models.TrendWindow(c.Query("window"))
	if window != "" && window.Days() == 0 {
		return badRequest(c, errors.New("window must be 7d or 30d"))
	}

	ctx := c.UserContext()
	var labels []models.TrendLabel

	found := false
	if h.cache != nil {
		cached, ok, err := h.cache.Trends(ctx, country)
		if err != nil {
			logger.Debug("Trend cache unavailable", zap.Error(err))
		}
		if ok {
			found = true
			for _, t := range cached {
				if window == "" || t.Window == window {
					labels = append(labels, t)
				}
			}
		}
	}

	if !found {
		var err error
		labels, err = h.store.Trends(ctx, country, window)
		if err != nil {
			return internalError(c, "Failed to query trends", err)
		}
	}

	return c.JSON(fiber.Map{
		"country": country,
		"trends":  nonNil(labels),
	})
}

func (h *QueryHandler) Runs(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", 50)
	if limit <= 0 || limit > maxLimit {
		return badRequest(c, errors.New("limit must be between 1 and "+strconv.Itoa(maxLimit)))
	}

	runs, err := h.store.Runs(c.UserContext(), limit)
	if err != nil {
		return internalError(c, "Failed to list runs", err)
	}

	return c.JSON(fiber.Map{
		"runs": nonNil(runs),
	})
}

func (h *QueryHandler) Run(c *fiber.Ctx) error {
	run, err := h.store.Run(c.UserContext(), c.Params("id"))
	if errors.Is(err, sqlite.ErrNotFound) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Run not found",
		})
	}
	if err != nil {
		return internalError(c, "Failed to get run", err)
	}
	return c.JSON(run)
}

func badRequest(c *fiber.Ctx, err error) error {
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
		"error": err.Error(),
	})
}

func internalError(c *fiber.Ctx, msg string, err error) error {
	logger.Error(msg, zap.Error(err))
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
		"error": msg,
	})
}

// nonNil keeps empty results encoded as [] rather than null.
func nonNil[T any](rows []T) []T {
	if rows == nil {
		return []T{}
	}
	return rows
}
