package handlers

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/Dahilon/Atlas/internal/analytics"
	"github.com/Dahilon/Atlas/internal/storage/models"
)

// Analyst answers the analytics queries over committed outputs.
type Analyst interface {
	Decomposition(ctx context.Context, country string, days int) (*models.Decomposition, error)
	TopMovers(ctx context.Context, limit int) ([]models.Mover, error)
	RiskDistribution(ctx context.Context) (*models.RiskDistribution, error)
}

const (
	minDecompositionDays = 14
	maxDecompositionDays = 180
	maxMovers            = 100
)

type AnalyticsHandler struct {
	analyst Analyst
}

func NewAnalyticsHandler(analyst Analyst) *AnalyticsHandler {
	return &AnalyticsHandler{analyst: analyst}
}

func (h *AnalyticsHandler) Decomposition(c *fiber.Ctx) error {
	country := strings.ToUpper(c.Params("country"))
	if !isCountry(country) {
		return badRequest(c, errors.New("country must be an ISO-3166 alpha-2 code"))
	}
	days := c.QueryInt("days", 30)
	if days < minDecompositionDays || days > maxDecompositionDays {
		return badRequest(c, fmt.Errorf("days must be between %d and %d", minDecompositionDays, maxDecompositionDays))
	}

	d, err := h.analyst.Decomposition(c.UserContext(), country, days)
	if errors.Is(err, analytics.ErrInsufficientData) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Not enough daily history for decomposition",
		})
	}
	if err != nil {
		return internalError(c, "Failed to decompose severity", err)
	}
	return c.JSON(d)
}

func (h *AnalyticsHandler) TopMovers(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", 20)
	if limit < 1 || limit > maxMovers {
		return badRequest(c, fmt.Errorf("limit must be between 1 and %d", maxMovers))
	}

	movers, err := h.analyst.TopMovers(c.UserContext(), limit)
	if err != nil {
		return internalError(c, "Failed to query top movers", err)
	}
	return c.JSON(fiber.Map{
		"movers": nonNil(movers),
		"count":  len(movers),
	})
}

func (h *AnalyticsHandler) RiskDistribution(c *fiber.Ctx) error {
	dist, err := h.analyst.RiskDistribution(c.UserContext())
	if err != nil {
		return internalError(c, "Failed to compute risk distribution", err)
	}
	return c.JSON(dist)
}
