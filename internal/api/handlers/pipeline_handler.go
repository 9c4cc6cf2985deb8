package handlers

import (
	"bytes"
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/Dahilon/Atlas/internal/ingestion"
	"github.com/Dahilon/Atlas/internal/metrics"
	"github.com/Dahilon/Atlas/internal/pipeline"
	"github.com/Dahilon/Atlas/internal/storage/models"
	"github.com/Dahilon/Atlas/pkg/logger"
)

// Runner is the trigger surface of the orchestrator.
type Runner interface {
	RunBatch(ctx context.Context, events []models.NormalizedEvent) (*models.PipelineRun, error)
	ReEnrich(ctx context.Context, from, to time.Time) (*models.PipelineRun, error)
}

type PipelineHandler struct {
	runner      Runner
	ingest      *ingestion.Processor
	maxSpanDays int
}

func NewPipelineHandler(runner Runner, ingest *ingestion.Processor, maxSpanDays int) *PipelineHandler {
	return &PipelineHandler{
		runner:      runner,
		ingest:      ingest,
		maxSpanDays: maxSpanDays,
	}
}

// RunBatch accepts NDJSON (application/x-ndjson) or a JSON array/object of
// normalized events and scores them in one run.
func (h *PipelineHandler) RunBatch(c *fiber.Ctx) error {
	var events []models.NormalizedEvent
	var err error
	if strings.Contains(c.Get(fiber.HeaderContentType), "ndjson") {
		events, err = h.ingest.DecodeNDJSON(bytes.NewReader(c.Body()))
	} else {
		events, err = h.ingest.DecodeJSON(c.Body())
	}
	if err != nil {
		return h.fail(c, "batch", err)
	}

	run, err := h.runner.RunBatch(c.UserContext(), events)
	if err != nil {
		return h.fail(c, "batch", err)
	}

	metrics.TriggerRequests.WithLabelValues("batch", strconv.Itoa(fiber.StatusOK)).Inc()
	return c.JSON(fiber.Map{
		"run": run,
	})
}

func (h *PipelineHandler) ReEnrich(c *fiber.Ctx) error {
	var req struct {
		From string `json:"from"`
		To   string `json:"to"`
	}

	if err := c.BodyParser(&req); err != nil {
		logger.Error("Failed to parse request body", zap.Error(err))
		return h.respond(c, "re_enrich", fiber.StatusBadRequest, "Invalid request body")
	}

	from, err := models.ParseDay(req.From)
	if err != nil {
		return h.respond(c, "re_enrich", fiber.StatusBadRequest, "from must be a YYYY-MM-DD date")
	}
	to, err := models.ParseDay(req.To)
	if err != nil {
		return h.respond(c, "re_enrich", fiber.StatusBadRequest, "to must be a YYYY-MM-DD date")
	}
	if h.maxSpanDays > 0 && int(to.Sub(from).Hours()/24)+1 > h.maxSpanDays {
		return h.respond(c, "re_enrich", fiber.StatusBadRequest, "Range exceeds "+strconv.Itoa(h.maxSpanDays)+" days")
	}

	run, err := h.runner.ReEnrich(c.UserContext(), from, to)
	if err != nil {
		return h.fail(c, "re_enrich", err)
	}

	metrics.TriggerRequests.WithLabelValues("re_enrich", strconv.Itoa(fiber.StatusOK)).Inc()
	return c.JSON(fiber.Map{
		"run": run,
	})
}

func (h *PipelineHandler) fail(c *fiber.Ctx, endpoint string, err error) error {
	status := StatusFor(err)
	if status >= fiber.StatusInternalServerError {
		logger.Error("Pipeline trigger failed", zap.String("endpoint", endpoint), zap.Error(err))
		return h.respond(c, endpoint, status, "Pipeline run failed")
	}
	logger.Warn("Pipeline trigger rejected", zap.String("endpoint", endpoint), zap.Error(err))
	return h.respond(c, endpoint, status, err.Error())
}

func (h *PipelineHandler) respond(c *fiber.Ctx, endpoint string, status int, msg string) error {
	metrics.TriggerRequests.WithLabelValues(endpoint, strconv.Itoa(status)).Inc()
	return c.Status(status).JSON(fiber.Map{
		"error": msg,
	})
}

// StatusFor maps pipeline errors to HTTP status codes.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, pipeline.ErrInvalidBatch), errors.Is(err, pipeline.ErrInvalidRange):
		return fiber.StatusBadRequest
	case errors.Is(err, pipeline.ErrSourceDataMissing):
		return fiber.StatusNotFound
	case errors.Is(err, pipeline.ErrRunInProgress), errors.Is(err, pipeline.ErrStaleInputs):
		return fiber.StatusConflict
	case errors.Is(err, context.DeadlineExceeded):
		return fiber.StatusGatewayTimeout
	default:
		return fiber.StatusInternalServerError
	}
}
