package handlers

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"

	"github.com/Dahilon/Atlas/internal/pipeline"
)

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("%w: empty batch", pipeline.ErrInvalidBatch), fiber.StatusBadRequest},
		{pipeline.ErrInvalidRange, fiber.StatusBadRequest},
		{fmt.Errorf("%w: nothing stored", pipeline.ErrSourceDataMissing), fiber.StatusNotFound},
		{fmt.Errorf("%w: 2024-01-01..2024-01-31", pipeline.ErrRunInProgress), fiber.StatusConflict},
		{fmt.Errorf("%w: read at seq 4, latest is 5", pipeline.ErrStaleInputs), fiber.StatusConflict},
		{fmt.Errorf("%w: %w", pipeline.ErrPersistence, errors.New("disk full")), fiber.StatusInternalServerError},
		{context.DeadlineExceeded, fiber.StatusGatewayTimeout},
		{errors.New("boom"), fiber.StatusInternalServerError},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, StatusFor(tt.err), tt.err.Error())
	}
}
