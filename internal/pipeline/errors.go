package pipeline

import (
	"errors"

	"github.com/Dahilon/Atlas/internal/ingestion"
	"github.com/Dahilon/Atlas/internal/risk/baseline"
	"github.com/Dahilon/Atlas/internal/risk/tier"
	"github.com/Dahilon/Atlas/internal/storage/models"
)

var (
	// ErrInsufficientHistory is handled per bucket as cold-start quality and
	// never fails a run.
	ErrInsufficientHistory = baseline.ErrInsufficientHistory

	// ErrSourceDataMissing means there is nothing to score for the requested
	// range.
	ErrSourceDataMissing = errors.New("no source events for range")

	// ErrModelFit is logged and the fixed tier boundaries are used.
	ErrModelFit = tier.ErrModelFit

	// ErrPersistence means the commit failed and no output of the run was kept.
	ErrPersistence = errors.New("pipeline run could not be persisted")

	// ErrStaleInputs means another run committed after this run read its
	// inputs. The run is recomputed; it fails only when attempts run out.
	ErrStaleInputs = models.ErrStaleRun

	ErrRunInProgress = errors.New("a pipeline run over an overlapping range is in progress")

	ErrInvalidBatch = ingestion.ErrInvalidBatch

	ErrInvalidRange = errors.New("invalid date range")
)
