// Package ingestion decodes and validates batches of normalized events handed
// to the engine by the upstream collector.
package ingestion

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"regexp"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Dahilon/Atlas/internal/storage/models"
	"github.com/Dahilon/Atlas/pkg/logger"
	"github.com/Dahilon/Atlas/pkg/utils"
)

// ErrInvalidBatch marks a batch that is not internally consistent. The whole
// batch is rejected.
var ErrInvalidBatch = errors.New("invalid batch")

var countryCode = regexp.MustCompile(`^[A-Z]{2}$`)

const maxLineBytes = 1 << 20

type Batch struct {
	Events []models.NormalizedEvent
	// From and To are the first and last UTC event days.
	From time.Time
	To   time.Time
	// Duplicates counts identical repeats that were dropped.
	Duplicates int
}

type Processor struct {
	maxEvents int
}

func NewProcessor(maxEvents int) *Processor {
	return &Processor{maxEvents: maxEvents}
}

// DecodeNDJSON reads one JSON event per line. Blank lines are skipped.
func (p *Processor) DecodeNDJSON(r io.Reader) ([]models.NormalizedEvent, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	var events []models.NormalizedEvent
	line := 0
	for scanner.Scan() {
		line++
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}

		var e models.NormalizedEvent
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil, fmt.Errorf("%w: line %d: %v", ErrInvalidBatch, line, err)
		}
		events = append(events, e)

		if p.maxEvents > 0 && len(events) > p.maxEvents {
			return nil, fmt.Errorf("%w: more than %d events", ErrInvalidBatch, p.maxEvents)
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: line %d: %v", ErrInvalidBatch, line+1, err)
	}
	return events, nil
}

// DecodeJSON accepts either a JSON array of events or an object with an
// "events" array.
func (p *Processor) DecodeJSON(data []byte) ([]models.NormalizedEvent, error) {
	data = bytes.TrimSpace(data)

	var events []models.NormalizedEvent
	if len(data) > 0 && data[0] == '[' {
		if err := json.Unmarshal(data, &events); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidBatch, err)
		}
	} else {
		var wrapper struct {
			Events []models.NormalizedEvent `json:"events"`
		}
		if err := json.Unmarshal(data, &wrapper); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidBatch, err)
		}
		events = wrapper.Events
	}

	if p.maxEvents > 0 && len(events) > p.maxEvents {
		return nil, fmt.Errorf("%w: more than %d events", ErrInvalidBatch, p.maxEvents)
	}
	return events, nil
}

// Validate normalizes events and checks the batch is internally consistent:
// required fields present, signals in range, and repeated IDs carrying
// identical content. Events come back sorted by ID.
func (p *Processor) Validate(events []models.NormalizedEvent) (*Batch, error) {
	if len(events) == 0 {
		return nil, fmt.Errorf("%w: empty batch", ErrInvalidBatch)
	}

	byID := make(map[string]models.NormalizedEvent, len(events))
	prints := make(map[string]string, len(events))
	batch := &Batch{}

	for i, e := range events {
		e = normalize(e)
		if err := check(e); err != nil {
			return nil, fmt.Errorf("%w: event %d (%q): %v", ErrInvalidBatch, i, e.ID, err)
		}

		sum, err := utils.Fingerprint(e)
		if err != nil {
			return nil, fmt.Errorf("%w: event %d (%q): %v", ErrInvalidBatch, i, e.ID, err)
		}

		if prev, ok := prints[e.ID]; ok {
			if prev != sum {
				return nil, fmt.Errorf("%w: event %q appears twice with different content", ErrInvalidBatch, e.ID)
			}
			batch.Duplicates++
			continue
		}
		prints[e.ID] = sum
		byID[e.ID] = e
	}

	batch.Events = make([]models.NormalizedEvent, 0, len(byID))
	for _, e := range byID {
		batch.Events = append(batch.Events, e)
	}
	sort.Slice(batch.Events, func(i, j int) bool { return batch.Events[i].ID < batch.Events[j].ID })

	for i, e := range batch.Events {
		day := e.Day()
		if i == 0 || day.Before(batch.From) {
			batch.From = day
		}
		if i == 0 || day.After(batch.To) {
			batch.To = day
		}
	}

	if batch.Duplicates > 0 {
		logger.Debug("Dropped duplicate events", zap.Int("duplicates", batch.Duplicates))
	}

	return batch, nil
}

// Process decodes NDJSON from r and validates it.
func (p *Processor) Process(r io.Reader) (*Batch, error) {
	events, err := p.DecodeNDJSON(r)
	if err != nil {
		return nil, err
	}
	return p.Validate(events)
}

func normalize(e models.NormalizedEvent) models.NormalizedEvent {
	e.ID = strings.TrimSpace(e.ID)
	e.Country = strings.ToUpper(strings.TrimSpace(e.Country))
	e.Category = strings.TrimSpace(e.Category)
	e.Source = strings.TrimSpace(e.Source)
	e.Timestamp = e.Timestamp.UTC()
	if e.IngestedAt != nil {
		t := e.IngestedAt.UTC()
		e.IngestedAt = &t
	}
	return e
}

func check(e models.NormalizedEvent) error {
	if e.ID == "" {
		return fmt.Errorf("missing id")
	}
	if e.Timestamp.IsZero() {
		return fmt.Errorf("missing timestamp")
	}
	if !countryCode.MatchString(e.Country) {
		return fmt.Errorf("country %q is not an ISO-2 code", e.Country)
	}
	if e.Category == "" {
		return fmt.Errorf("missing category")
	}
	if e.IngestedAt != nil && e.IngestedAt.Before(e.Timestamp) {
		return fmt.Errorf("ingested_at is before timestamp")
	}
	if err := inRange("sentiment", e.Sentiment, -1, 1); err != nil {
		return err
	}
	if err := inRange("intensity", e.Intensity, 0, 1); err != nil {
		return err
	}
	if err := inRange("entity_density", e.EntityDensity, 0, 1); err != nil {
		return err
	}
	return nil
}

func inRange(name string, v *float64, lo, hi float64) error {
	if v == nil {
		return nil
	}
	if math.IsNaN(*v) || math.IsInf(*v, 0) || *v < lo || *v > hi {
		return fmt.Errorf("%s %v outside [%g, %g]", name, *v, lo, hi)
	}
	return nil
}
