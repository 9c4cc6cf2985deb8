// Package tier fits distribution-adaptive risk tier boundaries over a
// snapshot of country severities.
package tier

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync/atomic"

	"github.com/Dahilon/Atlas/internal/risk/stats"
	"github.com/Dahilon/Atlas/internal/storage/models"
)

// ErrModelFit accompanies a fallback model. The model returned with it is
// still usable.
var ErrModelFit = errors.New("tier model fit failed")

const (
	ScoreMin = 0.0
	ScoreMax = 100.0
)

type Params struct {
	MinSamples int
	Fallback   []float64
}

func DefaultParams() Params {
	return Params{
		MinSamples: 15,
		Fallback:   []float64{20, 40, 60, 80},
	}
}

type Sample struct {
	Country  string
	Severity float64
}

// Classifier fits tier models and holds the latest published one. Published
// models are never mutated.
type Classifier struct {
	params  Params
	current atomic.Pointer[published]
}

type published struct {
	model *models.RiskTierModel
	seq   int64
}

func NewClassifier(params Params) *Classifier {
	return &Classifier{params: params}
}

// Current returns the latest published model, or nil before the first publish.
func (c *Classifier) Current() *models.RiskTierModel {
	if p := c.current.Load(); p != nil {
		return p.model
	}
	return nil
}

// Publish makes m, committed as run seq, the current model unless a model
// from a later commit is already current. It reports whether m was published.
func (c *Classifier) Publish(m *models.RiskTierModel, seq int64) bool {
	next := &published{model: m, seq: seq}
	for {
		cur := c.current.Load()
		if cur != nil && cur.seq >= seq {
			return false
		}
		if c.current.CompareAndSwap(cur, next) {
			return true
		}
	}
}

// Fit builds a model from the snapshot. When Jenks cannot be fitted the
// fixed boundaries are used, Degraded is set, and the returned error wraps
// ErrModelFit.
func (c *Classifier) Fit(samples []Sample) (*models.RiskTierModel, error) {
	sorted := make([]Sample, len(samples))
	copy(sorted, samples)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Country < sorted[j].Country })

	values := make([]float64, len(sorted))
	for i, s := range sorted {
		values[i] = stats.Clamp(s.Severity, ScoreMin, ScoreMax)
	}

	m := &models.RiskTierModel{
		Method:   models.TierMethodJenks,
		NSamples: len(values),
		Stats:    Summarize(values),
	}

	var fitErr error
	boundaries, err := c.fitJenks(values)
	if err != nil {
		fitErr = fmt.Errorf("%w: %v", ErrModelFit, err)
		m.Method = models.TierMethodFixed
		m.Degraded = true
		m.DegradedReason = err.Error()
		boundaries = append([]float64(nil), c.params.Fallback...)
	}

	m.Boundaries = boundaries
	m.TierRanges = Ranges(boundaries)

	m.Assignments = make([]models.TierAssignment, len(sorted))
	for i, s := range sorted {
		m.Assignments[i] = models.TierAssignment{
			Country:    s.Country,
			Severity:   values[i],
			Tier:       Assign(values[i], boundaries),
			Percentile: Percentile(values[i], values),
		}
	}

	return m, fitErr
}

func (c *Classifier) fitJenks(values []float64) ([]float64, error) {
	k := len(models.Tiers)
	if len(values) < c.params.MinSamples {
		return nil, fmt.Errorf("snapshot has %d samples, need %d", len(values), c.params.MinSamples)
	}
	if d := stats.Distinct(values); d < k {
		return nil, fmt.Errorf("snapshot has %d distinct values, need %d", d, k)
	}

	boundaries, err := JenksBreaks(values, k)
	if err != nil {
		return nil, err
	}
	if err := ValidateBoundaries(boundaries, k); err != nil {
		return nil, err
	}
	return boundaries, nil
}

// ValidateBoundaries checks for k-1 strictly increasing values inside the
// open score range.
func ValidateBoundaries(b []float64, k int) error {
	if len(b) != k-1 {
		return fmt.Errorf("expected %d boundaries, got %d", k-1, len(b))
	}
	for i, v := range b {
		if math.IsNaN(v) || v <= ScoreMin || v >= ScoreMax {
			return fmt.Errorf("boundary %d (%g) outside (%g, %g)", i, v, ScoreMin, ScoreMax)
		}
		if i > 0 && v <= b[i-1] {
			return fmt.Errorf("boundaries not strictly increasing at %d", i)
		}
	}
	return nil
}

// Ranges partitions [0, 100] into half-open ranges, the last one closed.
func Ranges(boundaries []float64) []models.TierRange {
	edges := make([]float64, 0, len(boundaries)+2)
	edges = append(edges, ScoreMin)
	edges = append(edges, boundaries...)
	edges = append(edges, ScoreMax)

	ranges := make([]models.TierRange, len(models.Tiers))
	for i, t := range models.Tiers {
		ranges[i] = models.TierRange{Tier: t, Low: edges[i], High: edges[i+1]}
	}
	return ranges
}

// Assign returns the tier whose range contains score.
func Assign(score float64, boundaries []float64) models.Tier {
	for i, b := range boundaries {
		if score < b {
			return models.Tiers[i]
		}
	}
	return models.Tiers[len(models.Tiers)-1]
}

// Percentile is the share of all that is <= score, in percent with one decimal.
func Percentile(score float64, all []float64) float64 {
	if len(all) == 0 {
		return 50.0
	}
	n := 0
	for _, v := range all {
		if v <= score {
			n++
		}
	}
	p := float64(n) / float64(len(all)) * 100
	return math.Round(p*10) / 10
}

// Summarize is the mean, median, sample std and range of values.
func Summarize(values []float64) models.TierStats {
	if len(values) == 0 {
		return models.TierStats{}
	}
	sorted := stats.Sorted(values)
	return models.TierStats{
		Mean:   stats.Mean(values),
		Median: stats.Quantile(sorted, 0.5),
		Std:    stats.SampleStd(values),
		Min:    sorted[0],
		Max:    sorted[len(sorted)-1],
	}
}
