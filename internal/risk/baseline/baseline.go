// Package baseline estimates the expected level and spread of a daily
// severity series from its trailing history.
package baseline

import (
	"errors"
	"time"

	"github.com/Dahilon/Atlas/internal/risk/stats"
	"github.com/Dahilon/Atlas/internal/storage/models"
)

// ErrInsufficientHistory accompanies a cold-start Baseline. It is never a
// run failure.
var ErrInsufficientHistory = errors.New("insufficient history for baseline")

type Params struct {
	WindowDays          int
	MinHistory          int
	SparseFraction      float64
	ColdStartDispersion float64
	DispersionFloor     float64
	// EWMAAlpha weights the newest point of the smoothed baseline.
	EWMAAlpha float64
}

func DefaultParams() Params {
	return Params{
		WindowDays:          30,
		MinHistory:          14,
		SparseFraction:      0.2,
		ColdStartDispersion: 25.0,
		DispersionFloor:     1e-6,
		EWMAAlpha:           0.3,
	}
}

// Point is one observed day of a series. Days without events are absent.
type Point struct {
	Date  time.Time
	Value float64
}

type Baseline struct {
	Center      float64
	Dispersion  float64
	Quality     models.BaselineQuality
	Method      models.BaselineMethod
	Points      int
	MissingFrac float64
	// EWMA smooths the window oldest to newest, seeded with the oldest value.
	// It is 0 for an empty window.
	EWMA float64
	// Window holds the observed values inside the trailing window, oldest first.
	Window []float64
}

func (b Baseline) ColdStart() bool {
	return b.Quality == models.QualityColdStart
}

// Z standardizes an observation against the baseline.
func (b Baseline) Z(observed float64) float64 {
	return (observed - b.Center) / b.Dispersion
}

type Estimator struct {
	params Params
}

func NewEstimator(params Params) *Estimator {
	return &Estimator{params: params}
}

func (e *Estimator) Params() Params {
	return e.params
}

// Estimate computes the baseline for day from history, which must be sorted
// by date. Only points strictly before day and inside the trailing window are
// used. The missing-day fraction is measured from the first observation in
// the window. A cold-start result is returned together with
// ErrInsufficientHistory.
func (e *Estimator) Estimate(history []Point, day time.Time) (Baseline, error) {
	day = models.DayOf(day)
	windowStart := day.AddDate(0, 0, -e.params.WindowDays)

	var window []float64
	var firstSeen time.Time
	for _, p := range history {
		d := models.DayOf(p.Date)
		if !d.Before(day) {
			break
		}
		if d.Before(windowStart) {
			continue
		}
		if firstSeen.IsZero() {
			firstSeen = d
		}
		window = append(window, p.Value)
	}

	b := Baseline{Points: len(window), Window: window, EWMA: EWMA(window, e.params.EWMAAlpha)}

	if len(window) < e.params.MinHistory {
		b.Quality = models.QualityColdStart
		b.Method = models.MethodParametric
		b.Center = stats.Mean(window)
		b.Dispersion = e.params.ColdStartDispersion
		return b, ErrInsufficientHistory
	}

	// The span starts at the first observation inside the window, so the
	// result depends only on the window contents.
	spanDays := int(day.Sub(firstSeen).Hours() / 24)
	if spanDays > 0 {
		b.MissingFrac = float64(spanDays-len(window)) / float64(spanDays)
	}

	if b.MissingFrac > e.params.SparseFraction {
		b.Quality = models.QualitySparse
		b.Method = models.MethodRobust
		b.Center = stats.Median(window)
		b.Dispersion = stats.MAD(window)
	} else {
		b.Quality = models.QualitySufficient
		b.Method = models.MethodParametric
		b.Center = stats.Mean(window)
		b.Dispersion = stats.SampleStd(window)
	}

	if b.Dispersion < e.params.DispersionFloor {
		b.Dispersion = e.params.DispersionFloor
	}

	return b, nil
}

// EWMA is the exponentially weighted moving average of values with the
// recursion e = alpha*x + (1-alpha)*e, seeded with values[0].
func EWMA(values []float64, alpha float64) float64 {
	if len(values) == 0 {
		return 0
	}
	e := values[0]
	for _, v := range values[1:] {
		e = alpha*v + (1-alpha)*e
	}
	return e
}
