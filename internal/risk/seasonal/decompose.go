// Package seasonal splits a daily series into trend, seasonal and residual
// parts with a classical additive decomposition.
package seasonal

import (
	"errors"
	"fmt"
	"math"

	"github.com/Dahilon/Atlas/internal/risk/stats"
)

var ErrInsufficientData = errors.New("series shorter than two seasonal periods")

type Result struct {
	Trend    []float64
	Seasonal []float64
	Residual []float64
	// Strength is 1 - var(residual)/var(seasonal+residual), floored at 0.
	Strength float64
}

// Decompose needs at least two full periods. Observed equals
// Trend+Seasonal+Residual at every index.
func Decompose(values []float64, period int) (Result, error) {
	if period < 2 {
		return Result{}, fmt.Errorf("period must be at least 2, got %d", period)
	}
	n := len(values)
	if n < 2*period {
		return Result{}, fmt.Errorf("%w: %d points, period %d", ErrInsufficientData, n, period)
	}

	trend := movingAverage(values, period)

	phaseSum := make([]float64, period)
	phaseN := make([]int, period)
	for i, v := range values {
		phaseSum[i%period] += v - trend[i]
		phaseN[i%period]++
	}
	phase := make([]float64, period)
	for p := range phase {
		phase[p] = phaseSum[p] / float64(phaseN[p])
	}
	center := stats.Mean(phase)
	for p := range phase {
		phase[p] -= center
	}

	res := Result{
		Trend:    trend,
		Seasonal: make([]float64, n),
		Residual: make([]float64, n),
	}
	detrended := make([]float64, n)
	for i, v := range values {
		res.Seasonal[i] = phase[i%period]
		res.Residual[i] = v - trend[i] - res.Seasonal[i]
		detrended[i] = v - trend[i]
	}

	if total := variance(detrended); total > 0 {
		res.Strength = math.Max(0, 1-variance(res.Residual)/total)
	}
	return res, nil
}

// movingAverage is the centered moving average over one period. Even periods
// use the 2xperiod form with half weight on both ends. The window is
// truncated at the edges, so every point gets a trend value.
func movingAverage(values []float64, period int) []float64 {
	half := period / 2
	weight := func(offset int) float64 {
		if period%2 == 0 && (offset == -half || offset == half) {
			return 0.5
		}
		return 1
	}

	out := make([]float64, len(values))
	for i := range values {
		var sum, w float64
		for k := -half; k <= half; k++ {
			j := i + k
			if j < 0 || j >= len(values) {
				continue
			}
			sum += weight(k) * values[j]
			w += weight(k)
		}
		out[i] = sum / w
	}
	return out
}

// variance is the population variance.
func variance(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	m := stats.Mean(values)
	ss := 0.0
	for _, v := range values {
		ss += (v - m) * (v - m)
	}
	return ss / float64(len(values))
}
