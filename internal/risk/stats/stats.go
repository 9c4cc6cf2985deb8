// Package stats holds the small deterministic numeric helpers shared by the
// risk components. Summations run in slice order; callers sort their inputs
// when order is not already fixed.
package stats

import (
	"math"
	"sort"
)

// MADScale makes the median absolute deviation a consistent estimator of the
// standard deviation for normal data.
const MADScale = 1.4826

func Sum(values []float64) float64 {
	s := 0.0
	for _, v := range values {
		s += v
	}
	return s
}

func Mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	return Sum(values) / float64(len(values))
}

// SampleStd is the n-1 standard deviation. It is 0 for fewer than two values.
func SampleStd(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	m := Mean(values)
	ss := 0.0
	for _, v := range values {
		ss += (v - m) * (v - m)
	}
	return math.Sqrt(ss / float64(len(values)-1))
}

// Sorted returns a sorted copy of values.
func Sorted(values []float64) []float64 {
	out := make([]float64, len(values))
	copy(out, values)
	sort.Float64s(out)
	return out
}

func Median(values []float64) float64 {
	return Quantile(Sorted(values), 0.5)
}

// MAD is the scaled median absolute deviation around the median.
func MAD(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	med := Median(values)
	dev := make([]float64, len(values))
	for i, v := range values {
		dev[i] = math.Abs(v - med)
	}
	return Median(dev) * MADScale
}

// Quantile interpolates linearly between closest ranks of an already sorted
// slice, q in [0, 1].
func Quantile(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := q * float64(len(sorted)-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	if lo == hi || hi >= len(sorted) {
		return sorted[lo]
	}
	w := rank - float64(lo)
	return sorted[lo]*(1-w) + sorted[hi]*w
}

func Clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Distinct counts distinct values.
func Distinct(values []float64) int {
	seen := make(map[float64]struct{}, len(values))
	for _, v := range values {
		seen[v] = struct{}{}
	}
	return len(seen)
}

// LinearFit is the ordinary least squares fit y = Intercept + Slope*x.
type LinearFit struct {
	Slope     float64
	Intercept float64
	RSquared  float64
}

// OLS fits y against x. A constant y gives RSquared 0; fewer than two points
// or a constant x gives a zero fit.
func OLS(x, y []float64) LinearFit {
	n := len(x)
	if n < 2 || n != len(y) {
		return LinearFit{}
	}

	mx, my := Mean(x), Mean(y)
	var sxx, sxy, syy float64
	for i := 0; i < n; i++ {
		dx, dy := x[i]-mx, y[i]-my
		sxx += dx * dx
		sxy += dx * dy
		syy += dy * dy
	}
	if sxx == 0 {
		return LinearFit{Intercept: my}
	}

	slope := sxy / sxx
	fit := LinearFit{Slope: slope, Intercept: my - slope*mx}
	if syy > 0 {
		fit.RSquared = Clamp((sxy*sxy)/(sxx*syy), 0, 1)
	}
	return fit
}

// NormalTwoSidedP is P(|Z| >= |z|) for a standard normal Z.
func NormalTwoSidedP(z float64) float64 {
	return math.Erfc(math.Abs(z) / math.Sqrt2)
}
