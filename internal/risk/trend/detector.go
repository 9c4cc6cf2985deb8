// Package trend classifies a daily severity series as rising, stable, or
// falling using an OLS slope gated by a Mann-Kendall significance test.
package trend

import (
	"math"
	"sort"
	"time"

	"github.com/Dahilon/Atlas/internal/risk/stats"
	"github.com/Dahilon/Atlas/internal/storage/models"
)

type Params struct {
	Alpha     float64
	MinPoints int
}

func DefaultParams() Params {
	return Params{Alpha: 0.05, MinPoints: 4}
}

type Point struct {
	Date  time.Time
	Value float64
}

type Result struct {
	Direction models.TrendDirection
	Slope     float64
	RSquared  float64
	PValue    float64
	Tau       float64
	S         int
	N         int
}

type Detector struct {
	params Params
}

func NewDetector(params Params) *Detector {
	return &Detector{params: params}
}

// Detect uses the points dated within the windowDays calendar days ending at
// asOf. x is the day offset from the window start.
func (d *Detector) Detect(points []Point, asOf time.Time, windowDays int) Result {
	asOf = models.DayOf(asOf)
	start := asOf.AddDate(0, 0, -(windowDays - 1))

	var in []Point
	for _, p := range points {
		day := models.DayOf(p.Date)
		if day.Before(start) || day.After(asOf) {
			continue
		}
		in = append(in, Point{Date: day, Value: p.Value})
	}
	sort.SliceStable(in, func(i, j int) bool { return in[i].Date.Before(in[j].Date) })

	x := make([]float64, len(in))
	y := make([]float64, len(in))
	for i, p := range in {
		x[i] = math.Round(p.Date.Sub(start).Hours() / 24)
		y[i] = p.Value
	}
	return d.Classify(x, y)
}

// Classify labels the series y observed at offsets x.
func (d *Detector) Classify(x, y []float64) Result {
	res := Result{Direction: models.TrendStable, PValue: 1, N: len(y)}
	if len(y) < d.params.MinPoints {
		return res
	}

	fit := stats.OLS(x, y)
	res.Slope = fit.Slope
	res.RSquared = fit.RSquared

	mk := MannKendall(y)
	res.S = mk.S
	res.Tau = mk.Tau
	res.PValue = mk.P

	switch {
	case res.Slope > 0 && mk.P < d.params.Alpha && mk.S > 0:
		res.Direction = models.TrendRising
	case res.Slope < 0 && mk.P < d.params.Alpha && mk.S < 0:
		res.Direction = models.TrendFalling
	}
	return res
}

type MKResult struct {
	S   int
	Z   float64
	P   float64
	Tau float64
}

// MannKendall computes the S statistic with tie-corrected variance, the
// continuity-corrected Z score and its two-sided p-value.
func MannKendall(values []float64) MKResult {
	n := len(values)
	res := MKResult{P: 1}
	if n < 2 {
		return res
	}

	s := 0
	for i := 0; i < n-1; i++ {
		for j := i + 1; j < n; j++ {
			switch {
			case values[j] > values[i]:
				s++
			case values[j] < values[i]:
				s--
			}
		}
	}
	res.S = s
	res.Tau = float64(s) / (float64(n*(n-1)) / 2)

	nf := float64(n)
	variance := nf * (nf - 1) * (2*nf + 5)
	for _, t := range tieGroups(values) {
		tf := float64(t)
		variance -= tf * (tf - 1) * (2*tf + 5)
	}
	variance /= 18

	if variance <= 0 || s == 0 {
		return res
	}

	sd := math.Sqrt(variance)
	if s > 0 {
		res.Z = float64(s-1) / sd
	} else {
		res.Z = float64(s+1) / sd
	}
	res.P = stats.NormalTwoSidedP(res.Z)
	return res
}

// tieGroups returns the sizes of groups of equal values larger than one.
func tieGroups(values []float64) []int {
	sorted := stats.Sorted(values)
	var groups []int
	run := 1
	for i := 1; i <= len(sorted); i++ {
		if i < len(sorted) && sorted[i] == sorted[i-1] {
			run++
			continue
		}
		if run > 1 {
			groups = append(groups, run)
		}
		run = 1
	}
	return groups
}
