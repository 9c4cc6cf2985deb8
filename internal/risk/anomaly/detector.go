// Package anomaly flags observations that deviate from their baseline. Three
// independent deterministic tests vote and an explicit rule decides.
package anomaly

import (
	"fmt"
	"math"
	"sort"

	"github.com/Dahilon/Atlas/internal/risk/baseline"
	"github.com/Dahilon/Atlas/internal/risk/stats"
)

const (
	MethodZScore = "zscore"
	MethodIQR    = "iqr"
	MethodCUSUM  = "cusum"
)

// iqrToSigma converts an interquartile range to a normal-equivalent sigma.
const iqrToSigma = 1.349

type Vote struct {
	Method    string  `json:"method"`
	Flagged   bool    `json:"flagged"`
	Statistic float64 `json:"statistic"`
	Threshold float64 `json:"threshold"`
}

// MajorityRule agrees when at least Min votes are flagged.
type MajorityRule struct {
	Min int
}

func (r MajorityRule) Agrees(votes []Vote) bool {
	return r.Flagged(votes) >= r.Min
}

func (r MajorityRule) Flagged(votes []Vote) int {
	n := 0
	for _, v := range votes {
		if v.Flagged {
			n++
		}
	}
	return n
}

func (r MajorityRule) String() string {
	return fmt.Sprintf("%d-of-3", r.Min)
}

type Params struct {
	ZThreshold    float64
	IQRMultiplier float64
	CusumDrift    float64
	CusumLimit    float64
	ScaleFloor    float64
	Rule          MajorityRule
}

func DefaultParams() Params {
	return Params{
		ZThreshold:    2.0,
		IQRMultiplier: 1.5,
		CusumDrift:    0.5,
		CusumLimit:    5.0,
		ScaleFloor:    1e-6,
		Rule:          MajorityRule{Min: 2},
	}
}

type Result struct {
	Z      float64
	Delta  float64
	Votes  []Vote
	Agreed bool
	// Spike is set only for upward agreement on a non cold-start baseline.
	Spike         bool
	ZUsed         float64
	TriggerMethod string
}

type Detector struct {
	params Params
}

func NewDetector(params Params) *Detector {
	return &Detector{params: params}
}

func (d *Detector) Params() Params {
	return d.params
}

// Evaluate runs the three tests in canonical order and applies the rule.
func (d *Detector) Evaluate(b baseline.Baseline, observed float64) Result {
	res := Result{
		Z:     b.Z(observed),
		Delta: observed - b.Center,
	}

	res.Votes = []Vote{
		ZScoreTest(res.Z, d.params.ZThreshold),
		IQRTest(b.Window, observed, d.params.IQRMultiplier, d.params.ScaleFloor),
		CUSUMTest(b.Window, observed, b.Center, b.Dispersion, d.params.CusumDrift, d.params.CusumLimit),
	}

	res.Agreed = d.params.Rule.Agrees(res.Votes)
	if !res.Agreed {
		return res
	}

	for _, v := range res.Votes {
		if v.Flagged {
			res.ZUsed = v.Statistic
			res.TriggerMethod = v.Method
			break
		}
	}

	res.Spike = !b.ColdStart() && res.Delta > 0
	return res
}

// ZScoreTest flags |z| above threshold.
func ZScoreTest(z, threshold float64) Vote {
	return Vote{
		Method:    MethodZScore,
		Flagged:   math.Abs(z) > threshold,
		Statistic: z,
		Threshold: threshold,
	}
}

// IQRTest flags observed outside the Tukey fences of window. The statistic is
// the IQR-scaled distance from the window median, and the threshold is the
// crossed fence on the same scale. Fewer than four window values never flag.
func IQRTest(window []float64, observed, multiplier, floor float64) Vote {
	v := Vote{Method: MethodIQR}
	if len(window) < 4 {
		return v
	}

	sorted := stats.Sorted(window)
	q1 := stats.Quantile(sorted, 0.25)
	q3 := stats.Quantile(sorted, 0.75)
	med := stats.Quantile(sorted, 0.5)
	iqr := q3 - q1

	lower := q1 - multiplier*iqr
	upper := q3 + multiplier*iqr

	scale := iqr / iqrToSigma
	if scale < floor {
		scale = floor
	}

	v.Statistic = (observed - med) / scale
	if observed < med {
		v.Threshold = (lower - med) / scale
	} else {
		v.Threshold = (upper - med) / scale
	}
	v.Flagged = observed < lower || observed > upper
	return v
}

// CUSUMTest runs a two-sided tabular CUSUM over window followed by observed,
// standardized by center and dispersion, and flags when either side exceeds
// limit at the final point. The statistic is the upper sum, or the negated
// lower sum when that side dominates. Fewer than four window values never flag.
func CUSUMTest(window []float64, observed, center, dispersion, drift, limit float64) Vote {
	v := Vote{Method: MethodCUSUM, Threshold: limit}
	if len(window) < 4 || dispersion <= 0 {
		return v
	}

	var hi, lo float64
	step := func(x float64) {
		s := (x - center) / dispersion
		hi = math.Max(0, hi+s-drift)
		lo = math.Max(0, lo-s-drift)
	}
	for _, x := range window {
		step(x)
	}
	step(observed)

	if hi >= lo {
		v.Statistic = hi
	} else {
		v.Statistic = -lo
	}
	v.Flagged = hi > limit || lo > limit
	return v
}

type Evidence struct {
	EventID  string
	Severity float64
}

// RankEvidence orders event IDs by severity descending, then ID ascending.
func RankEvidence(items []Evidence) []string {
	sorted := make([]Evidence, len(items))
	copy(sorted, items)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Severity != sorted[j].Severity {
			return sorted[i].Severity > sorted[j].Severity
		}
		return sorted[i].EventID < sorted[j].EventID
	})

	ids := make([]string, len(sorted))
	for i, e := range sorted {
		ids[i] = e.EventID
	}
	return ids
}
