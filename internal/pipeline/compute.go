package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Dahilon/Atlas/internal/risk/anomaly"
	"github.com/Dahilon/Atlas/internal/risk/baseline"
	"github.com/Dahilon/Atlas/internal/risk/severity"
	"github.com/Dahilon/Atlas/internal/risk/stats"
	"github.com/Dahilon/Atlas/internal/risk/tier"
	"github.com/Dahilon/Atlas/internal/risk/trend"
	"github.com/Dahilon/Atlas/internal/storage/models"
	"github.com/Dahilon/Atlas/pkg/config"
)

// trendWindows are computed for every country on every run.
var trendWindows = []models.TrendWindow{models.Window7d, models.Window30d}

// Engine holds the scoring components. It keeps no state between calls
// apart from the classifier's published model.
type Engine struct {
	scorer     *severity.Scorer
	estimator  *baseline.Estimator
	detector   *anomaly.Detector
	classifier *tier.Classifier
	trends     *trend.Detector

	workers      int
	snapshotDays int
	uplift       float64
	maxUpliftZ   float64
}

func NewEngine(cfg config.EngineConfig) *Engine {
	workers := cfg.Workers
	if workers < 1 {
		workers = 1
	}

	return &Engine{
		scorer: severity.NewScorer(),
		estimator: baseline.NewEstimator(baseline.Params{
			WindowDays:          cfg.BaselineWindowDays,
			MinHistory:          cfg.MinHistory,
			SparseFraction:      cfg.SparseFraction,
			ColdStartDispersion: cfg.ColdStartDispersion,
			DispersionFloor:     cfg.DispersionFloor,
			EWMAAlpha:           cfg.EWMAAlpha,
		}),
		detector: anomaly.NewDetector(anomaly.Params{
			ZThreshold:    cfg.ZThreshold,
			IQRMultiplier: cfg.IQRMultiplier,
			CusumDrift:    cfg.CusumDrift,
			CusumLimit:    cfg.CusumLimit,
			ScaleFloor:    cfg.DispersionFloor,
			Rule:          anomaly.MajorityRule{Min: cfg.MinAgreement},
		}),
		classifier: tier.NewClassifier(tier.Params{
			MinSamples: cfg.MinTierSamples,
			Fallback:   append([]float64(nil), cfg.FallbackBoundaries...),
		}),
		trends: trend.NewDetector(trend.Params{
			Alpha:     cfg.TrendAlpha,
			MinPoints: cfg.TrendMinPoints,
		}),
		workers:      workers,
		snapshotDays: cfg.SnapshotWindowDays,
		uplift:       cfg.AnomalyUplift,
		maxUpliftZ:   cfg.MaxUpliftZ,
	}
}

func (e *Engine) Classifier() *tier.Classifier {
	return e.classifier
}

// HistoryDays is how far before a range start events must be loaded.
func (e *Engine) HistoryDays() int {
	return e.estimator.Params().WindowDays
}

// LookbackDays is how far before as-of the snapshot and trend inputs reach.
func (e *Engine) LookbackDays() int {
	days := models.Window30d.Days()
	if e.snapshotDays > days {
		days = e.snapshotDays
	}
	return days
}

// Computation is the unstamped output of one pass over an event set.
type Computation struct {
	Metrics   []models.DailyMetric
	Spikes    []models.Spike
	TierModel *models.RiskTierModel
	// TierErr wraps ErrModelFit when the fixed boundaries were used.
	TierErr       error
	Trends        []models.TrendLabel
	EventsScored  int
	QualityCounts map[models.BaselineQuality]int
}

type seriesKey struct {
	country  string
	category string
}

type dayBucket struct {
	day     time.Time
	scores  []severity.Score
	missing int
}

type series struct {
	key  seriesKey
	days []*dayBucket
}

type seriesResult struct {
	metrics []models.DailyMetric
	spikes  []models.Spike
}

// Compute scores events and derives metrics and spikes for every bucket
// dated in [from, to], then fits tiers and trends as of asOf. Events outside
// those ranges only serve as baseline history.
func (e *Engine) Compute(ctx context.Context, events []models.NormalizedEvent, from, to, asOf time.Time) (*Computation, error) {
	from, to, asOf = models.DayOf(from), models.DayOf(to), models.DayOf(asOf)
	if to.Before(from) {
		return nil, fmt.Errorf("%w: %s after %s", ErrInvalidRange, models.FormatDay(from), models.FormatDay(to))
	}

	sorted := make([]models.NormalizedEvent, len(events))
	copy(sorted, events)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	scores := make([]severity.Score, len(sorted))
	for i, ev := range sorted {
		scores[i] = e.scorer.Score(ev)
	}

	all := bucketize(sorted, scores)

	results := make([]seriesResult, len(all))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)
	for i := range all {
		i := i
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			res, err := e.computeSeries(all[i], from, to)
			if err != nil {
				return fmt.Errorf("failed to score series %s/%s: %w", all[i].key.country, all[i].key.category, err)
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := &Computation{
		EventsScored:  len(sorted),
		QualityCounts: make(map[models.BaselineQuality]int),
	}
	for _, r := range results {
		out.Metrics = append(out.Metrics, r.metrics...)
		out.Spikes = append(out.Spikes, r.spikes...)
	}
	sort.Slice(out.Metrics, func(i, j int) bool {
		a, b := out.Metrics[i], out.Metrics[j]
		return bucketLess(a.Date, a.Country, a.Category, b.Date, b.Country, b.Category)
	})
	sort.Slice(out.Spikes, func(i, j int) bool {
		a, b := out.Spikes[i], out.Spikes[j]
		return bucketLess(a.Date, a.Country, a.Category, b.Date, b.Country, b.Category)
	})
	for _, m := range out.Metrics {
		out.QualityCounts[m.BaselineQuality]++
	}

	out.TierModel, out.TierErr = e.fitTiers(sorted, scores, asOf)
	out.Trends = e.detectTrends(sorted, scores, asOf)

	return out, nil
}

func bucketLess(d1 time.Time, c1, k1 string, d2 time.Time, c2, k2 string) bool {
	if !d1.Equal(d2) {
		return d1.Before(d2)
	}
	if c1 != c2 {
		return c1 < c2
	}
	return k1 < k2
}

// bucketize groups scored events into (country, category) series of day
// buckets. Series come back sorted by key, days ascending.
func bucketize(events []models.NormalizedEvent, scores []severity.Score) []*series {
	index := make(map[seriesKey]map[time.Time]*dayBucket)
	for i, ev := range events {
		key := seriesKey{country: ev.Country, category: severity.NormalizeCategory(ev.Category)}
		days, ok := index[key]
		if !ok {
			days = make(map[time.Time]*dayBucket)
			index[key] = days
		}
		day := ev.Day()
		b, ok := days[day]
		if !ok {
			b = &dayBucket{day: day}
			days[day] = b
		}
		b.scores = append(b.scores, scores[i])
		if len(scores[i].Missing) > 0 {
			b.missing++
		}
	}

	out := make([]*series, 0, len(index))
	for key, days := range index {
		s := &series{key: key, days: make([]*dayBucket, 0, len(days))}
		for _, b := range days {
			s.days = append(s.days, b)
		}
		sort.Slice(s.days, func(i, j int) bool { return s.days[i].day.Before(s.days[j].day) })
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].key.country != out[j].key.country {
			return out[i].key.country < out[j].key.country
		}
		return out[i].key.category < out[j].key.category
	})
	return out
}

func (e *Engine) computeSeries(s *series, from, to time.Time) (seriesResult, error) {
	var res seriesResult

	history := make([]baseline.Point, len(s.days))
	contribs := make([]severity.Components, len(s.days))
	for i, b := range s.days {
		avg, contrib := severity.Aggregate(b.scores)
		history[i] = baseline.Point{Date: b.day, Value: avg}
		contribs[i] = contrib
	}

	for i, b := range s.days {
		if b.day.Before(from) || b.day.After(to) {
			continue
		}

		base, err := e.estimator.Estimate(history[:i], b.day)
		if err != nil && !errors.Is(err, baseline.ErrInsufficientHistory) {
			return res, err
		}

		avg := history[i].Value
		verdict := e.detector.Evaluate(base, avg)

		risk := avg
		if !base.ColdStart() {
			risk += e.uplift * stats.Clamp(verdict.Z, 0, e.maxUpliftZ)
		}

		res.metrics = append(res.metrics, models.DailyMetric{
			Date:              b.day,
			Country:           s.key.country,
			Category:          s.key.category,
			EventCount:        len(b.scores),
			AvgSeverity:       avg,
			RollingCenter:     base.Center,
			RollingDispersion: base.Dispersion,
			EWMABaseline:      base.EWMA,
			BaselineQuality:   base.Quality,
			BaselineMethod:    base.Method,
			BaselinePoints:    base.Points,
			ZScore:            verdict.Z,
			RiskScore:         stats.Clamp(risk, 0, 100),
			Reasons:           e.reasons(contribs[i], base, verdict, b.missing),
		})

		if !verdict.Spike {
			continue
		}

		evidence := make([]anomaly.Evidence, len(b.scores))
		for j, sc := range b.scores {
			evidence[j] = anomaly.Evidence{EventID: sc.EventID, Severity: sc.Index}
		}

		res.spikes = append(res.spikes, models.Spike{
			Date:              b.day,
			Country:           s.key.country,
			Category:          s.key.category,
			ZScore:            verdict.Z,
			ZUsed:             verdict.ZUsed,
			TriggerMethod:     verdict.TriggerMethod,
			Delta:             verdict.Delta,
			RollingCenter:     base.Center,
			RollingDispersion: base.Dispersion,
			BaselineQuality:   base.Quality,
			BaselineMethod:    base.Method,
			EvidenceEventIDs:  anomaly.RankEvidence(evidence),
		})
	}

	return res, nil
}

// reasons lists component contributions, the baseline, the votes and the
// rule outcome, then any notes, always in that order.
func (e *Engine) reasons(contrib severity.Components, base baseline.Baseline, verdict anomaly.Result, missing int) []models.Reason {
	var out []models.Reason
	for _, c := range contrib.Named() {
		out = append(out, models.Reason{Kind: models.ReasonComponent, Name: c.Name, Value: c.Value})
	}

	out = append(out, models.Reason{
		Kind:   models.ReasonBaseline,
		Name:   string(base.Quality),
		Value:  float64(base.Points),
		Detail: string(base.Method),
	})

	for _, v := range verdict.Votes {
		state := "clear"
		if v.Flagged {
			state = "flagged"
		}
		out = append(out, models.Reason{
			Kind:   models.ReasonVote,
			Name:   v.Method,
			Value:  v.Statistic,
			Detail: fmt.Sprintf("%s threshold=%.6g", state, v.Threshold),
		})
	}

	rule := e.detector.Params().Rule
	out = append(out, models.Reason{
		Kind:   models.ReasonVote,
		Name:   "rule",
		Value:  float64(rule.Flagged(verdict.Votes)),
		Detail: rule.String(),
	})

	switch {
	case verdict.Agreed && base.ColdStart():
		out = append(out, models.Reason{Kind: models.ReasonNote, Name: "cold_start_suppressed", Value: verdict.Delta})
	case verdict.Agreed && verdict.Delta <= 0:
		out = append(out, models.Reason{Kind: models.ReasonNote, Name: "downward_agreement", Value: verdict.Delta})
	}
	if missing > 0 {
		out = append(out, models.Reason{Kind: models.ReasonNote, Name: "missing_inputs", Value: float64(missing)})
	}
	return out
}

type accum struct {
	sum   float64
	count int
}

func (a accum) mean() float64 {
	return a.sum / float64(a.count)
}

// fitTiers builds the snapshot of per-country event-weighted mean severity
// over the trailing snapshot window and fits a tier model on it.
func (e *Engine) fitTiers(events []models.NormalizedEvent, scores []severity.Score, asOf time.Time) (*models.RiskTierModel, error) {
	start := asOf.AddDate(0, 0, -(e.snapshotDays - 1))

	byCountry := make(map[string]accum)
	for i, ev := range events {
		day := ev.Day()
		if day.Before(start) || day.After(asOf) {
			continue
		}
		a := byCountry[ev.Country]
		a.sum += scores[i].Index
		a.count++
		byCountry[ev.Country] = a
	}

	samples := make([]tier.Sample, 0, len(byCountry))
	for country, a := range byCountry {
		samples = append(samples, tier.Sample{Country: country, Severity: a.mean()})
	}

	m, err := e.classifier.Fit(samples)
	m.AsOf = asOf
	return m, err
}

// detectTrends labels each country seen in the longest window, once per
// window, from its event-weighted daily severity across categories.
func (e *Engine) detectTrends(events []models.NormalizedEvent, scores []severity.Score, asOf time.Time) []models.TrendLabel {
	longest := models.Window30d.Days()
	start := asOf.AddDate(0, 0, -(longest - 1))

	byCountry := make(map[string]map[time.Time]accum)
	for i, ev := range events {
		day := ev.Day()
		if day.Before(start) || day.After(asOf) {
			continue
		}
		days, ok := byCountry[ev.Country]
		if !ok {
			days = make(map[time.Time]accum)
			byCountry[ev.Country] = days
		}
		a := days[day]
		a.sum += scores[i].Index
		a.count++
		days[day] = a
	}

	countries := make([]string, 0, len(byCountry))
	for c := range byCountry {
		countries = append(countries, c)
	}
	sort.Strings(countries)

	var out []models.TrendLabel
	for _, country := range countries {
		points := make([]trend.Point, 0, len(byCountry[country]))
		for day, a := range byCountry[country] {
			points = append(points, trend.Point{Date: day, Value: a.mean()})
		}
		sort.Slice(points, func(i, j int) bool { return points[i].Date.Before(points[j].Date) })

		for _, w := range trendWindows {
			r := e.trends.Detect(points, asOf, w.Days())
			out = append(out, models.TrendLabel{
				Country:      country,
				Window:       w,
				Direction:    r.Direction,
				Slope:        r.Slope,
				RSquared:     r.RSquared,
				Significance: r.PValue,
				Tau:          r.Tau,
				MannKendallS: r.S,
				NPoints:      r.N,
				AsOf:         asOf,
			})
		}
	}
	return out
}
