package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Dahilon/Atlas/internal/storage/models"
)

var ErrNotFound = errors.New("not found")

// Filter narrows output queries. Zero values mean "any".
type Filter struct {
	From     time.Time
	To       time.Time
	Country  string
	Category string
	Limit    int
	// IncludeSuperseded returns spikes from every run, not only the latest
	// committed run covering each date.
	IncludeSuperseded bool
}

func (f Filter) where(prefix string) (string, []any) {
	var conds []string
	var args []any
	if !f.From.IsZero() {
		conds = append(conds, prefix+"date >= ?")
		args = append(args, models.FormatDay(f.From))
	}
	if !f.To.IsZero() {
		conds = append(conds, prefix+"date <= ?")
		args = append(args, models.FormatDay(f.To))
	}
	if f.Country != "" {
		conds = append(conds, prefix+"country = ?")
		args = append(args, f.Country)
	}
	if f.Category != "" {
		conds = append(conds, prefix+"category = ?")
		args = append(args, f.Category)
	}
	if len(conds) == 0 {
		return "1 = 1", args
	}
	return strings.Join(conds, " AND "), args
}

func (f Filter) limit() string {
	if f.Limit <= 0 {
		return ""
	}
	return fmt.Sprintf(" LIMIT %d", f.Limit)
}

func (c *Client) DailyMetrics(ctx context.Context, f Filter) ([]models.DailyMetric, error) {
	where, args := f.where("")
	query := `
		SELECT date, country, category, event_count, avg_severity, rolling_center, rolling_dispersion,
			ewma_baseline, baseline_quality, baseline_method, baseline_points, z_score, risk_score, reasons,
			computed_at, pipeline_version, run_id
		FROM daily_metrics
		WHERE ` + where + `
		ORDER BY date, country, category` + f.limit()

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query daily metrics: %w", err)
	}
	defer rows.Close()

	var metrics []models.DailyMetric
	for rows.Next() {
		var m models.DailyMetric
		var date, quality, method, reasons string
		var computedAt int64

		err := rows.Scan(&date, &m.Country, &m.Category, &m.EventCount, &m.AvgSeverity, &m.RollingCenter,
			&m.RollingDispersion, &m.EWMABaseline, &quality, &method, &m.BaselinePoints, &m.ZScore, &m.RiskScore, &reasons,
			&computedAt, &m.PipelineVersion, &m.RunID)
		if err != nil {
			return nil, fmt.Errorf("failed to scan daily metric: %w", err)
		}

		if m.Date, err = models.ParseDay(date); err != nil {
			return nil, fmt.Errorf("failed to parse metric date: %w", err)
		}
		if err := json.Unmarshal([]byte(reasons), &m.Reasons); err != nil {
			return nil, fmt.Errorf("failed to decode reasons: %w", err)
		}
		m.BaselineQuality = models.BaselineQuality(quality)
		m.BaselineMethod = models.BaselineMethod(method)
		m.ComputedAt = fromUnixNano(computedAt)
		metrics = append(metrics, m)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate daily metrics: %w", err)
	}
	return metrics, nil
}

// Spikes returns, for each date, the spikes written by the latest committed
// run whose range covers that date. Older rows are kept for audit and are
// returned only with IncludeSuperseded.
func (c *Client) Spikes(ctx context.Context, f Filter) ([]models.Spike, error) {
	where, args := f.where("s.")
	query := `
		SELECT s.id, s.date, s.country, s.category, s.z_score, s.z_used, s.trigger_method, s.delta,
			s.rolling_center, s.rolling_dispersion, s.baseline_quality, s.baseline_method,
			s.evidence_event_ids, s.computed_at, s.pipeline_version, s.run_id
		FROM spikes s
		JOIN pipeline_runs r ON r.id = s.run_id
		WHERE ` + where
	if !f.IncludeSuperseded {
		query += `
		AND r.seq = (
			SELECT MAX(r2.seq) FROM pipeline_runs r2
			WHERE r2.status = 'committed' AND r2.range_from <= s.date AND r2.range_to >= s.date
		)`
	}
	query += `
		ORDER BY s.date, s.country, s.category, s.id` + f.limit()

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query spikes: %w", err)
	}
	defer rows.Close()

	var spikes []models.Spike
	for rows.Next() {
		var s models.Spike
		var date, quality, method, evidence string
		var computedAt int64

		err := rows.Scan(&s.ID, &date, &s.Country, &s.Category, &s.ZScore, &s.ZUsed, &s.TriggerMethod, &s.Delta,
			&s.RollingCenter, &s.RollingDispersion, &quality, &method, &evidence, &computedAt,
			&s.PipelineVersion, &s.RunID)
		if err != nil {
			return nil, fmt.Errorf("failed to scan spike: %w", err)
		}

		if s.Date, err = models.ParseDay(date); err != nil {
			return nil, fmt.Errorf("failed to parse spike date: %w", err)
		}
		if err := json.Unmarshal([]byte(evidence), &s.EvidenceEventIDs); err != nil {
			return nil, fmt.Errorf("failed to decode evidence: %w", err)
		}
		s.BaselineQuality = models.BaselineQuality(quality)
		s.BaselineMethod = models.BaselineMethod(method)
		s.ComputedAt = fromUnixNano(computedAt)
		spikes = append(spikes, s)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate spikes: %w", err)
	}
	return spikes, nil
}

// CurrentTierModel returns the most recently committed tier model.
func (c *Client) CurrentTierModel(ctx context.Context) (*models.RiskTierModel, error) {
	query := `
		SELECT id, method, boundaries, tier_ranges, n_samples, as_of, fitted_at, degraded, degraded_reason,
			assignments, stats, pipeline_version, run_id
		FROM risk_tier_models
		ORDER BY id DESC
		LIMIT 1
	`

	var m models.RiskTierModel
	var method, boundaries, ranges, asOf, assignments, stats string
	var reason sql.NullString
	var fittedAt int64
	var degraded int

	err := c.db.QueryRowContext(ctx, query).Scan(&m.ID, &method, &boundaries, &ranges, &m.NSamples, &asOf,
		&fittedAt, &degraded, &reason, &assignments, &stats, &m.PipelineVersion, &m.RunID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get tier model: %w", err)
	}

	if err := json.Unmarshal([]byte(boundaries), &m.Boundaries); err != nil {
		return nil, fmt.Errorf("failed to decode boundaries: %w", err)
	}
	if err := json.Unmarshal([]byte(ranges), &m.TierRanges); err != nil {
		return nil, fmt.Errorf("failed to decode tier ranges: %w", err)
	}
	if err := json.Unmarshal([]byte(assignments), &m.Assignments); err != nil {
		return nil, fmt.Errorf("failed to decode assignments: %w", err)
	}
	if err := json.Unmarshal([]byte(stats), &m.Stats); err != nil {
		return nil, fmt.Errorf("failed to decode tier stats: %w", err)
	}
	if m.AsOf, err = models.ParseDay(asOf); err != nil {
		return nil, fmt.Errorf("failed to parse tier as_of: %w", err)
	}

	m.Method = models.TierMethod(method)
	m.FittedAt = fromUnixNano(fittedAt)
	m.Degraded = degraded == 1
	m.DegradedReason = reason.String
	return &m, nil
}

// Trends returns the current trend labels; empty country or window match all.
func (c *Client) Trends(ctx context.Context, country string, window models.TrendWindow) ([]models.TrendLabel, error) {
	query := `
		SELECT country, trend_window, direction, slope, r_squared, significance, tau, mk_s, n_points, as_of,
			computed_at, pipeline_version, run_id
		FROM trend_labels
		WHERE (? = '' OR country = ?) AND (? = '' OR trend_window = ?)
		ORDER BY country, trend_window
	`

	rows, err := c.db.QueryContext(ctx, query, country, country, string(window), string(window))
	if err != nil {
		return nil, fmt.Errorf("failed to query trend labels: %w", err)
	}
	defer rows.Close()

	var labels []models.TrendLabel
	for rows.Next() {
		var t models.TrendLabel
		var win, direction, asOf string
		var computedAt int64

		err := rows.Scan(&t.Country, &win, &direction, &t.Slope, &t.RSquared, &t.Significance, &t.Tau,
			&t.MannKendallS, &t.NPoints, &asOf, &computedAt, &t.PipelineVersion, &t.RunID)
		if err != nil {
			return nil, fmt.Errorf("failed to scan trend label: %w", err)
		}

		if t.AsOf, err = models.ParseDay(asOf); err != nil {
			return nil, fmt.Errorf("failed to parse trend as_of: %w", err)
		}
		t.Window = models.TrendWindow(win)
		t.Direction = models.TrendDirection(direction)
		t.ComputedAt = fromUnixNano(computedAt)
		labels = append(labels, t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate trend labels: %w", err)
	}
	return labels, nil
}

const runColumns = `seq, id, trigger_kind, range_from, range_to, as_of, status, error, pipeline_version,
	input_fingerprint, output_fingerprint, events_ingested, metrics_written, spikes_written, trends_written,
	started_at, finished_at`

// Runs lists the run ledger, newest first.
func (c *Client) Runs(ctx context.Context, limit int) ([]models.PipelineRun, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := c.db.QueryContext(ctx, `SELECT `+runColumns+` FROM pipeline_runs ORDER BY seq DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query pipeline runs: %w", err)
	}
	defer rows.Close()

	var runs []models.PipelineRun
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate pipeline runs: %w", err)
	}
	return runs, nil
}

func (c *Client) Run(ctx context.Context, id string) (*models.PipelineRun, error) {
	row := c.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM pipeline_runs WHERE id = ?`, id)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(s scanner) (*models.PipelineRun, error) {
	var r models.PipelineRun
	var trigger, from, to, status string
	var asOf, errText, inFP, outFP sql.NullString
	var startedAt, finishedAt int64

	err := s.Scan(&r.Seq, &r.ID, &trigger, &from, &to, &asOf, &status, &errText, &r.PipelineVersion,
		&inFP, &outFP, &r.EventsIngested, &r.MetricsWritten, &r.SpikesWritten, &r.TrendsWritten,
		&startedAt, &finishedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan pipeline run: %w", err)
	}

	if r.RangeFrom, err = models.ParseDay(from); err != nil {
		return nil, fmt.Errorf("failed to parse range_from: %w", err)
	}
	if r.RangeTo, err = models.ParseDay(to); err != nil {
		return nil, fmt.Errorf("failed to parse range_to: %w", err)
	}
	if asOf.Valid {
		if r.AsOf, err = models.ParseDay(asOf.String); err != nil {
			return nil, fmt.Errorf("failed to parse as_of: %w", err)
		}
	}

	r.Trigger = models.RunTrigger(trigger)
	r.Status = models.RunStatus(status)
	r.Error = errText.String
	r.InputFingerprint = inFP.String
	r.OutputFingerprint = outFP.String
	r.StartedAt = fromUnixNano(startedAt)
	r.FinishedAt = fromUnixNano(finishedAt)
	return &r, nil
}
