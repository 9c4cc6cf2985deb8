package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Dahilon/Atlas/internal/storage/models"
	"github.com/Dahilon/Atlas/pkg/logger"
)

// CommitRun writes a run's outputs in one transaction: batch events are
// upserted, daily metrics in the run range are replaced, spikes are
// appended, trend labels are replaced wholesale, a new tier model becomes
// current, and the run is recorded as committed. Nothing is written if any
// step fails. A run whose BaseSeq is no longer the latest committed seq is
// refused with models.ErrStaleRun, since every committed run may have
// changed the events it read.
func (c *Client) CommitRun(ctx context.Context, out *models.RunOutput) (int64, error) {
	var seq int64

	err := c.withTx(ctx, func(tx *sql.Tx) error {
		latest, err := latestCommittedSeq(ctx, tx)
		if err != nil {
			return err
		}
		if latest != out.BaseSeq {
			return fmt.Errorf("%w: read at seq %d, latest is %d", models.ErrStaleRun, out.BaseSeq, latest)
		}

		run := out.Run
		run.Status = models.RunCommitted

		seq, err = insertRun(ctx, tx, &run)
		if err != nil {
			return err
		}

		if err := upsertEvents(ctx, tx, out.Events, run.FinishedAt); err != nil {
			return err
		}

		if err := replaceMetrics(ctx, tx, run.RangeFrom, run.RangeTo, out.Metrics); err != nil {
			return err
		}

		if err := insertSpikes(ctx, tx, out.Spikes); err != nil {
			return err
		}

		if err := replaceTrends(ctx, tx, out.Trends); err != nil {
			return err
		}

		if out.TierModel != nil {
			if _, err := insertTierModel(ctx, tx, out.TierModel); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	logger.Info("Pipeline run committed",
		zap.String("run_id", out.Run.ID),
		zap.Int64("seq", seq),
		zap.Int("metrics", len(out.Metrics)),
		zap.Int("spikes", len(out.Spikes)),
		zap.Int("trends", len(out.Trends)),
	)
	return seq, nil
}

// LatestCommittedSeq is the seq of the newest committed run, or 0.
func (c *Client) LatestCommittedSeq(ctx context.Context) (int64, error) {
	return latestCommittedSeq(ctx, c.db)
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func latestCommittedSeq(ctx context.Context, q queryRower) (int64, error) {
	var seq int64
	err := q.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM pipeline_runs WHERE status = ?`, string(models.RunCommitted),
	).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("failed to read latest run sequence: %w", err)
	}
	return seq, nil
}

// RecordFailedRun stores a failed run in the ledger without touching outputs.
func (c *Client) RecordFailedRun(ctx context.Context, run models.PipelineRun) error {
	run.Status = models.RunFailed
	return c.withTx(ctx, func(tx *sql.Tx) error {
		_, err := insertRun(ctx, tx, &run)
		return err
	})
}

func insertRun(ctx context.Context, tx *sql.Tx, run *models.PipelineRun) (int64, error) {
	query := `
		INSERT INTO pipeline_runs (id, trigger_kind, range_from, range_to, as_of, status, error, pipeline_version,
			input_fingerprint, output_fingerprint, events_ingested, metrics_written, spikes_written, trends_written,
			started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	var asOf sql.NullString
	if !run.AsOf.IsZero() {
		asOf = sql.NullString{String: models.FormatDay(run.AsOf), Valid: true}
	}

	res, err := tx.ExecContext(ctx, query,
		run.ID,
		string(run.Trigger),
		models.FormatDay(run.RangeFrom),
		models.FormatDay(run.RangeTo),
		asOf,
		string(run.Status),
		run.Error,
		run.PipelineVersion,
		run.InputFingerprint,
		run.OutputFingerprint,
		run.EventsIngested,
		run.MetricsWritten,
		run.SpikesWritten,
		run.TrendsWritten,
		unixNano(run.StartedAt),
		unixNano(run.FinishedAt),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert pipeline run: %w", err)
	}

	seq, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read run sequence: %w", err)
	}
	return seq, nil
}

func replaceMetrics(ctx context.Context, tx *sql.Tx, from, to time.Time, metrics []models.DailyMetric) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM daily_metrics WHERE date >= ? AND date <= ?`,
		models.FormatDay(from), models.FormatDay(to))
	if err != nil {
		return fmt.Errorf("failed to clear daily metrics: %w", err)
	}

	if len(metrics) == 0 {
		return nil
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO daily_metrics (date, country, category, event_count, avg_severity, rolling_center,
			rolling_dispersion, ewma_baseline, baseline_quality, baseline_method, baseline_points, z_score,
			risk_score, reasons, computed_at, pipeline_version, run_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(date, country, category) DO UPDATE SET
			event_count = excluded.event_count,
			avg_severity = excluded.avg_severity,
			rolling_center = excluded.rolling_center,
			rolling_dispersion = excluded.rolling_dispersion,
			ewma_baseline = excluded.ewma_baseline,
			baseline_quality = excluded.baseline_quality,
			baseline_method = excluded.baseline_method,
			baseline_points = excluded.baseline_points,
			z_score = excluded.z_score,
			risk_score = excluded.risk_score,
			reasons = excluded.reasons,
			computed_at = excluded.computed_at,
			pipeline_version = excluded.pipeline_version,
			run_id = excluded.run_id
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare metric insert: %w", err)
	}
	defer stmt.Close()

	for _, m := range metrics {
		reasons, err := json.Marshal(m.Reasons)
		if err != nil {
			return fmt.Errorf("failed to encode reasons: %w", err)
		}

		_, err = stmt.ExecContext(ctx,
			models.FormatDay(m.Date),
			m.Country,
			m.Category,
			m.EventCount,
			m.AvgSeverity,
			m.RollingCenter,
			m.RollingDispersion,
			m.EWMABaseline,
			string(m.BaselineQuality),
			string(m.BaselineMethod),
			m.BaselinePoints,
			m.ZScore,
			m.RiskScore,
			string(reasons),
			unixNano(m.ComputedAt),
			m.PipelineVersion,
			m.RunID,
		)
		if err != nil {
			return fmt.Errorf("failed to insert daily metric %s/%s/%s: %w",
				models.FormatDay(m.Date), m.Country, m.Category, err)
		}
	}
	return nil
}

func insertSpikes(ctx context.Context, tx *sql.Tx, spikes []models.Spike) error {
	if len(spikes) == 0 {
		return nil
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO spikes (date, country, category, z_score, z_used, trigger_method, delta, rolling_center,
			rolling_dispersion, baseline_quality, baseline_method, evidence_event_ids, computed_at,
			pipeline_version, run_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare spike insert: %w", err)
	}
	defer stmt.Close()

	for _, s := range spikes {
		evidence, err := json.Marshal(s.EvidenceEventIDs)
		if err != nil {
			return fmt.Errorf("failed to encode evidence: %w", err)
		}

		_, err = stmt.ExecContext(ctx,
			models.FormatDay(s.Date),
			s.Country,
			s.Category,
			s.ZScore,
			s.ZUsed,
			s.TriggerMethod,
			s.Delta,
			s.RollingCenter,
			s.RollingDispersion,
			string(s.BaselineQuality),
			string(s.BaselineMethod),
			string(evidence),
			unixNano(s.ComputedAt),
			s.PipelineVersion,
			s.RunID,
		)
		if err != nil {
			return fmt.Errorf("failed to insert spike: %w", err)
		}
	}
	return nil
}

func replaceTrends(ctx context.Context, tx *sql.Tx, trends []models.TrendLabel) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM trend_labels`); err != nil {
		return fmt.Errorf("failed to clear trend labels: %w", err)
	}

	if len(trends) == 0 {
		return nil
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO trend_labels (country, trend_window, direction, slope, r_squared, significance, tau, mk_s,
			n_points, as_of, computed_at, pipeline_version, run_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare trend insert: %w", err)
	}
	defer stmt.Close()

	for _, t := range trends {
		_, err := stmt.ExecContext(ctx,
			t.Country,
			string(t.Window),
			string(t.Direction),
			t.Slope,
			t.RSquared,
			t.Significance,
			t.Tau,
			t.MannKendallS,
			t.NPoints,
			models.FormatDay(t.AsOf),
			unixNano(t.ComputedAt),
			t.PipelineVersion,
			t.RunID,
		)
		if err != nil {
			return fmt.Errorf("failed to insert trend label %s/%s: %w", t.Country, t.Window, err)
		}
	}
	return nil
}

func insertTierModel(ctx context.Context, tx *sql.Tx, m *models.RiskTierModel) (int64, error) {
	boundaries, err := json.Marshal(m.Boundaries)
	if err != nil {
		return 0, fmt.Errorf("failed to encode boundaries: %w", err)
	}
	ranges, err := json.Marshal(m.TierRanges)
	if err != nil {
		return 0, fmt.Errorf("failed to encode tier ranges: %w", err)
	}
	assignments, err := json.Marshal(m.Assignments)
	if err != nil {
		return 0, fmt.Errorf("failed to encode assignments: %w", err)
	}
	stats, err := json.Marshal(m.Stats)
	if err != nil {
		return 0, fmt.Errorf("failed to encode tier stats: %w", err)
	}

	degraded := 0
	if m.Degraded {
		degraded = 1
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO risk_tier_models (method, boundaries, tier_ranges, n_samples, as_of, fitted_at, degraded,
			degraded_reason, assignments, stats, pipeline_version, run_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		string(m.Method),
		string(boundaries),
		string(ranges),
		m.NSamples,
		models.FormatDay(m.AsOf),
		unixNano(m.FittedAt),
		degraded,
		m.DegradedReason,
		string(assignments),
		string(stats),
		m.PipelineVersion,
		m.RunID,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert tier model: %w", err)
	}

	return res.LastInsertId()
}
