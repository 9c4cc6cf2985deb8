package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/Dahilon/Atlas/internal/storage/models"
)

// CountrySeverity returns country's daily severity averaged over its
// categories, for days in [from, to] that have metrics.
func (c *Client) CountrySeverity(ctx context.Context, country string, from, to time.Time) ([]models.DailyValue, error) {
	query := `
		SELECT date, AVG(avg_severity)
		FROM daily_metrics
		WHERE country = ? AND date >= ? AND date <= ?
		GROUP BY date
		ORDER BY date
	`

	rows, err := c.db.QueryContext(ctx, query, country, models.FormatDay(from), models.FormatDay(to))
	if err != nil {
		return nil, fmt.Errorf("failed to query country severity: %w", err)
	}
	defer rows.Close()

	var out []models.DailyValue
	for rows.Next() {
		var v models.DailyValue
		var date string
		if err := rows.Scan(&date, &v.Value); err != nil {
			return nil, fmt.Errorf("failed to scan country severity: %w", err)
		}
		if v.Date, err = models.ParseDay(date); err != nil {
			return nil, fmt.Errorf("failed to parse metric date: %w", err)
		}
		out = append(out, v)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate country severity: %w", err)
	}
	return out, nil
}

// LatestMetricDate is the newest day with committed metrics. ok is false when
// there are none.
func (c *Client) LatestMetricDate(ctx context.Context) (time.Time, bool, error) {
	var last sql.NullString
	if err := c.db.QueryRowContext(ctx, `SELECT MAX(date) FROM daily_metrics`).Scan(&last); err != nil {
		return time.Time{}, false, fmt.Errorf("failed to get latest metric date: %w", err)
	}
	if !last.Valid {
		return time.Time{}, false, nil
	}

	day, err := models.ParseDay(last.String)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to parse metric date: %w", err)
	}
	return day, true, nil
}

// TopMovers returns each country's highest category severity, highest risk
// score and total events on the latest metric date, most severe first.
func (c *Client) TopMovers(ctx context.Context, limit int) ([]models.Mover, error) {
	query := `
		SELECT date, country, MAX(avg_severity), MAX(risk_score), SUM(event_count)
		FROM daily_metrics
		WHERE date = (SELECT MAX(date) FROM daily_metrics)
		GROUP BY date, country
		ORDER BY 3 DESC, country
		LIMIT ?
	`

	rows, err := c.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query top movers: %w", err)
	}
	defer rows.Close()

	var movers []models.Mover
	for rows.Next() {
		var m models.Mover
		var date string
		if err := rows.Scan(&date, &m.Country, &m.Severity, &m.RiskScore, &m.EventCount); err != nil {
			return nil, fmt.Errorf("failed to scan top mover: %w", err)
		}
		if m.Date, err = models.ParseDay(date); err != nil {
			return nil, fmt.Errorf("failed to parse metric date: %w", err)
		}
		movers = append(movers, m)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate top movers: %w", err)
	}
	return movers, nil
}

// RecentSeverities returns the average severity of the newest limit daily
// metrics.
func (c *Client) RecentSeverities(ctx context.Context, limit int) ([]float64, error) {
	query := `
		SELECT avg_severity
		FROM daily_metrics
		ORDER BY date DESC, country, category
		LIMIT ?
	`

	rows, err := c.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent severities: %w", err)
	}
	defer rows.Close()

	var out []float64
	for rows.Next() {
		var v float64
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("failed to scan severity: %w", err)
		}
		out = append(out, v)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate recent severities: %w", err)
	}
	return out, nil
}
