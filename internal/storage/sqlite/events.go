package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/Dahilon/Atlas/internal/storage/models"
)

const upsertEventQuery = `
	INSERT INTO events (id, ts, day, ingested_at, country, category, source, sentiment, intensity, entity_density, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		ts = excluded.ts,
		day = excluded.day,
		ingested_at = excluded.ingested_at,
		country = excluded.country,
		category = excluded.category,
		source = excluded.source,
		sentiment = excluded.sentiment,
		intensity = excluded.intensity,
		entity_density = excluded.entity_density,
		updated_at = excluded.updated_at
`

func upsertEvents(ctx context.Context, tx *sql.Tx, events []models.NormalizedEvent, now time.Time) error {
	if len(events) == 0 {
		return nil
	}

	stmt, err := tx.PrepareContext(ctx, upsertEventQuery)
	if err != nil {
		return fmt.Errorf("failed to prepare event upsert: %w", err)
	}
	defer stmt.Close()

	for _, e := range events {
		var ingested sql.NullInt64
		if e.IngestedAt != nil {
			ingested = sql.NullInt64{Int64: e.IngestedAt.UnixNano(), Valid: true}
		}

		_, err := stmt.ExecContext(ctx,
			e.ID,
			e.Timestamp.UnixNano(),
			models.FormatDay(e.Day()),
			ingested,
			e.Country,
			e.Category,
			e.Source,
			nullFloat(e.Sentiment),
			nullFloat(e.Intensity),
			nullFloat(e.EntityDensity),
			now.UnixNano(),
		)
		if err != nil {
			return fmt.Errorf("failed to upsert event %s: %w", e.ID, err)
		}
	}
	return nil
}

// LoadEvents returns events whose UTC day lies in [from, to], ordered by day,
// country, category and ID.
func (c *Client) LoadEvents(ctx context.Context, from, to time.Time) ([]models.NormalizedEvent, error) {
	query := `
		SELECT id, ts, ingested_at, country, category, source, sentiment, intensity, entity_density
		FROM events
		WHERE day >= ? AND day <= ?
		ORDER BY day, country, category, id
	`

	rows, err := c.db.QueryContext(ctx, query, models.FormatDay(from), models.FormatDay(to))
	if err != nil {
		return nil, fmt.Errorf("failed to load events: %w", err)
	}
	defer rows.Close()

	var events []models.NormalizedEvent
	for rows.Next() {
		var e models.NormalizedEvent
		var ts int64
		var ingested sql.NullInt64
		var source sql.NullString
		var sentiment, intensity, entity sql.NullFloat64

		err := rows.Scan(&e.ID, &ts, &ingested, &e.Country, &e.Category, &source, &sentiment, &intensity, &entity)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}

		e.Timestamp = time.Unix(0, ts).UTC()
		if ingested.Valid {
			t := time.Unix(0, ingested.Int64).UTC()
			e.IngestedAt = &t
		}
		e.Source = source.String
		e.Sentiment = floatPtr(sentiment)
		e.Intensity = floatPtr(intensity)
		e.EntityDensity = floatPtr(entity)
		events = append(events, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate events: %w", err)
	}
	return events, nil
}

// EventDateRange returns the first and last event days. ok is false when no
// events are stored.
func (c *Client) EventDateRange(ctx context.Context) (first, last time.Time, ok bool, err error) {
	var minDay, maxDay sql.NullString
	err = c.db.QueryRowContext(ctx, `SELECT MIN(day), MAX(day) FROM events`).Scan(&minDay, &maxDay)
	if err != nil {
		return time.Time{}, time.Time{}, false, fmt.Errorf("failed to query event range: %w", err)
	}
	if !minDay.Valid || !maxDay.Valid {
		return time.Time{}, time.Time{}, false, nil
	}

	first, err = models.ParseDay(minDay.String)
	if err != nil {
		return time.Time{}, time.Time{}, false, fmt.Errorf("failed to parse day %q: %w", minDay.String, err)
	}
	last, err = models.ParseDay(maxDay.String)
	if err != nil {
		return time.Time{}, time.Time{}, false, fmt.Errorf("failed to parse day %q: %w", maxDay.String, err)
	}
	return first, last, true, nil
}

// CountEvents is the number of stored events.
func (c *Client) CountEvents(ctx context.Context) (int, error) {
	var n int
	if err := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count events: %w", err)
	}
	return n, nil
}
