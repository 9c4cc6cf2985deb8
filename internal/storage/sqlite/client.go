package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/Dahilon/Atlas/pkg/logger"
	"github.com/Dahilon/Atlas/pkg/retry"
)

type Client struct {
	db    *sql.DB
	retry retry.Config
}

func NewClient(dbPath string) (*Client, error) {
	if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?_busy_timeout=5000&_foreign_keys=on&_txlock=immediate", dbPath))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	_, err = db.Exec("PRAGMA journal_mode = WAL")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	rc := retry.DefaultConfig()
	rc.MaxAttempts = 5
	rc.Retryable = IsBusy
	rc.Logger = logger.Named("sqlite")

	logger.Info("SQLite client initialized", zap.String("path", dbPath))

	return &Client{db: db, retry: rc}, nil
}

func (c *Client) Close() error {
	return c.db.Close()
}

func (c *Client) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

// IsBusy reports whether err is a transient lock conflict worth retrying.
func IsBusy(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
	}
	return false
}

func (c *Client) InitSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS events (
		id TEXT PRIMARY KEY,
		ts INTEGER NOT NULL,
		day TEXT NOT NULL,
		ingested_at INTEGER,
		country TEXT NOT NULL,
		category TEXT NOT NULL,
		source TEXT,
		sentiment REAL,
		intensity REAL,
		entity_density REAL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_events_day ON events(day);
	CREATE INDEX IF NOT EXISTS idx_events_series ON events(country, category, day);

	CREATE TABLE IF NOT EXISTS pipeline_runs (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT UNIQUE NOT NULL,
		trigger_kind TEXT NOT NULL,
		range_from TEXT NOT NULL,
		range_to TEXT NOT NULL,
		as_of TEXT,
		status TEXT NOT NULL,
		error TEXT,
		pipeline_version TEXT NOT NULL,
		input_fingerprint TEXT,
		output_fingerprint TEXT,
		events_ingested INTEGER DEFAULT 0,
		metrics_written INTEGER DEFAULT 0,
		spikes_written INTEGER DEFAULT 0,
		trends_written INTEGER DEFAULT 0,
		started_at INTEGER NOT NULL,
		finished_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_runs_range ON pipeline_runs(status, range_from, range_to);
	CREATE INDEX IF NOT EXISTS idx_runs_status ON pipeline_runs(status, seq);

	CREATE TABLE IF NOT EXISTS daily_metrics (
		date TEXT NOT NULL,
		country TEXT NOT NULL,
		category TEXT NOT NULL,
		event_count INTEGER NOT NULL,
		avg_severity REAL NOT NULL,
		rolling_center REAL NOT NULL,
		rolling_dispersion REAL NOT NULL,
		ewma_baseline REAL NOT NULL DEFAULT 0,
		baseline_quality TEXT NOT NULL,
		baseline_method TEXT NOT NULL,
		baseline_points INTEGER NOT NULL,
		z_score REAL NOT NULL,
		risk_score REAL NOT NULL,
		reasons TEXT NOT NULL,
		computed_at INTEGER NOT NULL,
		pipeline_version TEXT NOT NULL,
		run_id TEXT NOT NULL,
		PRIMARY KEY (date, country, category)
	);
	CREATE INDEX IF NOT EXISTS idx_metrics_series ON daily_metrics(country, category, date);

	CREATE TABLE IF NOT EXISTS spikes (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		date TEXT NOT NULL,
		country TEXT NOT NULL,
		category TEXT NOT NULL,
		z_score REAL NOT NULL,
		z_used REAL NOT NULL,
		trigger_method TEXT NOT NULL,
		delta REAL NOT NULL,
		rolling_center REAL NOT NULL,
		rolling_dispersion REAL NOT NULL,
		baseline_quality TEXT NOT NULL,
		baseline_method TEXT NOT NULL,
		evidence_event_ids TEXT NOT NULL,
		computed_at INTEGER NOT NULL,
		pipeline_version TEXT NOT NULL,
		run_id TEXT NOT NULL,
		FOREIGN KEY (run_id) REFERENCES pipeline_runs(id)
	);
	CREATE INDEX IF NOT EXISTS idx_spikes_date ON spikes(date, country, category);
	CREATE INDEX IF NOT EXISTS idx_spikes_run ON spikes(run_id);

	CREATE TABLE IF NOT EXISTS risk_tier_models (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		method TEXT NOT NULL,
		boundaries TEXT NOT NULL,
		tier_ranges TEXT NOT NULL,
		n_samples INTEGER NOT NULL,
		as_of TEXT NOT NULL,
		fitted_at INTEGER NOT NULL,
		degraded INTEGER NOT NULL DEFAULT 0,
		degraded_reason TEXT,
		assignments TEXT NOT NULL,
		stats TEXT NOT NULL,
		pipeline_version TEXT NOT NULL,
		run_id TEXT NOT NULL,
		FOREIGN KEY (run_id) REFERENCES pipeline_runs(id)
	);

	CREATE TABLE IF NOT EXISTS trend_labels (
		country TEXT NOT NULL,
		trend_window TEXT NOT NULL,
		direction TEXT NOT NULL,
		slope REAL NOT NULL,
		r_squared REAL NOT NULL,
		significance REAL NOT NULL,
		tau REAL NOT NULL,
		mk_s INTEGER NOT NULL,
		n_points INTEGER NOT NULL,
		as_of TEXT NOT NULL,
		computed_at INTEGER NOT NULL,
		pipeline_version TEXT NOT NULL,
		run_id TEXT NOT NULL,
		PRIMARY KEY (country, trend_window)
	);
	`

	_, err := c.db.Exec(schema)
	if err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Info("SQLite schema initialized")
	return nil
}

// withTx runs fn in a transaction and commits it. Transactions take the write
// lock when they begin, so a read inside fn cannot go stale before the
// commit. The whole transaction is retried when SQLite reports a busy or
// locked database.
func (c *Client) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return retry.Do(ctx, c.retry, func() error {
		tx, err := c.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		//nolint:errcheck
		defer tx.Rollback()

		if err := fn(tx); err != nil {
			return err
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit transaction: %w", err)
		}
		return nil
	})
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func floatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}
