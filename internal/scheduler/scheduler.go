// Package scheduler re-enriches the trailing days on a cron schedule so late
// corrections to stored events reach the outputs without a new batch.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/Dahilon/Atlas/internal/pipeline"
	"github.com/Dahilon/Atlas/internal/storage/models"
	"github.com/Dahilon/Atlas/pkg/config"
	"github.com/Dahilon/Atlas/pkg/logger"
)

type Trigger interface {
	ReEnrichTrailing(ctx context.Context, days int) (*models.PipelineRun, error)
}

type Scheduler struct {
	cron    *cron.Cron
	trigger Trigger
	days    int
	timeout time.Duration
	log     *zap.Logger
}

// New registers the re-enrichment job. The cron expression has a seconds
// field. A tick is skipped while the previous one is still running.
func New(trigger Trigger, cfg config.ScheduleConfig) (*Scheduler, error) {
	if cfg.TrailingDays < 1 {
		return nil, fmt.Errorf("schedule trailingDays must be positive, got %d", cfg.TrailingDays)
	}

	log := logger.Named("scheduler")
	cronLog := cronLogger{log: log.Sugar()}
	s := &Scheduler{
		cron: cron.New(
			cron.WithSeconds(),
			cron.WithLocation(time.UTC),
			cron.WithChain(cron.Recover(cronLog), cron.SkipIfStillRunning(cronLog)),
		),
		trigger: trigger,
		days:    cfg.TrailingDays,
		timeout: 30 * time.Minute,
		log:     log,
	}

	if _, err := s.cron.AddFunc(cfg.Cron, func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()
		_ = s.RunOnce(ctx)
	}); err != nil {
		return nil, fmt.Errorf("failed to add re-enrich schedule %q: %w", cfg.Cron, err)
	}

	return s, nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Info("Scheduler started", zap.Int("trailing_days", s.days))
}

// Stop waits for a running job or for ctx, whichever ends first.
func (s *Scheduler) Stop(ctx context.Context) error {
	stopCtx := s.cron.Stop()

	select {
	case <-stopCtx.Done():
		s.log.Info("Scheduler stopped")
		return nil
	case <-ctx.Done():
		s.log.Warn("Scheduler stop timed out")
		return ctx.Err()
	}
}

// RunOnce re-enriches the trailing window now. An empty store and an
// overlapping run are skips, not failures.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	run, err := s.trigger.ReEnrichTrailing(ctx, s.days)
	switch {
	case errors.Is(err, pipeline.ErrSourceDataMissing):
		s.log.Info("Scheduled re-enrich skipped, no stored events")
		return nil
	case errors.Is(err, pipeline.ErrRunInProgress):
		s.log.Info("Scheduled re-enrich skipped, overlapping run in progress")
		return nil
	case err != nil:
		s.log.Error("Scheduled re-enrich failed", zap.Error(err))
		return err
	}

	s.log.Info("Scheduled re-enrich completed",
		zap.String("run_id", run.ID),
		zap.String("from", models.FormatDay(run.RangeFrom)),
		zap.String("to", models.FormatDay(run.RangeTo)),
	)
	return nil
}

// cronLogger reports cron's recovered panics and skipped ticks through zap.
type cronLogger struct {
	log *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Infow("Cron "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Errorw("Cron "+msg, append([]interface{}{"error", err}, keysAndValues...)...)
}
