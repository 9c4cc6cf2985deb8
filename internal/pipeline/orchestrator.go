// Package pipeline sequences scoring, baselines, anomaly votes, tier fitting
// and trend labelling over a set of events, and commits each run's outputs
// atomically.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Dahilon/Atlas/internal/ingestion"
	"github.com/Dahilon/Atlas/internal/metrics"
	"github.com/Dahilon/Atlas/internal/storage/models"
	"github.com/Dahilon/Atlas/pkg/config"
	"github.com/Dahilon/Atlas/pkg/logger"
	"github.com/Dahilon/Atlas/pkg/retry"
	"github.com/Dahilon/Atlas/pkg/utils"
)

// Store is the persistence the orchestrator reads inputs from and commits
// runs to. CommitRun must refuse, with models.ErrStaleRun, an output whose
// BaseSeq is no longer the latest committed seq.
type Store interface {
	LoadEvents(ctx context.Context, from, to time.Time) ([]models.NormalizedEvent, error)
	EventDateRange(ctx context.Context) (first, last time.Time, ok bool, err error)
	LatestCommittedSeq(ctx context.Context) (int64, error)
	CommitRun(ctx context.Context, out *models.RunOutput) (int64, error)
	RecordFailedRun(ctx context.Context, run models.PipelineRun) error
}

// Publisher receives the current snapshot after each committed run, tagged
// with the run's seq. Publish failures never fail a run.
type Publisher interface {
	PublishSnapshot(ctx context.Context, seq int64, model *models.RiskTierModel, trends []models.TrendLabel) error
}

type Option func(*Orchestrator)

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

func WithIDGenerator(newID func() string) Option {
	return func(o *Orchestrator) { o.newID = newID }
}

func WithPublisher(p Publisher) Option {
	return func(o *Orchestrator) { o.publisher = p }
}

type Orchestrator struct {
	store     Store
	engine    *Engine
	ingest    *ingestion.Processor
	locks     *rangeLocker
	version   string
	now       func() time.Time
	newID     func() string
	publisher Publisher
	attempts  retry.Config
	log       *zap.Logger
}

func NewOrchestrator(store Store, cfg config.EngineConfig, maxBatchEvents int, opts ...Option) *Orchestrator {
	log := logger.Named("pipeline")
	o := &Orchestrator{
		store:   store,
		engine:  NewEngine(cfg),
		ingest:  ingestion.NewProcessor(maxBatchEvents),
		locks:   newRangeLocker(),
		version: cfg.PipelineVersion,
		now:     time.Now,
		newID:   uuid.NewString,
		attempts: retry.Config{
			MaxAttempts:  cfg.CommitAttempts,
			InitialDelay: 20 * time.Millisecond,
			MaxDelay:     500 * time.Millisecond,
			Multiplier:   2,
			Retryable:    func(err error) bool { return errors.Is(err, ErrStaleInputs) },
			Logger:       log,
		},
		log: log,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (o *Orchestrator) Engine() *Engine {
	return o.engine
}

func (o *Orchestrator) Ingestor() *ingestion.Processor {
	return o.ingest
}

// CurrentTierModel returns the model of the latest run committed by this
// process, or nil.
func (o *Orchestrator) CurrentTierModel() *models.RiskTierModel {
	return o.engine.Classifier().Current()
}

// plan is the range of one attempt of a run.
type plan struct {
	from time.Time
	to   time.Time
	asOf time.Time
}

// planner derives a plan from the store. It runs again for every attempt,
// since a run committed in between may have moved the last stored day.
type planner func(ctx context.Context) (plan, error)

// RunBatch validates and scores a batch of new or changed events. Days from
// the first batch day up to one baseline window past the last batch day are
// recomputed, since the batch is history for those later days.
func (o *Orchestrator) RunBatch(ctx context.Context, events []models.NormalizedEvent) (*models.PipelineRun, error) {
	batch, err := o.ingest.Validate(events)
	if err != nil {
		return nil, err
	}

	return o.run(ctx, models.TriggerBatch, batch.Events, func(ctx context.Context) (plan, error) {
		_, last, ok, err := o.store.EventDateRange(ctx)
		if err != nil {
			return plan{}, fmt.Errorf("failed to read stored event range: %w", err)
		}

		latest := batch.To
		if ok && last.After(latest) {
			latest = last
		}

		to := batch.To.AddDate(0, 0, o.engine.HistoryDays())
		if to.After(latest) {
			to = latest
		}
		return plan{from: batch.From, to: to, asOf: latest}, nil
	})
}

// ReEnrich replays scoring over stored events in [from, to] without
// ingesting anything. to is clipped to the last stored day.
func (o *Orchestrator) ReEnrich(ctx context.Context, from, to time.Time) (*models.PipelineRun, error) {
	return o.reEnrich(ctx, models.TriggerReEnrich, from, to)
}

// ReEnrichTrailing re-enriches the given number of days ending at the last
// stored day.
func (o *Orchestrator) ReEnrichTrailing(ctx context.Context, days int) (*models.PipelineRun, error) {
	if days < 1 {
		return nil, fmt.Errorf("%w: trailing days must be positive, got %d", ErrInvalidRange, days)
	}

	_, last, ok, err := o.store.EventDateRange(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read stored event range: %w", err)
	}
	if !ok {
		return nil, ErrSourceDataMissing
	}

	return o.reEnrich(ctx, models.TriggerScheduled, last.AddDate(0, 0, -(days-1)), last)
}

func (o *Orchestrator) reEnrich(ctx context.Context, trigger models.RunTrigger, from, to time.Time) (*models.PipelineRun, error) {
	from, to = models.DayOf(from), models.DayOf(to)
	if to.Before(from) {
		return nil, fmt.Errorf("%w: %s after %s", ErrInvalidRange, models.FormatDay(from), models.FormatDay(to))
	}

	return o.run(ctx, trigger, nil, func(ctx context.Context) (plan, error) {
		_, last, ok, err := o.store.EventDateRange(ctx)
		if err != nil {
			return plan{}, fmt.Errorf("failed to read stored event range: %w", err)
		}
		if !ok || from.After(last) {
			return plan{}, fmt.Errorf("%w: nothing stored from %s", ErrSourceDataMissing, models.FormatDay(from))
		}

		clipped := to
		if clipped.After(last) {
			clipped = last
		}
		return plan{from: from, to: clipped, asOf: last}, nil
	})
}

// run executes attempts until one commits. An attempt whose commit finds a
// newer committed run is recomputed from a fresh plan, up to the configured
// number of attempts. Failures before any attempt got its range lock are
// returned without a ledger entry.
func (o *Orchestrator) run(ctx context.Context, trigger models.RunTrigger, batch []models.NormalizedEvent, next planner) (*models.PipelineRun, error) {
	run := models.PipelineRun{
		ID:              o.newID(),
		Trigger:         trigger,
		PipelineVersion: o.version,
		EventsIngested:  len(batch),
		StartedAt:       o.now().UTC(),
	}
	log := o.log.With(zap.String("run_id", run.ID), zap.String("trigger", string(trigger)))

	locked := false
	committed, err := retry.DoWithResult(ctx, o.attempts, func() (*models.PipelineRun, error) {
		p, err := next(ctx)
		if err != nil {
			return nil, err
		}
		from, to, asOf := models.DayOf(p.from), models.DayOf(p.to), models.DayOf(p.asOf)

		release, ok := o.locks.TryLock(from, to)
		if !ok {
			return nil, fmt.Errorf("%w: %s..%s", ErrRunInProgress, models.FormatDay(from), models.FormatDay(to))
		}
		defer release()

		locked = true
		run.RangeFrom, run.RangeTo, run.AsOf = from, to, asOf
		return o.attempt(ctx, log, run, batch)
	})
	if err != nil {
		if !locked {
			return nil, err
		}
		return nil, o.fail(ctx, run, err)
	}
	return committed, nil
}

func (o *Orchestrator) attempt(ctx context.Context, log *zap.Logger, run models.PipelineRun, batch []models.NormalizedEvent) (*models.PipelineRun, error) {
	log = log.With(
		zap.String("from", models.FormatDay(run.RangeFrom)),
		zap.String("to", models.FormatDay(run.RangeTo)),
	)
	log.Info("Pipeline run started", zap.Int("batch_events", len(batch)))

	// Read before the inputs: any run committed after this point may have
	// changed them, and the commit below is refused if one did.
	base, err := o.store.LatestCommittedSeq(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read latest committed run: %w", err)
	}

	events, err := o.loadInputs(ctx, run.RangeFrom, run.RangeTo, run.AsOf, batch)
	if err != nil {
		return nil, err
	}

	run.InputFingerprint, err = utils.Fingerprint(events)
	if err != nil {
		return nil, err
	}

	comp, err := o.engine.Compute(ctx, events, run.RangeFrom, run.RangeTo, run.AsOf)
	if err != nil {
		return nil, err
	}
	if comp.TierErr != nil {
		log.Warn("Tier model degraded to fixed boundaries", zap.Error(comp.TierErr))
	}

	run.OutputFingerprint, err = outputFingerprint(comp)
	if err != nil {
		return nil, err
	}

	run.FinishedAt = o.now().UTC()
	o.stamp(comp, run.ID, run.FinishedAt)

	run.MetricsWritten = len(comp.Metrics)
	run.SpikesWritten = len(comp.Spikes)
	run.TrendsWritten = len(comp.Trends)

	out := &models.RunOutput{
		Run:       run,
		BaseSeq:   base,
		Events:    batch,
		Metrics:   comp.Metrics,
		Spikes:    comp.Spikes,
		TierModel: comp.TierModel,
		Trends:    comp.Trends,
	}

	seq, err := o.store.CommitRun(ctx, out)
	if errors.Is(err, ErrStaleInputs) {
		log.Info("Newer run committed while computing", zap.Int64("base_seq", base))
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	run.Seq = seq
	run.Status = models.RunCommitted

	o.engine.Classifier().Publish(comp.TierModel, seq)
	if o.publisher != nil {
		if err := o.publisher.PublishSnapshot(ctx, seq, comp.TierModel, comp.Trends); err != nil {
			metrics.CachePublishErrors.Inc()
			log.Warn("Failed to publish snapshot", zap.Error(err))
		}
	}

	record(run, comp)
	log.Info("Pipeline run completed",
		zap.Int64("seq", seq),
		zap.Int("events", comp.EventsScored),
		zap.Int("metrics", run.MetricsWritten),
		zap.Int("spikes", run.SpikesWritten),
		zap.String("tier_method", string(comp.TierModel.Method)),
		zap.Duration("duration", run.FinishedAt.Sub(run.StartedAt)),
	)
	return &run, nil
}

// loadInputs reads the stored events a run depends on and overlays the
// batch by event ID. The result is sorted by ID.
func (o *Orchestrator) loadInputs(ctx context.Context, from, to, asOf time.Time, batch []models.NormalizedEvent) ([]models.NormalizedEvent, error) {
	ranges := []dateRange{
		{from: from.AddDate(0, 0, -o.engine.HistoryDays()), to: to},
		{from: asOf.AddDate(0, 0, -(o.engine.LookbackDays() - 1)), to: asOf},
	}
	if !ranges[1].from.After(ranges[0].to.AddDate(0, 0, 1)) {
		merged := ranges[0]
		if ranges[1].from.Before(merged.from) {
			merged.from = ranges[1].from
		}
		if ranges[1].to.After(merged.to) {
			merged.to = ranges[1].to
		}
		ranges = []dateRange{merged}
	}

	byID := make(map[string]models.NormalizedEvent)
	for _, r := range ranges {
		stored, err := o.store.LoadEvents(ctx, r.from, r.to)
		if err != nil {
			return nil, fmt.Errorf("failed to load events: %w", err)
		}
		for _, e := range stored {
			byID[e.ID] = e
		}
	}
	for _, e := range batch {
		byID[e.ID] = e
	}

	events := make([]models.NormalizedEvent, 0, len(byID))
	for _, e := range byID {
		events = append(events, e)
	}
	sort.Slice(events, func(i, j int) bool { return events[i].ID < events[j].ID })
	return events, nil
}

// outputFingerprint covers everything a run derives, before run identity
// and timestamps are stamped in.
func outputFingerprint(c *Computation) (string, error) {
	return utils.Fingerprint(struct {
		Metrics   []models.DailyMetric
		Spikes    []models.Spike
		TierModel *models.RiskTierModel
		Trends    []models.TrendLabel
	}{c.Metrics, c.Spikes, c.TierModel, c.Trends})
}

func (o *Orchestrator) stamp(c *Computation, runID string, at time.Time) {
	for i := range c.Metrics {
		c.Metrics[i].ComputedAt = at
		c.Metrics[i].PipelineVersion = o.version
		c.Metrics[i].RunID = runID
	}
	for i := range c.Spikes {
		c.Spikes[i].ComputedAt = at
		c.Spikes[i].PipelineVersion = o.version
		c.Spikes[i].RunID = runID
	}
	for i := range c.Trends {
		c.Trends[i].ComputedAt = at
		c.Trends[i].PipelineVersion = o.version
		c.Trends[i].RunID = runID
	}
	c.TierModel.FittedAt = at
	c.TierModel.PipelineVersion = o.version
	c.TierModel.RunID = runID
}

// fail records the run as failed and returns err. The ledger write is best
// effort.
func (o *Orchestrator) fail(ctx context.Context, run models.PipelineRun, err error) error {
	run.Status = models.RunFailed
	run.Error = err.Error()
	run.FinishedAt = o.now().UTC()

	metrics.RunsTotal.WithLabelValues(string(run.Trigger), string(models.RunFailed)).Inc()
	o.log.Error("Pipeline run failed",
		zap.String("run_id", run.ID),
		zap.String("trigger", string(run.Trigger)),
		zap.Error(err),
	)

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		ctx = context.Background()
	}
	if recErr := o.store.RecordFailedRun(ctx, run); recErr != nil {
		o.log.Error("Failed to record failed run", zap.String("run_id", run.ID), zap.Error(recErr))
	}
	return err
}

func record(run models.PipelineRun, c *Computation) {
	trigger := string(run.Trigger)
	metrics.RunDuration.WithLabelValues(trigger).Observe(run.FinishedAt.Sub(run.StartedAt).Seconds())
	metrics.RunsTotal.WithLabelValues(trigger, string(models.RunCommitted)).Inc()
	metrics.EventsScored.Add(float64(c.EventsScored))

	for q, n := range c.QualityCounts {
		metrics.BucketsScored.WithLabelValues(string(q)).Add(float64(n))
	}
	for _, s := range c.Spikes {
		metrics.SpikesDetected.WithLabelValues(s.TriggerMethod).Inc()
	}

	metrics.TierFits.WithLabelValues(string(c.TierModel.Method)).Inc()
	metrics.TierSamples.Set(float64(c.TierModel.NSamples))

	metrics.TrendLabels.Reset()
	for _, t := range c.Trends {
		metrics.TrendLabels.WithLabelValues(string(t.Window), string(t.Direction)).Inc()
	}
}
