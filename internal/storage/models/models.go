package models

import (
	"errors"
	"time"
)

// ErrStaleRun is returned by a commit when another run committed after the
// committing run read its inputs.
var ErrStaleRun = errors.New("a newer run committed after this run read its inputs")

// DateLayout is the canonical day key used in storage and on the wire.
const DateLayout = "2006-01-02"

// DayOf truncates t to its UTC calendar day.
func DayOf(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func FormatDay(t time.Time) string {
	return t.UTC().Format(DateLayout)
}

func ParseDay(s string) (time.Time, error) {
	return time.ParseInLocation(DateLayout, s, time.UTC)
}

type BaselineQuality string

const (
	QualitySufficient BaselineQuality = "sufficient"
	QualitySparse     BaselineQuality = "sparse"
	QualityColdStart  BaselineQuality = "cold_start"
)

type BaselineMethod string

const (
	MethodRobust     BaselineMethod = "robust"
	MethodParametric BaselineMethod = "parametric"
)

type Tier string

const (
	TierInfo     Tier = "info"
	TierLow      Tier = "low"
	TierMedium   Tier = "medium"
	TierHigh     Tier = "high"
	TierCritical Tier = "critical"
)

// Tiers lists tier names in ascending severity order.
var Tiers = []Tier{TierInfo, TierLow, TierMedium, TierHigh, TierCritical}

type TierMethod string

const (
	TierMethodJenks TierMethod = "jenks"
	TierMethodFixed TierMethod = "fixed"
)

type TrendDirection string

const (
	TrendRising  TrendDirection = "rising"
	TrendStable  TrendDirection = "stable"
	TrendFalling TrendDirection = "falling"
)

type TrendWindow string

const (
	Window7d  TrendWindow = "7d"
	Window30d TrendWindow = "30d"
)

// Days returns the window length in calendar days.
func (w TrendWindow) Days() int {
	switch w {
	case Window7d:
		return 7
	case Window30d:
		return 30
	default:
		return 0
	}
}

type RunTrigger string

const (
	TriggerBatch     RunTrigger = "batch"
	TriggerReEnrich  RunTrigger = "re_enrich"
	TriggerScheduled RunTrigger = "scheduled"
)

type RunStatus string

const (
	RunCommitted RunStatus = "committed"
	RunFailed    RunStatus = "failed"
)

// NormalizedEvent is an upstream-scored event record. Optional signals are
// nil when the upstream could not produce them.
type NormalizedEvent struct {
	ID            string     `json:"id"`
	Timestamp     time.Time  `json:"timestamp"`
	IngestedAt    *time.Time `json:"ingested_at,omitempty"`
	Country       string     `json:"country"`
	Category      string     `json:"category"`
	Source        string     `json:"source,omitempty"`
	Sentiment     *float64   `json:"sentiment,omitempty"`
	Intensity     *float64   `json:"intensity,omitempty"`
	EntityDensity *float64   `json:"entity_density,omitempty"`
}

func (e NormalizedEvent) Day() time.Time {
	return DayOf(e.Timestamp)
}

type Reason struct {
	Kind   string  `json:"kind"`
	Name   string  `json:"name"`
	Value  float64 `json:"value"`
	Detail string  `json:"detail,omitempty"`
}

const (
	ReasonComponent = "component"
	ReasonBaseline  = "baseline"
	ReasonVote      = "vote"
	ReasonNote      = "note"
)

type DailyMetric struct {
	Date              time.Time       `json:"date"`
	Country           string          `json:"country"`
	Category          string          `json:"category"`
	EventCount        int             `json:"event_count"`
	AvgSeverity       float64         `json:"avg_severity"`
	RollingCenter     float64         `json:"rolling_center"`
	RollingDispersion float64         `json:"rolling_dispersion"`
	EWMABaseline      float64         `json:"ewma_baseline"`
	BaselineQuality   BaselineQuality `json:"baseline_quality"`
	BaselineMethod    BaselineMethod  `json:"baseline_method"`
	BaselinePoints    int             `json:"baseline_points"`
	ZScore            float64         `json:"z_score"`
	RiskScore         float64         `json:"risk_score"`
	Reasons           []Reason        `json:"reasons"`
	ComputedAt        time.Time       `json:"computed_at"`
	PipelineVersion   string          `json:"pipeline_version"`
	RunID             string          `json:"run_id"`
}

type Spike struct {
	ID                int64           `json:"id"`
	Date              time.Time       `json:"date"`
	Country           string          `json:"country"`
	Category          string          `json:"category"`
	ZScore            float64         `json:"z_score"`
	ZUsed             float64         `json:"z_used"`
	TriggerMethod     string          `json:"trigger_method"`
	Delta             float64         `json:"delta"`
	RollingCenter     float64         `json:"rolling_center"`
	RollingDispersion float64         `json:"rolling_dispersion"`
	BaselineQuality   BaselineQuality `json:"baseline_quality"`
	BaselineMethod    BaselineMethod  `json:"baseline_method"`
	EvidenceEventIDs  []string        `json:"evidence_event_ids"`
	ComputedAt        time.Time       `json:"computed_at"`
	PipelineVersion   string          `json:"pipeline_version"`
	RunID             string          `json:"run_id"`
}

type TierRange struct {
	Tier Tier    `json:"tier"`
	Low  float64 `json:"low"`
	High float64 `json:"high"`
}

type TierAssignment struct {
	Country    string  `json:"country"`
	Severity   float64 `json:"severity"`
	Tier       Tier    `json:"tier"`
	Percentile float64 `json:"percentile"`
}

type RiskTierModel struct {
	ID              int64            `json:"id,omitempty"`
	Method          TierMethod       `json:"method"`
	Boundaries      []float64        `json:"boundaries"`
	TierRanges      []TierRange      `json:"tier_ranges"`
	NSamples        int              `json:"n_samples"`
	AsOf            time.Time        `json:"as_of"`
	FittedAt        time.Time        `json:"fitted_at"`
	Degraded        bool             `json:"degraded"`
	DegradedReason  string           `json:"degraded_reason,omitempty"`
	Assignments     []TierAssignment `json:"assignments"`
	Stats           TierStats        `json:"stats"`
	PipelineVersion string           `json:"pipeline_version"`
	RunID           string           `json:"run_id"`
}

// TierStats summarizes the snapshot the model was fitted on.
type TierStats struct {
	Mean   float64 `json:"mean"`
	Median float64 `json:"median"`
	Std    float64 `json:"std"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
}

// Assignment returns the tier assignment for country, if it was in the snapshot.
func (m *RiskTierModel) Assignment(country string) (TierAssignment, bool) {
	for _, a := range m.Assignments {
		if a.Country == country {
			return a, true
		}
	}
	return TierAssignment{}, false
}

type TrendLabel struct {
	Country         string         `json:"country"`
	Window          TrendWindow    `json:"window"`
	Direction       TrendDirection `json:"direction"`
	Slope           float64        `json:"slope"`
	RSquared        float64        `json:"r_squared"`
	Significance    float64        `json:"significance"`
	Tau             float64        `json:"tau"`
	MannKendallS    int            `json:"mann_kendall_s"`
	NPoints         int            `json:"n_points"`
	AsOf            time.Time      `json:"as_of"`
	ComputedAt      time.Time      `json:"computed_at"`
	PipelineVersion string         `json:"pipeline_version"`
	RunID           string         `json:"run_id"`
}

type PipelineRun struct {
	ID                string     `json:"id"`
	Seq               int64      `json:"seq"`
	Trigger           RunTrigger `json:"trigger"`
	RangeFrom         time.Time  `json:"range_from"`
	RangeTo           time.Time  `json:"range_to"`
	AsOf              time.Time  `json:"as_of"`
	Status            RunStatus  `json:"status"`
	Error             string     `json:"error,omitempty"`
	PipelineVersion   string     `json:"pipeline_version"`
	InputFingerprint  string     `json:"input_fingerprint,omitempty"`
	OutputFingerprint string     `json:"output_fingerprint,omitempty"`
	EventsIngested    int        `json:"events_ingested"`
	MetricsWritten    int        `json:"metrics_written"`
	SpikesWritten     int        `json:"spikes_written"`
	TrendsWritten     int        `json:"trends_written"`
	StartedAt         time.Time  `json:"started_at"`
	FinishedAt        time.Time  `json:"finished_at"`
}

// RunOutput is everything one pipeline run commits atomically.
type RunOutput struct {
	Run       PipelineRun
	// BaseSeq is the latest committed run seq seen before inputs were read.
	// The commit is refused with ErrStaleRun if it is no longer the latest.
	BaseSeq   int64
	Events    []NormalizedEvent
	Metrics   []DailyMetric
	Spikes    []Spike
	TierModel *RiskTierModel
	Trends    []TrendLabel
}

// DailyValue is one point of a per-day series.
type DailyValue struct {
	Date  time.Time `json:"date"`
	Value float64   `json:"value"`
}

// Mover is one country's standing on the latest day with committed metrics.
type Mover struct {
	Country    string         `json:"country"`
	Date       time.Time      `json:"date"`
	Severity   float64        `json:"severity"`
	RiskScore  float64        `json:"risk_score"`
	EventCount int            `json:"event_count"`
	Tier       Tier           `json:"tier,omitempty"`
	Percentile float64        `json:"percentile"`
	Trend7d    TrendDirection `json:"trend_7d,omitempty"`
}

// Decomposition splits a country's daily severity into trend, seasonal and
// residual parts that sum back to the observed values.
type Decomposition struct {
	Country          string      `json:"country"`
	Period           int         `json:"period"`
	Dates            []time.Time `json:"dates"`
	Observed         []float64   `json:"observed"`
	Trend            []float64   `json:"trend"`
	Seasonal         []float64   `json:"seasonal"`
	Residual         []float64   `json:"residual"`
	SeasonalStrength float64     `json:"seasonal_strength"`
}

type HistogramBin struct {
	Low   float64 `json:"low"`
	High  float64 `json:"high"`
	Count int     `json:"count"`
}

// RiskDistribution summarizes recent daily severities and the current tier
// membership.
type RiskDistribution struct {
	Bins      []HistogramBin `json:"bins"`
	Stats     TierStats      `json:"stats"`
	Count     int            `json:"count"`
	Tiers     map[Tier]int   `json:"tiers"`
	TiersAsOf time.Time      `json:"tiers_as_of"`
}
