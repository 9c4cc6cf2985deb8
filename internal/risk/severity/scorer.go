// Package severity turns upstream event signals into a 0-100 composite index.
package severity

import (
	"math"
	"sort"
	"strings"
	"time"

	"github.com/Dahilon/Atlas/internal/risk/stats"
	"github.com/Dahilon/Atlas/internal/storage/models"
)

// Neutral replaces any missing component.
const Neutral = 0.5

const (
	DefaultRecencyHalfLife = 72 * time.Hour
	DefaultRecencyHorizon  = 30 * 24 * time.Hour
)

// Weights are fixed and sum to 1.
type Weights struct {
	Sentiment float64
	Intensity float64
	Category  float64
	Entity    float64
	Recency   float64
}

var DefaultWeights = Weights{
	Sentiment: 0.30,
	Intensity: 0.25,
	Category:  0.20,
	Entity:    0.15,
	Recency:   0.10,
}

func (w Weights) Sum() float64 {
	return w.Sentiment + w.Intensity + w.Category + w.Entity + w.Recency
}

const (
	CategoryConflict       = "conflict"
	CategoryTerrorism      = "terrorism"
	CategoryUnrest         = "unrest"
	CategoryInfrastructure = "infrastructure"
	CategoryEconomic       = "economic"
	CategoryDiplomacy      = "diplomacy"
	CategoryOther          = "other"
)

var categoryWeights = map[string]float64{
	CategoryConflict:       1.0,
	CategoryTerrorism:      0.85,
	CategoryUnrest:         0.65,
	CategoryInfrastructure: 0.60,
	CategoryEconomic:       0.50,
	CategoryDiplomacy:      0.35,
	CategoryOther:          0.30,
}

var categoryAliases = map[string]string{
	"armed conflict":          CategoryConflict,
	"war":                     CategoryConflict,
	"crime / terror":          CategoryTerrorism,
	"terror":                  CategoryTerrorism,
	"civil unrest":            CategoryUnrest,
	"protest":                 CategoryUnrest,
	"infrastructure / energy": CategoryInfrastructure,
	"energy":                  CategoryInfrastructure,
	"economic disruption":     CategoryEconomic,
	"economy":                 CategoryEconomic,
	"diplomacy / sanctions":   CategoryDiplomacy,
	"sanctions":               CategoryDiplomacy,
}

// NormalizeCategory maps a category label to its canonical key. Unknown
// labels map to "other".
func NormalizeCategory(category string) string {
	c := strings.ToLower(strings.TrimSpace(category))
	if _, ok := categoryWeights[c]; ok {
		return c
	}
	if canonical, ok := categoryAliases[c]; ok {
		return canonical
	}
	return CategoryOther
}

func CategoryWeight(category string) float64 {
	return categoryWeights[NormalizeCategory(category)]
}

// Components holds per-signal values in [0, 1], or per-signal contributions
// to the index when scaled by weights.
type Components struct {
	Sentiment float64 `json:"sentiment"`
	Intensity float64 `json:"intensity"`
	Category  float64 `json:"category"`
	Entity    float64 `json:"entity"`
	Recency   float64 `json:"recency"`
}

func (c Components) Total() float64 {
	return c.Sentiment + c.Intensity + c.Category + c.Entity + c.Recency
}

// Named returns the components in fixed order.
func (c Components) Named() []NamedValue {
	return []NamedValue{
		{"sentiment", c.Sentiment},
		{"intensity", c.Intensity},
		{"category", c.Category},
		{"entity", c.Entity},
		{"recency", c.Recency},
	}
}

type NamedValue struct {
	Name  string
	Value float64
}

type Score struct {
	EventID    string
	Index      float64
	Components Components
	// Contributions are weight * component * 100, summing to Index before clamping.
	Contributions Components
	Missing       []string
}

type Scorer struct {
	weights  Weights
	halfLife time.Duration
	horizon  time.Duration
}

func NewScorer() *Scorer {
	return &Scorer{
		weights:  DefaultWeights,
		halfLife: DefaultRecencyHalfLife,
		horizon:  DefaultRecencyHorizon,
	}
}

func (s *Scorer) Weights() Weights {
	return s.weights
}

func (s *Scorer) Score(e models.NormalizedEvent) Score {
	var missing []string
	component := func(name string, v *float64, transform func(float64) float64) float64 {
		if v == nil || math.IsNaN(*v) {
			missing = append(missing, name)
			return Neutral
		}
		return transform(*v)
	}

	c := Components{
		Sentiment: component("sentiment", e.Sentiment, func(p float64) float64 {
			return (1 - stats.Clamp(p, -1, 1)) / 2
		}),
		Intensity: component("intensity", e.Intensity, unit),
		Category:  CategoryWeight(e.Category),
		Entity:    component("entity", e.EntityDensity, unit),
		Recency:   s.recency(e, &missing),
	}

	contrib := Components{
		Sentiment: 100 * s.weights.Sentiment * c.Sentiment,
		Intensity: 100 * s.weights.Intensity * c.Intensity,
		Category:  100 * s.weights.Category * c.Category,
		Entity:    100 * s.weights.Entity * c.Entity,
		Recency:   100 * s.weights.Recency * c.Recency,
	}

	return Score{
		EventID:       e.ID,
		Index:         stats.Clamp(contrib.Total(), 0, 100),
		Components:    c,
		Contributions: contrib,
		Missing:       missing,
	}
}

// recency decays with the reporting lag between event and ingestion, so the
// value depends only on the record itself.
func (s *Scorer) recency(e models.NormalizedEvent, missing *[]string) float64 {
	if e.IngestedAt == nil || e.Timestamp.IsZero() {
		*missing = append(*missing, "recency")
		return Neutral
	}
	lag := e.IngestedAt.Sub(e.Timestamp)
	if lag < 0 {
		lag = 0
	}
	if lag >= s.horizon {
		return 0
	}
	return math.Exp(-math.Ln2 * float64(lag) / float64(s.halfLife))
}

func unit(v float64) float64 {
	return stats.Clamp(v, 0, 1)
}

// Aggregate is the arithmetic mean of the bucket's indices, summed in event
// ID order. It also returns the mean contribution of each component.
func Aggregate(scores []Score) (float64, Components) {
	if len(scores) == 0 {
		return 0, Components{}
	}

	sorted := make([]Score, len(scores))
	copy(sorted, scores)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].EventID < sorted[j].EventID })

	var sum float64
	var contrib Components
	for _, sc := range sorted {
		sum += sc.Index
		contrib.Sentiment += sc.Contributions.Sentiment
		contrib.Intensity += sc.Contributions.Intensity
		contrib.Category += sc.Contributions.Category
		contrib.Entity += sc.Contributions.Entity
		contrib.Recency += sc.Contributions.Recency
	}

	n := float64(len(sorted))
	contrib.Sentiment /= n
	contrib.Intensity /= n
	contrib.Category /= n
	contrib.Entity /= n
	contrib.Recency /= n
	return sum / n, contrib
}
