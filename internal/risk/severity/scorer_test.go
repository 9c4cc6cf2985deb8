package severity

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/Dahilon/Atlas/internal/storage/models"
)

func f(v float64) *float64 { return &v }

func event(id, category string, polarity, intensity, entity *float64, lag *time.Duration) models.NormalizedEvent {
	ts := time.Date(2024, 2, 1, 12, 0, 0, 0, time.UTC)
	e := models.NormalizedEvent{
		ID:            id,
		Timestamp:     ts,
		Country:       "RU",
		Category:      category,
		Sentiment:     polarity,
		Intensity:     intensity,
		EntityDensity: entity,
	}
	if lag != nil {
		ingested := ts.Add(*lag)
		e.IngestedAt = &ingested
	}
	return e
}

func TestWeightsSumToOne(t *testing.T) {
	assert.InDelta(t, 1.0, DefaultWeights.Sum(), 1e-12)
}

func TestScoreBounds(t *testing.T) {
	s := NewScorer()
	zero := time.Duration(0)
	old := 40 * 24 * time.Hour

	hi := s.Score(event("a", "conflict", f(-1), f(1), f(1), &zero))
	assert.InDelta(t, 100.0, hi.Index, 1e-9)

	lo := s.Score(event("b", "diplomacy", f(1), f(0), f(0), &old))
	assert.InDelta(t, 7.0, lo.Index, 1e-9)

	clamped := s.Score(event("c", "conflict", f(-5), f(7), f(3), &zero))
	assert.LessOrEqual(t, clamped.Index, 100.0)
	assert.GreaterOrEqual(t, clamped.Index, 0.0)
}

func TestScoreMissingInputsAreNeutral(t *testing.T) {
	s := NewScorer()
	sc := s.Score(event("a", "other", nil, nil, nil, nil))

	assert.Equal(t, []string{"sentiment", "intensity", "entity", "recency"}, sc.Missing)
	// 0.5 on everything except category (0.30 weight * 0.2)
	want := 100 * (0.30*0.5 + 0.25*0.5 + 0.20*0.30 + 0.15*0.5 + 0.10*0.5)
	assert.InDelta(t, want, sc.Index, 1e-9)
	assert.Greater(t, sc.Index, 0.0)
}

func TestRecencyDecay(t *testing.T) {
	s := NewScorer()
	halfLife := 72 * time.Hour
	horizon := 30 * 24 * time.Hour

	sc := s.Score(event("a", "conflict", f(0), f(0), f(0), &halfLife))
	assert.InDelta(t, 0.5, sc.Components.Recency, 1e-12)

	sc = s.Score(event("b", "conflict", f(0), f(0), f(0), &horizon))
	assert.Equal(t, 0.0, sc.Components.Recency)

	neg := -time.Hour
	sc = s.Score(event("c", "conflict", f(0), f(0), f(0), &neg))
	assert.Equal(t, 1.0, sc.Components.Recency)
}

func TestScoreReferenceValues(t *testing.T) {
	s := NewScorer()
	zero := time.Duration(0)
	old := 40 * 24 * time.Hour

	calm := s.Score(event("calm", "conflict", f(1), f(0), f(0), &old))
	assert.InDelta(t, 20.0, calm.Index, 1e-9)

	hot := s.Score(event("hot", "conflict", f(-1), f(1), f(0), &zero))
	assert.InDelta(t, 85.0, hot.Index, 1e-9)
	assert.InDelta(t, 30.0, hot.Contributions.Sentiment, 1e-9)
	assert.InDelta(t, 25.0, hot.Contributions.Intensity, 1e-9)
	assert.InDelta(t, 20.0, hot.Contributions.Category, 1e-9)
	assert.InDelta(t, 10.0, hot.Contributions.Recency, 1e-9)
}

func TestNormalizeCategory(t *testing.T) {
	tests := map[string]string{
		"conflict":              CategoryConflict,
		"Armed Conflict":        CategoryConflict,
		" Crime / Terror ":      CategoryTerrorism,
		"Diplomacy / Sanctions": CategoryDiplomacy,
		"weather":               CategoryOther,
		"":                      CategoryOther,
	}
	for in, want := range tests {
		assert.Equal(t, want, NormalizeCategory(in), in)
	}
	assert.Equal(t, 0.85, CategoryWeight("terrorism"))
}

func TestAggregateOrderIndependent(t *testing.T) {
	s := NewScorer()
	zero := time.Duration(0)
	a := s.Score(event("a", "conflict", f(0.3), f(0.1), f(0.7), &zero))
	b := s.Score(event("b", "unrest", f(-0.2), f(0.9), f(0.1), &zero))
	c := s.Score(event("c", "economic", f(-0.9), f(0.4), f(0.2), nil))

	m1, c1 := Aggregate([]Score{a, b, c})
	m2, c2 := Aggregate([]Score{c, a, b})
	assert.Equal(t, m1, m2)
	assert.Equal(t, c1, c2)
	assert.InDelta(t, (a.Index+b.Index+c.Index)/3, m1, 1e-9)
	assert.InDelta(t, m1, c1.Total(), 1e-9)

	empty, _ := Aggregate(nil)
	assert.Equal(t, 0.0, empty)
}

func TestScoreIgnoresNaN(t *testing.T) {
	s := NewScorer()
	sc := s.Score(event("a", "conflict", f(math.NaN()), f(0), f(0), nil))
	assert.Contains(t, sc.Missing, "sentiment")
	assert.False(t, math.IsNaN(sc.Index))
}
