package analytics

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Dahilon/Atlas/internal/storage/models"
	"github.com/Dahilon/Atlas/internal/storage/sqlite"
)

var day0 = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

type fakeStore struct {
	series     []models.DailyValue
	last       time.Time
	movers     []models.Mover
	severities []float64
	model      *models.RiskTierModel
	trends     []models.TrendLabel

	seriesFrom, seriesTo time.Time
	moverLimit           int
	severityLimit        int
}

func (s *fakeStore) CountrySeverity(_ context.Context, _ string, from, to time.Time) ([]models.DailyValue, error) {
	s.seriesFrom, s.seriesTo = from, to
	return s.series, nil
}

func (s *fakeStore) LatestMetricDate(context.Context) (time.Time, bool, error) {
	return s.last, !s.last.IsZero(), nil
}

func (s *fakeStore) TopMovers(_ context.Context, limit int) ([]models.Mover, error) {
	s.moverLimit = limit
	return s.movers, nil
}

func (s *fakeStore) RecentSeverities(_ context.Context, limit int) ([]float64, error) {
	s.severityLimit = limit
	return s.severities, nil
}

func (s *fakeStore) CurrentTierModel(context.Context) (*models.RiskTierModel, error) {
	if s.model == nil {
		return nil, sqlite.ErrNotFound
	}
	return s.model, nil
}

func (s *fakeStore) Trends(_ context.Context, country string, window models.TrendWindow) ([]models.TrendLabel, error) {
	var out []models.TrendLabel
	for _, t := range s.trends {
		if (country == "" || t.Country == country) && (window == "" || t.Window == window) {
			out = append(out, t)
		}
	}
	return out, nil
}

func TestDecompositionFillsGaps(t *testing.T) {
	weekly := []float64{6, 3, 0, -2, -3, -2, -2}
	store := &fakeStore{last: day0.AddDate(0, 0, 40)}
	for i := 0; i < 28; i++ {
		if i == 10 {
			continue
		}
		store.series = append(store.series, models.DailyValue{Date: day0.AddDate(0, 0, i), Value: 40 + weekly[i%7]})
	}

	d, err := NewService(store, 7).Decomposition(context.Background(), "RU", 30)
	require.NoError(t, err)

	assert.Equal(t, day0.AddDate(0, 0, 11), store.seriesFrom)
	assert.Equal(t, day0.AddDate(0, 0, 40), store.seriesTo)

	assert.Equal(t, "RU", d.Country)
	assert.Equal(t, 7, d.Period)
	require.Len(t, d.Dates, 28)
	require.Len(t, d.Observed, 28)
	assert.Equal(t, day0.AddDate(0, 0, 10), d.Dates[10])
	assert.Equal(t, d.Observed[9], d.Observed[10], "a missing day carries the previous value")
	for i := range d.Observed {
		assert.InDelta(t, d.Observed[i], d.Trend[i]+d.Seasonal[i]+d.Residual[i], 1e-9)
	}
	assert.Greater(t, d.SeasonalStrength, 0.5)
}

func TestDecompositionNeedsTwoPeriods(t *testing.T) {
	store := &fakeStore{last: day0.AddDate(0, 0, 12)}
	for i := 0; i < 13; i++ {
		store.series = append(store.series, models.DailyValue{Date: day0.AddDate(0, 0, i), Value: 20})
	}

	_, err := NewService(store, 7).Decomposition(context.Background(), "RU", 30)
	assert.ErrorIs(t, err, ErrInsufficientData)

	_, err = NewService(&fakeStore{}, 7).Decomposition(context.Background(), "RU", 30)
	assert.ErrorIs(t, err, ErrInsufficientData)
}

func TestTopMoversJoinsTierAndTrend(t *testing.T) {
	latest := day0.AddDate(0, 0, 40)
	store := &fakeStore{
		movers: []models.Mover{
			{Country: "RU", Date: latest, Severity: 85, RiskScore: 100, EventCount: 2},
			{Country: "DE", Date: latest, Severity: 20, RiskScore: 20, EventCount: 1},
		},
		model: &models.RiskTierModel{Assignments: []models.TierAssignment{
			{Country: "RU", Tier: models.TierCritical, Percentile: 100},
		}},
		trends: []models.TrendLabel{
			{Country: "RU", Window: models.Window7d, Direction: models.TrendRising},
			{Country: "RU", Window: models.Window30d, Direction: models.TrendStable},
			{Country: "DE", Window: models.Window30d, Direction: models.TrendFalling},
		},
	}

	movers, err := NewService(store, 7).TopMovers(context.Background(), 20)
	require.NoError(t, err)
	assert.Equal(t, 20, store.moverLimit)
	require.Len(t, movers, 2)

	assert.Equal(t, models.TierCritical, movers[0].Tier)
	assert.Equal(t, 100.0, movers[0].Percentile)
	assert.Equal(t, models.TrendRising, movers[0].Trend7d)

	assert.Empty(t, movers[1].Tier)
	assert.Empty(t, movers[1].Trend7d, "only the 7-day window is joined")
}

func TestTopMoversWithoutTierModel(t *testing.T) {
	store := &fakeStore{movers: []models.Mover{{Country: "RU", Severity: 50}}}

	movers, err := NewService(store, 7).TopMovers(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, movers, 1)
	assert.Empty(t, movers[0].Tier)
}

func TestRiskDistribution(t *testing.T) {
	store := &fakeStore{
		severities: []float64{0, 19.9, 20, 55, 79.99, 80, 100},
		model: &models.RiskTierModel{
			AsOf: day0,
			Assignments: []models.TierAssignment{
				{Country: "RU", Tier: models.TierCritical},
				{Country: "UA", Tier: models.TierCritical},
				{Country: "DE", Tier: models.TierLow},
			},
		},
	}

	dist, err := NewService(store, 7).RiskDistribution(context.Background())
	require.NoError(t, err)
	assert.Equal(t, DistributionSample, store.severityLimit)

	assert.Equal(t, 7, dist.Count)
	counts := make([]int, len(dist.Bins))
	for i, b := range dist.Bins {
		counts[i] = b.Count
	}
	assert.Equal(t, []int{2, 1, 1, 1, 2}, counts)
	assert.Equal(t, 80.0, dist.Bins[4].Low)
	assert.Equal(t, 100.0, dist.Bins[4].High)

	assert.Equal(t, 0.0, dist.Stats.Min)
	assert.Equal(t, 100.0, dist.Stats.Max)
	assert.Equal(t, 55.0, dist.Stats.Median)

	assert.Equal(t, map[models.Tier]int{models.TierCritical: 2, models.TierLow: 1}, dist.Tiers)
	assert.Equal(t, day0, dist.TiersAsOf)
}

func TestRiskDistributionEmpty(t *testing.T) {
	dist, err := NewService(&fakeStore{}, 7).RiskDistribution(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, dist.Count)
	assert.Len(t, dist.Bins, 5)
	assert.Empty(t, dist.Tiers)
	assert.True(t, dist.TiersAsOf.IsZero())
}
