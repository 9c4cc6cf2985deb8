package tier

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Dahilon/Atlas/internal/storage/models"
)

func samplesOf(values ...float64) []Sample {
	out := make([]Sample, len(values))
	for i, v := range values {
		out[i] = Sample{Country: fmt.Sprintf("C%03d", i), Severity: v}
	}
	return out
}

func TestJenksBreaksSeparatesClusters(t *testing.T) {
	values := []float64{1, 2, 3, 20, 21, 22, 40, 41, 42, 60, 61, 62, 90, 91, 92}
	breaks, err := JenksBreaks(values, 5)
	require.NoError(t, err)
	assert.Equal(t, []float64{11.5, 31, 51, 76}, breaks)
}

func TestJenksBreaksKeepsTiesTogether(t *testing.T) {
	values := []float64{5, 5, 5, 5, 6, 30, 30, 31, 55, 55, 56, 80, 80, 80, 99}
	breaks, err := JenksBreaks(values, 5)
	require.NoError(t, err)
	require.NoError(t, ValidateBoundaries(breaks, 5))
	for _, b := range breaks {
		for _, v := range values {
			assert.NotEqual(t, b, v)
		}
	}
}

func TestJenksBreaksRejectsTooFewDistinct(t *testing.T) {
	_, err := JenksBreaks([]float64{1, 1, 2, 2, 3, 3}, 5)
	assert.Error(t, err)
}

func TestFitUniformSnapshotPartitionsRange(t *testing.T) {
	values := make([]float64, 100)
	for i := range values {
		values[i] = float64(i) * 100 / 99
	}

	c := NewClassifier(DefaultParams())
	m, err := c.Fit(samplesOf(values...))
	require.NoError(t, err)

	assert.Equal(t, models.TierMethodJenks, m.Method)
	assert.False(t, m.Degraded)
	assert.Equal(t, 100, m.NSamples)
	require.NoError(t, ValidateBoundaries(m.Boundaries, 5))

	require.Len(t, m.TierRanges, 5)
	assert.Equal(t, 0.0, m.TierRanges[0].Low)
	assert.Equal(t, 100.0, m.TierRanges[4].High)
	for i := 1; i < len(m.TierRanges); i++ {
		assert.Equal(t, m.TierRanges[i-1].High, m.TierRanges[i].Low)
		assert.Less(t, m.TierRanges[i].Low, m.TierRanges[i].High)
	}

	counts := map[models.Tier]int{}
	for _, a := range m.Assignments {
		counts[a.Tier]++
	}
	for _, tier := range models.Tiers {
		assert.Positive(t, counts[tier], string(tier))
	}
}

func TestFitFallsBackOnSmallSnapshot(t *testing.T) {
	c := NewClassifier(DefaultParams())
	m, err := c.Fit(samplesOf(5, 15, 25, 35, 45, 55, 65, 75, 85, 95))

	require.ErrorIs(t, err, ErrModelFit)
	require.NotNil(t, m)
	assert.Equal(t, models.TierMethodFixed, m.Method)
	assert.True(t, m.Degraded)
	assert.NotEmpty(t, m.DegradedReason)
	assert.Equal(t, []float64{20, 40, 60, 80}, m.Boundaries)

	a, ok := m.Assignment("C000")
	require.True(t, ok)
	assert.Equal(t, models.TierInfo, a.Tier)
	a, _ = m.Assignment("C009")
	assert.Equal(t, models.TierCritical, a.Tier)
}

func TestFitFallsBackOnFewDistinctValues(t *testing.T) {
	values := make([]float64, 20)
	for i := range values {
		values[i] = float64(10 * (i % 3))
	}
	c := NewClassifier(DefaultParams())
	m, err := c.Fit(samplesOf(values...))
	assert.ErrorIs(t, err, ErrModelFit)
	assert.Equal(t, models.TierMethodFixed, m.Method)
}

func TestFitEmptySnapshot(t *testing.T) {
	c := NewClassifier(DefaultParams())
	m, err := c.Fit(nil)
	assert.ErrorIs(t, err, ErrModelFit)
	assert.Empty(t, m.Assignments)
	assert.Len(t, m.TierRanges, 5)
}

func TestFitIsOrderIndependent(t *testing.T) {
	c := NewClassifier(DefaultParams())
	s := samplesOf(3, 97, 12, 45, 66, 70, 81, 22, 38, 59, 91, 8, 14, 50, 77, 33, 28)
	reversed := make([]Sample, len(s))
	for i := range s {
		reversed[len(s)-1-i] = s[i]
	}

	m1, err1 := c.Fit(s)
	m2, err2 := c.Fit(reversed)
	require.NoError(t, err1)
	require.NoError(t, err2)
	assert.Equal(t, m1, m2)
}

func TestAssignHalfOpenRanges(t *testing.T) {
	b := []float64{20, 40, 60, 80}
	tests := []struct {
		score float64
		want  models.Tier
	}{
		{0, models.TierInfo},
		{19.999, models.TierInfo},
		{20, models.TierLow},
		{59.9, models.TierMedium},
		{60, models.TierHigh},
		{80, models.TierCritical},
		{100, models.TierCritical},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Assign(tt.score, b), "score %v", tt.score)
	}
}

func TestPercentile(t *testing.T) {
	all := []float64{10, 20, 30, 40}
	assert.Equal(t, 50.0, Percentile(20, all))
	assert.Equal(t, 100.0, Percentile(40, all))
	assert.Equal(t, 25.0, Percentile(10, all))
	assert.Equal(t, 50.0, Percentile(1, nil))
	assert.Equal(t, 33.3, Percentile(1, []float64{1, 2, 3}))
}

func TestPublishIsAtomicSnapshot(t *testing.T) {
	c := NewClassifier(DefaultParams())
	assert.Nil(t, c.Current())

	m := &models.RiskTierModel{Method: models.TierMethodFixed}
	assert.True(t, c.Publish(m, 2))
	assert.Same(t, m, c.Current())

	older := &models.RiskTierModel{Method: models.TierMethodJenks}
	assert.False(t, c.Publish(older, 1), "a model from an earlier commit never replaces a later one")
	assert.Same(t, m, c.Current())

	newer := &models.RiskTierModel{Method: models.TierMethodJenks}
	assert.True(t, c.Publish(newer, 3))
	assert.Same(t, newer, c.Current())
}

func TestValidateBoundaries(t *testing.T) {
	assert.NoError(t, ValidateBoundaries([]float64{20, 40, 60, 80}, 5))
	assert.Error(t, ValidateBoundaries([]float64{20, 20, 60, 80}, 5))
	assert.Error(t, ValidateBoundaries([]float64{0, 40, 60, 80}, 5))
	assert.Error(t, ValidateBoundaries([]float64{20, 40, 60, 100}, 5))
	assert.Error(t, ValidateBoundaries([]float64{20, 40, 60}, 5))
}
