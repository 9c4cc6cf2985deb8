package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Dahilon/Atlas/internal/storage/models"
	"github.com/Dahilon/Atlas/pkg/circuitbreaker"
)

func unreachableClient(t *testing.T) *Client {
	t.Helper()
	c := newClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	}, "atlas", time.Hour)
	t.Cleanup(func() { c.Close() })
	return c
}

func localClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	c := newClient(&redis.Options{Addr: mr.Addr()}, "atlas", time.Hour)
	t.Cleanup(func() { c.Close() })
	return c, mr
}

func labels(runID string, countries ...string) []models.TrendLabel {
	var out []models.TrendLabel
	for _, country := range countries {
		for _, w := range []models.TrendWindow{models.Window7d, models.Window30d} {
			out = append(out, models.TrendLabel{Country: country, Window: w, Direction: models.TrendRising, RunID: runID})
		}
	}
	return out
}

func TestKeys(t *testing.T) {
	c := unreachableClient(t)
	assert.Equal(t, "atlas:tiers:current", c.tierKey())
	assert.Equal(t, "atlas:trends", c.trendsKey())
	assert.Equal(t, "atlas:snapshot:seq", c.seqKey())
}

func TestPublishAndRead(t *testing.T) {
	c, mr := localClient(t)
	ctx := context.Background()

	_, found, err := c.TierModel(ctx)
	require.NoError(t, err)
	assert.False(t, found)

	model := &models.RiskTierModel{Method: models.TierMethodJenks, RunID: "run-1", Boundaries: []float64{10, 30, 50, 70}}
	require.NoError(t, c.PublishSnapshot(ctx, 1, model, labels("run-1", "RU", "UA")))

	got, found, err := c.TierModel(ctx)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "run-1", got.RunID)
	assert.Equal(t, []float64{10, 30, 50, 70}, got.Boundaries)

	trends, found, err := c.Trends(ctx, "UA")
	require.NoError(t, err)
	require.True(t, found)
	require.Len(t, trends, 2)
	assert.Equal(t, "UA", trends[0].Country)

	assert.Equal(t, time.Hour, mr.TTL("atlas:tiers:current"))
	assert.Equal(t, time.Hour, mr.TTL("atlas:trends"))
}

func TestPublishReplacesTrendSet(t *testing.T) {
	c, _ := localClient(t)
	ctx := context.Background()

	require.NoError(t, c.PublishSnapshot(ctx, 1, &models.RiskTierModel{RunID: "run-1"}, labels("run-1", "AA", "BB")))
	require.NoError(t, c.PublishSnapshot(ctx, 2, &models.RiskTierModel{RunID: "run-2"}, labels("run-2", "AA")))

	_, found, err := c.Trends(ctx, "BB")
	require.NoError(t, err)
	assert.False(t, found, "a country missing from the latest run must not be served")

	trends, found, err := c.Trends(ctx, "AA")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "run-2", trends[0].RunID)

	require.NoError(t, c.PublishSnapshot(ctx, 3, &models.RiskTierModel{RunID: "run-3"}, nil))
	_, found, err = c.Trends(ctx, "AA")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestPublishDropsOlderRun(t *testing.T) {
	c, _ := localClient(t)
	ctx := context.Background()

	require.NoError(t, c.PublishSnapshot(ctx, 5, &models.RiskTierModel{RunID: "run-5"}, labels("run-5", "ZZ")))
	require.NoError(t, c.PublishSnapshot(ctx, 4, &models.RiskTierModel{RunID: "run-4"}, labels("run-4", "RU")))

	got, found, err := c.TierModel(ctx)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "run-5", got.RunID)

	_, found, err = c.Trends(ctx, "ZZ")
	require.NoError(t, err)
	assert.True(t, found)
	_, found, err = c.Trends(ctx, "RU")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestPublishFailureInvalidatesSnapshot(t *testing.T) {
	c, mr := localClient(t)
	ctx := context.Background()

	require.NoError(t, c.PublishSnapshot(ctx, 1, &models.RiskTierModel{RunID: "run-1"}, labels("run-1", "RU")))
	require.NoError(t, mr.Set("atlas:snapshot:seq", "not-a-seq"))

	err := c.PublishSnapshot(ctx, 2, &models.RiskTierModel{RunID: "run-2"}, labels("run-2", "RU"))
	require.Error(t, err)

	assert.False(t, mr.Exists("atlas:tiers:current"))
	assert.False(t, mr.Exists("atlas:trends"))
	assert.True(t, mr.Exists("atlas:snapshot:seq"))

	_, found, err := c.TierModel(ctx)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestPublishOpensBreakerWhenUnreachable(t *testing.T) {
	c := unreachableClient(t)
	ctx := context.Background()
	model := &models.RiskTierModel{Method: models.TierMethodFixed, RunID: "run-1"}
	trends := []models.TrendLabel{{Country: "RU", Window: models.Window7d, Direction: models.TrendStable}}

	for i := 0; i < 3; i++ {
		err := c.PublishSnapshot(ctx, 1, model, trends)
		require.Error(t, err)
		assert.NotErrorIs(t, err, circuitbreaker.ErrCircuitOpen)
	}
	assert.Equal(t, circuitbreaker.StateOpen, c.BreakerState())

	err := c.PublishSnapshot(ctx, 1, model, trends)
	assert.ErrorIs(t, err, circuitbreaker.ErrCircuitOpen)

	_, found, err := c.TierModel(ctx)
	assert.False(t, found)
	assert.ErrorIs(t, err, circuitbreaker.ErrCircuitOpen)
}

func TestPublishHonoursCanceledContext(t *testing.T) {
	c := unreachableClient(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := c.PublishSnapshot(ctx, 1, &models.RiskTierModel{}, nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, circuitbreaker.StateClosed, c.BreakerState())
}
