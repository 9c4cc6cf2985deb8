package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Dahilon/Atlas/internal/analytics"
	"github.com/Dahilon/Atlas/internal/middleware/ratelimit"
	"github.com/Dahilon/Atlas/internal/pipeline"
	"github.com/Dahilon/Atlas/internal/storage/models"
	"github.com/Dahilon/Atlas/internal/storage/sqlite"
	"github.com/Dahilon/Atlas/pkg/config"
)

var day0 = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

type fixture struct {
	app   *fiber.App
	store *sqlite.Client
}

func newFixture(t *testing.T, mutate func(*Deps)) *fixture {
	t.Helper()

	store, err := sqlite.NewClient(filepath.Join(t.TempDir(), "atlas.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.InitSchema())

	cfg := config.Defaults()
	orch := pipeline.NewOrchestrator(store, cfg.Engine, cfg.Server.MaxBatchEvents)

	deps := Deps{
		Runner:    orch,
		Ingest:    orch.Ingestor(),
		Store:     store,
		Analytics: analytics.NewService(store, cfg.Engine.SeasonalPeriod),
		Events:    store,
		Checks:    map[string]Pinger{"sqlite": store},
	}
	if mutate != nil {
		mutate(&deps)
	}

	return &fixture{app: NewApp(cfg.Server, deps), store: store}
}

func (f *fixture) do(t *testing.T, method, path, contentType string, body []byte) (*http.Response, map[string]any) {
	t.Helper()

	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := f.app.Test(req, -1)
	require.NoError(t, err)

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	var out map[string]any
	if len(data) > 0 {
		require.NoError(t, json.Unmarshal(data, &out), string(data))
	}
	return resp, out
}

func fp(v float64) *float64 { return &v }

func ndjson(t *testing.T) []byte {
	t.Helper()

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	write := func(id string, day time.Time, polarity, intensity float64, lag time.Duration) {
		ts := day.Add(6 * time.Hour)
		ingested := ts.Add(lag)
		require.NoError(t, enc.Encode(models.NormalizedEvent{
			ID:            id,
			Timestamp:     ts,
			IngestedAt:    &ingested,
			Country:       "RU",
			Category:      "Armed Conflict",
			Sentiment:     fp(polarity),
			Intensity:     fp(intensity),
			EntityDensity: fp(0),
		}))
	}

	for i := 0; i < 40; i++ {
		write(fmt.Sprintf("ru-%02d", i), day0.AddDate(0, 0, i), 1, 0, 40*24*time.Hour)
	}
	write("ru-spike", day0.AddDate(0, 0, 40), -1, 1, 0)
	return buf.Bytes()
}

func TestBatchThenQueries(t *testing.T) {
	f := newFixture(t, nil)

	resp, body := f.do(t, "POST", "/api/v1/pipeline/batch", "application/x-ndjson", ndjson(t))
	require.Equal(t, fiber.StatusOK, resp.StatusCode, body)
	run := body["run"].(map[string]any)
	assert.Equal(t, "batch", run["trigger"])
	assert.Equal(t, "committed", run["status"])
	assert.Equal(t, "no-store", resp.Header.Get("Cache-Control"))

	resp, body = f.do(t, "GET", "/api/v1/spikes?country=ru", "", nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 1, body["count"])
	spike := body["spikes"].([]any)[0].(map[string]any)
	assert.Equal(t, "conflict", spike["category"])
	assert.Equal(t, []any{"ru-spike"}, spike["evidence_event_ids"])

	resp, body = f.do(t, "GET", "/api/v1/metrics/daily?country=RU&category=armed%20conflict&from=2024-04-01", "", nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 10, body["count"])

	resp, body = f.do(t, "GET", "/api/v1/tiers/current", "", nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, "miss", resp.Header.Get("X-Cache"))
	assert.Equal(t, "fixed", body["method"])

	resp, body = f.do(t, "GET", "/api/v1/trends/ru?window=7d", "", nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Len(t, body["trends"], 1)

	resp, body = f.do(t, "GET", "/api/v1/runs", "", nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Len(t, body["runs"], 1)

	resp, _ = f.do(t, "GET", "/api/v1/runs/"+run["id"].(string), "", nil)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)

	resp, _ = f.do(t, "GET", "/api/v1/runs/does-not-exist", "", nil)
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)
}

func TestReEnrichEndpoint(t *testing.T) {
	f := newFixture(t, nil)

	resp, _ := f.do(t, "POST", "/api/v1/pipeline/re-enrich", "application/json", []byte(`{"from":"2024-03-01","to":"2024-03-10"}`))
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode, "nothing stored yet")

	resp, _ = f.do(t, "POST", "/api/v1/pipeline/batch", "application/x-ndjson", ndjson(t))
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	resp, body := f.do(t, "POST", "/api/v1/pipeline/re-enrich", "application/json", []byte(`{"from":"2024-03-01","to":"2024-12-31"}`))
	require.Equal(t, fiber.StatusOK, resp.StatusCode, body)
	run := body["run"].(map[string]any)
	assert.Equal(t, "re_enrich", run["trigger"])
	assert.True(t, strings.HasPrefix(run["range_to"].(string), "2024-04-10"))

	resp, _ = f.do(t, "POST", "/api/v1/pipeline/re-enrich", "application/json", []byte(`{"from":"2024-3-1","to":"2024-03-10"}`))
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)

	resp, _ = f.do(t, "POST", "/api/v1/pipeline/re-enrich", "application/json", []byte(`{"from":"2020-01-01","to":"2024-03-10"}`))
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode, "span too long")

	resp, _ = f.do(t, "POST", "/api/v1/pipeline/re-enrich", "application/json", []byte(`{"from":"2024-03-10","to":"2024-03-01"}`))
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
}

func TestInvalidBatchRejected(t *testing.T) {
	f := newFixture(t, nil)

	resp, body := f.do(t, "POST", "/api/v1/pipeline/batch", "application/json",
		[]byte(`[{"id":"a","timestamp":"2024-03-01T00:00:00Z","country":"Russia","category":"conflict"}]`))
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, body["error"], "invalid batch")

	resp, _ = f.do(t, "POST", "/api/v1/pipeline/batch", "text/plain", []byte(`x`))
	assert.Equal(t, fiber.StatusUnsupportedMediaType, resp.StatusCode)

	runs, err := f.store.Runs(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestTriggerRateLimit(t *testing.T) {
	limiter := ratelimit.New(ratelimit.Config{MaxRequestsPerMinute: 1})
	f := newFixture(t, func(d *Deps) { d.Limiter = limiter })

	resp, _ := f.do(t, "POST", "/api/v1/pipeline/re-enrich", "application/json", []byte(`{"from":"2024-03-01","to":"2024-03-02"}`))
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)

	resp, _ = f.do(t, "POST", "/api/v1/pipeline/re-enrich", "application/json", []byte(`{"from":"2024-03-01","to":"2024-03-02"}`))
	assert.Equal(t, fiber.StatusTooManyRequests, resp.StatusCode)

	resp, _ = f.do(t, "GET", "/api/v1/runs", "", nil)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode, "queries are not limited")
}

type stubCache struct {
	model *models.RiskTierModel
}

func (s stubCache) TierModel(context.Context) (*models.RiskTierModel, bool, error) {
	return s.model, s.model != nil, nil
}

func (s stubCache) Trends(context.Context, string) ([]models.TrendLabel, bool, error) {
	return []models.TrendLabel{
		{Country: "UA", Window: models.Window7d, Direction: models.TrendRising},
		{Country: "UA", Window: models.Window30d, Direction: models.TrendStable},
	}, true, nil
}

func TestCachedSnapshot(t *testing.T) {
	cached := &models.RiskTierModel{Method: models.TierMethodJenks, RunID: "cached-run"}
	f := newFixture(t, func(d *Deps) { d.Cache = stubCache{model: cached} })

	resp, body := f.do(t, "GET", "/api/v1/tiers/current", "", nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, "hit", resp.Header.Get("X-Cache"))
	assert.Equal(t, "cached-run", body["run_id"])

	resp, body = f.do(t, "GET", "/api/v1/trends/UA?window=30d", "", nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	trends := body["trends"].([]any)
	require.Len(t, trends, 1)
	assert.Equal(t, "stable", trends[0].(map[string]any)["direction"])
}

func TestNoTierModelYet(t *testing.T) {
	f := newFixture(t, nil)
	resp, _ := f.do(t, "GET", "/api/v1/tiers/current", "", nil)
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t, nil)

	resp, body := f.do(t, "GET", "/api/v1/health", "", nil)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, "healthy", body["status"])
	assert.EqualValues(t, 0, body["events"])

	resp, _ = f.do(t, "POST", "/api/v1/pipeline/batch", "application/x-ndjson", ndjson(t))
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	_, body = f.do(t, "GET", "/api/v1/health", "", nil)
	assert.EqualValues(t, 41, body["events"])

	req := httptest.NewRequest("GET", "/metrics", nil)
	mresp, err := f.app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, mresp.StatusCode)
}

func TestAnalyticsEndpoints(t *testing.T) {
	f := newFixture(t, nil)

	resp, _ := f.do(t, "GET", "/api/v1/analytics/decomposition/RU", "", nil)
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode, "nothing committed yet")

	resp, body := f.do(t, "GET", "/api/v1/analytics/top-movers", "", nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 0, body["count"])
	assert.Equal(t, []any{}, body["movers"])

	resp, _ = f.do(t, "POST", "/api/v1/pipeline/batch", "application/x-ndjson", ndjson(t))
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	resp, body = f.do(t, "GET", "/api/v1/analytics/decomposition/ru?days=30", "", nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode, body)
	assert.Equal(t, "RU", body["country"])
	assert.EqualValues(t, 7, body["period"])
	assert.Len(t, body["observed"], 30)
	assert.Len(t, body["residual"], 30)
	assert.Contains(t, body, "seasonal_strength")

	resp, _ = f.do(t, "GET", "/api/v1/analytics/decomposition/RU?days=7", "", nil)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
	resp, _ = f.do(t, "GET", "/api/v1/analytics/decomposition/Russia", "", nil)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)

	resp, body = f.do(t, "GET", "/api/v1/analytics/top-movers?limit=5", "", nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	require.EqualValues(t, 1, body["count"])
	mover := body["movers"].([]any)[0].(map[string]any)
	assert.Equal(t, "RU", mover["country"])
	assert.True(t, strings.HasPrefix(mover["date"].(string), "2024-04-10"))
	assert.EqualValues(t, 1, mover["event_count"])
	assert.NotEmpty(t, mover["tier"])

	resp, _ = f.do(t, "GET", "/api/v1/analytics/top-movers?limit=0", "", nil)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)

	resp, body = f.do(t, "GET", "/api/v1/analytics/risk-distribution", "", nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 41, body["count"])
	bins := body["bins"].([]any)
	require.Len(t, bins, 5)
	total := 0.0
	for _, b := range bins {
		total += b.(map[string]any)["count"].(float64)
	}
	assert.Equal(t, 41.0, total)
	assert.NotEmpty(t, body["tiers"])
}
