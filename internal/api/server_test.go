package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"impulseguard/internal/config"
	"impulseguard/internal/index"
	"impulseguard/internal/memory"
	"impulseguard/internal/mutator"
	"impulseguard/internal/pipeline"
	"impulseguard/internal/reasoner"
	"impulseguard/internal/scoring"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedCaller struct {
	reply string
}

func (s *scriptedCaller) Call(_ context.Context, _, _ string) (json.RawMessage, error) {
	return json.RawMessage(s.reply), nil
}

var defaultVerdict = `{
	"impulse_score": 0.2,
	"confidence": 0.8,
	"reasoning": "routine purchase",
	"intervention_action": "NONE",
	"memory_update": null
}`

type fixture struct {
	server *httptest.Server
	store  *memory.Store
	index  *index.Index
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Memory.Dir = t.TempDir()
	cfg.Memory.IndexDir = t.TempDir()

	store, err := memory.NewStore(cfg.Memory.Dir)
	require.NoError(t, err)
	ix, err := index.New(cfg.Memory.IndexDir, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ix.Close() })

	kernel, err := scoring.NewKernel(nil, cfg.Scoring.WeightProfile, cfg.Scoring.Prior)
	require.NoError(t, err)

	llm := &scriptedCaller{reply: defaultVerdict}
	writer := mutator.New(store, ix, llm,
		cfg.Memory.RefinementThreshold, cfg.Memory.ConsolidationSizeBytes, cfg.Memory.ConsolidationObservations)
	require.NoError(t, writer.ReindexAll(context.Background()))

	pipe := pipeline.New(kernel, store, ix, reasoner.New(llm), writer)
	srv := httptest.NewServer(NewServer(cfg, pipe, store, ix, writer, nil).Routes())
	t.Cleanup(srv.Close)

	return &fixture{server: srv, store: store, index: ix}
}

func (f *fixture) post(t *testing.T, path string, body interface{}) (*http.Response, map[string]interface{}) {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)

	resp, err := http.Post(f.server.URL+path, "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp, out
}

func (f *fixture) get(t *testing.T, path string) (*http.Response, map[string]interface{}) {
	t.Helper()
	resp, err := http.Get(f.server.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp, out
}

func analyzeBody(hour int, cost float64) map[string]interface{} {
	return map[string]interface{}{
		"product":              "Desk Lamp",
		"cost":                 cost,
		"website":              "target.com",
		"system_hour":          hour,
		"peak_scroll_velocity": 600,
		"click_count":          27,
		"time_on_site":         180,
		"time_to_cart":         120,
	}
}

func TestBanner(t *testing.T) {
	f := newFixture(t)
	resp, out := f.get(t, "/")

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "impulseguard", out["service"])
	assert.Equal(t, true, out["llm_available"])
	assert.Equal(t, true, out["scorer_available"])
	endpoints, ok := out["endpoints"].([]interface{})
	require.True(t, ok)
	assert.Contains(t, endpoints, "POST /pipeline-analyze")
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	resp, out := f.get(t, "/health")

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "healthy", out["status"])
	assert.Equal(t, true, out["memory_indexed"])
	assert.Greater(t, out["collection_count"].(float64), 0.0)
	assert.Equal(t, true, out["llm_available"])
	assert.Equal(t, true, out["scorer_available"])
}

func TestPipelineAnalyze(t *testing.T) {
	f := newFixture(t)
	resp, out := f.post(t, "/pipeline-analyze", analyzeBody(14, 24.99))

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 0.2, out["impulse_score"])
	assert.Equal(t, "NONE", out["intervention_action"])
	assert.Contains(t, out, "p_impulse_fast")
	assert.Contains(t, out, "fast_brain_intervention")
	assert.Contains(t, out, "fast_brain_dominant_trigger")
	assert.Contains(t, out, "trace")
}

func TestPipelineAnalyzeValidation(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name string
		body map[string]interface{}
		want int
	}{
		{"hour 24 rejected", analyzeBody(24, 10), http.StatusUnprocessableEntity},
		{"negative hour rejected", analyzeBody(-1, 10), http.StatusUnprocessableEntity},
		{"negative cost rejected", analyzeBody(14, -5), http.StatusUnprocessableEntity},
		{"hour 0 accepted", analyzeBody(0, 10), http.StatusOK},
		{"hour 23 accepted", analyzeBody(23, 10), http.StatusOK},
		{"zero cost accepted", analyzeBody(14, 0), http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, out := f.post(t, "/pipeline-analyze", tt.body)
			assert.Equal(t, tt.want, resp.StatusCode)
			if tt.want == http.StatusUnprocessableEntity {
				assert.Contains(t, out, "detail")
			}
		})
	}
}

func TestPipelineAnalyzeMissingTimeToCart(t *testing.T) {
	f := newFixture(t)
	body := analyzeBody(14, 24.99)
	delete(body, "time_to_cart")

	resp, _ := f.post(t, "/pipeline-analyze", body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body["time_to_cart"] = nil
	resp, _ = f.post(t, "/pipeline-analyze", body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestSyncMemory(t *testing.T) {
	f := newFixture(t)
	resp, out := f.post(t, "/sync-memory", map[string]interface{}{})

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "success", out["status"])
	assert.Equal(t, 4.0, out["files_indexed"])
}

func TestUpdatePreferences(t *testing.T) {
	f := newFixture(t)
	resp, out := f.post(t, "/update-preferences", map[string]interface{}{
		"budget":      500.0,
		"threshold":   75.0,
		"sensitivity": "high",
	})

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "success", out["status"])
	assert.Equal(t, true, out["budget_updated"])
	assert.Equal(t, false, out["goals_routed"])

	content, err := f.store.Read(memory.FileBudget)
	require.NoError(t, err)
	assert.Contains(t, content, "$500.00")
	assert.Contains(t, content, "$75.00")
	assert.Contains(t, content, "high")
}

func TestUpdatePreferencesRoutesGoals(t *testing.T) {
	f := newFixture(t)
	resp, out := f.post(t, "/update-preferences", map[string]interface{}{
		"budget":          500.0,
		"threshold":       75.0,
		"financial_goals": "Save $3000 for an emergency fund by December",
	})

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, out["goals_routed"])

	content, err := f.store.Read(memory.FileGoals)
	require.NoError(t, err)
	assert.Contains(t, content, "emergency fund")
}

func TestUpdatePreferencesZeroValues(t *testing.T) {
	f := newFixture(t)
	resp, out := f.post(t, "/update-preferences", map[string]interface{}{
		"budget":    0,
		"threshold": 0,
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, out["budget_updated"])
}

func TestUpdatePreferencesMissingBudgetFile(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, os.Remove(f.store.Path(memory.FileBudget)))

	resp, out := f.post(t, "/update-preferences", map[string]interface{}{
		"budget": 500.0,
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "error", out["status"])
	assert.Equal(t, false, out["budget_updated"])
}

func TestResetMemory(t *testing.T) {
	f := newFixture(t)

	// Dirty a file first
	require.NoError(t, f.store.WithLock(memory.FileBehavior, func() error {
		return f.store.WriteVerified(memory.FileBehavior, "# scribbles\n- junk\n")
	}))

	resp, out := f.post(t, "/reset-memory", map[string]interface{}{})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "success", out["status"])
	assert.Equal(t, 4.0, out["files_reset"])

	content, err := f.store.Read(memory.FileBehavior)
	require.NoError(t, err)
	assert.Equal(t, memory.Template(memory.FileBehavior), content)
}

func TestConsolidateMemory(t *testing.T) {
	f := newFixture(t)
	resp, out := f.post(t, "/consolidate-memory", map[string]interface{}{})

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "success", out["status"])
	assert.Equal(t, "Consolidated 0 file(s)", out["message"])

	results, ok := out["results"].(map[string]interface{})
	require.True(t, ok)
	require.Len(t, results, 4)
	for file, raw := range results {
		report := raw.(map[string]interface{})
		assert.Equal(t, "skipped", report["status"], file)
		assert.Contains(t, report, "old_size", file)
		assert.Contains(t, report, "new_size", file)
	}
}

func TestRequestIDPropagation(t *testing.T) {
	f := newFixture(t)

	req, err := http.NewRequest("GET", f.server.URL+"/health", nil)
	require.NoError(t, err)
	req.Header.Set("X-Request-ID", "abc-123")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "abc-123", resp.Header.Get("X-Request-ID"))
}

func TestMalformedJSONRejected(t *testing.T) {
	f := newFixture(t)
	resp, err := http.Post(f.server.URL+"/pipeline-analyze", "application/json", bytes.NewReader([]byte("{not json")))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
}
