package handlers_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/queryforge/queryforge/internal/api"
	"github.com/queryforge/queryforge/internal/api/handlers"
	"github.com/queryforge/queryforge/internal/config"
	"github.com/queryforge/queryforge/internal/gateway"
	"github.com/queryforge/queryforge/internal/pipeline"
	"github.com/queryforge/queryforge/internal/sandbox"
	"github.com/queryforge/queryforge/internal/store"
	"github.com/queryforge/queryforge/pkg/models"
)

const mappingJSON = `{
  "tables": [{"name": "orders", "schema": "sales", "columns": ["id", "amount"]}],
  "relationships": [],
  "output_columns": [{"table": "orders", "column": "amount", "alias": "amount"}],
  "filters": [],
  "business_logic": [],
  "metadata": {}
}`

// jsonEchoCompleter answers discovery with the canned mapping and build
// prompts with a trivial fragment.
type jsonEchoCompleter struct{}

func (jsonEchoCompleter) Complete(_ context.Context, req *gateway.CompletionRequest) (*gateway.Completion, error) {
	text := "SELECT 1"
	switch {
	case strings.Contains(req.Prompt, "CONTENT TO ANALYZE"):
		text = mappingJSON
	case strings.Contains(req.Prompt, "select list"):
		text = "orders.amount AS amount"
	}
	return &gateway.Completion{Text: text, TokensIn: 10, TokensOut: 10, CostUSD: 0.0001}, nil
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	cfg := &config.Config{
		Version: "test",
		Budget:  config.BudgetConfig{DefaultMaxTokens: 100_000, DefaultMaxCostUSD: 1.0, ReserveFraction: 0.10},
		Pipeline: config.PipelineConfig{
			DefaultTimeout: 5 * time.Second,
		},
		Providers: []models.ProviderConfig{{Name: "stub", Kind: "stub", Priority: 1, APIKey: "secret"}},
	}
	st := store.NewMemoryStore(0)
	t.Cleanup(func() { st.Close() })

	p, err := pipeline.New(cfg, jsonEchoCompleter{}, sandbox.StaticChecker{}, st)
	require.NoError(t, err)

	h := handlers.New(st, p, cfg.Providers)
	srv := httptest.NewServer(api.NewRouter(cfg, h))
	t.Cleanup(srv.Close)
	return srv
}

func postGenerate(t *testing.T, srv *httptest.Server, req *models.GenerationRequest) *models.GenerationRun {
	t.Helper()
	body, _ := json.Marshal(req)
	resp, err := http.Post(srv.URL+"/api/v1/generate", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var run models.GenerationRun
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&run))
	require.NotEmpty(t, run.ID)
	return &run
}

func getRun(t *testing.T, srv *httptest.Server, id string) *models.GenerationRun {
	t.Helper()
	resp, err := http.Get(srv.URL + "/api/v1/runs/" + id)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var run models.GenerationRun
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&run))
	return &run
}

func waitForRun(t *testing.T, srv *httptest.Server, id string) *models.GenerationRun {
	t.Helper()
	var run *models.GenerationRun
	require.Eventually(t, func() bool {
		run = getRun(t, srv, id)
		return run.Status != models.RunRunning
	}, 3*time.Second, 10*time.Millisecond)
	return run
}

func TestGenerateAndFetchRun(t *testing.T) {
	srv := newTestServer(t)

	run := postGenerate(t, srv, &models.GenerationRequest{Spec: "orders document"})
	final := waitForRun(t, srv, run.ID)

	assert.Equal(t, models.RunCompleted, final.Status)
	assert.Contains(t, final.SQL, "WITH orders AS")

	// The plain-SQL endpoint returns the statement verbatim.
	resp, err := http.Get(srv.URL + "/api/v1/runs/" + run.ID + "/sql")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/plain")
}

func TestGenerate_RejectsBadRequests(t *testing.T) {
	srv := newTestServer(t)

	resp, err := http.Post(srv.URL+"/api/v1/generate", "application/json", strings.NewReader("{"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Post(srv.URL+"/api/v1/generate", "application/json", strings.NewReader(`{"spec":""}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGetRun_NotFound(t *testing.T) {
	srv := newTestServer(t)

	resp, err := http.Get(srv.URL + "/api/v1/runs/nope")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestListRuns_FiltersByStatus(t *testing.T) {
	srv := newTestServer(t)

	run := postGenerate(t, srv, &models.GenerationRequest{Spec: "doc"})
	waitForRun(t, srv, run.ID)

	resp, err := http.Get(srv.URL + "/api/v1/runs?status=completed")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var runs []models.GenerationRun
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&runs))
	require.Len(t, runs, 1)
	assert.Equal(t, run.ID, runs[0].ID)
}

func TestStreamEvents_ReplaysFinishedRun(t *testing.T) {
	srv := newTestServer(t)

	run := postGenerate(t, srv, &models.GenerationRequest{Spec: "doc"})
	waitForRun(t, srv, run.ID)

	req, _ := http.NewRequest("GET", srv.URL+"/api/v1/runs/"+run.ID+"/events", nil)
	req.Header.Set("Last-Event-ID", "2")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/event-stream")

	var ids []string
	var lastData string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if rest, ok := strings.CutPrefix(line, "id: "); ok {
			ids = append(ids, rest)
		}
		if rest, ok := strings.CutPrefix(line, "data: "); ok {
			lastData = rest
		}
	}
	require.NotEmpty(t, ids)
	assert.Equal(t, "3", ids[0], "replay must resume after Last-Event-ID")

	var last models.ProgressEvent
	require.NoError(t, json.Unmarshal([]byte(lastData), &last))
	assert.Equal(t, "run", last.Section)
	assert.Equal(t, models.PhaseComplete, last.Phase)
}

func TestListProviders_NeverLeaksKeys(t *testing.T) {
	srv := newTestServer(t)

	resp, err := http.Get(srv.URL + "/api/v1/providers")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var buf bytes.Buffer
	buf.ReadFrom(resp.Body)
	assert.NotContains(t, buf.String(), "secret")
	assert.Contains(t, buf.String(), `"name":"stub"`)
}

func TestHealthAndVersion(t *testing.T) {
	srv := newTestServer(t)

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/version")
	require.NoError(t, err)
	defer resp.Body.Close()
	var v map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	assert.Equal(t, "test", v["version"])
}
