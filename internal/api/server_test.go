package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lead-engine/internal/automation"
	"lead-engine/internal/clock"
	"lead-engine/internal/engine"
	"lead-engine/internal/models"
	"lead-engine/internal/queue"
	"lead-engine/internal/ratelimit"
	"lead-engine/internal/scheduler"
	"lead-engine/internal/store/memstore"
	"lead-engine/internal/templates"
)

type testServer struct {
	srv *httptest.Server
	st  *memstore.Store
	clk *clock.Fixed
}

func newTestServer(t *testing.T, limiter Limiter) *testServer {
	return newTestServerWithPinger(t, limiter, nil)
}

func newTestServerWithPinger(t *testing.T, limiter Limiter, pinger Pinger) *testServer {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	st := memstore.New()
	catalog, err := templates.LoadCatalog("")
	require.NoError(t, err)
	clk := clock.NewFixed(time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC))
	log := zerolog.Nop()

	retries := queue.NewRetryQueue(rc)
	eng := engine.New(st, retries, nil, nil, clk, log, engine.Options{})
	sched := scheduler.New(eng, st, nil, clk, log, scheduler.Options{Sleep: func(context.Context, time.Duration) error { return nil }})

	srv := New(Deps{
		Engine:      eng,
		Automations: automation.NewService(st, clk, log),
		Templates:   templates.NewRegistry(st, catalog, log),
		Scheduler:   sched,
		DeadLetters: retries,
		Health:      st,
		Limiter:     limiter,
		Pinger:      pinger,
		Clock:       clk,
	}, log)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)

	st.PutClient(models.Client{ID: "client-1", Name: "Acme", Domain: "acme.io", Credits: 100})
	for i := 1; i <= 3; i++ {
		st.PutLead(models.Lead{
			ID:        fmt.Sprintf("lead-%d", i),
			Email:     fmt.Sprintf("l%d@example.com", i),
			CreatedAt: clk.Now().Add(-time.Duration(10-i) * time.Hour),
		})
	}
	return &testServer{srv: ts, st: st, clk: clk}
}

func (ts *testServer) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, ts.srv.URL+path, &buf)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t, nil)
	resp := ts.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", decode[map[string]string](t, resp)["status"])
}

func TestHealthzReportsUnreachableDatabase(t *testing.T) {
	ts := newTestServerWithPinger(t, nil, PingFunc(func(context.Context) error {
		return errors.New("dial tcp 127.0.0.1:5432: connection refused")
	}))
	resp := ts.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	body := decode[map[string]string](t, resp)
	assert.Equal(t, "unavailable", body["status"])
	assert.Contains(t, body["error"], "connection refused")
}

func TestSeedSetupAndTick(t *testing.T) {
	ts := newTestServer(t, nil)

	resp := ts.do(t, http.MethodPost, "/templates/seed", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	seed := decode[templates.SeedResult](t, resp)
	assert.Equal(t, 7, seed.PackagesCreated)
	assert.Len(t, seed.TemplateIDs, 7)

	resp = ts.do(t, http.MethodPost, "/templates/seed", nil)
	again := decode[templates.SeedResult](t, resp)
	assert.Zero(t, again.PackagesCreated)
	assert.Equal(t, seed.TemplateIDs, again.TemplateIDs)

	resp = ts.do(t, http.MethodPost, "/clients/client-1/automations/basic", nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	setup := decode[automation.SetupResult](t, resp)
	assert.False(t, setup.Skipped)

	resp = ts.do(t, http.MethodPost, "/clients/client-1/automations/basic", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, decode[automation.SetupResult](t, resp).Skipped)

	resp = ts.do(t, http.MethodGet, "/automations/"+setup.AutomationID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	insp := decode[models.AutomationInspection](t, resp)
	assert.True(t, insp.ShouldRunNow)

	resp = ts.do(t, http.MethodPost, "/scheduler/tick", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	summary := decode[models.TickSummary](t, resp)
	assert.Equal(t, "09:00", summary.CurrentTime)
	assert.Equal(t, 1, summary.ExecutedCount)
	require.Len(t, summary.Results, 1)
	assert.Equal(t, 3, summary.Results[0].LeadsConverted)
	assert.True(t, summary.HealthMetricsGenerated)

	resp = ts.do(t, http.MethodGet, "/health-metrics/hourly", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	m := decode[models.HealthMetrics](t, resp)
	assert.Equal(t, 3, m.LeadsConverted)

	resp = ts.do(t, http.MethodPost, "/scheduler/tick?at=10:30", nil)
	summary = decode[models.TickSummary](t, resp)
	assert.Equal(t, "10:30", summary.CurrentTime)
	assert.Zero(t, summary.TotalAutomations)
}

func TestSetupValidationAndErrors(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.do(t, http.MethodPost, "/templates/seed", nil)

	resp := ts.do(t, http.MethodPost, "/clients/client-1/automations", map[string]any{
		"template_key": templates.BasicKey,
		"daily_limit":  99,
	})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	resp = ts.do(t, http.MethodPost, "/clients/client-1/automations", map[string]any{"template_key": "linkedin-outreach"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = ts.do(t, http.MethodPost, "/clients/nobody/automations/basic", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = ts.do(t, http.MethodGet, "/automations/missing", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = ts.do(t, http.MethodPost, "/scheduler/tick?at=9am", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = ts.do(t, http.MethodPost, "/health-metrics?period=monthly", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestPauseAndManualExecute(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.do(t, http.MethodPost, "/templates/seed", nil)
	setup := decode[automation.SetupResult](t, ts.do(t, http.MethodPost, "/clients/client-1/automations/basic", nil))

	resp := ts.do(t, http.MethodPost, "/automations/"+setup.AutomationID+"/pause", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, decode[models.ClientAutomation](t, resp).IsPaused)

	due := decode[map[string]json.RawMessage](t, ts.do(t, http.MethodGet, "/automations/due", nil))
	assert.JSONEq(t, `[]`, string(due["automations"]))

	resp = ts.do(t, http.MethodPost, "/automations/"+setup.AutomationID+"/execute", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	res := decode[models.ExecutionResult](t, resp)
	assert.True(t, res.Success)
	assert.Equal(t, 3, res.LeadsConverted)

	resp = ts.do(t, http.MethodPatch, "/automations/"+setup.AutomationID, map[string]any{"execution_time": "14:00"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "14:00", decode[models.ClientAutomation](t, resp).ExecutionTime)
}

func TestBatchConversion(t *testing.T) {
	ts := newTestServer(t, nil)

	resp := ts.do(t, http.MethodPost, "/conversions/batch", map[string]any{
		"client":   "acme.io",
		"lead_ids": []string{"lead-1", "lead-2", "lead-404"},
		"micro":    true,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	res := decode[models.BatchResult](t, resp)
	assert.Equal(t, "client-1", res.ClientID)
	assert.Equal(t, 2, res.ConvertedCount)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, "lead-404", res.Errors[0].LeadID)

	resp = ts.do(t, http.MethodPost, "/conversions/batch", map[string]any{
		"client":   "client-1",
		"lead_ids": []string{"lead-1", "lead-3"},
	})
	res = decode[models.BatchResult](t, resp)
	assert.Equal(t, 1, res.ConvertedCount)
	assert.Equal(t, 1, res.SkippedCount)

	tooMany := make([]string, 11)
	for i := range tooMany {
		tooMany[i] = fmt.Sprintf("lead-%d", i)
	}
	resp = ts.do(t, http.MethodPost, "/conversions/batch", map[string]any{"client": "client-1", "lead_ids": tooMany, "micro": true})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = ts.do(t, http.MethodPost, "/conversions/batch", map[string]any{"client": "nobody.example", "lead_ids": []string{"lead-1"}})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestBatchConversionIsRateLimited(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()
	limiter := ratelimit.NewTokenBucket(redis.NewClient(&redis.Options{Addr: mr.Addr()}), 1, 0.001, time.Minute)
	ts := newTestServer(t, limiter)

	body := map[string]any{"client": "client-1", "lead_ids": []string{"lead-1"}}
	assert.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/conversions/batch", body).StatusCode)
	assert.Equal(t, http.StatusTooManyRequests, ts.do(t, http.MethodPost, "/conversions/batch", body).StatusCode)
}

func TestAdminResetAndSearch(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.do(t, http.MethodPost, "/templates/seed", nil)
	setup := decode[automation.SetupResult](t, ts.do(t, http.MethodPost, "/clients/client-1/automations/basic", nil))

	found := decode[map[string][]models.IDMatch](t, ts.do(t, http.MethodGet, "/admin/search/"+setup.AutomationID, nil))
	assert.Equal(t, []models.IDMatch{{Table: "client_automations", ID: setup.AutomationID}}, found["matches"])

	resp := ts.do(t, http.MethodDelete, "/admin/automations", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	reset := decode[models.BulkDeleteResult](t, resp)
	assert.True(t, reset.Complete())

	resp = ts.do(t, http.MethodGet, "/retries/dlq", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
}
