package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paveg/cardformula/internal/api"
	"github.com/paveg/cardformula/internal/config"
	"github.com/paveg/cardformula/internal/testutil"
)

func newServer(t *testing.T, metrics bool) *api.Server {
	t.Helper()
	engine := testutil.CreateTestEngine(t, func(c *config.Config) { c.MetricsCollection = metrics })
	return api.NewServer(engine, nil)
}

func do(t *testing.T, s http.Handler, method, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rr := httptest.NewRecorder()
	s.ServeHTTP(rr, req)

	var out map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out), rr.Body.String())
	return rr, out
}

func TestHealth(t *testing.T) {
	s := newServer(t, false)

	rr, body := do(t, s, http.MethodGet, "/api/v1/health", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))
	assert.Equal(t, "UP", body["status"])
	assert.Equal(t, "generic", body["dialect"])
}

func TestValidate(t *testing.T) {
	s := newServer(t, false)

	tests := []struct {
		name    string
		formula string
		status  int
		errText string
	}{
		{name: "valid", formula: "release * 2 + 'Sprint Length'", status: http.StatusOK},
		{name: "malformed", formula: "release +", status: http.StatusUnprocessableEntity, errText: "not well formed"},
		{name: "type error", formula: "'Start Date' * 2", status: http.StatusUnprocessableEntity, errText: "cannot be multiplied by a number"},
		{name: "unknown property", formula: "ghost + 1", status: http.StatusUnprocessableEntity, errText: "ghost"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr, body := do(t, s, http.MethodPost, "/api/v1/formulas/validate", map[string]string{"formula": tt.formula})
			assert.Equal(t, tt.status, rr.Code)
			if tt.errText == "" {
				assert.Equal(t, true, body["valid"])
				return
			}
			assert.Equal(t, false, body["valid"])
			assert.Contains(t, rr.Body.String(), tt.errText)
		})
	}
}

func TestEvaluate(t *testing.T) {
	s := newServer(t, false)

	rr, body := do(t, s, http.MethodPost, "/api/v1/formulas/evaluate", map[string]any{
		"formula": "3 * (release + release / 2 + 1)",
		"card":    7,
		"values":  map[string]string{"Release": "2"},
	})
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "number", body["kind"])
	assert.Equal(t, "12", body["value"])

	rr, body = do(t, s, http.MethodPost, "/api/v1/formulas/evaluate", map[string]any{
		"formula": "release + 1",
	})
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "null", body["kind"])
	assert.Nil(t, body["value"])

	rr, body = do(t, s, http.MethodPost, "/api/v1/formulas/evaluate", map[string]any{
		"formula": "'Start Date' + 'Sprint Length'",
		"values":  map[string]string{"start date": "2024-01-01"},
	})
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "date", body["kind"])
	assert.Equal(t, "2024-01-15", body["value"])

	rr, _ = do(t, s, http.MethodPost, "/api/v1/formulas/evaluate", map[string]any{
		"formula": "release",
		"values":  map[string]string{"ghost": "1"},
	})
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr, _ = do(t, s, http.MethodPost, "/api/v1/formulas/evaluate", map[string]any{
		"formula": "release",
		"values":  map[string]string{"Release": "many"},
	})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestEvaluateProperty(t *testing.T) {
	s := newServer(t, false)

	rr, body := do(t, s, http.MethodPost, "/api/v1/properties/Velocity/evaluate", map[string]any{
		"values": map[string]string{"Release": "2", "Sum A": "0"},
	})
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "0.7", body["value"])

	rr, _ = do(t, s, http.MethodPost, "/api/v1/properties/Release/evaluate", map[string]any{})
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestSQL(t *testing.T) {
	s := newServer(t, false)

	rr, body := do(t, s, http.MethodPost, "/api/v1/formulas/sql", map[string]any{"formula": "release * 2"})
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, `CAST(CAST((CAST(cards."cp_release" AS DECIMAL(38,10)) * CAST(2 AS DECIMAL(38,10))) AS DECIMAL(38,10)) AS DECIMAL(38,2))`, body["sql"])
	assert.NotEmpty(t, body["fingerprint"])

	rr, body = do(t, s, http.MethodPost, "/api/v1/formulas/sql", map[string]any{
		"formula":   "release * 2",
		"overrides": map[string]any{"Release": nil},
	})
	require.Equal(t, http.StatusOK, rr.Code)
	assert.NotContains(t, body["sql"], "cp_release")
	assert.Contains(t, body["sql"], "NULL")

	rr, body = do(t, s, http.MethodPost, "/api/v1/formulas/sql", map[string]any{
		"formula":   "release * 2",
		"overrides": map[string]any{"Release": "5"},
	})
	require.Equal(t, http.StatusOK, rr.Code)
	assert.NotContains(t, body["sql"], "cp_release")

	rr, _ = do(t, s, http.MethodPost, "/api/v1/formulas/sql", map[string]any{"formula": "release * * 2"})
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)
}

func TestRecomputeSQL(t *testing.T) {
	s := newServer(t, false)

	rr, body := do(t, s, http.MethodGet, "/api/v1/properties/Velocity/sql", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, body["sql"], `UPDATE "cards" SET "cp_velocity"=`)

	rr, _ = do(t, s, http.MethodGet, "/api/v1/properties/Release/sql", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestCheckDependencies(t *testing.T) {
	s := newServer(t, false)

	tests := []struct {
		name    string
		def     map[string]string
		status  int
		errText string
	}{
		{
			name:   "no cycle",
			def:    map[string]string{"name": "Burn", "expression": "Release - 'Sprint Length'"},
			status: http.StatusOK,
		},
		{
			name:    "cycle through aggregate",
			def:     map[string]string{"name": "Velocity", "expression": "'Sum A' / 2"},
			status:  http.StatusUnprocessableEntity,
			errText: "circular reference",
		},
		{
			name:    "unknown reference",
			def:     map[string]string{"name": "Burn", "expression": "ghost * 2"},
			status:  http.StatusUnprocessableEntity,
			errText: "unknown property ghost",
		},
		{
			name:   "aggregate",
			def:    map[string]string{"kind": "aggregate", "name": "Sum B", "tree": "Planning", "target": "Release"},
			status: http.StatusOK,
		},
		{
			name:    "bad kind",
			def:     map[string]string{"kind": "rollup", "name": "Sum B"},
			status:  http.StatusBadRequest,
			errText: "unknown definition kind",
		},
		{
			name:    "missing name",
			def:     map[string]string{"expression": "1"},
			status:  http.StatusBadRequest,
			errText: "name is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr, _ := do(t, s, http.MethodPost, "/api/v1/dependencies/check", tt.def)
			assert.Equal(t, tt.status, rr.Code)
			if tt.errText != "" {
				assert.Contains(t, rr.Body.String(), tt.errText)
			}
		})
	}
}

func TestMetrics(t *testing.T) {
	rr, _ := do(t, newServer(t, false), http.MethodGet, "/api/v1/metrics", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	s := newServer(t, true)
	do(t, s, http.MethodPost, "/api/v1/formulas/validate", map[string]string{"formula": "release"})

	rr, body := do(t, s, http.MethodGet, "/api/v1/metrics", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, body, "summary")
	assert.Contains(t, body, "cache")
}

func TestInvalidBody(t *testing.T) {
	s := newServer(t, false)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/formulas/validate", bytes.NewBufferString("{"))
	rr := httptest.NewRecorder()
	s.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, rr.Body.String(), "invalid request body")
}

func TestListenAndServe(t *testing.T) {
	s := newServer(t, false)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.ListenAndServe(ctx, addr) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + addr + "/api/v1/health")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}
