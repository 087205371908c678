package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/copyleftdev/molmin/internal/config"
	"github.com/copyleftdev/molmin/internal/logging"
)

const waterMolecule = `{
	"atoms": [
		{"element": "O", "position": [0, 0, 0]},
		{"element": "H", "position": [1.2, 0, 0]},
		{"element": "H", "position": [-0.3, 1.1, 0]}
	],
	"bonds": [{"a": 0, "b": 1}, {"a": 0, "b": 2}]
}`

// testConfig creates a test configuration with default values
func testConfig(t *testing.T) *config.Config {
	cfg := &config.Config{
		Environment: "test",
	}

	// Set up HTTP config
	cfg.HTTP.Port = 8080
	cfg.HTTP.ReadTimeout = 30 * time.Second
	cfg.HTTP.WriteTimeout = 30 * time.Second
	cfg.HTTP.IdleTimeout = 120 * time.Second
	cfg.HTTP.ShutdownTimeout = 30 * time.Second

	// Set up logging
	cfg.Logging.Level = "debug"
	cfg.Logging.Format = "json"
	cfg.Logging.Output = "stdout"

	// Set up minimization
	cfg.Minimization.Steps = 100
	cfg.Minimization.Criterion = 1e-3
	cfg.Minimization.ForceField = "mmff"
	cfg.Minimization.Fallback = "uff"
	cfg.Minimization.Units = "kJ"
	cfg.Minimization.MaxJobs = 4

	require.NoError(t, cfg.Validate())
	return cfg
}

// testLogger creates a test logger
func testLogger(t *testing.T) *logging.Logger {
	logger, err := logging.NewLogger(&logging.Config{
		Level:  "error",
		Format: "json",
		Output: "stdout",
	})
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}
	return logger
}

func newTestServer(t *testing.T, cfg *config.Config) (*Server, chi.Router) {
	t.Helper()
	srv := NewServer(cfg, testLogger(t), nil)
	t.Cleanup(func() { _ = srv.Close() })
	r := chi.NewRouter()
	srv.RegisterRoutes(r)
	return srv, r
}

func do(t *testing.T, h http.Handler, method, path, body string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	var out map[string]interface{}
	if rr.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out), rr.Body.String())
	}
	return rr, out
}

func jobBody(extra string) string {
	return `{"molecule": ` + waterMolecule + extra + `}`
}

func waitStatus(t *testing.T, h http.Handler, id string, want JobStatus) map[string]interface{} {
	t.Helper()
	var last map[string]interface{}
	require.Eventually(t, func() bool {
		_, last = do(t, h, http.MethodGet, "/api/v1/jobs/"+id, "")
		return last["status"] == string(want)
	}, 10*time.Second, 10*time.Millisecond, "job %s never reached %s", id, want)
	return last
}

func TestNewServer(t *testing.T) {
	// Create a test logger and config
	logger := testLogger(t)
	cfg := testConfig(t)

	// Test server creation
	srv := NewServer(cfg, logger, nil)
	assert.NotNil(t, srv, "Server should be created")
	assert.Equal(t, 4, cap(srv.slots))
}

func TestRegisterRoutes(t *testing.T) {
	_, r := newTestServer(t, testConfig(t))

	// Test if routes are registered
	tests := []struct {
		method      string
		path        string
		shouldExist bool
	}{
		{"GET", "/api/v1/forcefields", true},
		{"POST", "/api/v1/jobs", true},
		{"GET", "/api/v1/jobs", true},
		{"GET", "/api/v1/jobs/123", true},
		{"DELETE", "/api/v1/jobs/123", true},
		{"POST", "/rpc", true},
		{"GET", "/healthz", false}, // Not registered by server package
		{"GET", "/nonexistent", false},
	}

	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, nil)
			rr := httptest.NewRecorder()
			r.ServeHTTP(rr, req)

			if tt.shouldExist {
				// Unknown jobs answer 404 with a JSON body; a missing route has none.
				if rr.Code == http.StatusNotFound {
					assert.Contains(t, rr.Body.String(), "job not found")
				}
				assert.NotEqual(t, http.StatusMethodNotAllowed, rr.Code)
				return
			}
			assert.Equal(t, http.StatusNotFound, rr.Code)
		})
	}
}

func TestClose(t *testing.T) {
	srv := NewServer(testConfig(t), testLogger(t), nil)
	err := srv.Close()
	assert.NoError(t, err, "Close should not return an error")
}

func TestStartJob_Completes(t *testing.T) {
	_, r := newTestServer(t, testConfig(t))

	rr, started := do(t, r, http.MethodPost, "/api/v1/jobs", jobBody(`, "steps": 200, "units": "kcal"`))
	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())
	id, _ := started["job_id"].(string)
	require.NotEmpty(t, id)
	assert.Equal(t, "kcal", started["units"])

	final := waitStatus(t, r, id, JobCompleted)
	result, ok := final["result"].(map[string]interface{})
	require.True(t, ok)
	assert.Less(t, result["final_energy"], result["initial_energy"])
	assert.Equal(t, false, result["rolled_back"])
	assert.NotEmpty(t, final["end_time"])

	mol, ok := final["molecule"].(map[string]interface{})
	require.True(t, ok, "finished jobs return the final molecule")
	assert.Len(t, mol["atoms"], 3)
}

func TestStartJob_EnergyOnly(t *testing.T) {
	_, r := newTestServer(t, testConfig(t))

	rr, started := do(t, r, http.MethodPost, "/api/v1/jobs", jobBody(`, "steps": 0`))
	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())

	final := waitStatus(t, r, started["job_id"].(string), JobCompleted)
	result := final["result"].(map[string]interface{})
	assert.Equal(t, "energy_only", result["outcome"])
	assert.Equal(t, result["initial_energy"], result["final_energy"])

	terms, ok := result["terms"].(map[string]interface{})
	require.True(t, ok, "result carries the energy breakdown")
	var sum float64
	for _, k := range []string{"bond", "angle", "torsion", "out_of_plane", "vdw", "restraint"} {
		v, ok := terms[k].(float64)
		require.True(t, ok, k)
		sum += v
	}
	assert.InDelta(t, result["final_energy"].(float64), sum, 1e-6)
}

func TestStartJob_Invalid(t *testing.T) {
	_, r := newTestServer(t, testConfig(t))

	tests := []struct {
		name string
		body string
		code int
		kind string
	}{
		{name: "not json", body: "{", code: http.StatusBadRequest},
		{name: "no molecule", body: `{"steps": 3}`, code: http.StatusBadRequest},
		{name: "unknown force field", body: jobBody(`, "force_field": "amber"`), code: http.StatusBadRequest, kind: "configuration"},
		{name: "unknown units", body: jobBody(`, "units": "hartree"`), code: http.StatusBadRequest, kind: "configuration"},
		{name: "empty selection", body: jobBody(`, "selection": []`), code: http.StatusBadRequest, kind: "configuration"},
		{name: "bad constraint", body: jobBody(`, "constraints": [{"atoms": [1, 1]}]`), code: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr, out := do(t, r, http.MethodPost, "/api/v1/jobs", tt.body)
			assert.Equal(t, tt.code, rr.Code)
			assert.NotEmpty(t, out["error"])
			if tt.kind != "" {
				assert.Equal(t, tt.kind, out["kind"])
			}
		})
	}

	_, list := do(t, r, http.MethodGet, "/api/v1/jobs", "")
	assert.Empty(t, list["jobs"], "rejected jobs are not recorded")
}

func TestJobLimitAndCancel(t *testing.T) {
	cfg := testConfig(t)
	cfg.Minimization.MaxJobs = 1
	cfg.Minimization.StepDelay = 20 * time.Millisecond
	cfg.Minimization.Criterion = 1e-4
	_, r := newTestServer(t, cfg)

	rr, first := do(t, r, http.MethodPost, "/api/v1/jobs", jobBody(`, "steps": 10000`))
	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())
	id := first["job_id"].(string)

	rr, limited := do(t, r, http.MethodPost, "/api/v1/jobs", jobBody(`, "steps": 10`))
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.Contains(t, limited["error"], "limit of 1 reached")
	assert.NotContains(t, limited, "kind")

	rr, _ = do(t, r, http.MethodDelete, "/api/v1/jobs/"+id+"?keep=maybe", "")
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr, _ = do(t, r, http.MethodDelete, "/api/v1/jobs/"+id, "")
	require.Equal(t, http.StatusAccepted, rr.Code)

	final := waitStatus(t, r, id, JobCancelled)
	result := final["result"].(map[string]interface{})
	assert.Equal(t, true, result["rolled_back"])

	rr, _ = do(t, r, http.MethodDelete, "/api/v1/jobs/"+id, "")
	assert.Equal(t, http.StatusConflict, rr.Code)

	// The slot is free again.
	rr, _ = do(t, r, http.MethodPost, "/api/v1/jobs", jobBody(`, "steps": 0`))
	assert.Equal(t, http.StatusAccepted, rr.Code)
}

func TestCancel_NotFound(t *testing.T) {
	_, r := newTestServer(t, testConfig(t))
	rr, out := do(t, r, http.MethodDelete, "/api/v1/jobs/missing", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, "job not found", out["error"])
}

func TestList(t *testing.T) {
	_, r := newTestServer(t, testConfig(t))
	for i := 0; i < 2; i++ {
		rr, _ := do(t, r, http.MethodPost, "/api/v1/jobs", jobBody(`, "steps": 0`))
		require.Equal(t, http.StatusAccepted, rr.Code)
	}
	rr, out := do(t, r, http.MethodGet, "/api/v1/jobs", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, out["jobs"], 2)
}

func TestForceFields(t *testing.T) {
	_, r := newTestServer(t, testConfig(t))
	rr, out := do(t, r, http.MethodGet, "/api/v1/forcefields", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.ElementsMatch(t, []interface{}{"mmff", "uff"}, out["force_fields"])
	assert.Equal(t, "mmff", out["default"])
}

func TestJSONRPC(t *testing.T) {
	_, r := newTestServer(t, testConfig(t))

	rpc := func(method string, params ...interface{}) map[string]interface{} {
		t.Helper()
		body, err := json.Marshal(map[string]interface{}{
			"jsonrpc": "2.0",
			"id":      1,
			"method":  method,
			"params":  params,
		})
		require.NoError(t, err)
		rr, out := do(t, r, http.MethodPost, "/rpc", string(body))
		require.Equal(t, http.StatusOK, rr.Code)
		return out
	}

	var job map[string]interface{}
	require.NoError(t, json.NewDecoder(bytes.NewBufferString(jobBody(`, "steps": 0`))).Decode(&job))
	out := rpc("minimization.start", job)
	require.Nil(t, out["error"], out)
	id := out["result"].(map[string]interface{})["job_id"].(string)

	require.Eventually(t, func() bool {
		res := rpc("minimization.status", map[string]string{"job_id": id})
		st, _ := res["result"].(map[string]interface{})
		return st != nil && st["status"] == string(JobCompleted)
	}, 10*time.Second, 10*time.Millisecond)

	out = rpc("minimization.list")
	assert.Len(t, out["result"].(map[string]interface{})["jobs"], 1)

	tests := []struct {
		name   string
		method string
		params []interface{}
		code   float64
	}{
		{name: "unknown method", method: "optimization.start", code: -32601},
		{name: "missing job id", method: "minimization.status", params: []interface{}{map[string]string{}}, code: -32602},
		{name: "unknown job", method: "minimization.cancel", params: []interface{}{map[string]string{"job_id": "nope"}}, code: -32000},
		{name: "finished job", method: "minimization.cancel", params: []interface{}{map[string]string{"job_id": id}}, code: -32000},
		{name: "bad job", method: "minimization.start", params: []interface{}{map[string]interface{}{"steps": 1}}, code: -32602},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := rpc(tt.method, tt.params...)
			errObj, ok := out["error"].(map[string]interface{})
			require.True(t, ok, out)
			assert.Equal(t, tt.code, errObj["code"])
		})
	}
}

func TestJSONRPC_Malformed(t *testing.T) {
	_, r := newTestServer(t, testConfig(t))

	_, out := do(t, r, http.MethodPost, "/rpc", "{")
	assert.Equal(t, float64(-32700), out["error"].(map[string]interface{})["code"])

	_, out = do(t, r, http.MethodPost, "/rpc", `{"jsonrpc": "1.0", "id": 7, "method": "minimization.list"}`)
	assert.Equal(t, float64(-32600), out["error"].(map[string]interface{})["code"])
	assert.Equal(t, float64(7), out["id"])
}

func TestRespondWithError(t *testing.T) {
	// Create a test logger and config
	logger := testLogger(t)
	cfg := testConfig(t)

	srv := NewServer(cfg, logger, nil)

	tests := []struct {
		name       string
		code       int
		message    string
		id         interface{}
		expectedID interface{}
		expectCode int
	}{
		{
			name:       "valid error response",
			code:       http.StatusBadRequest,
			message:    "invalid input",
			id:         "123",
			expectedID: "123",
			expectCode: http.StatusOK, // Because respondWithError writes 200 with error in body
		},
		{
			name:       "nil id",
			code:       http.StatusInternalServerError,
			message:    "server error",
			id:         nil,
			expectedID: nil,
			expectCode: http.StatusOK,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			srv.respondWithError(rr, tt.code, tt.message, tt.id)

			assert.Equal(t, tt.expectCode, rr.Code, "status code should match")

			// Parse response body to verify error structure
			var response map[string]interface{}
			err := json.NewDecoder(rr.Body).Decode(&response)
			assert.NoError(t, err, "should decode response body")

			// Check error object
			errObj, ok := response["error"].(map[string]interface{})
			assert.True(t, ok, "response should contain error object")
			assert.Equal(t, float64(tt.code), errObj["code"], "error code should match")
			assert.Equal(t, tt.message, errObj["message"], "error message should match")

			// Check ID
			assert.Equal(t, tt.expectedID, response["id"], "response ID should match")
		})
	}
}
