package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]interface{} {
	t.Helper()
	var out []map[string]interface{}
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var entry map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(line), &entry), line)
		out = append(out, entry)
	}
	return out
}

func TestLogger_Levels(t *testing.T) {
	var buf bytes.Buffer
	l := New(WarnLevel, &buf)

	l.Debug("hidden")
	l.Info("hidden")
	l.Warn("shown", map[string]interface{}{"k": 1})
	l.WithField("job", "abc").Error("also shown")

	entries := decodeLines(t, &buf)
	require.Len(t, entries, 2)
	assert.Equal(t, "shown", entries[0]["message"])
	assert.Equal(t, "WARN", entries[0]["level"])
	assert.Equal(t, float64(1), entries[0]["k"])
	assert.Equal(t, "abc", entries[1]["job"])
}

func TestNewLogger_ParsesLevel(t *testing.T) {
	l, err := NewLogger(&Config{Level: "error", Output: "stderr"})
	require.NoError(t, err)
	assert.False(t, l.shouldLog(WarnLevel))
	assert.True(t, l.shouldLog(ErrorLevel))

	l, err = NewLogger(nil)
	require.NoError(t, err)
	assert.True(t, l.shouldLog(InfoLevel))
	assert.False(t, l.shouldLog(DebugLevel))
}

func TestLogger_TextFormat(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithFormat(InfoLevel, TextFormat, &buf).WithField("job", "j1")

	l.Info("Minimization finished", map[string]interface{}{
		"outcome": "converged",
		"energy":  -1.25,
		"message": "E = -1.25 kcal/mol",
	})
	l.Debug("hidden")

	line := strings.TrimSpace(buf.String())
	require.Equal(t, 0, strings.Count(line, "\n"), "debug entry filtered")
	assert.Regexp(t, `^\S+ INFO  "Minimization finished" energy=-1\.25 job=j1 message="E = -1\.25 kcal/mol" outcome=converged caller=logging/logging_test\.go:\d+$`, line)
	_, err := time.Parse(time.RFC3339Nano, strings.Fields(line)[0])
	assert.NoError(t, err)
}

func TestNewLogger_Format(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		format   string
		wantJSON bool
	}{
		{format: "", wantJSON: true},
		{format: "json", wantJSON: true},
		{format: "TEXT", wantJSON: false},
	}

	for _, tt := range tests {
		t.Run("format "+tt.format, func(t *testing.T) {
			path := filepath.Join(dir, "log-"+tt.format)
			l, err := NewLogger(&Config{Level: "info", Format: tt.format, Output: path})
			require.NoError(t, err)
			l.Warn("Force field setup failed", map[string]interface{}{"force_field": "mmff"})

			raw, err := os.ReadFile(path)
			require.NoError(t, err)
			assert.Equal(t, tt.wantJSON, json.Valid(bytes.TrimSpace(raw)), string(raw))
			assert.Contains(t, string(raw), "mmff")
		})
	}

	_, err := NewLogger(&Config{Format: "xml"})
	assert.ErrorContains(t, err, "unknown log format")
	_, err = NewLogger(&Config{Output: filepath.Join(dir, "missing", "log")})
	assert.ErrorContains(t, err, "open log output")
}

func TestZapLogger_TextFormatKeepsCaller(t *testing.T) {
	var buf bytes.Buffer
	zl := NewZapLogger(NewWithFormat(DebugLevel, TextFormat, &buf)).Named("minimizer")
	zl.Debug("Energy terms", zap.Float64("bond", 0.5))

	line := strings.TrimSpace(buf.String())
	assert.Contains(t, line, ` DEBUG "Energy terms" bond=0.5 logger=minimizer caller=`)
	assert.Equal(t, 1, strings.Count(line, "caller="))
}

func TestZapLogger_Fields(t *testing.T) {
	var buf bytes.Buffer
	zl := NewZapLogger(New(DebugLevel, &buf)).Named("minimizer").With(zap.String("job", "j1"))

	zl.Info("Minimization step",
		zap.Int("step", 10),
		zap.Float64("energy", -12.5),
		zap.Float64("delta", math.NaN()),
		zap.Bool("rolled_back", false),
		zap.Duration("elapsed", 1500*time.Millisecond),
		zap.Error(errors.New("boom")))

	entries := decodeLines(t, &buf)
	require.Len(t, entries, 1)
	e := entries[0]
	assert.Equal(t, "INFO", e["level"])
	assert.Equal(t, "minimizer", e["logger"])
	assert.Equal(t, "j1", e["job"])
	assert.Equal(t, float64(10), e["step"])
	assert.Equal(t, -12.5, e["energy"])
	assert.Equal(t, "NaN", e["delta"])
	assert.Equal(t, false, e["rolled_back"])
	assert.Equal(t, "1.5s", e["elapsed"])
	assert.Equal(t, "boom", e["error"])
}

func TestZapLogger_RespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	zl := NewZapLogger(New(InfoLevel, &buf))
	zl.Debug("hidden")
	zl.Warn("shown")

	entries := decodeLines(t, &buf)
	require.Len(t, entries, 1)
	assert.Equal(t, "WARN", entries[0]["level"])
}

func TestMiddleware(t *testing.T) {
	var buf bytes.Buffer
	h := Middleware(New(InfoLevel, &buf))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NotNil(t, FromContext(r.Context()).Logger)
		w.WriteHeader(http.StatusTeapot)
	}))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/v1/jobs", nil))
	assert.Equal(t, http.StatusTeapot, rr.Code)

	entries := decodeLines(t, &buf)
	require.Len(t, entries, 1)
	assert.Equal(t, "Request completed", entries[0]["message"])
	assert.Equal(t, float64(http.StatusTeapot), entries[0]["status"])
	assert.Equal(t, "/api/v1/jobs", entries[0]["path"])
}
