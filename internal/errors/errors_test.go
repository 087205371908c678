package errors

import (
	"bytes"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/copyleftdev/molmin/internal/logging"
	"github.com/copyleftdev/molmin/internal/minimize"
)

var errBase = stderrors.New("base")

func TestError_Error(t *testing.T) {
	tests := []struct {
		name string
		err  *Error
		want string
	}{
		{name: "message", err: New("job not found"), want: "job not found"},
		{name: "operation", err: New("job not found").WithOperation("status"), want: "status: job not found"},
		{
			name: "full",
			err:  Wrap(errBase, "start job").WithOperation("startJob").WithComponent("server"),
			want: "server/startJob: start job: base",
		},
		{name: "cause only", err: Wrap(errBase, ""), want: "base"},
		{name: "formatted", err: Errorf("%d jobs running", 3), want: "3 jobs running"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.Error())
		})
	}
}

func TestWrap(t *testing.T) {
	assert.Nil(t, Wrap(nil, "x"))
	assert.Nil(t, Wrapf(nil, "x %d", 1))

	e := Wrapf(errBase, "job %s", "abc")
	assert.Equal(t, "job abc", e.Message)
	require.NotEmpty(t, e.StackTrace())
	assert.Contains(t, e.StackTrace()[0], "TestWrap")
	assert.True(t, Is(e, errBase))

	outer := fmt.Errorf("handler: %w", e)
	var target *Error
	require.True(t, As(outer, &target))
	assert.Same(t, e, target)
	assert.Equal(t, errBase, Unwrap(e))
	assert.False(t, As(nil, &target))

	assert.Same(t, e, Wrap(e, "renamed"))
	assert.Equal(t, "renamed", e.Message)
}

func TestStatusCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
		kind string
	}{
		{name: "nil", err: nil, want: http.StatusOK},
		{name: "plain", err: errBase, want: http.StatusBadRequest},
		{name: "explicit", err: Wrap(errBase, "busy").WithStatus(http.StatusTooManyRequests), want: http.StatusTooManyRequests},
		{
			name: "state",
			err:  minimize.WrapError(minimize.ErrRunning, minimize.KindState, "cannot prepare"),
			want: http.StatusConflict,
			kind: "state",
		},
		{
			name: "force field behind wrap",
			err:  Wrap(minimize.NewError(minimize.KindForceField, "no force field accepted the topology"), "start job"),
			want: http.StatusUnprocessableEntity,
			kind: "force field",
		},
		{
			name: "configuration",
			err:  minimize.NewError(minimize.KindConfiguration, "selection is empty"),
			want: http.StatusBadRequest,
			kind: "configuration",
		},
		{
			name: "explicit beats kind",
			err:  Wrap(minimize.NewError(minimize.KindState, "running"), "").WithStatus(http.StatusServiceUnavailable),
			want: http.StatusServiceUnavailable,
			kind: "state",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, StatusCode(tt.err))
			assert.Equal(t, tt.kind, KindOf(tt.err))
		})
	}
}

func TestWriteJSON(t *testing.T) {
	rr := httptest.NewRecorder()
	WriteJSON(rr, "req-1", http.StatusConflict, minimize.NewError(minimize.KindState, "cannot start"))

	assert.Equal(t, http.StatusConflict, rr.Code)
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"error":"cannot start","kind":"state","request_id":"req-1"}`, rr.Body.String())

	rr = httptest.NewRecorder()
	WriteJSON(rr, "", http.StatusNotFound, New("job not found"))
	assert.JSONEq(t, `{"error":"job not found"}`, rr.Body.String())
}

func TestRecoveryMiddleware(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.New(logging.ErrorLevel, &buf)
	h := middleware.RequestID(RecoveryMiddleware(logger)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	})))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/v1/jobs", nil))
	assert.Equal(t, http.StatusInternalServerError, rr.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "Internal Server Error", body["error"])
	require.NotEmpty(t, body["request_id"])

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "Recovered from panic", entry["message"])
	assert.Equal(t, "boom", entry["panic"])
	assert.Equal(t, body["request_id"], entry["request_id"])
}

func TestRecoveryMiddleware_AbortHandlerPropagates(t *testing.T) {
	h := RecoveryMiddleware(logging.New(logging.ErrorLevel, &bytes.Buffer{}))(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic(http.ErrAbortHandler)
	}))
	assert.PanicsWithValue(t, http.ErrAbortHandler, func() {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	})
}

func TestErrorHandler(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		wantLog string
		level   string
	}{
		{name: "success is silent", status: http.StatusOK},
		{name: "client error", status: http.StatusNotFound, wantLog: "Request rejected", level: "WARN"},
		{name: "server error", status: http.StatusInternalServerError, wantLog: "Request failed", level: "ERROR"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			h := ErrorHandler(logging.New(logging.DebugLevel, &buf))(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
			}))

			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/v1/jobs/missing", nil))
			assert.Equal(t, tt.status, rr.Code)

			if tt.wantLog == "" {
				assert.Empty(t, strings.TrimSpace(buf.String()))
				return
			}
			var entry map[string]interface{}
			require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
			assert.Equal(t, tt.wantLog, entry["message"])
			assert.Equal(t, tt.level, entry["level"])
			assert.Equal(t, float64(tt.status), entry["status"])
			assert.Equal(t, "/api/v1/jobs/missing", entry["path"])
		})
	}
}
