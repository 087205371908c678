package errors

import (
	"encoding/json"
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/copyleftdev/molmin/internal/logging"
)

// RecoveryMiddleware turns a handler panic into a logged 500 with a JSON
// error body carrying the request id.
func RecoveryMiddleware(logger *logging.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				reqID := middleware.GetReqID(r.Context())
				logger.Error("Recovered from panic", map[string]interface{}{
					"panic":      fmt.Sprint(rec),
					"stack":      string(debug.Stack()),
					"method":     r.Method,
					"path":       r.URL.Path,
					"request_id": reqID,
				})
				WriteJSON(w, reqID, http.StatusInternalServerError, New(http.StatusText(http.StatusInternalServerError)))
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// WriteJSON answers code with err as {"error", "kind", "request_id"}.
// Empty kind and request id are left out.
func WriteJSON(w http.ResponseWriter, requestID string, code int, err error) {
	body := map[string]string{"error": err.Error()}
	if k := KindOf(err); k != "" {
		body["kind"] = k
	}
	if requestID != "" {
		body["request_id"] = requestID
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

// ErrorHandler logs every response with a 4xx or 5xx status: client errors
// at WARN, server errors at ERROR.
func ErrorHandler(logger *logging.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rw, r)
			if rw.status < http.StatusBadRequest {
				return
			}
			fields := map[string]interface{}{
				"status":     rw.status,
				"method":     r.Method,
				"path":       r.URL.Path,
				"ip":         r.RemoteAddr,
				"request_id": middleware.GetReqID(r.Context()),
			}
			if rw.status >= http.StatusInternalServerError {
				logger.Error("Request failed", fields)
			} else {
				logger.Warn("Request rejected", fields)
			}
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rw *statusRecorder) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}
