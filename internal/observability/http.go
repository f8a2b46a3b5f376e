package observability

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strconv"
	"time"
)

const traceHeader = "X-Trace-ID"

// quietRoutes are probed constantly and only logged at debug level.
var quietRoutes = map[string]bool{
	"GET /v1/health":  true,
	"GET /v1/ready":   true,
	"GET /v1/metrics": true,
}

// Instrument wraps an API handler with trace propagation, request metrics,
// access logging and panic recovery. A nil logger disables access logs.
func Instrument(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			started := time.Now()
			traceID := r.Header.Get(traceHeader)
			if traceID == "" {
				traceID = newTraceID()
			}
			w.Header().Set(traceHeader, traceID)
			r = r.WithContext(ContextWithTraceID(r.Context(), traceID))

			rec := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
			defer func() {
				if recovered := recover(); recovered != nil {
					if recovered == http.ErrAbortHandler {
						panic(recovered)
					}
					if logger != nil {
						logger.ErrorContext(r.Context(), "http handler panic",
							slog.Any("panic", recovered),
							slog.String("stack", string(debug.Stack())),
						)
					}
					if !rec.wroteHeader {
						writePanicResponse(rec, traceID)
					}
				}
				observeRequest(r, rec.status, time.Since(started))
				logRequest(logger, r, rec, time.Since(started))
			}()
			next.ServeHTTP(rec, r)
		})
	}
}

func observeRequest(r *http.Request, status int, elapsed time.Duration) {
	route := routeLabel(r)
	code := strconv.Itoa(status)
	httpRequestsTotal.WithLabelValues(r.Method, route, code).Inc()
	httpRequestDurationSeconds.WithLabelValues(r.Method, route, code).Observe(elapsed.Seconds())
}

func logRequest(logger *slog.Logger, r *http.Request, rec *responseRecorder, elapsed time.Duration) {
	if logger == nil {
		return
	}
	level := slog.LevelInfo
	switch {
	case rec.status >= http.StatusInternalServerError:
		level = slog.LevelError
	case rec.status >= http.StatusBadRequest:
		level = slog.LevelWarn
	case quietRoutes[r.Pattern]:
		level = slog.LevelDebug
	}
	logger.LogAttrs(r.Context(), level, "http_request",
		slog.String("method", r.Method),
		slog.String("route", routeLabel(r)),
		slog.String("path", r.URL.Path),
		slog.String("remote_addr", r.RemoteAddr),
		slog.Int("status", rec.status),
		slog.Int64("duration_ms", elapsed.Milliseconds()),
		slog.Int("bytes", rec.bytes),
	)
}

// routeLabel uses the matched mux pattern so scope and processor path values
// do not become label values.
func routeLabel(r *http.Request) string {
	if r.Pattern != "" {
		return r.Pattern
	}
	return "unmatched"
}

func writePanicResponse(w http.ResponseWriter, traceID string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusInternalServerError)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error_code": "INTERNAL",
		"message":    "internal server error",
		"retryable":  true,
		"context":    map[string]any{},
		"trace_id":   traceID,
	})
}

type responseRecorder struct {
	http.ResponseWriter
	status      int
	bytes       int
	wroteHeader bool
}

func (r *responseRecorder) WriteHeader(status int) {
	if r.wroteHeader {
		return
	}
	r.wroteHeader = true
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *responseRecorder) Write(body []byte) (int, error) {
	if !r.wroteHeader {
		r.WriteHeader(http.StatusOK)
	}
	n, err := r.ResponseWriter.Write(body)
	r.bytes += n
	return n, err
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (r *responseRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func newTraceID() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("%x", time.Now().UnixNano())
	}
	return hex.EncodeToString(buf)
}
