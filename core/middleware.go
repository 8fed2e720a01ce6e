package core

import (
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nexus-proxy/nexus/telemetry"
)

// statusRecorder captures the response status for access logging while
// passing http.Flusher through, which SSE streaming requires.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	if r.status == 0 {
		r.status = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// LoggingMiddleware emits one structured access-log line per request and
// records the request-completion metric. In dev mode every request is
// logged; in production only failures and slow requests (>1s) are, since a
// healthy proxy's per-request lines are noise next to its metrics.
//
// Each request gets a correlation id (X-Request-Id, honoring one supplied
// by an upstream proxy) so a request's log lines can be tied together
// across the handler, router, and agent layers. Routing metadata the chat
// handler put on the response (backend id, route reason, fallback flag) is
// folded into the log line, which is usually the fastest way to answer
// "why did this request go to that backend".
func LoggingMiddleware(logger Logger, devMode bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := r.Header.Get("X-Request-Id")
			if requestID == "" {
				requestID = uuid.New().String()
			}
			w.Header().Set("X-Request-Id", requestID)

			rec := &statusRecorder{ResponseWriter: w}
			start := time.Now()
			next.ServeHTTP(rec, r)
			elapsed := time.Since(start)

			if rec.status == 0 {
				rec.status = http.StatusOK
			}
			streamed := strings.HasPrefix(rec.Header().Get("Content-Type"), "text/event-stream")
			telemetry.RequestCompleted(rec.status, streamed, elapsed)

			if logger == nil {
				return
			}
			if !devMode && rec.status < 400 && elapsed <= time.Second {
				return
			}

			fields := map[string]interface{}{
				"request_id":  requestID,
				"method":      r.Method,
				"path":        r.URL.Path,
				"status":      rec.status,
				"duration_ms": elapsed.Milliseconds(),
				"remote_addr": r.RemoteAddr,
			}
			if backendID := rec.Header().Get("X-Nexus-Backend-Id"); backendID != "" {
				fields["backend_id"] = backendID
				fields["route_reason"] = rec.Header().Get("X-Nexus-Route-Reason")
				fields["fallback_used"] = rec.Header().Get("X-Nexus-Fallback-Used")
			}

			switch {
			case rec.status >= 500:
				logger.Error("request failed", fields)
			case rec.status >= 400:
				logger.Warn("request rejected", fields)
			case elapsed > time.Second:
				logger.Warn("request slow", fields)
			default:
				logger.Info("request", fields)
			}
		})
	}
}
