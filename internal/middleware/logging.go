package middleware

import (
	"net/http"
	"time"

	"github.com/autoluzes/autoluzes/pkg/logger"
)

// Logging writes one access log entry per request.
func Logging(log *logger.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := newResponseWriter(w)

			next.ServeHTTP(rw, r)

			keyvals := []interface{}{
				"method", r.Method,
				"path", r.URL.Path,
				"status", rw.statusCode,
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", GetRequestID(r.Context()),
				"client_ip", GetClientIP(r.Context()),
			}
			switch {
			case rw.statusCode >= http.StatusInternalServerError:
				log.Error("request completed", keyvals...)
			case rw.statusCode == http.StatusTooManyRequests:
				log.Warn("request completed", keyvals...)
			default:
				log.Info("request completed", keyvals...)
			}
		})
	}
}
