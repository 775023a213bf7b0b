package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/autoluzes/autoluzes/internal/metrics"
	"github.com/autoluzes/autoluzes/internal/ratelimit"
	"github.com/autoluzes/autoluzes/pkg/logger"
)

// Error codes written by the rate limit guard.
const (
	CodeRateLimitExceeded    = "RATE_LIMIT_EXCEEDED"
	CodeRateLimitUnavailable = "RATE_LIMIT_UNAVAILABLE"
	CodeUnauthorized         = "UNAUTHORIZED"
	CodeInternal             = "INTERNAL_ERROR"
)

// Rate limit response headers.
const (
	HeaderRateLimitLimit     = "X-RateLimit-Limit"
	HeaderRateLimitRemaining = "X-RateLimit-Remaining"
	HeaderRateLimitReset     = "X-RateLimit-Reset"
	HeaderRetryAfter         = "Retry-After"
)

// PolicyChecker is the part of ratelimit.Limiter the guard needs.
type PolicyChecker interface {
	CheckPolicy(ctx context.Context, identifier string, p ratelimit.Policy) (*ratelimit.Result, error)
}

// KeyFunc extracts the rate limit identifier from a request. An empty
// identifier means the request cannot be attributed.
type KeyFunc func(r *http.Request) string

// KeyByIP keys requests by client IP, as set by ClientIP.
func KeyByIP(r *http.Request) string {
	if ip := GetClientIP(r.Context()); ip != "" {
		return ip
	}
	return extractIPFromAddr(r.RemoteAddr)
}

// KeyByUser keys requests by authenticated user ID, as set by UserID.
func KeyByUser(r *http.Request) string {
	return GetUserID(r.Context())
}

// RateLimitConfig configures one guarded route.
type RateLimitConfig struct {
	Policy   ratelimit.Policy
	Key      KeyFunc
	FailOpen bool // forward requests when storage is unavailable
	Logger   *logger.Logger
	Now      func() time.Time
}

// ErrorResponse is the JSON body of guard rejections.
type ErrorResponse struct {
	Error      string `json:"error"`
	Code       string `json:"code"`
	RetryAfter string `json:"retry_after,omitempty"`
}

// RateLimit returns a middleware that checks cfg.Policy before the handler.
// Denied requests get 429 and never reach the handler.
func RateLimit(limiter PolicyChecker, cfg RateLimitConfig) Middleware {
	if cfg.Key == nil {
		cfg.Key = KeyByIP
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.Nop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	action := cfg.Policy.Action

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identifier := cfg.Key(r)
			if identifier == "" {
				writeError(w, http.StatusUnauthorized, ErrorResponse{
					Error: "authentication required",
					Code:  CodeUnauthorized,
				})
				return
			}

			result, err := limiter.CheckPolicy(r.Context(), identifier, cfg.Policy)
			if err != nil {
				log := cfg.Logger.With("action", action, "request_id", GetRequestID(r.Context()))
				if !errors.Is(err, ratelimit.ErrStorageUnavailable) {
					log.Error("rate limit check failed", "error", err)
					writeError(w, http.StatusInternalServerError, ErrorResponse{
						Error: "internal server error",
						Code:  CodeInternal,
					})
					return
				}
				if cfg.FailOpen {
					log.Warn("rate limit storage unavailable, allowing request", "error", err)
					metrics.RecordFailOpen(action)
					next.ServeHTTP(w, r)
					return
				}
				log.Error("rate limit storage unavailable, rejecting request", "error", err)
				writeError(w, http.StatusServiceUnavailable, ErrorResponse{
					Error: "service temporarily unavailable",
					Code:  CodeRateLimitUnavailable,
				})
				return
			}

			setRateLimitHeaders(w, result)
			if !result.Success {
				metrics.RecordRateLimited(action)
				retry := retryAfterSeconds(result.RetryAfter(cfg.Now()))
				w.Header().Set(HeaderRetryAfter, strconv.Itoa(retry))
				writeError(w, http.StatusTooManyRequests, ErrorResponse{
					Error:      "Too many attempts. Please try again later.",
					Code:       CodeRateLimitExceeded,
					RetryAfter: result.ResetAt.UTC().Format(time.RFC3339),
				})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func setRateLimitHeaders(w http.ResponseWriter, result *ratelimit.Result) {
	h := w.Header()
	h.Set(HeaderRateLimitLimit, strconv.Itoa(result.Limit))
	h.Set(HeaderRateLimitRemaining, strconv.Itoa(result.Remaining))
	h.Set(HeaderRateLimitReset, strconv.FormatInt(result.ResetAt.Unix(), 10))
}

// retryAfterSeconds rounds up and never returns less than one second.
func retryAfterSeconds(d time.Duration) int {
	secs := int(math.Ceil(d.Seconds()))
	if secs < 1 {
		return 1
	}
	return secs
}

func writeError(w http.ResponseWriter, status int, body ErrorResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
