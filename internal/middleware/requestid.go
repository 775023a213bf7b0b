package middleware

import (
	"context"
	"net"
	"net/http"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

const (
	// HeaderXRequestID is the header name for request ID.
	HeaderXRequestID = "X-Request-ID"
	// HeaderXForwardedFor is the header name for forwarded client IP.
	HeaderXForwardedFor = "X-Forwarded-For"
	// HeaderXRealIP is the header name for real client IP.
	HeaderXRealIP = "X-Real-IP"
	// DefaultUserIDHeader carries the user ID set by the authentication gateway.
	DefaultUserIDHeader = "X-User-ID"
)

const (
	requestIDMaxLength = 128
	userIDMaxLength    = 256
)

var validRequestIDRegex = regexp.MustCompile(`^[a-zA-Z0-9\-_]+$`)

// RequestID adds a request ID to each request, reusing a valid incoming
// X-Request-ID and generating a UUID v4 otherwise.
func RequestID() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := r.Header.Get(HeaderXRequestID)
			if !isValidRequestID(requestID) {
				requestID = uuid.NewString()
			}

			w.Header().Set(HeaderXRequestID, requestID)
			ctx := context.WithValue(r.Context(), RequestIDKey, requestID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func isValidRequestID(id string) bool {
	if id == "" || len(id) > requestIDMaxLength {
		return false
	}
	return validRequestIDRegex.MatchString(id)
}

// ClientIP stores the client IP in context. Forwarding headers are honoured
// only when trustProxy is set and, if trustedProxies is non-empty, only when
// the direct peer is one of them. Values that are not IP addresses are ignored.
func ClientIP(trustProxy bool, trustedProxies []string) Middleware {
	trusted := make(map[string]struct{}, len(trustedProxies))
	for _, p := range trustedProxies {
		if ip := net.ParseIP(strings.TrimSpace(p)); ip != nil {
			trusted[ip.String()] = struct{}{}
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			clientIP := extractClientIP(r, trustProxy, trusted)
			ctx := context.WithValue(r.Context(), ClientIPKey, clientIP)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func extractClientIP(r *http.Request, trustProxy bool, trusted map[string]struct{}) string {
	remoteIP := extractIPFromAddr(r.RemoteAddr)
	if !trustProxy {
		return remoteIP
	}
	if len(trusted) > 0 {
		if _, ok := trusted[remoteIP]; !ok {
			return remoteIP
		}
	}

	if ip := forwardedClient(r.Header.Values(HeaderXForwardedFor), trusted); ip != "" {
		return ip
	}
	if ip := net.ParseIP(strings.TrimSpace(r.Header.Get(HeaderXRealIP))); ip != nil {
		return ip.String()
	}
	return remoteIP
}

// forwardedClient walks X-Forwarded-For from the right, where each proxy
// appends the address it received the request from, and returns the first
// address that is not a trusted proxy. Entries left of it are client
// supplied. An unparseable entry ends the walk.
func forwardedClient(values []string, trusted map[string]struct{}) string {
	entries := strings.Split(strings.Join(values, ","), ",")
	for i := len(entries) - 1; i >= 0; i-- {
		entry := strings.TrimSpace(entries[i])
		if entry == "" {
			continue
		}
		ip := net.ParseIP(entry)
		if ip == nil {
			return ""
		}
		if _, ok := trusted[ip.String()]; ok {
			continue
		}
		return ip.String()
	}
	return ""
}

// extractIPFromAddr returns the host part of host:port, or addr unchanged.
func extractIPFromAddr(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip.String()
	}
	return host
}

// UserID stores the value of header in context as the user ID. The header
// must be set by a trusted authentication layer in front of the service.
func UserID(header string) Middleware {
	if header == "" {
		header = DefaultUserIDHeader
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := strings.TrimSpace(r.Header.Get(header))
			if id == "" || len(id) > userIDMaxLength {
				next.ServeHTTP(w, r)
				return
			}
			ctx := context.WithValue(r.Context(), UserIDKey, id)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
