package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestID(t *testing.T) {
	tests := []struct {
		name     string
		incoming string
		keep     bool
	}{
		{"generates when absent", "", false},
		{"keeps valid incoming ID", "abc-123_XYZ", true},
		{"replaces ID with invalid characters", "abc<script>", false},
		{"replaces overlong ID", strings.Repeat("a", requestIDMaxLength+1), false},
		{"keeps ID at max length", strings.Repeat("a", requestIDMaxLength), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var captured string
			handler := RequestID()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				captured = GetRequestID(r.Context())
			}))

			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.incoming != "" {
				req.Header.Set(HeaderXRequestID, tt.incoming)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			assert.Equal(t, captured, rec.Header().Get(HeaderXRequestID))
			if tt.keep {
				assert.Equal(t, tt.incoming, captured)
			} else {
				_, err := uuid.Parse(captured)
				require.NoError(t, err, "expected a generated UUID, got %q", captured)
			}
		})
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name       string
		trustProxy bool
		trusted    []string
		remoteAddr string
		headers    map[string]string
		expected   string
	}{
		{
			name:       "remote addr with port",
			remoteAddr: "192.168.1.1:12345",
			expected:   "192.168.1.1",
		},
		{
			name:       "remote addr without port",
			remoteAddr: "192.168.1.1",
			expected:   "192.168.1.1",
		},
		{
			name:       "ipv6 remote addr",
			remoteAddr: "[2001:db8::1]:443",
			expected:   "2001:db8::1",
		},
		{
			name:       "forwarded header ignored without trust",
			remoteAddr: "192.168.1.1:12345",
			headers:    map[string]string{HeaderXForwardedFor: "203.0.113.195"},
			expected:   "192.168.1.1",
		},
		{
			name:       "rightmost forwarded address when trusted",
			trustProxy: true,
			remoteAddr: "10.0.0.1:80",
			headers:    map[string]string{HeaderXForwardedFor: "203.0.113.195, 70.41.3.18"},
			expected:   "70.41.3.18",
		},
		{
			name:       "client supplied leftmost entry is ignored",
			trustProxy: true,
			trusted:    []string{"10.0.0.1"},
			remoteAddr: "10.0.0.1:80",
			headers:    map[string]string{HeaderXForwardedFor: "192.0.2.44, 198.51.100.9"},
			expected:   "198.51.100.9",
		},
		{
			name:       "trusted hops are skipped",
			trustProxy: true,
			trusted:    []string{"10.0.0.1", "10.0.0.5"},
			remoteAddr: "10.0.0.1:80",
			headers:    map[string]string{HeaderXForwardedFor: "192.0.2.44, 198.51.100.9, 10.0.0.5"},
			expected:   "198.51.100.9",
		},
		{
			name:       "garbage left of the client is not reached",
			trustProxy: true,
			trusted:    []string{"10.0.0.1"},
			remoteAddr: "10.0.0.1:80",
			headers:    map[string]string{HeaderXForwardedFor: "not-an-ip, 198.51.100.9"},
			expected:   "198.51.100.9",
		},
		{
			name:       "only trusted hops falls back to peer",
			trustProxy: true,
			trusted:    []string{"10.0.0.1", "10.0.0.5"},
			remoteAddr: "10.0.0.1:80",
			headers:    map[string]string{HeaderXForwardedFor: "10.0.0.5"},
			expected:   "10.0.0.1",
		},
		{
			name:       "real IP when no forwarded header",
			trustProxy: true,
			remoteAddr: "10.0.0.1:80",
			headers:    map[string]string{HeaderXRealIP: " 203.0.113.7 "},
			expected:   "203.0.113.7",
		},
		{
			name:       "garbage forwarded value falls back",
			trustProxy: true,
			remoteAddr: "10.0.0.1:80",
			headers:    map[string]string{HeaderXForwardedFor: "not-an-ip"},
			expected:   "10.0.0.1",
		},
		{
			name:       "untrusted peer cannot spoof",
			trustProxy: true,
			trusted:    []string{"10.0.0.2"},
			remoteAddr: "10.0.0.1:80",
			headers:    map[string]string{HeaderXForwardedFor: "203.0.113.195"},
			expected:   "10.0.0.1",
		},
		{
			name:       "listed proxy is trusted",
			trustProxy: true,
			trusted:    []string{" 10.0.0.1 "},
			remoteAddr: "10.0.0.1:80",
			headers:    map[string]string{HeaderXForwardedFor: "203.0.113.195"},
			expected:   "203.0.113.195",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var captured string
			handler := ClientIP(tt.trustProxy, tt.trusted)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				captured = GetClientIP(r.Context())
			}))

			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remoteAddr
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			handler.ServeHTTP(httptest.NewRecorder(), req)

			assert.Equal(t, tt.expected, captured)
		})
	}
}

func TestUserID(t *testing.T) {
	tests := []struct {
		name     string
		header   string
		set      string
		value    string
		expected string
	}{
		{"default header", "", DefaultUserIDHeader, "user-42", "user-42"},
		{"custom header", "X-Auth-User", "X-Auth-User", "user-7", "user-7"},
		{"trimmed", "", DefaultUserIDHeader, "  user-1 ", "user-1"},
		{"absent", "", "", "", ""},
		{"blank", "", DefaultUserIDHeader, "   ", ""},
		{"overlong", "", DefaultUserIDHeader, strings.Repeat("u", userIDMaxLength+1), ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var captured string
			handler := UserID(tt.header)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				captured = GetUserID(r.Context())
			}))

			req := httptest.NewRequest(http.MethodPost, "/api/reports", nil)
			if tt.set != "" {
				req.Header.Set(tt.set, tt.value)
			}
			handler.ServeHTTP(httptest.NewRecorder(), req)

			assert.Equal(t, tt.expected, captured)
		})
	}
}

func TestClientIP_MultipleForwardedHeaders(t *testing.T) {
	var captured string
	handler := ClientIP(true, []string{"10.0.0.1"})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured = GetClientIP(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.1:80"
	req.Header.Add(HeaderXForwardedFor, "192.0.2.1")
	req.Header.Add(HeaderXForwardedFor, "198.51.100.9")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	assert.Equal(t, "198.51.100.9", captured)
}
