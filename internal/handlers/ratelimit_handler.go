package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/autoluzes/autoluzes/internal/ratelimit"
	"github.com/autoluzes/autoluzes/pkg/logger"
)

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// RateLimitStatusResponse describes one identifier's quota for one action.
type RateLimitStatusResponse struct {
	Identifier string  `json:"identifier"`
	Action     string  `json:"action"`
	Count      int     `json:"count"`
	Remaining  int     `json:"remaining"`
	Limit      int     `json:"limit"`
	Active     bool    `json:"active"`
	ResetAt    *string `json:"reset_at,omitempty"`
}

// RateLimitAdmin inspects and clears rate limit windows.
type RateLimitAdmin interface {
	Status(ctx context.Context, identifier, action string, limit int) (*ratelimit.Status, error)
	Reset(ctx context.Context, identifier, action string) error
}

// RateLimitHandler serves the rate limit admin API.
type RateLimitHandler struct {
	admin    RateLimitAdmin
	policies map[string]ratelimit.Policy
	log      *logger.Logger
}

// NewRateLimitHandler creates a handler. policies supplies the default
// limit for known actions when the request does not give one.
func NewRateLimitHandler(admin RateLimitAdmin, policies []ratelimit.Policy, log *logger.Logger) *RateLimitHandler {
	if log == nil {
		log = logger.Nop()
	}
	byAction := make(map[string]ratelimit.Policy, len(policies))
	for _, p := range policies {
		byAction[p.Action] = p
	}
	return &RateLimitHandler{admin: admin, policies: byAction, log: log}
}

// Get handles GET /api/v1/rate-limits/{action}/{identifier}[?limit=N].
func (h *RateLimitHandler) Get(w http.ResponseWriter, r *http.Request) {
	action := chi.URLParam(r, "action")
	identifier := chi.URLParam(r, "identifier")

	limit, ok := h.limitFor(action, r.URL.Query().Get("limit"))
	if !ok {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{
			Error: "limit must be a positive integer; required for unknown actions",
			Code:  "INVALID_LIMIT",
		})
		return
	}

	status, err := h.admin.Status(r.Context(), identifier, action, limit)
	if err != nil {
		h.writeLimiterError(w, r, err)
		return
	}

	resp := RateLimitStatusResponse{
		Identifier: status.Identifier,
		Action:     status.Action,
		Count:      status.Count,
		Remaining:  status.Remaining,
		Limit:      status.Limit,
		Active:     status.Active,
	}
	if !status.ResetAt.IsZero() {
		s := status.ResetAt.UTC().Format(time.RFC3339)
		resp.ResetAt = &s
	}
	writeJSON(w, http.StatusOK, resp)
}

// Delete handles DELETE /api/v1/rate-limits/{action}/{identifier}.
func (h *RateLimitHandler) Delete(w http.ResponseWriter, r *http.Request) {
	action := chi.URLParam(r, "action")
	identifier := chi.URLParam(r, "identifier")

	if err := h.admin.Reset(r.Context(), identifier, action); err != nil {
		h.writeLimiterError(w, r, err)
		return
	}

	h.log.Info("rate limit reset", "action", action, "identifier", identifier)
	w.WriteHeader(http.StatusNoContent)
}

func (h *RateLimitHandler) limitFor(action, raw string) (int, bool) {
	if raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			return 0, false
		}
		return limit, true
	}
	if p, ok := h.policies[action]; ok {
		return p.Limit, true
	}
	return 0, false
}

func (h *RateLimitHandler) writeLimiterError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ratelimit.ErrInvalidArgument):
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "INVALID_REQUEST"})
	case errors.Is(err, ratelimit.ErrStorageUnavailable):
		h.log.Error("rate limit storage unavailable", "error", err, "path", r.URL.Path)
		writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{
			Error: "service temporarily unavailable",
			Code:  "RATE_LIMIT_UNAVAILABLE",
		})
	default:
		h.log.Error("rate limit admin request failed", "error", err, "path", r.URL.Path)
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "internal server error", Code: "INTERNAL_ERROR"})
	}
}
