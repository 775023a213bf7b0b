// Package models contains domain models and entities.
package models

import (
	"errors"
	"time"
)

// RateLimitRecord is the persisted counter for one (identifier, action) pair.
type RateLimitRecord struct {
	Identifier string    `json:"identifier"`
	Action     string    `json:"action"`
	Count      int       `json:"count"`
	ResetAt    time.Time `json:"reset_at"`
}

// Validation errors
var (
	ErrEmptyIdentifier = errors.New("identifier cannot be empty")
	ErrEmptyAction     = errors.New("action cannot be empty")
	ErrRecordNotFound  = errors.New("rate limit record not found")
)

// ValidateKey checks the composite key of a record.
func ValidateKey(identifier, action string) error {
	if identifier == "" {
		return ErrEmptyIdentifier
	}
	if action == "" {
		return ErrEmptyAction
	}
	return nil
}

// IsExpired reports whether the window has ended at now.
// A record is expired once now reaches ResetAt.
func (r *RateLimitRecord) IsExpired(now time.Time) bool {
	return !now.Before(r.ResetAt)
}

// Remaining returns how many attempts are left under limit.
// Expired records report the full limit.
func (r *RateLimitRecord) Remaining(limit int, now time.Time) int {
	if r.IsExpired(now) {
		return limit
	}
	if remaining := limit - r.Count; remaining > 0 {
		return remaining
	}
	return 0
}
