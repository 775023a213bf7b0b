// Package ratelimit provides fixed-window rate limiting backed by a
// shared store.
//
// Each (identifier, action) pair owns one counter and one window end.
// The first attempt opens a window of the requested length; attempts
// inside the window are counted until the limit is reached, after which
// they are denied without touching the counter. Once the window ends the
// next attempt opens a fresh one. The read-decide-write sequence is
// delegated to the Store as a single atomic operation so the limit holds
// across goroutines and across processes sharing the same store.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/autoluzes/autoluzes/internal/models"
)

var (
	// ErrInvalidArgument is returned for a non-positive limit or window,
	// or an empty identifier or action. No storage access happens.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrStorageUnavailable is returned when the backing store cannot be
	// reached or the call timed out. The cause stays in the error chain.
	ErrStorageUnavailable = errors.New("rate limit storage unavailable")

	// ErrStoreClosed is returned by stores after Close.
	ErrStoreClosed = errors.New("rate limit store closed")
)

// Result contains the outcome of a rate limit check.
type Result struct {
	Success   bool      // Whether the attempt was allowed and counted
	Remaining int       // Attempts left in the current window
	ResetAt   time.Time // When the current window ends
	Limit     int       // The limit the attempt was checked against
}

// RetryAfter returns the time left until the window resets, never negative.
func (r *Result) RetryAfter(now time.Time) time.Duration {
	if d := r.ResetAt.Sub(now); d > 0 {
		return d
	}
	return 0
}

// Status is a read-only view of an identifier's quota for one action.
type Status struct {
	Identifier string
	Action     string
	Count      int
	Remaining  int
	Limit      int
	ResetAt    time.Time // zero when no window is active
	Active     bool
}

// Hit is what a Store reports after an atomic attempt.
type Hit struct {
	Record  models.RateLimitRecord // state after the operation
	Counted bool                   // false when the quota was already exhausted
}

// Store persists rate limit records. Implementations must be safe for
// concurrent use, and Hit must be atomic per (identifier, action).
type Store interface {
	// Hit records one attempt at now. It opens a new window of the given
	// length when no record exists or the stored one has ended, denies
	// without mutation when count has reached limit, and increments
	// otherwise.
	Hit(ctx context.Context, identifier, action string, limit int, window time.Duration, now time.Time) (Hit, error)

	// Get returns the stored record, expired or not, or
	// models.ErrRecordNotFound.
	Get(ctx context.Context, identifier, action string) (*models.RateLimitRecord, error)

	// Reset removes the record. Removing a missing record is not an error.
	Reset(ctx context.Context, identifier, action string) error

	// DeleteExpired removes records whose window ended at or before now.
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)

	// Ping checks that the store is reachable.
	Ping(ctx context.Context) error

	// Close releases resources owned by the store.
	Close() error
}

// Observer is notified after every check with either a result or an error.
type Observer func(action string, result *Result, err error)

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		l.now = now
	}
}

// WithTimeout bounds every storage call. Zero disables the bound.
func WithTimeout(d time.Duration) Option {
	return func(l *Limiter) {
		l.timeout = d
	}
}

// WithObserver registers a callback run after each Check.
func WithObserver(o Observer) Option {
	return func(l *Limiter) {
		l.observer = o
	}
}

// Limiter enforces fixed-window limits on top of a Store.
type Limiter struct {
	store    Store
	now      func() time.Time
	timeout  time.Duration
	observer Observer
}

// New creates a Limiter using the given store.
func New(store Store, opts ...Option) *Limiter {
	l := &Limiter{
		store: store,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Check records an attempt for identifier on action and reports whether
// it is allowed under limit attempts per window.
func (l *Limiter) Check(ctx context.Context, identifier, action string, limit int, window time.Duration) (*Result, error) {
	result, err := l.check(ctx, identifier, action, limit, window)
	if l.observer != nil {
		l.observer(action, result, err)
	}
	return result, err
}

// CheckPolicy is Check with the limit and window taken from p.
func (l *Limiter) CheckPolicy(ctx context.Context, identifier string, p Policy) (*Result, error) {
	return l.Check(ctx, identifier, p.Action, p.Limit, p.Window)
}

func (l *Limiter) check(ctx context.Context, identifier, action string, limit int, window time.Duration) (*Result, error) {
	if err := validate(identifier, action, limit, window); err != nil {
		return nil, err
	}

	ctx, cancel := l.bound(ctx)
	defer cancel()

	hit, err := l.store.Hit(ctx, identifier, action, limit, window, l.clock())
	if err != nil {
		return nil, unavailable(err)
	}

	result := &Result{
		Success: hit.Counted,
		ResetAt: hit.Record.ResetAt,
		Limit:   limit,
	}
	if hit.Counted {
		result.Remaining = max(limit-hit.Record.Count, 0)
	}
	return result, nil
}

// Status reports the current usage without recording an attempt.
func (l *Limiter) Status(ctx context.Context, identifier, action string, limit int) (*Status, error) {
	if err := validateKey(identifier, action); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, fmt.Errorf("%w: limit must be positive, got %d", ErrInvalidArgument, limit)
	}

	ctx, cancel := l.bound(ctx)
	defer cancel()

	status := &Status{
		Identifier: identifier,
		Action:     action,
		Remaining:  limit,
		Limit:      limit,
	}

	record, err := l.store.Get(ctx, identifier, action)
	if errors.Is(err, models.ErrRecordNotFound) {
		return status, nil
	}
	if err != nil {
		return nil, unavailable(err)
	}

	now := l.clock()
	if record.IsExpired(now) {
		return status, nil
	}

	status.Active = true
	status.Count = record.Count
	status.Remaining = record.Remaining(limit, now)
	status.ResetAt = record.ResetAt
	return status, nil
}

// Reset clears the window for identifier on action.
func (l *Limiter) Reset(ctx context.Context, identifier, action string) error {
	if err := validateKey(identifier, action); err != nil {
		return err
	}

	ctx, cancel := l.bound(ctx)
	defer cancel()

	if err := l.store.Reset(ctx, identifier, action); err != nil {
		return unavailable(err)
	}
	return nil
}

// Ping checks the backing store.
func (l *Limiter) Ping(ctx context.Context) error {
	ctx, cancel := l.bound(ctx)
	defer cancel()

	if err := l.store.Ping(ctx); err != nil {
		return unavailable(err)
	}
	return nil
}

// clock returns the current time at millisecond precision, the
// granularity windows are expressed in.
func (l *Limiter) clock() time.Time {
	return l.now().Truncate(time.Millisecond)
}

func (l *Limiter) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if l.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, l.timeout)
}

func validate(identifier, action string, limit int, window time.Duration) error {
	if err := validateKey(identifier, action); err != nil {
		return err
	}
	if limit <= 0 {
		return fmt.Errorf("%w: limit must be positive, got %d", ErrInvalidArgument, limit)
	}
	if window < time.Millisecond {
		return fmt.Errorf("%w: window must be at least 1ms, got %s", ErrInvalidArgument, window)
	}
	return nil
}

func validateKey(identifier, action string) error {
	if err := models.ValidateKey(identifier, action); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidArgument, err)
	}
	return nil
}

func unavailable(err error) error {
	if errors.Is(err, ErrStorageUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
}
