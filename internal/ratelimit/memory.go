package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/autoluzes/autoluzes/internal/models"
)

// MemoryStore implements Store in process memory. It is atomic within one
// process only and suits single-instance deployments and tests.
type MemoryStore struct {
	entries sync.Map // map[memoryKey]*entry
	closed  atomic.Bool
}

type memoryKey struct {
	identifier string
	action     string
}

// entry holds the window for a single (identifier, action) pair.
type entry struct {
	mu      sync.Mutex
	count   int
	resetAt time.Time
	deleted bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Hit records an attempt under the entry lock.
func (m *MemoryStore) Hit(ctx context.Context, identifier, action string, limit int, window time.Duration, now time.Time) (Hit, error) {
	if err := m.guard(ctx); err != nil {
		return Hit{}, err
	}

	key := memoryKey{identifier: identifier, action: action}
	for {
		e := m.load(key)

		e.mu.Lock()
		if e.deleted {
			// Swept or reset between load and lock; retry with a fresh entry.
			e.mu.Unlock()
			continue
		}

		counted := true
		switch {
		case e.resetAt.IsZero() || !now.Before(e.resetAt):
			e.count = 1
			e.resetAt = now.Add(window)
		case e.count >= limit:
			counted = false
		default:
			e.count++
		}

		hit := Hit{
			Record: models.RateLimitRecord{
				Identifier: identifier,
				Action:     action,
				Count:      e.count,
				ResetAt:    e.resetAt,
			},
			Counted: counted,
		}
		e.mu.Unlock()
		return hit, nil
	}
}

// Get returns a copy of the stored record.
func (m *MemoryStore) Get(ctx context.Context, identifier, action string) (*models.RateLimitRecord, error) {
	if err := m.guard(ctx); err != nil {
		return nil, err
	}

	v, ok := m.entries.Load(memoryKey{identifier: identifier, action: action})
	if !ok {
		return nil, models.ErrRecordNotFound
	}
	e := v.(*entry)

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.deleted || e.resetAt.IsZero() {
		return nil, models.ErrRecordNotFound
	}
	return &models.RateLimitRecord{
		Identifier: identifier,
		Action:     action,
		Count:      e.count,
		ResetAt:    e.resetAt,
	}, nil
}

// Reset drops the entry for identifier on action.
func (m *MemoryStore) Reset(ctx context.Context, identifier, action string) error {
	if err := m.guard(ctx); err != nil {
		return err
	}

	key := memoryKey{identifier: identifier, action: action}
	v, ok := m.entries.Load(key)
	if !ok {
		return nil
	}
	m.evict(key, v.(*entry))
	return nil
}

// DeleteExpired removes entries whose window has ended at now.
func (m *MemoryStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	if err := m.guard(ctx); err != nil {
		return 0, err
	}

	var deleted int64
	m.entries.Range(func(k, v interface{}) bool {
		e := v.(*entry)
		e.mu.Lock()
		expired := !e.deleted && !e.resetAt.IsZero() && !now.Before(e.resetAt)
		if expired {
			e.deleted = true
			m.entries.CompareAndDelete(k, e)
			deleted++
		}
		e.mu.Unlock()
		return ctx.Err() == nil
	})
	return deleted, nil
}

// Len returns the number of tracked entries.
func (m *MemoryStore) Len() int {
	n := 0
	m.entries.Range(func(_, _ interface{}) bool {
		n++
		return true
	})
	return n
}

// Ping reports whether the store is still open.
func (m *MemoryStore) Ping(ctx context.Context) error {
	return m.guard(ctx)
}

// Close marks the store closed and drops all entries.
func (m *MemoryStore) Close() error {
	m.closed.Store(true)
	m.entries.Clear()
	return nil
}

func (m *MemoryStore) load(key memoryKey) *entry {
	if v, ok := m.entries.Load(key); ok {
		return v.(*entry)
	}
	v, _ := m.entries.LoadOrStore(key, &entry{})
	return v.(*entry)
}

func (m *MemoryStore) evict(key memoryKey, e *entry) {
	e.mu.Lock()
	e.deleted = true
	m.entries.CompareAndDelete(key, e)
	e.mu.Unlock()
}

func (m *MemoryStore) guard(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	if m.closed.Load() {
		return ErrStoreClosed
	}
	return nil
}
