// Package sequence allocates per-day delivery numbers.
//
// Every archive sent on a given day carries a distinct delivery number.
// Numbers are strictly increasing within the day and restart at 1 on the
// next day. Gaps are acceptable (an allocated number whose send later
// fails is never reused); duplicates are not.
package sequence

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Counter is the persistent per-day counter behind an Allocator
type Counter interface {
	// IncrementCounter atomically increments and returns the counter for
	// the given day, creating it at 1 on first use
	IncrementCounter(ctx context.Context, day string) (int, error)
}

// Allocator hands out delivery numbers
type Allocator struct {
	mu      sync.Mutex
	counter Counter
}

// NewAllocator creates an allocator backed by the given counter
func NewAllocator(counter Counter) *Allocator {
	return &Allocator{counter: counter}
}

// Next returns the next delivery number for the day containing t.
// Concurrent callers each receive a distinct number.
func (a *Allocator) Next(ctx context.Context, t time.Time) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	n, err := a.counter.IncrementCounter(ctx, Day(t))
	if err != nil {
		return 0, fmt.Errorf("incrementing delivery counter: %w", err)
	}
	return n, nil
}

// Day formats t as the yyyymmdd counter key
func Day(t time.Time) string {
	return t.Format("20060102")
}
