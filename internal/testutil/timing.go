// Copyright 2025 The chatbot Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package testutil

import (
	"context"
	"sync"
	"testing"
	"time"
)

// Recorder collects values delivered from other goroutines, such as the
// events a listener dispatches.
type Recorder[T any] struct {
	mu    sync.Mutex
	items []T
}

// Record appends v.
func (r *Recorder[T]) Record(v T) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = append(r.items, v)
}

// Items returns a copy of everything recorded so far.
func (r *Recorder[T]) Items() []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]T(nil), r.items...)
}

// Len returns the number of recorded values.
func (r *Recorder[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.items)
}

// WaitForLen blocks until at least n values are recorded.
func (r *Recorder[T]) WaitForLen(t testing.TB, n int, timeout time.Duration) []T {
	t.Helper()
	WaitWithTimeout(t, func() bool { return r.Len() >= n }, timeout, 5*time.Millisecond)
	return r.Items()
}

// TestTimeoutContext creates a context with timeout for testing
func TestTimeoutContext(timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), timeout)
}

// WaitWithTimeout waits for a condition with timeout
func WaitWithTimeout(t testing.TB, condition func() bool, timeout time.Duration, checkInterval time.Duration) {
	t.Helper()
	ctx, cancel := TestTimeoutContext(timeout)
	defer cancel()

	ticker := time.NewTicker(checkInterval)
	defer ticker.Stop()

	for {
		if condition() {
			return
		}
		select {
		case <-ctx.Done():
			t.Fatalf("Timeout waiting for condition after %v", timeout)
		case <-ticker.C:
		}
	}
}
