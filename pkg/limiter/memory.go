// Package limiter provides a shared byte budget for operations that want to
// hold whole response bodies in memory. Downloads that cannot get a
// reservation fall back to streaming instead of blocking.
package limiter

import (
	"sync"
)

// Memory is a non-blocking byte budget shared between workers.
// It is thread-safe.
type Memory struct {
	mu        sync.Mutex
	available int64
	capacity  int64
}

// NewMemory creates a budget with the given total capacity in bytes.
func NewMemory(limit int64) *Memory {
	return &Memory{
		available: limit,
		capacity:  limit,
	}
}

// TryAcquire attempts to reserve n bytes and reports whether it succeeded.
// A request larger than the total capacity can never be satisfied and is
// rejected immediately so the caller can fall back to streaming.
func (m *Memory) TryAcquire(n int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if n > m.capacity {
		return false
	}
	if m.available >= n {
		m.available -= n
		return true
	}
	return false
}

// Release returns n bytes to the budget. It must pair with a successful
// TryAcquire; a double release is clamped at capacity rather than inflating
// the budget.
func (m *Memory) Release(n int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.available += n
	if m.available > m.capacity {
		m.available = m.capacity
	}
}

// Available returns the bytes currently free to reserve.
func (m *Memory) Available() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.available
}

// Capacity returns the total size of the budget.
func (m *Memory) Capacity() int64 {
	return m.capacity
}
