package store

import (
	"context"
	"sync"
)

// Memory is an in-memory Store for tests. It records every snapshot.
type Memory[T any] struct {
	mu        sync.Mutex
	records   []T
	snapshots [][]T
	LoadErr   error
}

var _ Store[struct{}] = (*Memory[struct{}])(nil)

// NewMemory returns a Memory store preloaded with records.
func NewMemory[T any](records ...T) *Memory[T] {
	return &Memory[T]{records: records}
}

func (m *Memory[T]) Load(ctx context.Context) ([]T, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.LoadErr != nil {
		return nil, m.LoadErr
	}
	return append([]T(nil), m.records...), nil
}

func (m *Memory[T]) Save(records []T) {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap := append([]T(nil), records...)
	m.records = snap
	m.snapshots = append(m.snapshots, snap)
}

// Latest returns the most recent snapshot.
func (m *Memory[T]) Latest() []T {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]T(nil), m.records...)
}

// Saves returns how many snapshots were saved.
func (m *Memory[T]) Saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.snapshots)
}
