package store

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/hed1ad/vitalguard/pkg/vitals"
)

// DefaultMemoryCapacity bounds each in-memory collection.
const DefaultMemoryCapacity = 10000

// Memory is a bounded in-process Store. Once a collection is full the oldest
// entry is evicted.
type Memory struct {
	mu        sync.RWMutex
	readings  []vitals.Reading
	anomalies []vitals.AnomalyRecord
	capacity  int
}

var _ Store = (*Memory)(nil)

// NewMemory creates a Memory store; capacity <= 0 selects the default.
func NewMemory(capacity int) *Memory {
	if capacity <= 0 {
		capacity = DefaultMemoryCapacity
	}
	return &Memory{capacity: capacity}
}

func (m *Memory) AppendReading(_ context.Context, r *vitals.Reading) error {
	r.ID = uuid.NewString()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.readings = appendBounded(m.readings, *r, m.capacity)
	return nil
}

func (m *Memory) RecentReadings(_ context.Context, limit int) ([]vitals.Reading, error) {
	if limit <= 0 {
		return nil, ErrInvalidLimit
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	return newestFirst(m.readings, limit), nil
}

func (m *Memory) AppendAnomaly(_ context.Context, rec *vitals.AnomalyRecord) error {
	rec.ID = uuid.NewString()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.anomalies = appendBounded(m.anomalies, *rec, m.capacity)
	return nil
}

func (m *Memory) RecentAnomalies(_ context.Context, limit int) ([]vitals.AnomalyRecord, error) {
	if limit <= 0 {
		return nil, ErrInvalidLimit
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	return newestFirst(m.anomalies, limit), nil
}

// Close is a no-op.
func (m *Memory) Close() error { return nil }

func appendBounded[T any](buf []T, v T, capacity int) []T {
	if len(buf) >= capacity {
		// Remove the oldest element
		buf = buf[1:]
	}
	return append(buf, v)
}

// newestFirst copies up to limit trailing elements in reverse order.
func newestFirst[T any](buf []T, limit int) []T {
	if limit > len(buf) {
		limit = len(buf)
	}
	out := make([]T, 0, limit)
	for i := len(buf) - 1; i >= len(buf)-limit; i-- {
		out = append(out, buf[i])
	}
	return out
}
