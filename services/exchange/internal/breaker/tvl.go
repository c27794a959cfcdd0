package breaker

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Sample is one point of the rolling total-value-locked series.
type Sample struct {
	At    time.Time
	Value decimal.Decimal
}

// TVLStore holds the rolling TVL series the breaker evaluates. The series
// is fed externally; the store only needs append and windowed range.
type TVLStore interface {
	Append(ctx context.Context, s Sample) error
	// Range returns samples with At in [from, to], oldest first.
	Range(ctx context.Context, from, to time.Time) ([]Sample, error)
}

// MemoryStore keeps the series in process. Suitable for tests and
// single-node deployments; the redis store is its durable twin.
type MemoryStore struct {
	mu      sync.Mutex
	samples []Sample
	retain  time.Duration
}

func NewMemoryStore(retain time.Duration) *MemoryStore {
	if retain <= 0 {
		retain = 48 * time.Hour
	}
	return &MemoryStore{retain: retain}
}

func (m *MemoryStore) Append(_ context.Context, s Sample) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.samples = append(m.samples, s)

	cutoff := s.At.Add(-m.retain)
	trimmed := m.samples[:0]
	for _, existing := range m.samples {
		if !existing.At.Before(cutoff) {
			trimmed = append(trimmed, existing)
		}
	}
	m.samples = trimmed
	return nil
}

func (m *MemoryStore) Range(_ context.Context, from, to time.Time) ([]Sample, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Sample, 0, len(m.samples))
	for _, s := range m.samples {
		if s.At.Before(from) || s.At.After(to) {
			continue
		}
		out = append(out, s)
	}
	return out, nil
}
