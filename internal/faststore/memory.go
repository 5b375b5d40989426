package faststore

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Memory is an in-process FastStore for tests and local development. TTLs are
// not enforced; the counting window is approximated by hourly buckets.
type Memory struct {
	mu      sync.Mutex
	seen    map[string]struct{}
	counts  map[string]int64
	pending [][]byte

	// IngestErr, when set, is returned by Ingest to exercise failure paths.
	IngestErr error
}

// NewMemory builds an empty Memory store.
func NewMemory() *Memory {
	return &Memory{
		seen:   make(map[string]struct{}),
		counts: make(map[string]int64),
	}
}

// Ingest implements sniper.FastStore.
func (m *Memory) Ingest(_ context.Context, chatID, messageID int64, payload []byte, at time.Time) error {
	if m.IngestErr != nil {
		return m.IngestErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counts[countKey(chatID, at)]++
	m.seen[seenKey(chatID, messageID)] = struct{}{}
	m.pending = append(m.pending, payload)
	return nil
}

// Seen implements sniper.FastStore.
func (m *Memory) Seen(_ context.Context, chatID, messageID int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.seen[seenKey(chatID, messageID)]
	return ok, nil
}

// PopBatch implements sniper.FastStore.
func (m *Memory) PopBatch(_ context.Context, max int) ([][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if max <= 0 || len(m.pending) == 0 {
		return nil, nil
	}
	if max > len(m.pending) {
		max = len(m.pending)
	}
	out := make([][]byte, max)
	copy(out, m.pending[:max])
	m.pending = m.pending[max:]
	return out, nil
}

// Requeue implements sniper.FastStore.
func (m *Memory) Requeue(_ context.Context, payloads [][]byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending = append(append([][]byte{}, payloads...), m.pending...)
	return nil
}

// QueueDepth implements sniper.FastStore.
func (m *Memory) QueueDepth(context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.pending)), nil
}

// MessageCount24h implements sniper.FastStore.
func (m *Memory) MessageCount24h(_ context.Context, chatID int64, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var total int64
	hour := now.Truncate(time.Hour)
	for i := 0; i < 24; i++ {
		total += m.counts[countKey(chatID, hour.Add(-time.Duration(i)*time.Hour))]
	}
	return total, nil
}

// HourlyCount returns one bucket's value, for assertions in tests.
func (m *Memory) HourlyCount(chatID int64, at time.Time) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[countKey(chatID, at)]
}

// String renders a compact debug summary.
func (m *Memory) String() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fmt.Sprintf("faststore.Memory{seen=%d pending=%d}", len(m.seen), len(m.pending))
}
