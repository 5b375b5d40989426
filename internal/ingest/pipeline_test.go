package ingest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dongshu2013/the-sniper/internal/chatnet"
	"github.com/dongshu2013/the-sniper/internal/faststore"
	"github.com/dongshu2013/the-sniper/internal/sniper"
)

type fixedClock struct{ at time.Time }

func (c fixedClock) Now() time.Time { return c.at }

// memMessageStore records inserts keyed by the natural key, mimicking the
// durable store's uniqueness constraint.
type memMessageStore struct {
	mu        sync.Mutex
	rows      map[[2]int64]sniper.InboundMessage
	insertErr error
	batches   int
}

func newMemMessageStore() *memMessageStore {
	return &memMessageStore{rows: make(map[[2]int64]sniper.InboundMessage)}
}

func (m *memMessageStore) InsertBatch(_ context.Context, msgs []sniper.InboundMessage) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.insertErr != nil {
		return 0, m.insertErr
	}
	m.batches++
	var written int64
	for _, msg := range msgs {
		key := [2]int64{msg.ChatID, msg.MessageID}
		if _, ok := m.rows[key]; ok {
			continue
		}
		m.rows[key] = msg
		written++
	}
	return written, nil
}

func (m *memMessageStore) rowCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rows)
}

func event(chatID, messageID int64, text string) chatnet.RawEvent {
	return chatnet.RawEvent{
		ChatID:    chatID,
		MessageID: messageID,
		SenderID:  9,
		Text:      text,
		Timestamp: time.Unix(1700000000, 0).UTC(),
	}
}

func newPipeline(fast sniper.FastStore) *Pipeline {
	return NewPipeline(fast, fixedClock{time.Unix(1700000000, 0).UTC()}, zap.NewNop())
}

func TestHandleEventDiscardsNonContent(t *testing.T) {
	t.Parallel()

	fast := faststore.NewMemory()
	p := newPipeline(fast)

	p.HandleEvent(context.Background(), event(42, 1, ""))

	depth, err := fast.QueueDepth(context.Background())
	require.NoError(t, err)
	require.Zero(t, depth)
}

func TestHandleEventDedupShortCircuit(t *testing.T) {
	t.Parallel()

	fast := faststore.NewMemory()
	p := newPipeline(fast)

	p.HandleEvent(context.Background(), event(42, 1, "gm"))
	p.HandleEvent(context.Background(), event(42, 1, "gm"))

	depth, err := fast.QueueDepth(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 1, depth)
	require.EqualValues(t, 1, fast.HourlyCount(42, time.Unix(1700000000, 0).UTC()))
}

func TestHandleEventDistinctMessagesBothQueued(t *testing.T) {
	t.Parallel()

	fast := faststore.NewMemory()
	p := newPipeline(fast)

	p.HandleEvent(context.Background(), event(42, 1, "gm"))
	p.HandleEvent(context.Background(), event(42, 2, "wagmi"))
	p.HandleEvent(context.Background(), event(43, 1, "gm"))

	depth, err := fast.QueueDepth(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 3, depth)
}
