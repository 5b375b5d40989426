package ingest

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dongshu2013/the-sniper/internal/metrics"
	"github.com/dongshu2013/the-sniper/internal/sniper"
)

// FlusherConfig controls the flush cycle.
type FlusherConfig struct {
	Interval  time.Duration
	BatchSize int
	Workers   int
}

// Flusher drains the pending queue into durable storage in batches. A failed
// batch is re-queued rather than dropped; the durable store's natural-key
// constraint makes redelivery a no-op.
type Flusher struct {
	fast     sniper.FastStore
	messages sniper.MessageStore
	cfg      FlusherConfig
	logger   *zap.Logger
}

// NewFlusher constructs a Flusher.
func NewFlusher(fast sniper.FastStore, messages sniper.MessageStore, cfg FlusherConfig, logger *zap.Logger) *Flusher {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	return &Flusher{
		fast:     fast,
		messages: messages,
		cfg:      cfg,
		logger:   logger,
	}
}

// Run fans out flush workers and blocks until the context finishes. Each
// worker completes its in-flight batch before exiting.
func (f *Flusher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < f.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.loop(ctx)
		}()
	}
	wg.Wait()
}

func (f *Flusher) loop(ctx context.Context) {
	ticker := time.NewTicker(f.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// Use a background-derived context so the in-flight batch can
			// finish during shutdown.
			f.FlushOnce(context.WithoutCancel(ctx))
		}
	}
}

// FlushOnce pops and persists up to one batch. Exposed for tests and for the
// final drain during shutdown.
func (f *Flusher) FlushOnce(ctx context.Context) {
	payloads, err := f.fast.PopBatch(ctx, f.cfg.BatchSize)
	if err != nil {
		metrics.ObserveFlush("pop_error", 0)
		f.logger.Error("pop pending batch failed", zap.Error(err))
		return
	}
	if len(payloads) == 0 {
		f.observeDepth(ctx)
		return
	}

	msgs := make([]sniper.InboundMessage, 0, len(payloads))
	for _, raw := range payloads {
		var msg sniper.InboundMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			// A payload that does not decode can never be inserted; dropping
			// it is the only way it leaves the queue.
			f.logger.Warn("dropping undecodable payload", zap.Error(err))
			continue
		}
		msgs = append(msgs, msg)
	}

	written, err := f.messages.InsertBatch(ctx, msgs)
	if err != nil {
		metrics.ObserveFlush("insert_error", 0)
		f.logger.Error("insert batch failed, re-queueing",
			zap.Int("batch", len(payloads)),
			zap.Error(err),
		)
		if reqErr := f.fast.Requeue(ctx, payloads); reqErr != nil {
			f.logger.Error("re-queue failed, batch lost", zap.Error(reqErr))
		}
		return
	}
	metrics.ObserveFlush("ok", written)
	f.logger.Debug("flushed batch",
		zap.Int("messages", len(msgs)),
		zap.Int64("written", written),
	)
	f.observeDepth(ctx)
}

func (f *Flusher) observeDepth(ctx context.Context) {
	depth, err := f.fast.QueueDepth(ctx)
	if err != nil {
		return
	}
	metrics.SetQueueDepth(depth)
}
