// Package ingest implements the capture-dedup-persist message pipeline.
package ingest

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/dongshu2013/the-sniper/internal/chatnet"
	"github.com/dongshu2013/the-sniper/internal/metrics"
	"github.com/dongshu2013/the-sniper/internal/sniper"
)

// Pipeline receives raw inbound events from every pool member, deduplicates
// them against the fast store, and enqueues survivors for the flusher.
type Pipeline struct {
	fast   sniper.FastStore
	clock  sniper.Clock
	logger *zap.Logger
}

// NewPipeline constructs a Pipeline.
func NewPipeline(fast sniper.FastStore, clock sniper.Clock, logger *zap.Logger) *Pipeline {
	return &Pipeline{
		fast:   fast,
		clock:  clock,
		logger: logger,
	}
}

// HandleEvent is the inbound-event handler registered on every connected
// client. Errors are contained here: a broken event or a fast-store hiccup
// must never propagate into the network client's read loop.
func (p *Pipeline) HandleEvent(ctx context.Context, ev chatnet.RawEvent) {
	msg := normalize(ev)
	if !msg.HasContent() {
		metrics.ObserveIngest("no_content")
		return
	}

	seen, err := p.fast.Seen(ctx, msg.ChatID, msg.MessageID)
	if err != nil {
		metrics.ObserveIngest("error")
		p.logger.Error("seen-marker lookup failed",
			zap.Int64("chat_id", msg.ChatID),
			zap.Int64("message_id", msg.MessageID),
			zap.Error(err),
		)
		return
	}
	if seen {
		metrics.ObserveDedup()
		return
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		metrics.ObserveIngest("error")
		p.logger.Error("marshal inbound message failed", zap.Error(err))
		return
	}

	if err := p.fast.Ingest(ctx, msg.ChatID, msg.MessageID, payload, p.clock.Now()); err != nil {
		metrics.ObserveIngest("error")
		p.logger.Error("ingest pipeline write failed",
			zap.Int64("chat_id", msg.ChatID),
			zap.Int64("message_id", msg.MessageID),
			zap.Error(err),
		)
		return
	}
	metrics.ObserveIngest("accepted")
}

func normalize(ev chatnet.RawEvent) sniper.InboundMessage {
	return sniper.InboundMessage{
		ChatID:    ev.ChatID,
		MessageID: ev.MessageID,
		SenderID:  ev.SenderID,
		ReplyTo:   ev.ReplyTo,
		TopicID:   ev.TopicID,
		Text:      ev.Text,
		Buttons:   ev.Buttons,
		SentAt:    ev.Timestamp,
	}
}
