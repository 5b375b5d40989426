// Package lifecycle implements the chat quality state machine: periodic
// evaluation cycles that gather context, extract entities, score communities
// through the AI endpoint, and drive status transitions.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dongshu2013/the-sniper/internal/chatnet"
	"github.com/dongshu2013/the-sniper/internal/entity"
	"github.com/dongshu2013/the-sniper/internal/metrics"
	"github.com/dongshu2013/the-sniper/internal/sniper"
)

// ClientSource yields the live chat-network clients context gathering can use.
type ClientSource interface {
	Members() []chatnet.Client
}

// Config controls the engine's cadence and thresholds.
type Config struct {
	Interval            time.Duration
	Concurrency         int
	LowQualityThreshold float64
	MinMessages         int
	InactiveAfter       time.Duration
	MaxTranscriptChars  int
	SampleLimit         int
	Temperature         float64
	WeightedScoring     bool
	TransitionTopic     string
}

// Engine visits every watched community on a fixed interval. Each community
// is an independent unit of work: a failure there is logged and never
// propagates to sibling communities.
type Engine struct {
	chats     sniper.ChatStore
	clients   ClientSource
	ai        sniper.Completer
	publisher sniper.Publisher
	clock     sniper.Clock
	cfg       Config
	logger    *zap.Logger
}

// New constructs an Engine.
func New(
	chats sniper.ChatStore,
	clients ClientSource,
	ai sniper.Completer,
	publisher sniper.Publisher,
	clock sniper.Clock,
	cfg Config,
	logger *zap.Logger,
) *Engine {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	if cfg.LowQualityThreshold <= 0 {
		cfg.LowQualityThreshold = 5.0
	}
	if cfg.MinMessages <= 0 {
		cfg.MinMessages = 10
	}
	if cfg.InactiveAfter <= 0 {
		cfg.InactiveAfter = 24 * time.Hour
	}
	if cfg.MaxTranscriptChars <= 0 {
		cfg.MaxTranscriptChars = 16000
	}
	if cfg.SampleLimit <= 0 {
		cfg.SampleLimit = 100
	}
	if cfg.Temperature <= 0 {
		cfg.Temperature = 0.2
	}
	if cfg.TransitionTopic == "" {
		cfg.TransitionTopic = "chat-transitions"
	}
	return &Engine{
		chats:     chats,
		clients:   clients,
		ai:        ai,
		publisher: publisher,
		clock:     clock,
		cfg:       cfg,
		logger:    logger,
	}
}

// Run executes cycles until the context is cancelled. Losing a partially
// evaluated community on cancellation is fine; it is revisited next cycle.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()
	for {
		if err := e.RunCycle(ctx); err != nil && !errors.Is(err, context.Canceled) {
			e.logger.Error("lifecycle cycle failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunCycle visits every watched community once, bounded by Concurrency.
func (e *Engine) RunCycle(ctx context.Context) error {
	chats, err := e.chats.ListWatched(ctx)
	if err != nil {
		return fmt.Errorf("list watched chats: %w", err)
	}

	sem := make(chan struct{}, e.cfg.Concurrency)
	var wg sync.WaitGroup
	visited := 0
	for _, meta := range chats {
		// LOW_QUALITY is sticky and BLOCKED terminal; neither is revisited.
		if meta.Status == sniper.ChatStatusLowQuality || meta.Status == sniper.ChatStatusBlocked {
			continue
		}
		if ctx.Err() != nil {
			break
		}
		visited++
		wg.Add(1)
		sem <- struct{}{}
		go func(meta sniper.ChatMetadata) {
			defer wg.Done()
			defer func() { <-sem }()
			e.visit(ctx, meta)
		}(meta)
	}
	wg.Wait()
	e.logger.Debug("lifecycle cycle complete",
		zap.Int("watched", len(chats)),
		zap.Int("visited", visited),
	)
	return ctx.Err()
}

// visit runs one community through context gathering, entity extraction,
// evaluation, and persistence. All failures are contained here.
func (e *Engine) visit(ctx context.Context, meta sniper.ChatMetadata) {
	fetcher := e.pickClient(meta.ChatID)
	if fetcher == nil {
		e.logger.Warn("no connected client for context gathering",
			zap.Int64("chat_id", meta.ChatID))
		return
	}

	cc := e.gather(ctx, fetcher, meta)

	prevStatus := meta.Status
	wasFinalized := entity.Finalized(meta.Entity)
	if !wasFinalized {
		if merged, ok := e.extractEntity(ctx, meta, cc); ok {
			meta.Entity = merged
		}
	}
	nowFinalized := entity.Finalized(meta.Entity)

	if e.evaluationDue(meta) {
		report, ok := e.evaluate(ctx, meta, cc)
		if ok {
			meta.Reports = append(meta.Reports, report)
			if len(meta.Reports) > sniper.MaxQualityReports {
				meta.Reports = meta.Reports[len(meta.Reports)-sniper.MaxQualityReports:]
			}
			meta.EvaluatedAt = report.ProcessedAt
			meta.Status = e.nextStatus(meta)
		}
	}

	if err := e.chats.UpsertChat(ctx, meta); err != nil {
		// Stale data is retried next cycle; upserts make that safe.
		e.logger.Error("persist chat metadata failed",
			zap.Int64("chat_id", meta.ChatID),
			zap.Error(err),
		)
		return
	}

	if meta.Status != prevStatus || (nowFinalized && !wasFinalized) {
		e.announce(ctx, meta.ChatID, prevStatus, meta.Status, nowFinalized && !wasFinalized)
	}
}

// pickClient spreads communities across live clients deterministically.
func (e *Engine) pickClient(chatID int64) chatnet.Client {
	members := e.clients.Members()
	if len(members) == 0 {
		return nil
	}
	idx := int(chatID % int64(len(members)))
	if idx < 0 {
		idx += len(members)
	}
	return members[idx]
}

// gather collects about text, pinned messages, and a recent sample. Any one
// source failing degrades to partial context.
func (e *Engine) gather(ctx context.Context, client chatnet.Client, meta sniper.ChatMetadata) sniper.ChatContext {
	cc := sniper.ChatContext{About: meta.About}

	if info, err := client.GetChatInfo(ctx, meta.ChatID); err == nil {
		if about := info.About(); about != "" {
			cc.About = about
		}
	} else {
		e.logger.Debug("chat info fetch failed",
			zap.Int64("chat_id", meta.ChatID), zap.Error(err))
	}

	if pinned, err := client.GetMessages(ctx, meta.ChatID, chatnet.MessageFilter{Pinned: true}, 10); err == nil {
		for _, m := range pinned {
			if m.Text != "" {
				cc.Pinned = append(cc.Pinned, m.Text)
			}
		}
	} else {
		e.logger.Debug("pinned fetch failed",
			zap.Int64("chat_id", meta.ChatID), zap.Error(err))
	}

	if recent, err := client.GetMessages(ctx, meta.ChatID, chatnet.MessageFilter{}, e.cfg.SampleLimit); err == nil {
		cc.RecentMessages = recent
	} else {
		e.logger.Debug("recent sample fetch failed",
			zap.Int64("chat_id", meta.ChatID), zap.Error(err))
	}
	return cc
}

// evaluationDue applies the cadence rule: EVALUATING every cycle, ACTIVE only
// once the inactivity window has elapsed since the latest report.
func (e *Engine) evaluationDue(meta sniper.ChatMetadata) bool {
	switch meta.Status {
	case sniper.ChatStatusEvaluating:
		return true
	case sniper.ChatStatusActive:
		latest, ok := meta.LatestReport()
		if !ok {
			return true
		}
		return e.clock.Now().Sub(latest.ProcessedAt) >= e.cfg.InactiveAfter
	default:
		return false
	}
}

// nextStatus recomputes status from the report window. With a partial window
// the community stays EVALUATING; with a full one the transition needs both
// the window mean and the latest report below threshold.
func (e *Engine) nextStatus(meta sniper.ChatMetadata) sniper.ChatStatus {
	if len(meta.Reports) < sniper.MaxQualityReports {
		return sniper.ChatStatusEvaluating
	}
	var sum float64
	for _, r := range meta.Reports {
		sum += r.Score
	}
	mean := sum / float64(len(meta.Reports))
	latest := meta.Reports[len(meta.Reports)-1]
	if mean < e.cfg.LowQualityThreshold && latest.Score < e.cfg.LowQualityThreshold {
		return sniper.ChatStatusLowQuality
	}
	return sniper.ChatStatusActive
}

func (e *Engine) announce(ctx context.Context, chatID int64, from, to sniper.ChatStatus, finalized bool) {
	ev := sniper.TransitionEvent{
		ChatID:     chatID,
		From:       from,
		To:         to,
		Finalized:  finalized,
		OccurredAt: e.clock.Now(),
	}
	if _, err := e.publisher.Publish(ctx, e.cfg.TransitionTopic, ev); err != nil {
		e.logger.Warn("publish transition failed",
			zap.Int64("chat_id", chatID), zap.Error(err))
	}
	if from != to {
		metrics.ObserveTransition(string(to))
	}
	e.logger.Info("chat transition",
		zap.Int64("chat_id", chatID),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.Bool("entity_finalized", finalized),
	)
}

// complete calls the AI endpoint and honors rate-limit waits by retrying the
// same prompt once the signaled duration has elapsed.
func (e *Engine) complete(ctx context.Context, kind, system, user, responseFormat string) (string, bool) {
	for {
		raw, err := e.ai.Complete(ctx, system, user, e.cfg.Temperature, responseFormat)
		if err == nil {
			metrics.ObserveAICall(kind, "ok")
			return raw, true
		}
		if rl, ok := chatnet.AsRateLimit(err); ok {
			metrics.ObserveAICall(kind, "rate_limited")
			e.logger.Info("ai rate limited",
				zap.String("kind", kind),
				zap.Duration("retry_after", rl.RetryAfter),
			)
			select {
			case <-ctx.Done():
				return "", false
			case <-time.After(rl.RetryAfter):
				continue
			}
		}
		metrics.ObserveAICall(kind, "error")
		e.logger.Warn("ai call failed", zap.String("kind", kind), zap.Error(err))
		return "", false
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}

func buildTranscript(cc sniper.ChatContext, max int) string {
	var b strings.Builder
	for _, m := range cc.RecentMessages {
		line := m.Text
		if line == "" && len(m.Buttons) > 0 {
			line = strings.Join(m.Buttons, " | ")
		}
		if line == "" {
			continue
		}
		b.WriteString(line)
		b.WriteByte('\n')
		if b.Len() >= max {
			break
		}
	}
	return truncate(b.String(), max)
}
