package pool

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/dongshu2013/the-sniper/internal/chatnet"
	"github.com/dongshu2013/the-sniper/internal/sniper"
)

// Joiner runs the discovery loop: walk every live client's dialogs and join
// group chats until each one has at least MinWatchers watchers.
type Joiner struct {
	pool     *Pool
	accounts sniper.AccountStore
	chats    sniper.ChatStore
	clock    sniper.Clock
	cfg      Config
	logger   *zap.Logger
}

// NewJoiner wires the discovery loop to a pool and its stores.
func NewJoiner(p *Pool, accounts sniper.AccountStore, chats sniper.ChatStore, clock sniper.Clock, cfg Config, logger *zap.Logger) *Joiner {
	if cfg.MinWatchers <= 0 {
		cfg.MinWatchers = 2
	}
	if cfg.JoinInterval <= 0 {
		cfg.JoinInterval = 5 * time.Minute
	}
	return &Joiner{
		pool:     p,
		accounts: accounts,
		chats:    chats,
		clock:    clock,
		cfg:      cfg,
		logger:   logger,
	}
}

// Run performs a discovery sweep immediately, then on every tick until the
// context is cancelled.
func (j *Joiner) Run(ctx context.Context) {
	ticker := time.NewTicker(j.cfg.JoinInterval)
	defer ticker.Stop()
	j.Sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.Sweep(ctx)
		}
	}
}

// Sweep visits every member once. A rate-limited join parks the remaining
// dialogs of that member until the wait elapses; the dialog that tripped the
// limit is retried on the next sweep, not dropped.
func (j *Joiner) Sweep(ctx context.Context) {
	p := j.pool
	p.mu.Lock()
	members := make([]*member, len(p.members))
	copy(members, p.members)
	p.mu.Unlock()

	for _, m := range members {
		if ctx.Err() != nil {
			return
		}
		j.sweepMember(ctx, m)
	}
}

func (j *Joiner) sweepMember(ctx context.Context, m *member) {
	dialogs, err := m.client.IterDialogs(ctx)
	if err != nil {
		j.logger.Warn("list dialogs failed",
			zap.Int64("account_id", m.account.ID),
			zap.Error(err),
		)
		return
	}
	for _, dialog := range dialogs {
		if ctx.Err() != nil {
			return
		}
		outcome := j.consider(ctx, m, dialog)
		switch outcome.Kind {
		case sniper.OutcomeOK, sniper.OutcomeSkip:
		case sniper.OutcomeRetryAfter:
			j.logger.Info("join rate limited, pausing member sweep",
				zap.Int64("account_id", m.account.ID),
				zap.Duration("retry_after", outcome.RetryAfter),
			)
			select {
			case <-ctx.Done():
			case <-time.After(outcome.RetryAfter):
			}
			return
		case sniper.OutcomeFatal:
			j.logger.Error("join failed",
				zap.Int64("account_id", m.account.ID),
				zap.Int64("chat_id", dialog.ID()),
				zap.Error(outcome.Err),
			)
			if errors.Is(outcome.Err, chatnet.ErrBanned) {
				if err := j.accounts.UpdateStatus(ctx, m.account.ID, sniper.AccountStatusBanned); err != nil {
					j.logger.Error("mark account banned failed", zap.Error(err))
				}
				return
			}
		}
	}
}

// consider decides whether this member should watch the dialog and joins it
// if so. Watcher counting is a read-then-act check, so two members racing can
// briefly overshoot MinWatchers; AddWatcher is idempotent and the next sweep
// self-corrects.
func (j *Joiner) consider(ctx context.Context, m *member, dialog chatnet.Dialog) sniper.Outcome {
	if !dialog.IsGroup() && !dialog.IsChannel() {
		return sniper.Skip("not a group")
	}

	meta, err := j.chats.GetChat(ctx, dialog.ID())
	known := true
	switch {
	case errors.Is(err, sniper.ErrChatNotFound):
		known = false
	case err != nil:
		return sniper.Fatal(err)
	}
	if known && (meta.Status == sniper.ChatStatusBlocked || meta.Status == sniper.ChatStatusLowQuality) {
		return sniper.Skip("chat " + string(meta.Status))
	}

	watchers, err := j.accounts.WatcherCount(ctx, dialog.ID())
	if err != nil {
		return sniper.Fatal(err)
	}
	if watchers >= j.cfg.MinWatchers {
		return sniper.Skip("enough watchers")
	}

	if err := m.client.JoinChat(ctx, dialog.ID()); err != nil {
		if rl, ok := chatnet.AsRateLimit(err); ok {
			return sniper.RetryAfter(rl.RetryAfter)
		}
		if errors.Is(err, chatnet.ErrNotGroup) {
			return sniper.Skip("not joinable")
		}
		return sniper.Fatal(err)
	}

	if err := j.accounts.AddWatcher(ctx, dialog.ID(), m.account.ID); err != nil {
		return sniper.Fatal(err)
	}
	if !known {
		meta = sniper.ChatMetadata{
			ChatID:           dialog.ID(),
			Name:             dialog.Title(),
			About:            dialog.About(),
			ParticipantCount: dialog.ParticipantCount(),
			Status:           sniper.ChatStatusEvaluating,
		}
	} else {
		meta.Name = dialog.Title()
		if about := dialog.About(); about != "" {
			meta.About = about
		}
		meta.ParticipantCount = dialog.ParticipantCount()
	}
	if err := j.chats.UpsertChat(ctx, meta); err != nil {
		return sniper.Fatal(err)
	}
	j.logger.Info("joined chat",
		zap.Int64("account_id", m.account.ID),
		zap.Int64("chat_id", dialog.ID()),
		zap.String("title", dialog.Title()),
	)
	return sniper.OK()
}
