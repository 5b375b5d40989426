// Package pool owns the set of live chat-network client sessions and
// supervises their lifecycle: session restore, egress selection, connect,
// heartbeat, discovery/join, and drain on shutdown.
package pool

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dongshu2013/the-sniper/internal/chatnet"
	"github.com/dongshu2013/the-sniper/internal/metrics"
	"github.com/dongshu2013/the-sniper/internal/proxy"
	"github.com/dongshu2013/the-sniper/internal/sniper"
)

// SessionStore is the slice of the session layer the pool needs.
type SessionStore interface {
	Restore(ctx context.Context, account sniper.Account) (string, error)
	Upload(ctx context.Context, account sniper.Account) error
	Path(account sniper.Account) string
}

// Leaser hands out proxy endpoints.
type Leaser interface {
	Lease(ctx context.Context, typ sniper.EndpointType, region string, count int) ([]sniper.Endpoint, error)
}

// Config controls Pool behavior.
type Config struct {
	HeartbeatInterval     time.Duration
	SessionUploadInterval time.Duration
	LocalClientsLimit     int
	MinWatchers           int
	JoinInterval          time.Duration
	ProxyType             sniper.EndpointType
}

// Pool supervises one client session per runnable account.
type Pool struct {
	accounts sniper.AccountStore
	sessions SessionStore
	leaser   Leaser
	factory  chatnet.Factory
	handler  chatnet.EventHandler
	clock    sniper.Clock
	cfg      Config
	logger   *zap.Logger

	mu      sync.Mutex
	members []*member
}

type member struct {
	account sniper.Account
	client  chatnet.Client
}

// New constructs a Pool. The handler is registered on every client that
// connects successfully.
func New(
	accounts sniper.AccountStore,
	sessions SessionStore,
	leaser Leaser,
	factory chatnet.Factory,
	handler chatnet.EventHandler,
	clock sniper.Clock,
	cfg Config,
	logger *zap.Logger,
) *Pool {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 60 * time.Second
	}
	if cfg.SessionUploadInterval <= 0 {
		cfg.SessionUploadInterval = 600 * time.Second
	}
	if cfg.MinWatchers <= 0 {
		cfg.MinWatchers = 2
	}
	if cfg.JoinInterval <= 0 {
		cfg.JoinInterval = 5 * time.Minute
	}
	if cfg.ProxyType == "" {
		cfg.ProxyType = sniper.EndpointDatacenter
	}
	return &Pool{
		accounts: accounts,
		sessions: sessions,
		leaser:   leaser,
		factory:  factory,
		handler:  handler,
		clock:    clock,
		cfg:      cfg,
		logger:   logger,
	}
}

// Start brings up a client for every runnable account. A single account
// failing to restore, lease, or connect is skipped and never fails the pool.
func (p *Pool) Start(ctx context.Context) error {
	accounts, err := p.accounts.ListEnabled(ctx)
	if err != nil {
		return err
	}
	for _, account := range accounts {
		if ctx.Err() != nil {
			break
		}
		p.startAccount(ctx, account)
	}
	p.mu.Lock()
	n := len(p.members)
	p.mu.Unlock()
	metrics.SetAccountsConnected(n)
	p.logger.Info("account pool started",
		zap.Int("configured", len(accounts)),
		zap.Int("connected", n),
	)
	return nil
}

func (p *Pool) startAccount(ctx context.Context, account sniper.Account) {
	sessionPath, err := p.sessions.Restore(ctx, account)
	if err != nil {
		p.logger.Warn("session restore failed, skipping account",
			zap.Int64("account_id", account.ID),
			zap.Error(err),
		)
		return
	}

	endpoint, ok := p.selectEgress(ctx)
	if !ok {
		p.logger.Warn("no egress capacity, dropping account from this run",
			zap.Int64("account_id", account.ID),
		)
		return
	}

	opts := chatnet.ConnectOptions{
		Account:     account,
		SessionPath: sessionPath,
		Proxy:       endpoint,
	}
	client, err := p.factory.NewClient(opts)
	if err != nil {
		p.logger.Error("build client failed",
			zap.Int64("account_id", account.ID),
			zap.Error(err),
		)
		return
	}
	if err := client.Connect(ctx); err != nil {
		if errors.Is(err, chatnet.ErrBanned) {
			p.logger.Warn("account banned by network",
				zap.Int64("account_id", account.ID))
			if updErr := p.accounts.UpdateStatus(ctx, account.ID, sniper.AccountStatusBanned); updErr != nil {
				p.logger.Error("mark account banned failed", zap.Error(updErr))
			}
			return
		}
		p.logger.Error("connect failed, skipping account",
			zap.Int64("account_id", account.ID),
			zap.Error(err),
		)
		return
	}

	client.OnEvent(p.handler)

	addr := ""
	if endpoint != nil {
		addr = endpoint.Addr()
		account.Endpoint = addr
	}
	if err := p.accounts.AssignEndpoint(ctx, account.ID, addr); err != nil {
		p.logger.Error("record endpoint assignment failed", zap.Error(err))
	}
	if err := p.accounts.UpdateStatus(ctx, account.ID, sniper.AccountStatusRunning); err != nil {
		p.logger.Error("mark account running failed", zap.Error(err))
	}

	m := &member{account: account, client: client}
	p.mu.Lock()
	p.members = append(p.members, m)
	p.mu.Unlock()

	go p.heartbeat(ctx, m)

	p.logger.Info("account connected",
		zap.Int64("account_id", account.ID),
		zap.String("endpoint", addr),
	)
}

// selectEgress returns nil (local egress) while local capacity remains, then
// leases from the allocator. A false return means the account is dropped.
func (p *Pool) selectEgress(ctx context.Context) (*sniper.Endpoint, bool) {
	p.mu.Lock()
	local := 0
	for _, m := range p.members {
		if m.account.Endpoint == "" {
			local++
		}
	}
	p.mu.Unlock()
	if local < p.cfg.LocalClientsLimit {
		return nil, true
	}
	leased, err := p.leaser.Lease(ctx, p.cfg.ProxyType, "", 1)
	if err != nil {
		if !errors.Is(err, proxy.ErrExhausted) {
			p.logger.Error("proxy lease failed", zap.Error(err))
		}
		return nil, false
	}
	return &leased[0], true
}

func (p *Pool) heartbeat(ctx context.Context, m *member) {
	ticker := time.NewTicker(p.cfg.HeartbeatInterval)
	defer ticker.Stop()
	lastUpload := p.clock.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		now := p.clock.Now()
		if err := p.accounts.TouchHeartbeat(ctx, m.account.ID, now); err != nil {
			p.logger.Warn("heartbeat touch failed",
				zap.Int64("account_id", m.account.ID),
				zap.Error(err),
			)
		}
		if now.Sub(lastUpload) >= p.cfg.SessionUploadInterval {
			if err := p.sessions.Upload(ctx, m.account); err != nil {
				p.logger.Warn("heartbeat session upload failed",
					zap.Int64("account_id", m.account.ID),
					zap.Error(err),
				)
			} else {
				lastUpload = now
			}
		}
	}
}

// Shutdown disconnects every live client first, then uploads every session
// blob. Upload failures are logged and do not abort the remaining uploads.
func (p *Pool) Shutdown(ctx context.Context) {
	p.mu.Lock()
	members := make([]*member, len(p.members))
	copy(members, p.members)
	p.members = nil
	p.mu.Unlock()

	for _, m := range members {
		if err := m.client.Disconnect(ctx); err != nil {
			p.logger.Warn("disconnect failed",
				zap.Int64("account_id", m.account.ID),
				zap.Error(err),
			)
		}
	}
	for _, m := range members {
		if err := p.sessions.Upload(ctx, m.account); err != nil {
			p.logger.Warn("shutdown session upload failed",
				zap.Int64("account_id", m.account.ID),
				zap.Error(err),
			)
		}
	}
	metrics.SetAccountsConnected(0)
	p.logger.Info("account pool drained", zap.Int("accounts", len(members)))
}

// Run starts the pool, runs the discovery loop until the context is
// cancelled, and drains on the way out. Shutdown runs on a detached context
// so the final session uploads are not cut short by the cancellation that
// triggered them.
func (p *Pool) Run(ctx context.Context, joiner *Joiner) error {
	if err := p.Start(ctx); err != nil {
		return err
	}
	if joiner != nil {
		joiner.Run(ctx)
	} else {
		<-ctx.Done()
	}
	p.Shutdown(context.WithoutCancel(ctx))
	return nil
}

// Members returns a snapshot of live members' clients, used by the discovery
// loop and by the lifecycle engine's context gathering.
func (p *Pool) Members() []chatnet.Client {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]chatnet.Client, 0, len(p.members))
	for _, m := range p.members {
		out = append(out, m.client)
	}
	return out
}