package chatnet

import (
	"context"
	"sync"

	"github.com/dongshu2013/the-sniper/internal/sniper"
)

// MemoryDialog is a Dialog backed by plain fields, for tests and local runs.
type MemoryDialog struct {
	DialogID     int64
	DialogTitle  string
	DialogAbout  string
	Participants int
	Group        bool
	Channel      bool
}

// ID implements Dialog.
func (d MemoryDialog) ID() int64 { return d.DialogID }

// Title implements Dialog.
func (d MemoryDialog) Title() string { return d.DialogTitle }

// About implements Dialog.
func (d MemoryDialog) About() string { return d.DialogAbout }

// ParticipantCount implements Dialog.
func (d MemoryDialog) ParticipantCount() int { return d.Participants }

// IsGroup implements Dialog.
func (d MemoryDialog) IsGroup() bool { return d.Group }

// IsChannel implements Dialog.
func (d MemoryDialog) IsChannel() bool { return d.Channel }

// MemoryClient is an in-memory Client for tests and local development.
// Errors can be injected per call site; joined chats are recorded.
type MemoryClient struct {
	mu sync.Mutex

	Dialogs   []Dialog
	Messages  map[int64][]sniper.InboundMessage
	Pinned    map[int64][]sniper.InboundMessage
	Info      map[int64]Dialog
	Connected bool
	Joined    []int64

	ConnectErr error
	JoinErr    error
	IterErr    error
	GetErr     error

	handler EventHandler
}

// NewMemoryClient builds an empty MemoryClient.
func NewMemoryClient() *MemoryClient {
	return &MemoryClient{
		Messages: make(map[int64][]sniper.InboundMessage),
		Pinned:   make(map[int64][]sniper.InboundMessage),
		Info:     make(map[int64]Dialog),
	}
}

// Connect implements Client.
func (c *MemoryClient) Connect(_ context.Context) error {
	if c.ConnectErr != nil {
		return c.ConnectErr
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Connected = true
	return nil
}

// Disconnect implements Client.
func (c *MemoryClient) Disconnect(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Connected = false
	return nil
}

// IterDialogs implements Client.
func (c *MemoryClient) IterDialogs(_ context.Context) ([]Dialog, error) {
	if c.IterErr != nil {
		return nil, c.IterErr
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Dialog, len(c.Dialogs))
	copy(out, c.Dialogs)
	return out, nil
}

// GetMessages implements Client.
func (c *MemoryClient) GetMessages(_ context.Context, chatID int64, filter MessageFilter, limit int) ([]sniper.InboundMessage, error) {
	if c.GetErr != nil {
		return nil, c.GetErr
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	src := c.Messages[chatID]
	if filter.Pinned {
		src = c.Pinned[chatID]
	}
	if limit > 0 && len(src) > limit {
		src = src[:limit]
	}
	out := make([]sniper.InboundMessage, len(src))
	copy(out, src)
	return out, nil
}

// GetChatInfo implements Client.
func (c *MemoryClient) GetChatInfo(_ context.Context, chatID int64) (Dialog, error) {
	if c.GetErr != nil {
		return nil, c.GetErr
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if d, ok := c.Info[chatID]; ok {
		return d, nil
	}
	return nil, ErrNotGroup
}

// JoinChat implements Client.
func (c *MemoryClient) JoinChat(_ context.Context, chatID int64) error {
	if c.JoinErr != nil {
		return c.JoinErr
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Joined = append(c.Joined, chatID)
	return nil
}

// OnEvent implements Client.
func (c *MemoryClient) OnEvent(handler EventHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = handler
}

// Emit delivers an event to the registered handler, if any.
func (c *MemoryClient) Emit(ctx context.Context, ev RawEvent) {
	c.mu.Lock()
	h := c.handler
	c.mu.Unlock()
	if h != nil {
		h(ctx, ev)
	}
}

// MemoryFactory returns the same MemoryClient per account network ID.
type MemoryFactory struct {
	mu      sync.Mutex
	Clients map[int64]*MemoryClient
}

// NewMemoryFactory builds an empty factory.
func NewMemoryFactory() *MemoryFactory {
	return &MemoryFactory{Clients: make(map[int64]*MemoryClient)}
}

// NewClient implements Factory.
func (f *MemoryFactory) NewClient(opts ConnectOptions) (Client, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.Clients[opts.Account.NetworkID]; ok {
		return c, nil
	}
	c := NewMemoryClient()
	f.Clients[opts.Account.NetworkID] = c
	return c, nil
}
