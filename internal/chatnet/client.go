// Package chatnet defines the boundary to the external chat-network client.
// The protocol implementation itself lives outside this repo; everything here
// is the narrow surface the pool and lifecycle engine depend on.
package chatnet

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dongshu2013/the-sniper/internal/sniper"
)

// Dialog is the capability view of a network-library conversation object.
// Adapters map whatever the underlying library exposes into this interface so
// the core never touches its object model.
type Dialog interface {
	ID() int64
	Title() string
	About() string
	ParticipantCount() int
	IsGroup() bool
	IsChannel() bool
}

// RawEvent is one inbound update delivered by a connected client.
type RawEvent struct {
	ChatID    int64
	MessageID int64
	SenderID  int64
	ReplyTo   int64
	TopicID   int64
	Text      string
	Buttons   []string
	Timestamp time.Time
}

// EventHandler consumes inbound events from a live client.
type EventHandler func(ctx context.Context, ev RawEvent)

// MessageFilter narrows GetMessages results.
type MessageFilter struct {
	Pinned bool
}

// Client is the chat-network session bound to one account.
type Client interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	IterDialogs(ctx context.Context) ([]Dialog, error)
	GetMessages(ctx context.Context, chatID int64, filter MessageFilter, limit int) ([]sniper.InboundMessage, error)
	GetChatInfo(ctx context.Context, chatID int64) (Dialog, error)
	JoinChat(ctx context.Context, chatID int64) error
	OnEvent(handler EventHandler)
}

// ConnectOptions bind an account and optional proxy endpoint to a session.
type ConnectOptions struct {
	Account     sniper.Account
	SessionPath string
	Proxy       *sniper.Endpoint
}

// Factory builds a Client for one account. The concrete implementation is
// injected at process bootstrap.
type Factory interface {
	NewClient(opts ConnectOptions) (Client, error)
}

// RateLimitError is returned when the network signals a flood wait. Callers
// must back off for RetryAfter and requeue the same unit of work.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}

// AsRateLimit extracts a RateLimitError from an error chain.
func AsRateLimit(err error) (*RateLimitError, bool) {
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return rl, true
	}
	return nil, false
}

// ErrNotGroup marks dialogs that cannot be watched (user chats, broadcasts
// without discussion). Join wrappers translate it into a Skip outcome.
var ErrNotGroup = errors.New("dialog is not a group chat")

// ErrBanned marks an account the network has banned or suspended.
var ErrBanned = errors.New("account banned by network")
