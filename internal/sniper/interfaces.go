package sniper

import (
	"context"
	"errors"
	"time"
)

// ErrChatNotFound is returned by ChatStore implementations when a community
// has no metadata row.
var ErrChatNotFound = errors.New("chat not found")

// MessageStore persists captured messages.
type MessageStore interface {
	// InsertBatch inserts messages idempotently on (chat_id, message_id) and
	// returns how many rows were actually written.
	InsertBatch(ctx context.Context, msgs []InboundMessage) (int64, error)
}

// ChatStore persists per-community metadata and lifecycle state.
type ChatStore interface {
	UpsertChat(ctx context.Context, meta ChatMetadata) error
	GetChat(ctx context.Context, chatID int64) (ChatMetadata, error)
	// ListWatched returns every community the lifecycle engine should visit.
	ListWatched(ctx context.Context) ([]ChatMetadata, error)
	SetStatus(ctx context.Context, chatID int64, status ChatStatus) error
}

// AccountStore persists account identities, liveness, and watch assignments.
type AccountStore interface {
	ListEnabled(ctx context.Context) ([]Account, error)
	TouchHeartbeat(ctx context.Context, accountID int64, at time.Time) error
	UpdateStatus(ctx context.Context, accountID int64, status AccountStatus) error
	AssignEndpoint(ctx context.Context, accountID int64, endpoint string) error
	// CountByEndpoint computes the live lease view: how many running accounts
	// currently reference each endpoint address.
	CountByEndpoint(ctx context.Context) (map[string]int, error)
	AddWatcher(ctx context.Context, chatID, accountID int64) error
	WatcherCount(ctx context.Context, chatID int64) (int, error)
}

// BlobStore moves session material to and from durable blob storage.
type BlobStore interface {
	Upload(ctx context.Context, localPath, key string) (string, error)
	// Download writes the object to localPath and returns it, or ErrNotFound
	// when the key does not exist.
	Download(ctx context.Context, key, localPath string) (string, error)
}

// FastStore is the Redis-class queue/cache used by the ingestion pipeline.
type FastStore interface {
	// Ingest performs the dedup-and-enqueue step as one pipelined operation:
	// increment the chat's hourly counter, set the seen marker, and push the
	// serialized message onto the pending list.
	Ingest(ctx context.Context, chatID, messageID int64, payload []byte, at time.Time) error
	Seen(ctx context.Context, chatID, messageID int64) (bool, error)
	PopBatch(ctx context.Context, max int) ([][]byte, error)
	// Requeue pushes payloads back to the head of the pending list after a
	// failed flush.
	Requeue(ctx context.Context, payloads [][]byte) error
	QueueDepth(ctx context.Context) (int64, error)
	// MessageCount24h sums the chat's hourly counters over the trailing day.
	MessageCount24h(ctx context.Context, chatID int64, now time.Time) (int64, error)
}

// Publisher pushes lifecycle transition events downstream.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Completer is the external AI completion endpoint. An empty response with a
// nil error means the endpoint returned no choices; callers must tolerate it.
type Completer interface {
	Complete(ctx context.Context, systemPrompt, userPrompt string, temperature float64, responseFormat string) (string, error)
}

// Hasher computes digests for blob change detection.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}
