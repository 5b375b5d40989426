// Package faststore implements the Redis-class queue/cache used by the
// ingestion pipeline: seen markers, rolling hourly counters, and the pending
// message list.
package faststore

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	pendingListKey = "sniper:pending:messages"
	seenKeyFmt     = "sniper:seen:%d:%d"
	countKeyFmt    = "sniper:msgcount:%d:%d"

	// seenTTL only needs to outlive the counting window; the durable store's
	// uniqueness constraint is the authoritative dedup boundary.
	seenTTL  = 2 * time.Hour
	countTTL = 25 * time.Hour
)

// Redis implements sniper.FastStore on a go-redis client.
type Redis struct {
	rdb *redis.Client
}

// NewRedis wraps an existing client.
func NewRedis(rdb *redis.Client) *Redis {
	return &Redis{rdb: rdb}
}

func seenKey(chatID, messageID int64) string {
	return fmt.Sprintf(seenKeyFmt, chatID, messageID)
}

func countKey(chatID int64, hour time.Time) string {
	return fmt.Sprintf(countKeyFmt, chatID, hour.Truncate(time.Hour).Unix())
}

// Ingest performs the count-mark-enqueue step as a single pipelined call.
func (r *Redis) Ingest(ctx context.Context, chatID, messageID int64, payload []byte, at time.Time) error {
	ck := countKey(chatID, at)
	pipe := r.rdb.TxPipeline()
	pipe.Incr(ctx, ck)
	pipe.Expire(ctx, ck, countTTL)
	pipe.Set(ctx, seenKey(chatID, messageID), 1, seenTTL)
	pipe.RPush(ctx, pendingListKey, payload)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("ingest pipeline: %w", err)
	}
	return nil
}

// Seen reports whether a seen marker exists for (chatID, messageID).
func (r *Redis) Seen(ctx context.Context, chatID, messageID int64) (bool, error) {
	n, err := r.rdb.Exists(ctx, seenKey(chatID, messageID)).Result()
	if err != nil {
		return false, fmt.Errorf("check seen marker: %w", err)
	}
	return n > 0, nil
}

// PopBatch removes and returns up to max payloads from the pending list.
func (r *Redis) PopBatch(ctx context.Context, max int) ([][]byte, error) {
	if max <= 0 {
		return nil, nil
	}
	vals, err := r.rdb.LPopCount(ctx, pendingListKey, max).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("pop pending batch: %w", err)
	}
	out := make([][]byte, 0, len(vals))
	for _, v := range vals {
		out = append(out, []byte(v))
	}
	return out, nil
}

// Requeue pushes payloads back to the head of the pending list, preserving
// their original order.
func (r *Redis) Requeue(ctx context.Context, payloads [][]byte) error {
	if len(payloads) == 0 {
		return nil
	}
	// LPUSH reverses, so feed the batch back-to-front.
	args := make([]any, 0, len(payloads))
	for i := len(payloads) - 1; i >= 0; i-- {
		args = append(args, payloads[i])
	}
	if err := r.rdb.LPush(ctx, pendingListKey, args...).Err(); err != nil {
		return fmt.Errorf("requeue batch: %w", err)
	}
	return nil
}

// QueueDepth returns the pending list length.
func (r *Redis) QueueDepth(ctx context.Context) (int64, error) {
	n, err := r.rdb.LLen(ctx, pendingListKey).Result()
	if err != nil {
		return 0, fmt.Errorf("pending list length: %w", err)
	}
	return n, nil
}

// MessageCount24h sums the chat's hourly counters over the trailing day.
func (r *Redis) MessageCount24h(ctx context.Context, chatID int64, now time.Time) (int64, error) {
	keys := make([]string, 0, 24)
	hour := now.Truncate(time.Hour)
	for i := 0; i < 24; i++ {
		keys = append(keys, countKey(chatID, hour.Add(-time.Duration(i)*time.Hour)))
	}
	vals, err := r.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return 0, fmt.Errorf("read hourly counters: %w", err)
	}
	var total int64
	for _, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		n, convErr := strconv.ParseInt(s, 10, 64)
		if convErr != nil {
			continue
		}
		total += n
	}
	return total, nil
}
