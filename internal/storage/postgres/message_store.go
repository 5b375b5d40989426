package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/dongshu2013/the-sniper/internal/sniper"
)

// MessageStore writes captured messages into Postgres.
//
// Expected schema:
//
//	CREATE TABLE chat_messages (
//	    chat_id    BIGINT NOT NULL,
//	    message_id BIGINT NOT NULL,
//	    sender_id  BIGINT,
//	    reply_to   BIGINT,
//	    topic_id   BIGINT,
//	    message_text TEXT NOT NULL,
//	    buttons    TEXT[],
//	    sent_at    TIMESTAMPTZ NOT NULL,
//	    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
//	    PRIMARY KEY (chat_id, message_id)
//	);
type MessageStore struct {
	pool Querier
}

// NewMessageStore constructs a store over an existing pool.
func NewMessageStore(pool Querier) (*MessageStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &MessageStore{pool: pool}, nil
}

// InsertBatch inserts messages with ON CONFLICT DO NOTHING on the natural key
// and returns the number of rows actually written. Duplicate delivery is
// expected and must be a no-op.
func (s *MessageStore) InsertBatch(ctx context.Context, msgs []sniper.InboundMessage) (int64, error) {
	if len(msgs) == 0 {
		return 0, nil
	}

	var sb strings.Builder
	sb.WriteString(`
INSERT INTO chat_messages (
	chat_id,
	message_id,
	sender_id,
	reply_to,
	topic_id,
	message_text,
	buttons,
	sent_at
) VALUES `)

	args := make([]any, 0, len(msgs)*8)
	for i, m := range msgs {
		if i > 0 {
			sb.WriteString(", ")
		}
		base := i * 8
		sb.WriteString(fmt.Sprintf("($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8))
		args = append(args,
			m.ChatID,
			m.MessageID,
			m.SenderID,
			m.ReplyTo,
			m.TopicID,
			m.Text,
			m.Buttons,
			m.SentAt,
		)
	}
	sb.WriteString(" ON CONFLICT (chat_id, message_id) DO NOTHING")

	tag, err := s.pool.Exec(ctx, sb.String(), args...)
	if err != nil {
		return 0, fmt.Errorf("insert message batch: %w", err)
	}
	return tag.RowsAffected(), nil
}
