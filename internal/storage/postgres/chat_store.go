package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/dongshu2013/the-sniper/internal/sniper"
)

// ErrChatNotFound aliases the store contract's not-found sentinel.
var ErrChatNotFound = sniper.ErrChatNotFound

// ChatStore persists per-community metadata and lifecycle state.
//
// Expected schema:
//
//	CREATE TABLE chat_metadata (
//	    chat_id           BIGINT PRIMARY KEY,
//	    name              TEXT NOT NULL,
//	    username          TEXT,
//	    about             TEXT,
//	    category          TEXT,
//	    participant_count INT NOT NULL DEFAULT 0,
//	    status            TEXT NOT NULL,
//	    entity            JSONB,
//	    reports           JSONB NOT NULL DEFAULT '[]',
//	    evaluated_at      TIMESTAMPTZ,
//	    updated_at        TIMESTAMPTZ NOT NULL DEFAULT NOW()
//	);
type ChatStore struct {
	pool Querier
}

// NewChatStore constructs a store over an existing pool.
func NewChatStore(pool Querier) (*ChatStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &ChatStore{pool: pool}, nil
}

// UpsertChat writes the full metadata row keyed by chat id.
func (s *ChatStore) UpsertChat(ctx context.Context, meta sniper.ChatMetadata) error {
	entityJSON, reportsJSON, err := marshalChatState(meta)
	if err != nil {
		return err
	}
	query := `
INSERT INTO chat_metadata (
	chat_id,
	name,
	username,
	about,
	category,
	participant_count,
	status,
	entity,
	reports,
	evaluated_at,
	updated_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW())
ON CONFLICT (chat_id) DO UPDATE SET
	name = EXCLUDED.name,
	username = EXCLUDED.username,
	about = EXCLUDED.about,
	category = EXCLUDED.category,
	participant_count = EXCLUDED.participant_count,
	status = EXCLUDED.status,
	entity = EXCLUDED.entity,
	reports = EXCLUDED.reports,
	evaluated_at = EXCLUDED.evaluated_at,
	updated_at = NOW()`
	_, err = s.pool.Exec(ctx, query,
		meta.ChatID,
		meta.Name,
		meta.Username,
		meta.About,
		meta.Category,
		meta.ParticipantCount,
		string(meta.Status),
		entityJSON,
		reportsJSON,
		nullableTime(meta.EvaluatedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert chat %d: %w", meta.ChatID, err)
	}
	return nil
}

// GetChat loads one community's metadata.
func (s *ChatStore) GetChat(ctx context.Context, chatID int64) (sniper.ChatMetadata, error) {
	row := s.pool.QueryRow(ctx, `
SELECT chat_id, name, COALESCE(username, ''), COALESCE(about, ''), COALESCE(category, ''), participant_count, status, entity, reports, evaluated_at
FROM chat_metadata
WHERE chat_id = $1`, chatID)
	meta, err := scanChat(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return sniper.ChatMetadata{}, ErrChatNotFound
		}
		return sniper.ChatMetadata{}, fmt.Errorf("get chat %d: %w", chatID, err)
	}
	return meta, nil
}

// ListWatched returns every community the lifecycle engine should visit:
// anything not BLOCKED. LOW_QUALITY rows are included so the engine can apply
// its own skip rule and operators can see them in listings.
func (s *ChatStore) ListWatched(ctx context.Context) ([]sniper.ChatMetadata, error) {
	rows, err := s.pool.Query(ctx, `
SELECT chat_id, name, COALESCE(username, ''), COALESCE(about, ''), COALESCE(category, ''), participant_count, status, entity, reports, evaluated_at
FROM chat_metadata
WHERE status != $1
ORDER BY chat_id`, string(sniper.ChatStatusBlocked))
	if err != nil {
		return nil, fmt.Errorf("list watched chats: %w", err)
	}
	defer rows.Close()

	var out []sniper.ChatMetadata
	for rows.Next() {
		meta, scanErr := scanChat(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("scan chat row: %w", scanErr)
		}
		out = append(out, meta)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chat rows: %w", err)
	}
	return out, nil
}

// SetStatus updates only the status column (external moderation path).
func (s *ChatStore) SetStatus(ctx context.Context, chatID int64, status sniper.ChatStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE chat_metadata SET status = $2, updated_at = NOW() WHERE chat_id = $1`,
		chatID, string(status))
	if err != nil {
		return fmt.Errorf("set chat %d status: %w", chatID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrChatNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanChat(row rowScanner) (sniper.ChatMetadata, error) {
	var (
		meta        sniper.ChatMetadata
		status      string
		entityJSON  []byte
		reportsJSON []byte
		evaluatedAt *time.Time
	)
	err := row.Scan(
		&meta.ChatID,
		&meta.Name,
		&meta.Username,
		&meta.About,
		&meta.Category,
		&meta.ParticipantCount,
		&status,
		&entityJSON,
		&reportsJSON,
		&evaluatedAt,
	)
	if err != nil {
		return sniper.ChatMetadata{}, err
	}
	meta.Status = sniper.ChatStatus(status)
	if len(entityJSON) > 0 {
		var entity sniper.EntityDescriptor
		if err := json.Unmarshal(entityJSON, &entity); err != nil {
			return sniper.ChatMetadata{}, fmt.Errorf("decode entity: %w", err)
		}
		meta.Entity = &entity
	}
	if len(reportsJSON) > 0 {
		if err := json.Unmarshal(reportsJSON, &meta.Reports); err != nil {
			return sniper.ChatMetadata{}, fmt.Errorf("decode reports: %w", err)
		}
	}
	if evaluatedAt != nil {
		meta.EvaluatedAt = *evaluatedAt
	}
	return meta, nil
}

func marshalChatState(meta sniper.ChatMetadata) ([]byte, []byte, error) {
	var entityJSON []byte
	if meta.Entity != nil {
		b, err := json.Marshal(meta.Entity)
		if err != nil {
			return nil, nil, fmt.Errorf("encode entity: %w", err)
		}
		entityJSON = b
	}
	reports := meta.Reports
	if reports == nil {
		reports = []sniper.QualityReport{}
	}
	reportsJSON, err := json.Marshal(reports)
	if err != nil {
		return nil, nil, fmt.Errorf("encode reports: %w", err)
	}
	return entityJSON, reportsJSON, nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
