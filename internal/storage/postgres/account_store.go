package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/dongshu2013/the-sniper/internal/sniper"
)

// AccountStore persists account identities, liveness, and watch assignments.
//
// Expected schema:
//
//	CREATE TABLE accounts (
//	    id             BIGSERIAL PRIMARY KEY,
//	    network_id     BIGINT NOT NULL,
//	    phone          TEXT NOT NULL UNIQUE,
//	    username       TEXT,
//	    api_id         TEXT NOT NULL,
//	    api_hash       TEXT NOT NULL,
//	    status         TEXT NOT NULL DEFAULT 'active',
//	    endpoint       TEXT,
//	    last_heartbeat TIMESTAMPTZ
//	);
//
//	CREATE TABLE account_chats (
//	    account_id BIGINT NOT NULL REFERENCES accounts(id),
//	    chat_id    BIGINT NOT NULL,
//	    joined_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
//	    PRIMARY KEY (account_id, chat_id)
//	);
type AccountStore struct {
	pool Querier
}

// NewAccountStore constructs a store over an existing pool.
func NewAccountStore(pool Querier) (*AccountStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &AccountStore{pool: pool}, nil
}

// ListEnabled returns accounts eligible for this run (active or running;
// banned and suspended accounts are excluded).
func (s *AccountStore) ListEnabled(ctx context.Context) ([]sniper.Account, error) {
	rows, err := s.pool.Query(ctx, `
SELECT id, network_id, phone, username, api_id, api_hash, status, COALESCE(endpoint, ''), COALESCE(last_heartbeat, 'epoch'::timestamptz)
FROM accounts
WHERE status IN ($1, $2)
ORDER BY id`, string(sniper.AccountStatusActive), string(sniper.AccountStatusRunning))
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	defer rows.Close()

	var out []sniper.Account
	for rows.Next() {
		var (
			a      sniper.Account
			status string
		)
		if err := rows.Scan(&a.ID, &a.NetworkID, &a.Phone, &a.Username, &a.APIID, &a.APIHash, &status, &a.Endpoint, &a.LastHeartbeat); err != nil {
			return nil, fmt.Errorf("scan account row: %w", err)
		}
		a.Status = sniper.AccountStatus(status)
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate account rows: %w", err)
	}
	return out, nil
}

// TouchHeartbeat records account liveness.
func (s *AccountStore) TouchHeartbeat(ctx context.Context, accountID int64, at time.Time) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE accounts SET last_heartbeat = $2 WHERE id = $1`,
		accountID, at)
	if err != nil {
		return fmt.Errorf("touch heartbeat for account %d: %w", accountID, err)
	}
	return nil
}

// UpdateStatus transitions an account's lifecycle status.
func (s *AccountStore) UpdateStatus(ctx context.Context, accountID int64, status sniper.AccountStatus) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE accounts SET status = $2 WHERE id = $1`,
		accountID, string(status))
	if err != nil {
		return fmt.Errorf("update status for account %d: %w", accountID, err)
	}
	return nil
}

// AssignEndpoint records which egress endpoint the account is attached to.
// An empty endpoint means local egress.
func (s *AccountStore) AssignEndpoint(ctx context.Context, accountID int64, endpoint string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE accounts SET endpoint = $2 WHERE id = $1`,
		accountID, endpoint)
	if err != nil {
		return fmt.Errorf("assign endpoint for account %d: %w", accountID, err)
	}
	return nil
}

// CountByEndpoint computes the live lease view from current assignments of
// running accounts.
func (s *AccountStore) CountByEndpoint(ctx context.Context) (map[string]int, error) {
	rows, err := s.pool.Query(ctx, `
SELECT endpoint, COUNT(*)
FROM accounts
WHERE status = $1 AND endpoint IS NOT NULL AND endpoint != ''
GROUP BY endpoint`, string(sniper.AccountStatusRunning))
	if err != nil {
		return nil, fmt.Errorf("count accounts by endpoint: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var (
			endpoint string
			n        int
		)
		if err := rows.Scan(&endpoint, &n); err != nil {
			return nil, fmt.Errorf("scan endpoint count: %w", err)
		}
		out[endpoint] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate endpoint counts: %w", err)
	}
	return out, nil
}

// AddWatcher records that an account watches a chat; duplicates are no-ops.
func (s *AccountStore) AddWatcher(ctx context.Context, chatID, accountID int64) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO account_chats (account_id, chat_id)
VALUES ($1, $2)
ON CONFLICT (account_id, chat_id) DO NOTHING`, accountID, chatID)
	if err != nil {
		return fmt.Errorf("add watcher %d for chat %d: %w", accountID, chatID, err)
	}
	return nil
}

// WatcherCount returns how many accounts currently watch a chat.
func (s *AccountStore) WatcherCount(ctx context.Context, chatID int64) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM account_chats WHERE chat_id = $1`, chatID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count watchers for chat %d: %w", chatID, err)
	}
	return n, nil
}
