package session

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/dongshu2013/the-sniper/internal/sniper"
)

// Store restores and uploads per-account session files. Uploads skip blobs
// whose content digest has not changed since the previous upload.
type Store struct {
	blobs  sniper.BlobStore
	hasher sniper.Hasher
	dir    string
	logger *zap.Logger

	mu       sync.Mutex
	uploaded map[int64]string
}

// NewStore constructs a session store rooted at dir.
func NewStore(blobs sniper.BlobStore, hasher sniper.Hasher, dir string, logger *zap.Logger) (*Store, error) {
	if blobs == nil {
		return nil, fmt.Errorf("blob store is required")
	}
	if dir == "" {
		dir = "sessions"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}
	return &Store{
		blobs:    blobs,
		hasher:   hasher,
		dir:      dir,
		logger:   logger,
		uploaded: make(map[int64]string),
	}, nil
}

// Path returns the local session file path for an account.
func (s *Store) Path(account sniper.Account) string {
	return filepath.Join(s.dir, fmt.Sprintf("%s.session", account.Phone))
}

func (s *Store) key(account sniper.Account) string {
	return fmt.Sprintf("%s.session", account.Phone)
}

// Restore downloads the account's session blob if no usable local copy
// exists. A missing remote blob is an error: the account cannot run without
// its authentication material.
func (s *Store) Restore(ctx context.Context, account sniper.Account) (string, error) {
	path := s.Path(account)
	if info, err := os.Stat(path); err == nil && info.Size() > 0 {
		return path, nil
	}
	got, err := s.blobs.Download(ctx, s.key(account), path)
	if err != nil {
		return "", fmt.Errorf("restore session for %s: %w", account.Phone, err)
	}
	return got, nil
}

// Upload pushes the account's session blob. Unchanged content is skipped so
// the recurring heartbeat upload stays cheap.
func (s *Store) Upload(ctx context.Context, account sniper.Account) error {
	path := s.Path(account)
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read session for %s: %w", account.Phone, err)
	}

	var digest string
	if s.hasher != nil {
		if d, hashErr := s.hasher.Hash(data); hashErr == nil {
			digest = d
			s.mu.Lock()
			prev := s.uploaded[account.ID]
			s.mu.Unlock()
			if prev == digest {
				s.logger.Debug("session unchanged, skipping upload",
					zap.Int64("account_id", account.ID))
				return nil
			}
		}
	}

	uri, err := s.blobs.Upload(ctx, path, s.key(account))
	if err != nil {
		return fmt.Errorf("upload session for %s: %w", account.Phone, err)
	}
	if digest != "" {
		s.mu.Lock()
		s.uploaded[account.ID] = digest
		s.mu.Unlock()
	}
	s.logger.Debug("session uploaded",
		zap.Int64("account_id", account.ID),
		zap.String("uri", uri),
	)
	return nil
}
