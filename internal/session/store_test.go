package session

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dongshu2013/the-sniper/internal/hash/sha256"
	"github.com/dongshu2013/the-sniper/internal/sniper"
)

type memoryBlobs struct {
	objects   map[string][]byte
	uploads   int
	uploadErr error
}

func newMemoryBlobs() *memoryBlobs {
	return &memoryBlobs{objects: make(map[string][]byte)}
}

func (m *memoryBlobs) Upload(_ context.Context, localPath, key string) (string, error) {
	if m.uploadErr != nil {
		return "", m.uploadErr
	}
	data, err := os.ReadFile(localPath)
	if err != nil {
		return "", err
	}
	m.objects[key] = data
	m.uploads++
	return "mem://" + key, nil
}

func (m *memoryBlobs) Download(_ context.Context, key, localPath string) (string, error) {
	data, ok := m.objects[key]
	if !ok {
		return "", ErrNotFound
	}
	if err := os.WriteFile(localPath, data, 0o600); err != nil {
		return "", err
	}
	return localPath, nil
}

func testAccount() sniper.Account {
	return sniper.Account{ID: 7, Phone: "15550001111"}
}

func newTestStore(t *testing.T, blobs sniper.BlobStore) *Store {
	t.Helper()
	store, err := NewStore(blobs, sha256.New(), t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	return store
}

func TestRestoreDownloadsMissingSession(t *testing.T) {
	t.Parallel()

	blobs := newMemoryBlobs()
	blobs.objects["15550001111.session"] = []byte("session-bytes")
	store := newTestStore(t, blobs)

	path, err := store.Restore(context.Background(), testAccount())
	require.NoError(t, err)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, []byte("session-bytes"), data)
}

func TestRestorePrefersLocalCopy(t *testing.T) {
	t.Parallel()

	blobs := newMemoryBlobs()
	store := newTestStore(t, blobs)
	acct := testAccount()
	local := store.Path(acct)
	require.NoError(t, os.MkdirAll(filepath.Dir(local), 0o755))
	require.NoError(t, os.WriteFile(local, []byte("local"), 0o600))

	path, err := store.Restore(context.Background(), acct)
	require.NoError(t, err)
	require.Equal(t, local, path)
}

func TestRestoreFailsWithoutBlob(t *testing.T) {
	t.Parallel()

	store := newTestStore(t, newMemoryBlobs())
	_, err := store.Restore(context.Background(), testAccount())
	require.ErrorIs(t, err, ErrNotFound)
}

func TestUploadSkipsUnchangedContent(t *testing.T) {
	t.Parallel()

	blobs := newMemoryBlobs()
	store := newTestStore(t, blobs)
	acct := testAccount()
	require.NoError(t, os.WriteFile(store.Path(acct), []byte("v1"), 0o600))

	require.NoError(t, store.Upload(context.Background(), acct))
	require.NoError(t, store.Upload(context.Background(), acct))
	require.Equal(t, 1, blobs.uploads)

	require.NoError(t, os.WriteFile(store.Path(acct), []byte("v2"), 0o600))
	require.NoError(t, store.Upload(context.Background(), acct))
	require.Equal(t, 2, blobs.uploads)
}

func TestUploadFailureDoesNotRecordDigest(t *testing.T) {
	t.Parallel()

	blobs := newMemoryBlobs()
	store := newTestStore(t, blobs)
	acct := testAccount()
	require.NoError(t, os.WriteFile(store.Path(acct), []byte("v1"), 0o600))

	blobs.uploadErr = errors.New("bucket unavailable")
	require.Error(t, store.Upload(context.Background(), acct))

	blobs.uploadErr = nil
	require.NoError(t, store.Upload(context.Background(), acct))
	require.Equal(t, 1, blobs.uploads)
}
