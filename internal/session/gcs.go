// Package session moves per-account session material between the local disk
// and durable blob storage.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"cloud.google.com/go/storage"
)

// ErrNotFound is returned when a session blob does not exist remotely.
var ErrNotFound = errors.New("session blob not found")

// GCSConfig captures the parameters required to connect to GCS.
type GCSConfig struct {
	Bucket string
	Prefix string
}

// GCSBlobStore reads and writes session blobs in a GCS bucket.
type GCSBlobStore struct {
	client *storage.Client
	bucket string
	prefix string
}

// NewGCSBlobStore creates a GCS-backed blob store.
func NewGCSBlobStore(client *storage.Client, cfg GCSConfig) (*GCSBlobStore, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	return &GCSBlobStore{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
	}, nil
}

func (s *GCSBlobStore) objectName(key string) string {
	key = strings.Trim(key, "/")
	if s.prefix == "" {
		return key
	}
	return s.prefix + "/" + key
}

// Upload copies the local file to the bucket and returns a gs:// URI.
func (s *GCSBlobStore) Upload(ctx context.Context, localPath, key string) (string, error) {
	if strings.TrimSpace(key) == "" {
		return "", fmt.Errorf("key is required")
	}
	f, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("open session file: %w", err)
	}
	defer f.Close()

	name := s.objectName(key)
	writer := s.client.Bucket(s.bucket).Object(name).NewWriter(ctx)
	if _, err := io.Copy(writer, f); err != nil {
		closeErr := writer.Close()
		if closeErr != nil {
			return "", fmt.Errorf("copy object: %w (close writer: %v)", err, closeErr)
		}
		return "", fmt.Errorf("copy object: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("close writer: %w", err)
	}
	return fmt.Sprintf("gs://%s/%s", s.bucket, name), nil
}

// Download writes the object to localPath and returns it, or ErrNotFound when
// the object does not exist.
func (s *GCSBlobStore) Download(ctx context.Context, key, localPath string) (string, error) {
	name := s.objectName(key)
	reader, err := s.client.Bucket(s.bucket).Object(name).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("open object: %w", err)
	}
	defer reader.Close()

	f, err := os.Create(localPath)
	if err != nil {
		return "", fmt.Errorf("create session file: %w", err)
	}
	if _, err := io.Copy(f, reader); err != nil {
		closeErr := f.Close()
		if closeErr != nil {
			return "", fmt.Errorf("copy object: %w (close file: %v)", err, closeErr)
		}
		return "", fmt.Errorf("copy object: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("close session file: %w", err)
	}
	return localPath, nil
}
