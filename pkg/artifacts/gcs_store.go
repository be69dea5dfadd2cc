//go:build gcp

package artifacts

import (
	"context"
	"errors"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
)

// GCSStore stores artifacts as Cloud Storage objects.
type GCSStore struct {
	client *storage.Client
	bucket string
	prefix string
}

// GCSStoreConfig holds configuration for GCSStore.
type GCSStoreConfig struct {
	Bucket string
	Prefix string
}

// NewGCSStore creates a GCS-backed store using application default
// credentials.
func NewGCSStore(ctx context.Context, cfg GCSStoreConfig) (*GCSStore, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("gcs bucket is required")
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}
	return &GCSStore{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (s *GCSStore) object(name string) (string, *storage.ObjectHandle, error) {
	clean, err := cleanName(name)
	if err != nil {
		return "", nil, err
	}
	return clean, s.client.Bucket(s.bucket).Object(s.prefix + clean), nil
}

// Put uploads data, replacing an existing object.
func (s *GCSStore) Put(ctx context.Context, name string, data []byte, contentType string) (Ref, error) {
	clean, obj, err := s.object(name)
	if err != nil {
		return Ref{}, err
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	digest := Digest(data)
	w := obj.NewWriter(ctx)
	w.ContentType = contentType
	w.Metadata = map[string]string{"digest": digest}
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return Ref{}, fmt.Errorf("gcs write failed: %w", err)
	}
	if err := w.Close(); err != nil {
		return Ref{}, fmt.Errorf("gcs close failed: %w", err)
	}
	return Ref{
		Name:     clean,
		Location: "gs://" + s.bucket + "/" + s.prefix + clean,
		Digest:   digest,
		Size:     len(data),
	}, nil
}

func (s *GCSStore) Get(ctx context.Context, name string) ([]byte, error) {
	_, obj, err := s.object(name)
	if err != nil {
		return nil, err
	}
	r, err := obj.NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("gcs get failed for %s: %w", name, err)
	}
	defer func() { _ = r.Close() }()
	return io.ReadAll(r)
}

func (s *GCSStore) Exists(ctx context.Context, name string) (bool, error) {
	_, obj, err := s.object(name)
	if err != nil {
		return false, err
	}
	_, err = obj.Attrs(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("gcs attrs error: %w", err)
	}
	return true, nil
}

func (s *GCSStore) Delete(ctx context.Context, name string) error {
	_, obj, err := s.object(name)
	if err != nil {
		return err
	}
	if err := obj.Delete(ctx); err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("gcs delete failed for %s: %w", name, err)
	}
	return nil
}

// Close closes the GCS client.
func (s *GCSStore) Close() error {
	return s.client.Close()
}
