package artifacts

import (
	"context"
	"fmt"
	"strings"
)

// Backend names an artifact storage backend.
type Backend string

const (
	BackendFS  Backend = "fs"
	BackendS3  Backend = "s3"
	BackendGCS Backend = "gcs"
)

// Config selects and configures a backend.
type Config struct {
	Backend     Backend
	Dir         string // fs
	S3Bucket    string
	S3Region    string
	S3Endpoint  string
	S3Prefix    string
	S3AccessKey string
	S3SecretKey string
	GCSBucket   string
	GCSPrefix   string
}

// New creates the configured store. An empty backend means fs.
func New(ctx context.Context, cfg Config) (Store, error) {
	switch Backend(strings.ToLower(string(cfg.Backend))) {
	case BackendFS, "":
		dir := cfg.Dir
		if dir == "" {
			dir = "exports"
		}
		return NewFileStore(dir)
	case BackendS3:
		if cfg.S3Bucket == "" {
			return nil, fmt.Errorf("S3_BUCKET is required for s3 storage")
		}
		region := cfg.S3Region
		if region == "" {
			region = "us-east-1"
		}
		return NewS3Store(ctx, S3StoreConfig{
			Bucket:          cfg.S3Bucket,
			Region:          region,
			Endpoint:        cfg.S3Endpoint,
			Prefix:          cfg.S3Prefix,
			AccessKeyID:     cfg.S3AccessKey,
			SecretAccessKey: cfg.S3SecretKey,
		})
	case BackendGCS:
		if cfg.GCSBucket == "" {
			return nil, fmt.Errorf("GCS_BUCKET is required for gcs storage")
		}
		return newGCSStore(ctx, cfg)
	default:
		return nil, fmt.Errorf("unsupported artifact backend: %s", cfg.Backend)
	}
}
