package blob

import (
	"context"
	"fmt"
)

// Backend names a blob storage implementation.
type Backend string

const (
	BackendMemory Backend = "memory"
	BackendS3     Backend = "s3"
	BackendGCS    Backend = "gcs"
)

// Config selects and configures a backend.
type Config struct {
	Backend    Backend `env:"BLOB_BACKEND" envDefault:"memory"`
	Bucket     string  `env:"BLOB_BUCKET"`
	Prefix     string  `env:"BLOB_PREFIX" envDefault:"claims/"`
	S3Region   string  `env:"BLOB_S3_REGION" envDefault:"us-east-1"`
	S3Endpoint string  `env:"BLOB_S3_ENDPOINT"`
}

// Open builds the configured store.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Backend {
	case "", BackendMemory:
		return NewMemory(), nil
	case BackendS3:
		return NewS3Store(ctx, S3Config{
			Bucket:   cfg.Bucket,
			Region:   cfg.S3Region,
			Endpoint: cfg.S3Endpoint,
			Prefix:   cfg.Prefix,
		})
	case BackendGCS:
		return openGCS(ctx, cfg)
	default:
		return nil, fmt.Errorf("unsupported blob backend %q", cfg.Backend)
	}
}
