// Package archive mirrors downloaded attachment binaries to a blob store so
// a migration keeps a copy of every source file it moved.
package archive

import (
	"context"
	"fmt"
	"io"
)

// BlobStore is a flat key/value store for binaries.
type BlobStore interface {
	Put(ctx context.Context, key string, body io.ReadSeeker) error
	Get(ctx context.Context, key string) ([]byte, error)
	List(ctx context.Context, prefix string) ([]string, error)
}

// Backend kinds accepted by Open.
const (
	KindNone  = "none"
	KindLocal = "local"
	KindS3    = "s3"
)

// Config selects and configures a backend.
type Config struct {
	Kind string
	// Path is the root directory (local) or key prefix (s3).
	Path   string
	Bucket string
	Region string
}

// Open returns the configured store, or nil when archiving is off.
func Open(ctx context.Context, cfg Config) (BlobStore, error) {
	switch cfg.Kind {
	case "", KindNone:
		return nil, nil
	case KindLocal:
		if cfg.Path == "" {
			return nil, fmt.Errorf("archive path is required for the local archive")
		}
		return NewLocalStore(cfg.Path), nil
	case KindS3:
		if cfg.Bucket == "" {
			return nil, fmt.Errorf("archive bucket is required for the s3 archive")
		}
		return NewS3StoreFromEnv(ctx, cfg.Bucket, cfg.Path, cfg.Region)
	default:
		return nil, fmt.Errorf("unknown archive kind %q (want none, local or s3)", cfg.Kind)
	}
}
