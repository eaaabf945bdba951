package blobstore

import (
	"context"
	"io"
	"time"
)

// Store is the pipeline's view of blob storage. Uploads are idempotent
// upserts so a redelivered step overwrites its own output instead of
// duplicating it.
type Store interface {
	Upload(ctx context.Context, key string, body io.Reader, size int64, contentType string) error
	Download(ctx context.Context, key string) ([]byte, error)
	SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error)
	Stat(ctx context.Context, key string) (ObjectInfo, error)
}

type ObjectInfo struct {
	Key          string
	Size         int64
	ETag         string
	ContentType  string
	LastModified time.Time
}
