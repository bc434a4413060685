// Package objectstore defines the durable home of processed media.
//
// Uploads are idempotent by object key: two producers racing on the same
// content key write the same bytes to the same key, so the second upload is
// skipped rather than rewritten. References handed out to requesters are
// presigned GET URLs with a bounded lifetime.
package objectstore

import (
	"context"
	"time"
)

// Store persists processed media and hands out bounded-lifetime references.
type Store interface {
	// Upload stores the file at localPath under objectKey. Uploading a key
	// that already exists is a no-op, not an error.
	Upload(ctx context.Context, objectKey, localPath string) error

	// Exists reports whether objectKey is present.
	Exists(ctx context.Context, objectKey string) (bool, error)

	// Presign returns a time-limited GET URL for objectKey together with
	// its expiry instant.
	Presign(ctx context.Context, objectKey string) (url string, expiresAt time.Time, err error)

	// Bucket returns the bucket name, carried in references so holders can
	// re-check the object later.
	Bucket() string
}

// ObjectKey builds the canonical key for processed content. The intent
// prefix keeps audio and video renditions of the same source apart; ext is
// the fetcher-reported file extension, including the dot.
func ObjectKey(intent, contentKey, ext string) string {
	return intent + "/" + contentKey + ext
}
