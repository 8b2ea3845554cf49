package store

import (
	"context"
	"time"
)

// Store abstracts the blob store backing a project's artifacts. Paths are
// flat keys inside a single bucket ("{project}/clips/scene-0.mp4",
// "cache/render/{hash}.mp4").
type Store interface {
	// Exists reports whether an object is present at path.
	Exists(ctx context.Context, path string) (bool, error)

	// Digest returns the MD5 hex digest of the object at path.
	// Returns a NotFound error if the object is absent.
	Digest(ctx context.Context, path string) (string, error)

	// Download streams the object at path into the local file.
	Download(ctx context.Context, path, local string) error

	// Upload stores the local file at path. Readers never observe a
	// partial object.
	Upload(ctx context.Context, local, path, contentType string) error

	// Copy duplicates src to dst server-side.
	Copy(ctx context.Context, src, dst string) error

	// SignedURL returns a time-limited read URL for path.
	SignedURL(ctx context.Context, path string, ttl time.Duration) (string, error)

	// Publish promotes path to public-read and returns its stable public
	// URL. Idempotent.
	Publish(ctx context.Context, path string) (string, error)
}
