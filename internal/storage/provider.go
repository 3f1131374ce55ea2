// Package storage defines the blob store contract shared by the memory,
// local and GCS backends. Artifacts are written and read back through it.
package storage

import (
	"context"
	"io"
)

// BlobStore persists opaque objects under slash-separated paths.
type BlobStore interface {
	// PutObject stores the reader's content and returns a URI for it.
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
	// GetObject opens a previously stored object. Missing objects yield an
	// error wrapping export.ErrNotFound.
	GetObject(ctx context.Context, path string) (io.ReadCloser, error)
}
