package domain

import (
	"context"
	"io"
)

// BlobWriter uploads data to object storage.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
}

// BlobReader fetches objects previously written by a BlobWriter.
type BlobReader interface {
	Get(ctx context.Context, path string) (io.ReadCloser, error)
}
