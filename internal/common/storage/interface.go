package storage

import (
	"context"
	"errors"
)

var (
	// ErrObjectNotFound is returned when the requested key does not exist.
	ErrObjectNotFound = errors.New("object not found")
	// ErrObjectTooLarge is returned when an object exceeds the read limit.
	ErrObjectTooLarge = errors.New("object exceeds read limit")
)

// BlobReader reads small configuration blobs whole.
type BlobReader interface {
	ReadObject(ctx context.Context, bucket, objectKey string, limit int64) ([]byte, error)
}
