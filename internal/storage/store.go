package storage

import (
	"context"
	"io"
)

// Store is the byte storage the file catalogue keeps its script records in
type Store interface {
	Save(ctx context.Context, path string, reader io.Reader) (int64, error)
	Open(ctx context.Context, path string) (io.ReadCloser, error)
	Delete(ctx context.Context, path string) error
	// List returns the paths of the files directly under dir whose name ends
	// in one of exts, sorted
	List(ctx context.Context, dir string, exts ...string) ([]string, error)
}
