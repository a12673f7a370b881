package filestore

import (
	"context"
	"io"

	"github.com/pkg/errors"
)

var ErrNotFound = errors.New("file not found")

// Store is where uploaded batch files live until their job finishes.
type Store interface {
	Get(ctx context.Context, fileID string) (io.ReadCloser, error)
	Delete(ctx context.Context, fileID string) error
}
