package localfs

import (
	"context"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/BearBump/TrackLedger/internal/integrations/filestore"
	"github.com/pkg/errors"
)

// Dir serves uploads from a directory, one file per file id.
type Dir struct {
	root string
}

func New(root string) *Dir {
	return &Dir{root: root}
}

func (d *Dir) path(fileID string) (string, error) {
	if !filepath.IsLocal(fileID) {
		return "", errors.Errorf("bad file id %q", fileID)
	}
	return filepath.Join(d.root, fileID), nil
}

func (d *Dir) Get(_ context.Context, fileID string) (io.ReadCloser, error) {
	p, err := d.path(fileID)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, errors.Wrapf(filestore.ErrNotFound, "file %s", fileID)
	}
	if err != nil {
		return nil, errors.Wrap(err, "open file")
	}
	return f, nil
}

func (d *Dir) Delete(_ context.Context, fileID string) error {
	p, err := d.path(fileID)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return errors.Wrap(err, "remove file")
	}
	return nil
}
