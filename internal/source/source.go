// Package source opens the files a migration reads from.
package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"

	"github.com/openmined/lakelift/internal/transfer"
)

// Opener opens a source file for reading. A missing file is reported as
// transfer.ErrSourceNotFound.
type Opener interface {
	Open(ctx context.Context, path string) (io.ReadCloser, error)
}

// OpenerFunc adapts a function to Opener.
type OpenerFunc func(ctx context.Context, path string) (io.ReadCloser, error)

func (f OpenerFunc) Open(ctx context.Context, path string) (io.ReadCloser, error) {
	return f(ctx, path)
}

func mapOpenError(path string, err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s", transfer.ErrSourceNotFound, path)
	}
	return fmt.Errorf("open %s: %w", path, err)
}
