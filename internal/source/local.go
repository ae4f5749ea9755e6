package source

import (
	"context"
	"io"
	"os"
	"path/filepath"
)

// Local reads from the local filesystem. Relative paths are resolved against
// Root when it is set.
type Local struct {
	Root string
}

func (l Local) Open(ctx context.Context, path string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if l.Root != "" && !filepath.IsAbs(path) {
		path = filepath.Join(l.Root, path)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, mapOpenError(path, err)
	}
	return f, nil
}
