// Package file implements the local filesystem data source.
package file

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/TheStrul/Sacks-new-sub007/internal/datasource"
)

// StdinPath names standard input.
const StdinPath = "-"

// Local opens a file on disk, or standard input for StdinPath. It is safe
// for concurrent use.
type Local struct {
	path  string
	stdin io.Reader
}

var _ datasource.Source = (*Local)(nil)

// NewLocal returns a source for path.
func NewLocal(path string) *Local { return &Local{path: path, stdin: os.Stdin} }

// Path returns the configured path.
func (l *Local) Path() string { return l.path }

// Open returns the file, or a non-closing wrapper around standard input. A
// context that is already done is reported without touching the
// filesystem. Filesystem errors keep their cause for errors.Is.
func (l *Local) Open(ctx context.Context) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if l.path == StdinPath {
		return io.NopCloser(l.stdin), nil
	}
	f, err := os.Open(l.path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", l.path, err)
	}
	return f, nil
}
