// Package datasource defines where rule sets, input files and lookup lists
// come from. Implementations live in the file and httpds subpackages.
package datasource

import (
	"context"
	"io"
	"strings"
)

// Source opens a byte stream. Callers close the returned reader.
type Source interface {
	Open(ctx context.Context) (io.ReadCloser, error)
}

// IsURL reports whether name should be fetched over HTTP rather than read
// from disk.
func IsURL(name string) bool {
	n := strings.ToLower(strings.TrimSpace(name))
	return strings.HasPrefix(n, "http://") || strings.HasPrefix(n, "https://")
}
