package httpds

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/TheStrul/Sacks-new-sub007/internal/datasource"
)

// Source is a datasource.Source bound to one URL.
type Source struct {
	client  *Client
	url     string
	headers http.Header
}

var _ datasource.Source = (*Source)(nil)

// NewSource returns a source that GETs url with c. A nil client gets the
// default configuration.
func NewSource(c *Client, url string, headers http.Header) *Source {
	if c == nil {
		c = NewClient(Config{})
	}
	return &Source{client: c, url: url, headers: headers}
}

// URL returns the bound URL.
func (s *Source) URL() string { return s.url }

// Open implements datasource.Source.
func (s *Source) Open(ctx context.Context) (io.ReadCloser, error) {
	return s.client.Open(ctx, s.url, s.headers)
}

// Peek retrieves up to n leading bytes of the resource, asking for a byte
// range and capping the read when the server ignores it. Used to sniff the
// format of inputs whose URL carries no extension.
func (s *Source) Peek(ctx context.Context, n int) ([]byte, error) {
	if n <= 0 {
		return nil, fmt.Errorf("httpds: peek size must be > 0")
	}
	h := s.headers.Clone()
	if h == nil {
		h = http.Header{}
	}
	h.Set("Range", fmt.Sprintf("bytes=0-%d", n-1))

	body, err := s.client.Open(ctx, s.url, h)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, io.LimitReader(body, int64(n))); err != nil {
		return nil, fmt.Errorf("peek %s: %w", s.url, err)
	}
	return buf.Bytes(), nil
}
