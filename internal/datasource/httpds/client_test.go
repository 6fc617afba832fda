package httpds

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheStrul/Sacks-new-sub007/internal/logger"
)

func fastClient(retries int) *Client {
	return NewClient(Config{
		MaxRetries:     retries,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
		BaseHeaders:    http.Header{"X-Supplier": {"acme"}},
		Logger:         logger.NewNop(),
	})
}

func TestClient_FetchRetriesTransientStatus(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "acme", r.Header.Get("X-Supplier"))
		assert.Equal(t, "yes", r.Header.Get("X-Trace"))
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = io.WriteString(w, "columns: []\n")
	}))
	defer srv.Close()

	body, err := fastClient(3).Fetch(context.Background(), srv.URL+"/rules.yaml", http.Header{"X-Trace": {"yes"}})
	require.NoError(t, err)
	assert.Equal(t, "columns: []\n", string(body))
	assert.EqualValues(t, 3, calls.Load())
}

func TestClient_NonRetryableStatus(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		http.NotFound(w, nil)
	}))
	defer srv.Close()

	_, err := fastClient(3).Fetch(context.Background(), srv.URL, nil)
	require.ErrorIs(t, err, ErrStatus)
	assert.Contains(t, err.Error(), "404")
	assert.EqualValues(t, 1, calls.Load())

	_, err = fastClient(3).Open(context.Background(), srv.URL, nil)
	assert.ErrorIs(t, err, ErrStatus)
}

func TestClient_RetriesExhausted(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := fastClient(2).Fetch(context.Background(), srv.URL, nil)
	assert.ErrorIs(t, err, ErrStatus)
	assert.EqualValues(t, 3, calls.Load(), "initial attempt plus two retries")

	calls.Store(0)
	_, err = fastClient(-1).Fetch(context.Background(), srv.URL, nil)
	assert.ErrorIs(t, err, ErrStatus)
	assert.EqualValues(t, 1, calls.Load(), "negative MaxRetries disables retries")
}

func TestSource_OpenStreams(t *testing.T) {
	t.Parallel()

	payload := strings.Repeat("Description\nCHANEL Bleu EDT 100 ml\n", 1000)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, payload)
	}))
	defer srv.Close()

	src := NewSource(fastClient(0), srv.URL+"/list.csv", nil)
	assert.Equal(t, srv.URL+"/list.csv", src.URL())
	rc, err := src.Open(context.Background())
	require.NoError(t, err)
	defer rc.Close()
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, payload, string(got))
}

func TestSource_Peek(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "bytes=0-3", r.Header.Get("Range"))
		_, _ = io.WriteString(w, "PK\x03\x04 rest of the archive is ignored")
	}))
	defer srv.Close()

	b, err := NewSource(fastClient(0), srv.URL, nil).Peek(context.Background(), 4)
	require.NoError(t, err)
	assert.Equal(t, []byte("PK\x03\x04"), b)

	_, err = NewSource(nil, srv.URL, nil).Peek(context.Background(), 0)
	assert.Error(t, err)
}

func TestClient_ContextCanceled(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := fastClient(3).Fetch(ctx, srv.URL, nil)
	assert.ErrorIs(t, err, context.Canceled)
}
