// Package httpds fetches rule sets, supplier files and lookup lists over
// HTTP with retry and exponential backoff on transient failures.
//
// Zero Config values get defaults: 30s timeout, 3 retries, 200ms initial
// backoff capped at 5s. Retries cover network errors, 408, 429 and 5xx.
package httpds

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/TheStrul/Sacks-new-sub007/internal/logger"
)

// ErrStatus is returned for a final response with a 4xx or 5xx status.
var ErrStatus = errors.New("httpds: unexpected status")

// Config configures a Client.
type Config struct {
	Timeout        time.Duration
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// InsecureSkipVerify disables TLS verification. Ignored when Transport
	// is set.
	InsecureSkipVerify bool

	// BaseHeaders are sent with every request.
	BaseHeaders http.Header

	// Transport replaces the default transport, mostly for tests.
	Transport http.RoundTripper

	// Logger receives resty's diagnostics; nil means the default logger.
	Logger logger.Logger
}

// DefaultMaxRetries applies when Config.MaxRetries is zero; use a negative
// value to disable retries.
const DefaultMaxRetries = 3

// Client is a retrying HTTP client. It is safe for concurrent use.
type Client struct {
	rc *resty.Client
}

// NewClient builds a Client from cfg.
func NewClient(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	switch {
	case cfg.MaxRetries == 0:
		cfg.MaxRetries = DefaultMaxRetries
	case cfg.MaxRetries < 0:
		cfg.MaxRetries = 0
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 200 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 5 * time.Second
	}

	if cfg.Logger == nil {
		cfg.Logger = logger.GetDefault()
	}

	rc := resty.New().
		SetLogger(restyLogger{cfg.Logger.With("component", "httpds")}).
		SetTimeout(cfg.Timeout).
		SetRetryCount(cfg.MaxRetries).
		SetRetryWaitTime(cfg.InitialBackoff).
		SetRetryMaxWaitTime(cfg.MaxBackoff).
		AddRetryCondition(retryCondition)

	if cfg.Transport != nil {
		rc.SetTransport(cfg.Transport)
	} else if cfg.InsecureSkipVerify {
		rc.SetTLSClientConfig(&tls.Config{InsecureSkipVerify: true}) //nolint:gosec // explicitly configurable
	}
	for k, vs := range cfg.BaseHeaders {
		for _, v := range vs {
			rc.Header.Add(k, v)
		}
	}
	return &Client{rc: rc}
}

// restyLogger adapts a Logger to resty's printf-style interface.
type restyLogger struct{ l logger.Logger }

func (r restyLogger) Errorf(format string, v ...any) { r.l.Error(fmt.Sprintf(format, v...)) }
func (r restyLogger) Warnf(format string, v ...any)  { r.l.Warn(fmt.Sprintf(format, v...)) }
func (r restyLogger) Debugf(format string, v ...any) { r.l.Debug(fmt.Sprintf(format, v...)) }

func retryCondition(r *resty.Response, err error) bool {
	if err != nil {
		return true
	}
	if r == nil {
		return false
	}
	code := r.StatusCode()
	return code >= 500 || code == http.StatusTooManyRequests || code == http.StatusRequestTimeout
}

func (c *Client) request(ctx context.Context, headers http.Header) *resty.Request {
	req := c.rc.R().SetContext(ctx)
	if len(headers) > 0 {
		req.SetHeaderMultiValues(headers)
	}
	return req
}

// Fetch GETs url and returns the whole body.
func (c *Client) Fetch(ctx context.Context, url string, headers http.Header) ([]byte, error) {
	resp, err := c.request(ctx, headers).Get(url)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", url, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("%w: GET %s: %s", ErrStatus, url, resp.Status())
	}
	return resp.Body(), nil
}

// Open GETs url and returns the unread body for streaming. The caller
// closes it.
func (c *Client) Open(ctx context.Context, url string, headers http.Header) (io.ReadCloser, error) {
	resp, err := c.request(ctx, headers).SetDoNotParseResponse(true).Get(url)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", url, err)
	}
	body := resp.RawBody()
	if resp.IsError() {
		if body != nil {
			body.Close()
		}
		return nil, fmt.Errorf("%w: GET %s: %s", ErrStatus, url, resp.Status())
	}
	if body == nil {
		body = io.NopCloser(http.NoBody)
	}
	return body, nil
}
