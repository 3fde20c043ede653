// Package http provides the single outgoing-request capability used by the
// rest of css-flood.
//
// Everything that issues a request does so through the Fetcher interface.
// There is exactly one concrete implementation, backed by net/http; the
// authenticated fetcher in internal/auth wraps a Fetcher rather than
// replacing it, so body handling stays a single code path.
package http

import (
	"net/http"
	"time"
)

// Fetcher issues one HTTP request and returns the raw response.
//
// Implementations must honor the request context. The caller owns the
// response body and must close it.
type Fetcher interface {
	Do(req *http.Request) (*http.Response, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(req *http.Request) (*http.Response, error)

// Do calls f(req).
func (f FetcherFunc) Do(req *http.Request) (*http.Response, error) {
	return f(req)
}

// Client wraps a shared *http.Client tuned for sustained load generation.
type Client struct {
	httpClient *http.Client
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// NewClient creates a new client with the given options.
//
// Per-request deadlines are set by callers via the request context, so the
// client itself carries no overall timeout.
func NewClient(options ...ClientOption) *Client {
	client := &Client{
		httpClient: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        1000,
				MaxIdleConnsPerHost: 100,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}

	for _, option := range options {
		option(client)
	}

	return client
}

// WithTimeout sets an overall client timeout. Normally left unset in favor
// of per-request context deadlines.
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.httpClient.Timeout = timeout
	}
}

// WithTransport replaces the underlying transport.
func WithTransport(rt http.RoundTripper) ClientOption {
	return func(c *Client) {
		c.httpClient.Transport = rt
	}
}

// Do executes the request via the underlying net/http client.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	return c.httpClient.Do(req)
}

// CloseIdleConnections releases pooled connections.
func (c *Client) CloseIdleConnections() {
	c.httpClient.CloseIdleConnections()
}

var _ Fetcher = (*Client)(nil)
