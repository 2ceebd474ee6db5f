package webhook

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
)

const (
	// HeaderSignature carries the payload signature on deliveries
	HeaderSignature = "X-Txrelay-Signature"

	// HeaderHandshake carries the challenge secret on handshakes and must be
	// echoed back by the endpoint
	HeaderHandshake = "X-Txrelay-Handshake"

	// DefaultTimeout bounds every webhook request
	DefaultTimeout = 10 * time.Second

	// maxDrain caps how much of a response body is read before closing
	maxDrain = 64 << 10
)

// Response is the part of a webhook reply txrelay looks at
type Response struct {
	StatusCode int
	Header     http.Header
	Duration   time.Duration
}

// Poster sends a webhook request. The HTTP client is the only implementation
// in production; tests substitute recording fakes.
type Poster interface {
	Post(ctx context.Context, url string, headers map[string]string, body []byte) (*Response, error)
}

// Client posts webhook requests with a per-request timeout
type Client struct {
	// Timeout bounds a single request including reading the response headers
	Timeout time.Duration

	// Client is the HTTP client to use (allows custom transports)
	Client *http.Client
}

// NewClient creates a webhook client with the given timeout
func NewClient(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		Timeout: timeout,
		Client:  &http.Client{},
	}
}

// WithTimeout sets the request timeout
func (c *Client) WithTimeout(timeout time.Duration) *Client {
	c.Timeout = timeout
	return c
}

// Post sends body to url. A nil or empty body is sent without a content type.
func (c *Client) Post(ctx context.Context, url string, headers map[string]string, body []byte) (*Response, error) {
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if len(body) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	resp, err := c.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxDrain))

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Duration:   time.Since(start),
	}, nil
}

// IsTimeout reports whether err came from a request exceeding its deadline
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
