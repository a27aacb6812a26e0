// Package azure holds the HTTP plumbing shared by the Cognitive Services
// clients: subscription-key auth, response reading and TransportError.
package azure

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	// SubscriptionKeyHeader carries the resource key on every request.
	SubscriptionKeyHeader = "Ocp-Apim-Subscription-Key"
	// SubscriptionRegionHeader is required by the global Translator endpoint.
	SubscriptionRegionHeader = "Ocp-Apim-Subscription-Region"
)

// TransportError is an HTTP-level failure talking to a backend: a connection
// error or a non-2xx response. Body holds whatever the backend returned.
type TransportError struct {
	Op         string
	StatusCode int // 0 when no response was received
	Body       string
	Err        error
}

func (e *TransportError) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, ": status %d", e.StatusCode)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	if e.Body != "" {
		b.WriteString(": ")
		b.WriteString(e.Body)
	}
	return b.String()
}

func (e *TransportError) Unwrap() error { return e.Err }

// IsTransport reports whether err is or wraps a TransportError.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// Credentials identify a Cognitive Services resource.
type Credentials struct {
	Key    string
	Region string
}

// Client is a thin wrapper around http.Client that authenticates requests and
// turns failures into TransportErrors.
type Client struct {
	creds Credentials
	http  *http.Client
}

// NewClient creates a client with the given per-request timeout. A zero
// timeout leaves requests bounded only by their context.
func NewClient(creds Credentials, timeout time.Duration) *Client {
	return &Client{
		creds: creds,
		http:  &http.Client{Timeout: timeout},
	}
}

// NewRequest builds an authenticated request.
func (c *Client) NewRequest(ctx context.Context, method, url string, body io.Reader, contentType string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set(SubscriptionKeyHeader, c.creds.Key)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	return req, nil
}

// WithRegion adds the subscription region header.
func (c *Client) WithRegion(req *http.Request) *http.Request {
	if c.creds.Region != "" {
		req.Header.Set(SubscriptionRegionHeader, c.creds.Region)
	}
	return req
}

// Do sends req and reads the full body. Any connection failure or non-2xx
// status is returned as a *TransportError naming op.
func (c *Client) Do(op string, req *http.Request) (*http.Response, []byte, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, nil, &TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp, nil, &TransportError{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("read response: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp, body, &TransportError{Op: op, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	return resp, body, nil
}
