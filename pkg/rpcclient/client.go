// Package rpcclient is the HTTP/JSON transport shared by coordinator and
// participant: every outbound call carries a per-call deadline and the
// caller gets back a result distinguishing three outcomes — ok, transport
// failure, or deadline exceeded — instead of a single opaque error.
package rpcclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/mnohosten/twopc/pkg/security"
)

// TransportError wraps a low-level connection failure (refused, reset,
// unreachable peer) as distinct from a deadline expiring. Call also uses it
// for an error HTTP status (400 and above) and for an unreadable or
// undecodable response body.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string { return fmt.Sprintf("%s: %v", e.Op, e.Err) }
func (e *TransportError) Unwrap() error { return e.Err }

// Client issues signed, deadline-bound JSON RPCs to one peer.
type Client struct {
	baseURL string
	http    *http.Client
	signer  *security.Signer // nil disables request signing
}

// New creates a client targeting baseURL (e.g. "http://localhost:9001").
// signer may be nil to disable request signing.
func New(baseURL string, signer *security.Signer) *Client {
	return &Client{
		baseURL: baseURL,
		http: &http.Client{
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 8,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		signer: signer,
	}
}

// Call performs method/path with the given deadline and decodes the JSON
// response body into out (if out is non-nil). A nil error means ok;
// errors.Is with context.DeadlineExceeded means the deadline fired;
// anything else wrapped in *TransportError is a transport failure.
func (c *Client) Call(ctx context.Context, deadline time.Duration, method, path string, out interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return &TransportError{Op: "build request", Err: err}
	}
	if c.signer != nil {
		c.signer.Sign(req)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return context.DeadlineExceeded
		}
		return &TransportError{Op: fmt.Sprintf("%s %s", method, path), Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return &TransportError{Op: "read response body", Err: err}
	}

	if resp.StatusCode >= 400 {
		return &TransportError{Op: fmt.Sprintf("%s %s", method, path), Err: fmt.Errorf("status %d: %s", resp.StatusCode, string(body))}
	}

	if out == nil || len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return &TransportError{Op: "decode response body", Err: err}
	}
	return nil
}

// IsDeadlineExceeded reports whether err is (or wraps) a deadline timeout.
func IsDeadlineExceeded(err error) bool {
	return errors.Is(err, context.DeadlineExceeded)
}

// IsTransportError reports whether err is a transport-level failure.
func IsTransportError(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}
