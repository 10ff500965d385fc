// Package gateway is the HTTP client for the remote ledger persistence
// service.
//
// The remote contract is four calls per collection:
//
//	GET    /api/<collection>
//	POST   /api/<collection>
//	POST   /api/<collection>/<id>/<action>
//	DELETE /api/<collection>/<id>
//
// Responses may be bare JSON or wrapped as {"data": ...}.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultTimeout bounds one remote call when no timeout is configured.
const DefaultTimeout = 30 * time.Second

// maxErrorBody caps how much of a failed response is kept for the error.
const maxErrorBody = 512

// TransportError reports a failed remote call: either the request never
// completed or the server answered with a non-2xx status.
type TransportError struct {
	Method string
	Path   string
	Status int
	Body   string
	Err    error
}

func (e *TransportError) Error() string {
	if e.Status != 0 {
		msg := fmt.Sprintf("%s %s: status %d", e.Method, e.Path, e.Status)
		if e.Body != "" {
			msg += ": " + e.Body
		}
		return msg
	}
	return fmt.Sprintf("%s %s: %v", e.Method, e.Path, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Permanent reports whether retrying the same request cannot succeed.
// Client errors other than timeouts and throttling are permanent.
func (e *TransportError) Permanent() bool {
	switch {
	case e.Status == http.StatusRequestTimeout, e.Status == http.StatusTooManyRequests:
		return false
	case e.Status >= 400 && e.Status < 500:
		return true
	default:
		return false
	}
}

// IsPermanent reports whether err is a TransportError that will not succeed
// on retry.
func IsPermanent(err error) bool {
	var te *TransportError
	return errors.As(err, &te) && te.Permanent()
}

// IsNotFound reports whether the service answered 404.
func IsNotFound(err error) bool {
	var te *TransportError
	return errors.As(err, &te) && te.Status == http.StatusNotFound
}

// Client talks to the remote ledger service.
type Client struct {
	BaseURL   string
	HTTP      *http.Client
	UserAgent string
	// Token, when set, is sent as a bearer token.
	Token string
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.HTTP = h }
}

// WithTimeout sets the per-request timeout of the default http.Client.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.HTTP.Timeout = d
		}
	}
}

// WithToken sets a bearer token sent on every request.
func WithToken(token string) Option {
	return func(c *Client) { c.Token = token }
}

// NewClient creates a client for the service at baseURL, e.g.
// "https://ledger.example.com". The /api prefix is added per call.
func NewClient(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse gateway url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("gateway url %q: scheme must be http or https", baseURL)
	}

	c := &Client{
		BaseURL:   strings.TrimRight(baseURL, "/"),
		HTTP:      &http.Client{Timeout: DefaultTimeout},
		UserAgent: "ledgersync",
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// List fetches every record of a collection.
func (c *Client) List(ctx context.Context, path string) ([]json.RawMessage, error) {
	body, err := c.do(ctx, http.MethodGet, apiPath(path), nil)
	if err != nil {
		return nil, err
	}
	var records []json.RawMessage
	if err := json.Unmarshal(body, &records); err != nil {
		return nil, fmt.Errorf("decode %s list: %w", path, err)
	}
	return records, nil
}

// Create posts a new record and returns the server's version of it.
func (c *Client) Create(ctx context.Context, path string, record []byte) (json.RawMessage, error) {
	return c.do(ctx, http.MethodPost, apiPath(path), record)
}

// Action posts a targeted change to one record and returns the server's
// updated record.
func (c *Client) Action(ctx context.Context, path, id, action string, payload []byte) (json.RawMessage, error) {
	return c.do(ctx, http.MethodPost, apiPath(path, id, action), payload)
}

// Delete removes one record.
func (c *Client) Delete(ctx context.Context, path, id string) error {
	_, err := c.do(ctx, http.MethodDelete, apiPath(path, id), nil)
	return err
}

func apiPath(segments ...string) string {
	escaped := make([]string, len(segments))
	for i, s := range segments {
		escaped[i] = url.PathEscape(s)
	}
	return "/api/" + strings.Join(escaped, "/")
}

func (c *Client) do(ctx context.Context, method, path string, body []byte) (json.RawMessage, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return nil, &TransportError{Method: method, Path: path, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.UserAgent != "" {
		req.Header.Set("User-Agent", c.UserAgent)
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, &TransportError{Method: method, Path: path, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransportError{Method: method, Path: path, Status: resp.StatusCode, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet := strings.TrimSpace(string(data))
		if len(snippet) > maxErrorBody {
			snippet = snippet[:maxErrorBody]
		}
		return nil, &TransportError{Method: method, Path: path, Status: resp.StatusCode, Body: snippet}
	}
	return unwrap(data), nil
}

// unwrap strips a {"data": ...} envelope. Anything else is returned as-is.
func unwrap(data []byte) json.RawMessage {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil
	}
	if trimmed[0] != '{' {
		return json.RawMessage(trimmed)
	}
	var env map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return json.RawMessage(trimmed)
	}
	inner, ok := env["data"]
	if !ok {
		return json.RawMessage(trimmed)
	}
	for k := range env {
		if !envelopeKeys[k] {
			return json.RawMessage(trimmed)
		}
	}
	return inner
}

var envelopeKeys = map[string]bool{
	"data":    true,
	"success": true,
	"message": true,
	"meta":    true,
}
