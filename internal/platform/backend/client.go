// Package backend talks to the external identity and notification service.
//
// Every call is a single attempt: transport errors and non-2xx responses are
// returned to the caller, which decides whether the failure is fatal.
package backend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"notify-relay/internal/platform/codec"
	platformerrors "notify-relay/internal/platform/errors"
)

const (
	PathMe         = "/api/me"
	PathUnread     = "/api/notifications/unread"
	PathMarkAsRead = "/api/notifications/mark-as-read"

	maxResponseBytes = 4 << 20
)

// ErrUnexpectedStatus marks a response outside the 2xx range.
var ErrUnexpectedStatus = errors.New("unexpected status")

// StatusError carries the status and a truncated body of a failed call.
type StatusError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.StatusCode, e.Body)
}

func (e *StatusError) Unwrap() error {
	return ErrUnexpectedStatus
}

// Options configures the client.
type Options struct {
	BaseURL    string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// Client issues bearer-authenticated JSON requests against BaseURL.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New builds a client. Trailing slashes on BaseURL are dropped.
func New(opts Options) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	return &Client{
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		httpClient: httpClient,
	}
}

// BaseURL returns the normalised service root.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Get performs GET path with the bearer token and returns the raw body.
func (c *Client) Get(ctx context.Context, path, token string) ([]byte, error) {
	return c.do(ctx, http.MethodGet, path, token, nil)
}

// PostJSON encodes body as JSON and POSTs it to path.
func (c *Client) PostJSON(ctx context.Context, path, token string, body any) ([]byte, error) {
	payload, err := codec.Marshal(body)
	if err != nil {
		return nil, platformerrors.Wrap(platformerrors.KindExternal, "backend.post", "encode request body", err)
	}
	return c.do(ctx, http.MethodPost, path, token, payload)
}

func (c *Client) do(ctx context.Context, method, path, token string, payload []byte) ([]byte, error) {
	op := "backend." + strings.ToLower(method)

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, platformerrors.Wrap(platformerrors.KindExternal, op, "build request", err)
	}
	req.Header.Set("Accept", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, platformerrors.Wrap(platformerrors.KindExternal, op, "request "+path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, platformerrors.Wrap(platformerrors.KindExternal, op, "read response "+path, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet := string(data)
		if len(snippet) > 256 {
			snippet = snippet[:256]
		}
		return nil, platformerrors.Wrap(platformerrors.KindExternal, op, "call "+path, &StatusError{
			Method:     method,
			Path:       path,
			StatusCode: resp.StatusCode,
			Body:       snippet,
		})
	}
	return data, nil
}
