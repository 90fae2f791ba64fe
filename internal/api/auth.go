package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/mark-chris/farmdesk/internal/tokenstore"
)

// ErrUnauthorized is returned when a request is still rejected after the
// session was refreshed, or when the refresh itself failed
var ErrUnauthorized = errors.New("unauthorized")

// StatusError reports a non-success response from a JSON endpoint
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("server returned status %d: %s", e.StatusCode, e.Body)
}

// TokenSource reads persisted credentials
type TokenSource interface {
	Lookup(key string) (string, bool, error)
}

// Refresher obtains a new access token after the server rejected the current
// one. Implementations own clearing credentials and redirecting when that fails.
type Refresher interface {
	RefreshAccessToken(ctx context.Context) (string, error)
}

// attempt carries per-request retry state through the interceptor
type attempt struct {
	retried bool
}

// AuthenticatedClient sends requests under a base path with the current access
// token attached, refreshing and replaying once when the server answers 401
type AuthenticatedClient struct {
	client    *Client
	basePath  string
	tokens    TokenSource
	refresher Refresher
}

// NewAuthenticatedClient creates a new authenticated API client
func NewAuthenticatedClient(client *Client, basePath string, tokens TokenSource, refresher Refresher) *AuthenticatedClient {
	return &AuthenticatedClient{
		client:    client,
		basePath:  "/" + strings.Trim(basePath, "/"),
		tokens:    tokens,
		refresher: refresher,
	}
}

// URL resolves path against the client's base path
func (ac *AuthenticatedClient) URL(path string) string {
	base := ac.client.baseURL
	if ac.basePath != "/" {
		base += ac.basePath
	}
	if path == "" {
		return base
	}
	return base + "/" + strings.TrimLeft(path, "/")
}

// Do executes req with authentication. Non-401 responses are returned as they
// arrive. A 401 triggers one refresh and one replay of req; if the replay is
// rejected too the caller gets ErrUnauthorized, never the second 401.
func (ac *AuthenticatedClient) Do(req *http.Request) (*http.Response, error) {
	token, ok, err := ac.tokens.Lookup(tokenstore.KeyAccessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve access token: %w", err)
	}
	if ok {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	return ac.do(req, attempt{})
}

func (ac *AuthenticatedClient) do(req *http.Request, at attempt) (*http.Response, error) {
	resp, err := ac.client.retryableRequest(req)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}
	drain(resp)

	if at.retried {
		return nil, fmt.Errorf("%w: %s %s rejected after refresh", ErrUnauthorized, req.Method, req.URL.Path)
	}

	// A refresh runs to completion even if the request that triggered it is
	// cancelled, so a superseded caller cannot end the session.
	token, err := ac.refresher.RefreshAccessToken(context.WithoutCancel(req.Context()))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnauthorized, err)
	}

	// Replay with the fresh token
	replay := req.Clone(req.Context())
	if err := rewindBody(replay); err != nil {
		return nil, err
	}
	replay.Header.Set("Authorization", "Bearer "+token)

	return ac.do(replay, attempt{retried: true})
}

// DoJSON sends in (if non-nil) as JSON to path and decodes a 2xx response
// into out (if non-nil). Other statuses are returned as *StatusError.
func (ac *AuthenticatedClient) DoJSON(ctx context.Context, method, path string, in, out any) error {
	req, err := newJSONRequest(ctx, method, ac.URL(path), in)
	if err != nil {
		return err
	}

	resp, err := ac.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	return decodeJSON(resp, out)
}

func newJSONRequest(ctx context.Context, method, url string, in any) (*http.Request, error) {
	var body io.Reader
	var data []byte
	if in != nil {
		var err error
		data, err = json.Marshal(in)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
		req.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(data)), nil
		}
	}
	req.Header.Set("Accept", "application/json")
	return req, nil
}

func decodeJSON(resp *http.Response, out any) error {
	body, err := readLimitedResponse(resp.Body, MaxResponseSize)
	if err != nil {
		return err
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	if out == nil || len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}
