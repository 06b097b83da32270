package management

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

// managementBasePath prefixes every management API route.
const managementBasePath = "/v0/management/"

// Client wraps HTTP calls to the management API. The connection (base URL and
// credential) is resolved from the source on every request, so mode switches
// and config edits take effect immediately.
type Client struct {
	source ConnectionSource
	http   *http.Client
}

// NewClient creates a new management API client backed by the given
// connection source.
func NewClient(source ConnectionSource) *Client {
	return &Client{
		source: source,
		http: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// JoinBaseURL joins a backend base URL and an absolute path, tolerating a
// trailing slash on the base so the result never carries a double slash.
func JoinBaseURL(base, path string) string {
	base = strings.TrimRight(base, "/")
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return base + path
}

// doRequest issues a single authenticated request against path (absolute,
// e.g. "/v0/management/get-auth-status"). It returns the raw body and status
// code; non-2xx handling is left to the caller.
func (c *Client) doRequest(ctx context.Context, method, path string, body io.Reader) ([]byte, int, error) {
	conn, err := c.source.Connection()
	if err != nil {
		return nil, 0, err
	}

	req, err := http.NewRequestWithContext(ctx, method, JoinBaseURL(conn.BaseURL, path), body)
	if err != nil {
		return nil, 0, err
	}
	if conn.Credential != nil {
		conn.Credential.Apply(req.Header)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, err
	}
	return data, resp.StatusCode, nil
}

// Request issues an authenticated call and fails with a StatusError on any
// non-2xx response. No retries happen at this layer; retry policy belongs to
// the polling loop.
func (c *Client) Request(ctx context.Context, method, path string, body io.Reader) ([]byte, error) {
	data, code, err := c.doRequest(ctx, method, path, body)
	if err != nil {
		return nil, err
	}
	if code < 200 || code > 299 {
		return nil, &StatusError{Code: code, Body: strings.TrimSpace(string(data))}
	}
	return data, nil
}

// getJSON fetches a management route and validates that the body is JSON.
func (c *Client) getJSON(ctx context.Context, path string) (gjson.Result, error) {
	data, err := c.Request(ctx, http.MethodGet, path, nil)
	if err != nil {
		return gjson.Result{}, err
	}
	if !gjson.ValidBytes(data) {
		return gjson.Result{}, fmt.Errorf("%w: invalid JSON", ErrProtocol)
	}
	return gjson.ParseBytes(data), nil
}

// AuthURL requests a provider authorization URL from the management backend.
// authPath is the provider route under /v0/management/, e.g. "codex-auth-url".
// projectID is optional and only honored by providers that support it.
func (c *Client) AuthURL(ctx context.Context, authPath, projectID string) (authURL, state string, err error) {
	path := managementBasePath + authPath
	if projectID != "" {
		query := url.Values{}
		query.Set("project_id", projectID)
		path += "?" + query.Encode()
	}

	result, err := c.getJSON(ctx, path)
	if err != nil {
		return "", "", err
	}
	authURL = result.Get("url").String()
	state = result.Get("state").String()
	if authURL == "" || state == "" {
		return "", "", fmt.Errorf("%w: auth-url response missing url or state", ErrProtocol)
	}
	log.Debugf("obtained authorization URL via %s", authPath)
	return authURL, state, nil
}

// AuthStatus polls the OAuth session status for the given state token.
// Returns status ("wait", "ok", "error") and an optional error message.
func (c *Client) AuthStatus(ctx context.Context, state string) (status, message string, err error) {
	query := url.Values{}
	query.Set("state", state)

	result, err := c.getJSON(ctx, managementBasePath+"get-auth-status?"+query.Encode())
	if err != nil {
		return "", "", err
	}
	status = result.Get("status").String()
	if status == "" {
		return "", "", fmt.Errorf("%w: auth-status response missing status", ErrProtocol)
	}
	return status, result.Get("error").String(), nil
}

// KeepAlive pings the backend keep-alive route so a locally launched proxy
// knows the shell is still attached.
func (c *Client) KeepAlive(ctx context.Context) error {
	_, err := c.Request(ctx, http.MethodGet, "/keep-alive", nil)
	return err
}
