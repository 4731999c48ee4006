// Package apiclient is the HTTP client for a running controller's API.
// The trigger and status subcommands use it; the controller itself never
// does.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/dc-tec/deploysync/internal/constants"
	syncerrors "github.com/dc-tec/deploysync/internal/errors"
	"github.com/dc-tec/deploysync/internal/server"
	"github.com/dc-tec/deploysync/internal/status"
	"github.com/dc-tec/deploysync/internal/store"
)

// DefaultRequestTimeout bounds every request except waits, which carry
// their own deadline.
const DefaultRequestTimeout = 10 * time.Second

// waitSlack pads the HTTP deadline past the server-side wait timeout so
// the server's verdict, not a client disconnect, ends the wait.
const waitSlack = 30 * time.Second

// maxResponseBytes caps how much of a response body is read.
const maxResponseBytes = 8 << 20

// Client talks to the controller API at a fixed base URL.
type Client struct {
	base string
	http *http.Client
}

// New returns a client for the controller at baseURL. A bare host:port
// is taken as plain HTTP.
func New(baseURL string) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("controller api address is required")
	}
	if !strings.Contains(baseURL, "://") {
		baseURL = "http://" + baseURL
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid controller api address %q: %w", baseURL, err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("controller api address %q has no host", baseURL)
	}
	return &Client{
		base: strings.TrimRight(u.String(), "/"),
		http: &http.Client{},
	}, nil
}

// Deploy submits a manual deployment request and returns the pending
// record the controller opened for it.
func (c *Client) Deploy(ctx context.Context, environment, revision string) (store.SyncRecord, error) {
	var rec store.SyncRecord
	err := c.post(ctx, constants.APIPathDeployments,
		server.DeploymentRequest{Environment: environment, Revision: revision}, &rec)
	return rec, err
}

// Push submits a branch push event. The controller resolves the branch
// to its environment.
func (c *Client) Push(ctx context.Context, branch, revision string) (store.SyncRecord, error) {
	var rec store.SyncRecord
	err := c.post(ctx, constants.APIPathHooksPush,
		server.PushEvent{Branch: branch, Revision: revision}, &rec)
	return rec, err
}

// Environments lists every configured environment with its latest record.
func (c *Client) Environments(ctx context.Context) ([]status.EnvironmentStatus, error) {
	var envs []status.EnvironmentStatus
	err := c.get(ctx, constants.APIPathEnvironments, &envs)
	return envs, err
}

// Status returns the latest record for an environment.
func (c *Client) Status(ctx context.Context, environment string) (store.SyncRecord, error) {
	var rec store.SyncRecord
	err := c.get(ctx, environmentPath(environment, "status"), &rec)
	return rec, err
}

// Revision returns the newest record for a specific revision.
func (c *Client) Revision(ctx context.Context, environment, revision string) (store.SyncRecord, error) {
	var rec store.SyncRecord
	err := c.get(ctx, environmentPath(environment, "revisions", revision), &rec)
	return rec, err
}

// History returns an environment's records, newest first. A limit of
// zero or below returns everything the controller retains.
func (c *Client) History(ctx context.Context, environment string, limit int) ([]store.SyncRecord, error) {
	path := environmentPath(environment, "history")
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var recs []store.SyncRecord
	err := c.get(ctx, path, &recs)
	return recs, err
}

// Wait blocks until the revision's sync settles or the timeout elapses.
// The wait runs server side; a timeout of zero or below falls back to
// the controller's default. Timeouts surface as ErrWaitTimeout.
func (c *Client) Wait(ctx context.Context, environment, revision string, timeout time.Duration) (store.SyncRecord, error) {
	if timeout <= 0 {
		timeout = constants.DefaultWaitTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout+waitSlack)
	defer cancel()

	path := environmentPath(environment, "revisions", revision, "wait") +
		"?timeout=" + url.QueryEscape(timeout.String())
	var rec store.SyncRecord
	err := c.do(ctx, http.MethodGet, path, nil, &rec)
	return rec, err
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	ctx, cancel := context.WithTimeout(ctx, DefaultRequestTimeout)
	defer cancel()
	return c.do(ctx, http.MethodGet, path, nil, out)
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	ctx, cancel := context.WithTimeout(ctx, DefaultRequestTimeout)
	defer cancel()
	return c.do(ctx, http.MethodPost, path, body, out)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("contacting controller api: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return apiError(resp.StatusCode, data)
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
	}
	return nil
}

// apiError turns an error response into a client error, restoring the
// wait-timeout sentinel so callers can tell a timeout from a failure.
func apiError(code int, body []byte) error {
	msg := strings.TrimSpace(string(body))
	var er struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &er); err == nil && er.Error != "" {
		msg = er.Error
	}
	if code == http.StatusGatewayTimeout {
		return fmt.Errorf("%w: %s", syncerrors.ErrWaitTimeout, msg)
	}
	return fmt.Errorf("controller api returned %d: %s", code, msg)
}

func environmentPath(environment string, parts ...string) string {
	path := constants.APIPathEnvironments + "/" + url.PathEscape(environment)
	for _, p := range parts {
		path += "/" + url.PathEscape(p)
	}
	return path
}
