// Package client provides a Go client for the interlock coordination server.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mistakeknot/interlock/internal/core"
)

// Result and record types shared with the server.
type (
	Agent           = core.Agent
	Lease           = core.Lease
	Event           = core.Event
	Action          = core.Action
	RegisterResult  = core.RegisterResult
	HeartbeatResult = core.HeartbeatResult
	LockResult      = core.LockResult
	UnlockResult    = core.UnlockResult
	StatusResult    = core.StatusResult
	LogResult       = core.LogResult
)

type Client struct {
	BaseURL string
	HTTP    *http.Client
	Project string
}

type Option func(*Client)

func WithProject(project string) Option {
	return func(c *Client) {
		c.Project = strings.TrimSpace(project)
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		if httpClient != nil {
			c.HTTP = httpClient
		}
	}
}

// WithUnixSocket sends every request over the server's unix socket. The
// host part of BaseURL is then ignored.
func WithUnixSocket(path string) Option {
	return func(c *Client) {
		c.HTTP = &http.Client{
			Timeout: 10 * time.Second,
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					var d net.Dialer
					return d.DialContext(ctx, "unix", path)
				},
			},
		}
	}
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP:    &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// APIError is a non-2xx response. It unwraps to the matching core sentinel
// so callers can use errors.Is(err, core.ErrLockHeldByOther) and friends.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"error"`
	Message string `json:"message"`
	Holder  string `json:"holder,omitempty"`
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s (%d): %s", e.Code, e.Status, e.Message)
	}
	return fmt.Sprintf("request failed: %d", e.Status)
}

func (e *APIError) Unwrap() error {
	switch e.Code {
	case core.CodeProjectNotFound:
		return core.ErrProjectNotFound
	case core.CodeAgentNotRegistered:
		return core.ErrAgentNotRegistered
	case core.CodeLockHeldByOther:
		return core.ErrLockHeldByOther
	case core.CodeInvalidArgument:
		return core.ErrInvalidArgument
	case core.CodeStorageCorrupt:
		return core.ErrStorageCorrupt
	case core.CodeStorageUnavailable:
		return core.ErrStorageUnavailable
	}
	return nil
}

func (c *Client) Register(ctx context.Context, agentID string, capabilities []string) (RegisterResult, error) {
	var out RegisterResult
	err := c.do(ctx, http.MethodPost, "/api/agents", map[string]any{
		"project":      c.Project,
		"agent_id":     agentID,
		"capabilities": capabilities,
	}, &out)
	return out, err
}

// HeartbeatOptions carries the optional heartbeat fields. A nil CurrentTask
// leaves the task unchanged; an empty one clears it.
type HeartbeatOptions struct {
	Status      core.AgentStatus
	CurrentTask *string
}

func (c *Client) Heartbeat(ctx context.Context, agentID string, opts HeartbeatOptions) (HeartbeatResult, error) {
	body := map[string]any{"project": c.Project}
	if opts.Status != "" {
		body["status"] = opts.Status
	}
	if opts.CurrentTask != nil {
		body["current_task"] = *opts.CurrentTask
	}
	var out HeartbeatResult
	err := c.do(ctx, http.MethodPost, "/api/agents/"+url.PathEscape(agentID)+"/heartbeat", body, &out)
	return out, err
}

// Lock tries to acquire resource. A conflict is reported through
// LockResult.Acquired, not as an error.
func (c *Client) Lock(ctx context.Context, agentID, resource, reason string) (LockResult, error) {
	var out LockResult
	err := c.do(ctx, http.MethodPost, "/api/locks", map[string]any{
		"project":  c.Project,
		"agent_id": agentID,
		"resource": resource,
		"reason":   reason,
	}, &out)
	return out, err
}

func (c *Client) Unlock(ctx context.Context, agentID, resource string) (UnlockResult, error) {
	var out UnlockResult
	err := c.do(ctx, http.MethodPost, "/api/locks/release", map[string]any{
		"project":  c.Project,
		"agent_id": agentID,
		"resource": resource,
	}, &out)
	return out, err
}

func (c *Client) Status(ctx context.Context) (StatusResult, error) {
	values := url.Values{}
	if c.Project != "" {
		values.Set("project", c.Project)
	}
	var out StatusResult
	err := c.do(ctx, http.MethodGet, withQuery("/api/status", values), nil, &out)
	return out, err
}

// LogQuery filters the audit log. Zero fields use the server defaults.
type LogQuery struct {
	Limit   int
	AgentID string
	Action  Action
}

func (c *Client) Log(ctx context.Context, q LogQuery) (LogResult, error) {
	values := url.Values{}
	if c.Project != "" {
		values.Set("project", c.Project)
	}
	if q.Limit > 0 {
		values.Set("limit", strconv.Itoa(q.Limit))
	}
	if q.AgentID != "" {
		values.Set("agent", q.AgentID)
	}
	if q.Action != "" {
		values.Set("action", string(q.Action))
	}
	var out LogResult
	err := c.do(ctx, http.MethodGet, withQuery("/api/log", values), nil, &out)
	return out, err
}

// Health returns nil when the server answers /healthz.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/healthz", nil, nil)
}

func withQuery(path string, values url.Values) string {
	if len(values) == 0 {
		return path
	}
	return path + "?" + values.Encode()
}

func (c *Client) do(ctx context.Context, method, path string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		buf, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		apiErr := &APIError{Status: resp.StatusCode}
		_ = json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(apiErr)
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}
