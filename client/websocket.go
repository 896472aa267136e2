package client

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// FeedMessage is one frame of the live feed.
type FeedMessage struct {
	Project string `json:"project"`
	Event   Event  `json:"event"`
}

// EventHandler is called for each event received via WebSocket
type EventHandler func(msg FeedMessage)

// WSClient follows the /ws/events feed of one project.
type WSClient struct {
	baseURL   string
	project   string
	agentID   string
	action    Action
	reconnect bool

	mu       sync.RWMutex
	conn     *websocket.Conn
	handlers []EventHandler

	cancel context.CancelFunc
	done   chan struct{}
}

// WSOption configures the WebSocket client
type WSOption func(*WSClient)

func WithWSProject(project string) WSOption {
	return func(c *WSClient) {
		c.project = project
	}
}

// WithWSAgentID only delivers events recorded for agentID.
func WithWSAgentID(agentID string) WSOption {
	return func(c *WSClient) {
		c.agentID = agentID
	}
}

// WithWSAction only delivers events of one action.
func WithWSAction(action Action) WSOption {
	return func(c *WSClient) {
		c.action = action
	}
}

// WithAutoReconnect enables automatic reconnection on disconnect
func WithAutoReconnect(enabled bool) WSOption {
	return func(c *WSClient) {
		c.reconnect = enabled
	}
}

func NewWSClient(baseURL string, opts ...WSOption) *WSClient {
	c := &WSClient{
		baseURL:   baseURL,
		reconnect: true,
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// OnEvent registers an event handler
func (c *WSClient) OnEvent(handler EventHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, handler)
}

// Connect dials the feed and starts delivering events in the background.
// The first dial error is returned; later ones trigger reconnects when
// enabled.
func (c *WSClient) Connect(ctx context.Context) error {
	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}
	c.setConn(conn)

	ctx, c.cancel = context.WithCancel(ctx)
	go c.readLoop(ctx)
	return nil
}

// Done is closed when the read loop has stopped.
func (c *WSClient) Done() <-chan struct{} {
	return c.done
}

// Close closes the WebSocket connection
func (c *WSClient) Close() error {
	if c.cancel != nil {
		c.cancel()
	}
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client closing")
	}
	return nil
}

func (c *WSClient) dial(ctx context.Context) (*websocket.Conn, error) {
	wsURL, err := c.buildWSURL()
	if err != nil {
		return nil, fmt.Errorf("build websocket url: %w", err)
	}
	conn, resp, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket dial: %w", &APIError{Status: resp.StatusCode, Message: err.Error()})
		}
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	return conn, nil
}

func (c *WSClient) setConn(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
}

func (c *WSClient) buildWSURL() (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", err
	}

	// Convert http(s) to ws(s)
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = "/ws/events"

	q := u.Query()
	if c.project != "" {
		q.Set("project", c.project)
	}
	if c.agentID != "" {
		q.Set("agent", c.agentID)
	}
	if c.action != "" {
		q.Set("action", string(c.action))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *WSClient) readLoop(ctx context.Context) {
	defer close(c.done)
	for {
		c.mu.RLock()
		conn := c.conn
		c.mu.RUnlock()
		if conn == nil {
			return
		}

		var msg FeedMessage
		err := wsjson.Read(ctx, conn, &msg)
		if err == nil {
			c.dispatch(msg)
			continue
		}
		if ctx.Err() != nil || !c.reconnect {
			return
		}
		var closeErr websocket.CloseError
		if errors.As(err, &closeErr) && closeErr.Code == websocket.StatusNormalClosure {
			return
		}
		next, ok := c.redial(ctx)
		if !ok {
			return
		}
		if ctx.Err() != nil {
			next.Close(websocket.StatusNormalClosure, "client closing")
			return
		}
		c.setConn(next)
	}
}

func (c *WSClient) dispatch(msg FeedMessage) {
	c.mu.RLock()
	handlers := make([]EventHandler, len(c.handlers))
	copy(handlers, c.handlers)
	c.mu.RUnlock()

	for _, h := range handlers {
		h(msg)
	}
}

func (c *WSClient) redial(ctx context.Context) (*websocket.Conn, bool) {
	backoff := 1 * time.Second
	maxBackoff := 30 * time.Second

	for {
		select {
		case <-ctx.Done():
			return nil, false
		case <-time.After(backoff):
		}

		conn, err := c.dial(ctx)
		if err == nil {
			return conn, true
		}

		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}
