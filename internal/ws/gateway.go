// Package ws streams audit events to websocket subscribers, one feed per
// project.
package ws

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/mistakeknot/interlock/internal/core"
	"github.com/mistakeknot/interlock/internal/metrics"
)

const writeTimeout = 5 * time.Second

// Message is the frame written to subscribers.
type Message struct {
	Project string     `json:"project"`
	Event   core.Event `json:"event"`
}

// ProjectFunc canonicalizes a requested project id, failing with an error
// wrapping core.ErrProjectNotFound for unknown ones.
type ProjectFunc func(project string) (string, error)

type subscriber struct {
	agent  string
	action core.Action
}

type Hub struct {
	mu      sync.RWMutex
	conns   map[string]map[*websocket.Conn]subscriber
	project ProjectFunc
	metrics *metrics.Metrics
}

type Option func(*Hub)

// WithProjects validates and canonicalizes the ?project= parameter.
func WithProjects(fn ProjectFunc) Option {
	return func(h *Hub) { h.project = fn }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(h *Hub) { h.metrics = m }
}

func NewHub(opts ...Option) *Hub {
	h := &Hub{conns: make(map[string]map[*websocket.Conn]subscriber)}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Handler serves GET /ws/events?project=&agent=&action=.
func (h *Hub) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		project := strings.TrimSpace(q.Get("project"))
		if h.project != nil {
			canonical, err := h.project(project)
			if err != nil {
				status := http.StatusInternalServerError
				if errors.Is(err, core.ErrProjectNotFound) {
					status = http.StatusNotFound
				}
				http.Error(w, err.Error(), status)
				return
			}
			project = canonical
		}
		if project == "" {
			http.Error(w, "project required", http.StatusBadRequest)
			return
		}
		sub := subscriber{agent: strings.TrimSpace(q.Get("agent")), action: core.Action(q.Get("action"))}
		if sub.action != "" && !sub.action.Valid() {
			http.Error(w, "unknown action", http.StatusBadRequest)
			return
		}

		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}

		h.add(project, conn, sub)
		defer h.remove(project, conn)
		log.Debug().Str("project", project).Str("agent", sub.agent).Msg("ws subscriber connected")

		// the feed is one-way; reading only detects the client going away
		ctx := r.Context()
		for {
			var v any
			if err := wsjson.Read(ctx, conn, &v); err != nil {
				return
			}
		}
	}
}

type connEntry struct {
	conn    *websocket.Conn
	project string
}

// Broadcast implements coord.Broadcaster.
func (h *Hub) Broadcast(project string, ev core.Event) {
	entries := h.snapshot(project, ev)
	if len(entries) == 0 {
		return
	}
	msg := Message{Project: project, Event: ev}
	for _, e := range entries {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		err := wsjson.Write(ctx, e.conn, msg)
		cancel()
		if err != nil {
			go func(e connEntry) {
				e.conn.Close(websocket.StatusGoingAway, "write error")
				h.remove(e.project, e.conn)
			}(e)
		}
	}
}

// Clients returns the number of connected subscribers.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.countLocked()
}

func (h *Hub) countLocked() int {
	n := 0
	for _, conns := range h.conns {
		n += len(conns)
	}
	return n
}

func (h *Hub) snapshot(project string, ev core.Event) []connEntry {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []connEntry
	for conn, sub := range h.conns[project] {
		if sub.agent != "" && sub.agent != ev.Agent {
			continue
		}
		if sub.action != "" && sub.action != ev.Action {
			continue
		}
		out = append(out, connEntry{conn: conn, project: project})
	}
	return out
}

func (h *Hub) add(project string, conn *websocket.Conn, sub subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	perProject, ok := h.conns[project]
	if !ok {
		perProject = make(map[*websocket.Conn]subscriber)
		h.conns[project] = perProject
	}
	perProject[conn] = sub
	h.metrics.SetWSClients(h.countLocked())
}

func (h *Hub) remove(project string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	perProject, ok := h.conns[project]
	if !ok {
		return
	}
	delete(perProject, conn)
	if len(perProject) == 0 {
		delete(h.conns, project)
	}
	h.metrics.SetWSClients(h.countLocked())
}
