package ws

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/mistakeknot/interlock/internal/coord"
	"github.com/mistakeknot/interlock/internal/core"
	"github.com/mistakeknot/interlock/internal/metrics"
	"github.com/mistakeknot/interlock/internal/project"
	"github.com/mistakeknot/interlock/internal/storage"
)

type fixture struct {
	hub *Hub
	svc *coord.Service
	srv *httptest.Server
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	resolver := project.NewStatic(map[string]string{"demo": "/mem/demo", "other": "/mem/other"}, "demo")
	var svc *coord.Service
	hub := NewHub(append([]Option{WithProjects(func(id string) (string, error) { return svc.ResolveProject(id) })}, opts...)...)
	svc, err := coord.New(resolver, storage.MemoryOpener(), coord.WithBroadcaster(hub))
	require.NoError(t, err)
	t.Cleanup(func() { svc.Close() })

	mux := http.NewServeMux()
	mux.Handle("/ws/events", hub.Handler())
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return &fixture{hub: hub, svc: svc, srv: srv}
}

func (f *fixture) dial(t *testing.T, query string) *websocket.Conn {
	t.Helper()
	before := f.hub.Clients()
	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/ws/events?" + query
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	require.Eventually(t, func() bool { return f.hub.Clients() == before+1 }, 2*time.Second, 5*time.Millisecond)
	return conn
}

func read(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var msg Message
	require.NoError(t, wsjson.Read(ctx, conn, &msg))
	return msg
}

func TestBroadcastReachesProjectSubscribers(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t, "project=demo")
	ctx := context.Background()

	_, err := f.svc.Register(ctx, core.RegisterRequest{Project: "demo", AgentID: "a"})
	require.NoError(t, err)
	_, err = f.svc.Lock(ctx, core.LockRequest{Project: "demo", AgentID: "a", Resource: "x.go", Reason: "edit"})
	require.NoError(t, err)

	msg := read(t, conn)
	assert.Equal(t, "demo", msg.Project)
	assert.Equal(t, core.ActionRegistered, msg.Event.Action)

	msg = read(t, conn)
	assert.Equal(t, core.ActionLockAcquired, msg.Event.Action)
	assert.Equal(t, "x.go", msg.Event.Resource)
	assert.Equal(t, "edit", msg.Event.Reason)
	assert.NotEmpty(t, msg.Event.ID)
}

func TestBroadcastIsProjectScoped(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t, "project=demo")
	ctx := context.Background()

	_, err := f.svc.Register(ctx, core.RegisterRequest{Project: "other", AgentID: "b"})
	require.NoError(t, err)
	// default project: the empty id is canonicalized before broadcasting
	_, err = f.svc.Register(ctx, core.RegisterRequest{AgentID: "a"})
	require.NoError(t, err)

	msg := read(t, conn)
	assert.Equal(t, "demo", msg.Project)
	assert.Equal(t, "a", msg.Event.Agent)
}

func TestAgentAndActionFilters(t *testing.T) {
	f := newFixture(t)
	byAgent := f.dial(t, "project=demo&agent=b")
	byAction := f.dial(t, "action=lock_denied")
	ctx := context.Background()

	for _, id := range []string{"a", "b"} {
		_, err := f.svc.Register(ctx, core.RegisterRequest{Project: "demo", AgentID: id})
		require.NoError(t, err)
	}
	_, err := f.svc.Lock(ctx, core.LockRequest{Project: "demo", AgentID: "a", Resource: "x.go"})
	require.NoError(t, err)
	res, err := f.svc.Lock(ctx, core.LockRequest{Project: "demo", AgentID: "b", Resource: "x.go"})
	require.NoError(t, err)
	require.False(t, res.Acquired)

	msg := read(t, byAgent)
	assert.Equal(t, core.ActionRegistered, msg.Event.Action)
	assert.Equal(t, "b", msg.Event.Agent)
	msg = read(t, byAgent)
	assert.Equal(t, core.ActionLockDenied, msg.Event.Action)
	assert.Equal(t, "held by a", msg.Event.Details)

	msg = read(t, byAction)
	assert.Equal(t, core.ActionLockDenied, msg.Event.Action)
	assert.Equal(t, "demo", msg.Project)
}

func TestHandlerRejectsBadRequests(t *testing.T) {
	f := newFixture(t)
	cases := []struct {
		query string
		want  int
	}{
		{"project=nope", http.StatusNotFound},
		{"project=demo&action=bogus", http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.query, func(t *testing.T) {
			resp, err := http.Get(f.srv.URL + "/ws/events?" + tc.query)
			require.NoError(t, err)
			resp.Body.Close()
			assert.Equal(t, tc.want, resp.StatusCode)
		})
	}
}

func TestHubWithoutResolverRequiresProject(t *testing.T) {
	hub := NewHub()
	srv := httptest.NewServer(hub.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestClientGaugeTracksConnections(t *testing.T) {
	reg := prometheus.NewRegistry()
	f := newFixture(t, WithMetrics(metrics.New(reg)))
	conn := f.dial(t, "project=demo")

	gauge := func() float64 {
		families, err := reg.Gather()
		require.NoError(t, err)
		for _, fam := range families {
			if fam.GetName() == "interlock_ws_clients" {
				return fam.GetMetric()[0].GetGauge().GetValue()
			}
		}
		return -1
	}
	assert.Equal(t, float64(1), gauge())

	conn.Close(websocket.StatusNormalClosure, "")
	require.Eventually(t, func() bool { return f.hub.Clients() == 0 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, float64(0), gauge())
}

func TestBroadcastWithoutSubscribers(t *testing.T) {
	hub := NewHub()
	hub.Broadcast("demo", core.Event{Action: core.ActionRegistered})
	assert.Equal(t, 0, hub.Clients())
}
