package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/mistakeknot/interlock/internal/coord"
	"github.com/mistakeknot/interlock/internal/project"
	"github.com/mistakeknot/interlock/internal/storage"
	"github.com/mistakeknot/interlock/internal/ws"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// testEnv bundles a coordinator + httptest.Server + ws.Hub for handler tests.
type testEnv struct {
	srv   *httptest.Server
	hub   *ws.Hub
	coord *coord.Service
	clock *testClock
}

func newTestEnv(t *testing.T, opts ...coord.Option) *testEnv {
	t.Helper()
	clk := &testClock{now: time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)}
	resolver := project.NewStatic(map[string]string{"demo": "/mem/demo", "other": "/mem/other"}, "demo")
	hub := ws.NewHub()
	opts = append([]coord.Option{coord.WithClock(clk.Now), coord.WithBroadcaster(hub)}, opts...)
	c, err := coord.New(resolver, storage.MemoryOpener(), opts...)
	if err != nil {
		t.Fatalf("coord: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	srv := httptest.NewServer(NewRouter(NewService(c), hub.Handler(), nil, LogRequests))
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, hub: hub, coord: c, clock: clk}
}

func (e *testEnv) post(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	buf, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := http.Post(e.srv.URL+path, "application/json", bytes.NewReader(buf))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	return resp
}

func (e *testEnv) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(e.srv.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	return resp
}

func decodeJSON[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return v
}

func requireStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		t.Fatalf("expected status %d, got %d", want, resp.StatusCode)
	}
}
