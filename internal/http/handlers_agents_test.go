package httpapi

import (
	"net/http"
	"testing"
	"time"

	"github.com/mistakeknot/interlock/internal/core"
)

func TestRegisterAgent(t *testing.T) {
	env := newTestEnv(t)

	resp := env.post(t, "/api/agents", map[string]any{
		"project":      "demo",
		"agent_id":     "agent-a",
		"capabilities": []string{"go", "review", "go"},
	})
	requireStatus(t, resp, http.StatusOK)
	res := decodeJSON[core.RegisterResult](t, resp)
	if res.ID != "agent-a" {
		t.Fatalf("expected id agent-a, got %q", res.ID)
	}
	if len(res.Capabilities) != 2 || res.Capabilities[0] != "go" || res.Capabilities[1] != "review" {
		t.Fatalf("unexpected capabilities %v", res.Capabilities)
	}
	if !res.RegisteredAt.Equal(env.clock.Now()) {
		t.Fatalf("expected registered_at %v, got %v", env.clock.Now(), res.RegisteredAt)
	}
}

func TestRegisterAgentValidation(t *testing.T) {
	env := newTestEnv(t)

	resp := env.post(t, "/api/agents", map[string]any{"project": "demo", "agent_id": "  "})
	requireStatus(t, resp, http.StatusBadRequest)
	body := decodeJSON[errorResponse](t, resp)
	if body.Error != core.CodeInvalidArgument {
		t.Fatalf("expected %s, got %q", core.CodeInvalidArgument, body.Error)
	}

	resp = env.post(t, "/api/agents", map[string]any{"project": "missing", "agent_id": "a"})
	requireStatus(t, resp, http.StatusNotFound)
	body = decodeJSON[errorResponse](t, resp)
	if body.Error != core.CodeProjectNotFound {
		t.Fatalf("expected %s, got %q", core.CodeProjectNotFound, body.Error)
	}

	r, err := http.Get(env.srv.URL + "/api/agents")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	r.Body.Close()
	requireStatus(t, r, http.StatusMethodNotAllowed)
}

func TestAgentHeartbeat(t *testing.T) {
	env := newTestEnv(t)

	resp := env.post(t, "/api/agents/agent-a/heartbeat", map[string]any{"project": "demo"})
	requireStatus(t, resp, http.StatusNotFound)
	body := decodeJSON[errorResponse](t, resp)
	if body.Error != core.CodeAgentNotRegistered {
		t.Fatalf("expected %s, got %q", core.CodeAgentNotRegistered, body.Error)
	}

	resp = env.post(t, "/api/agents", map[string]any{"project": "demo", "agent_id": "agent-a"})
	requireStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	env.clock.Advance(30 * time.Second)
	task := "refactor parser"
	resp = env.post(t, "/api/agents/agent-a/heartbeat", map[string]any{
		"project":      "demo",
		"status":       "busy",
		"current_task": task,
	})
	requireStatus(t, resp, http.StatusOK)
	hb := decodeJSON[core.HeartbeatResult](t, resp)
	if hb.ID != "agent-a" || !hb.LastSeen.Equal(env.clock.Now()) {
		t.Fatalf("unexpected heartbeat result %+v", hb)
	}
	if len(hb.StaleAgents) != 0 || len(hb.ReleasedLocks) != 0 {
		t.Fatalf("expected nothing reaped, got %+v", hb)
	}

	resp = env.get(t, "/api/status?project=demo")
	requireStatus(t, resp, http.StatusOK)
	st := decodeJSON[core.StatusResult](t, resp)
	if len(st.Agents) != 1 || st.Agents[0].Status != core.AgentBusy || st.Agents[0].CurrentTask != task {
		t.Fatalf("unexpected agents %+v", st.Agents)
	}
}

func TestHeartbeatRejectsBadStatus(t *testing.T) {
	env := newTestEnv(t)
	resp := env.post(t, "/api/agents", map[string]any{"agent_id": "agent-a"})
	requireStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	resp = env.post(t, "/api/agents/agent-a/heartbeat", map[string]any{"status": "sleeping"})
	requireStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()
}

func TestUnknownAgentRoute(t *testing.T) {
	env := newTestEnv(t)
	resp := env.post(t, "/api/agents/agent-a/ping", map[string]any{})
	requireStatus(t, resp, http.StatusNotFound)
	resp.Body.Close()
}
