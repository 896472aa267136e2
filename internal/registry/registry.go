// Package registry tracks the agents of a namespace and classifies them as
// live or stale.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/mistakeknot/interlock/internal/audit"
	"github.com/mistakeknot/interlock/internal/core"
	"github.com/mistakeknot/interlock/internal/storage"
)

// DefaultStaleAfter is how long an agent may go without a heartbeat before
// it is considered stale.
const DefaultStaleAfter = 2 * time.Minute

// Registry is not safe for concurrent use; callers hold the namespace
// critical section.
type Registry struct {
	store      storage.AgentStore
	rec        audit.Recorder
	staleAfter time.Duration
}

func New(store storage.AgentStore, rec audit.Recorder, staleAfter time.Duration) *Registry {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	return &Registry{store: store, rec: rec, staleAfter: staleAfter}
}

// Register upserts id. Capabilities are replaced, never merged.
func (r *Registry) Register(ctx context.Context, now time.Time, id string, capabilities []string) (core.RegisterResult, error) {
	if strings.TrimSpace(id) == "" {
		return core.RegisterResult{}, core.Invalidf("agent id required")
	}
	agent := core.Agent{
		ID:           id,
		Capabilities: core.NormalizeCapabilities(capabilities),
		Status:       core.AgentActive,
		LastSeen:     now,
		RegisteredAt: now,
	}
	if prev, err := r.store.GetAgent(ctx, id); err == nil {
		agent.CurrentTask = prev.CurrentTask
	} else if !errors.Is(err, core.ErrNotFound) {
		return core.RegisterResult{}, fmt.Errorf("load agent: %w", err)
	}
	if err := r.store.PutAgent(ctx, agent); err != nil {
		return core.RegisterResult{}, fmt.Errorf("store agent: %w", err)
	}
	if _, err := r.rec.Record(ctx, core.Event{
		TS:      now,
		Agent:   id,
		Action:  core.ActionRegistered,
		Details: strings.Join(agent.Capabilities, ","),
	}); err != nil {
		return core.RegisterResult{}, err
	}
	return core.RegisterResult{ID: id, RegisteredAt: now, Capabilities: agent.Capabilities}, nil
}

// Touch records a heartbeat from id. An empty status and a nil task leave
// the stored values unchanged.
func (r *Registry) Touch(ctx context.Context, now time.Time, id string, status core.AgentStatus, task *string) (core.Agent, error) {
	if id == "" {
		return core.Agent{}, core.Invalidf("agent id required")
	}
	if status != "" && !status.Valid() {
		return core.Agent{}, core.Invalidf("status must be active, busy or idle, got %q", status)
	}
	agent, err := r.store.GetAgent(ctx, id)
	if errors.Is(err, core.ErrNotFound) {
		return core.Agent{}, fmt.Errorf("%w: %s", core.ErrAgentNotRegistered, id)
	}
	if err != nil {
		return core.Agent{}, fmt.Errorf("load agent: %w", err)
	}
	agent.LastSeen = now
	if status != "" {
		agent.Status = status
	}
	if task != nil {
		agent.CurrentTask = *task
	}
	if err := r.store.PutAgent(ctx, agent); err != nil {
		return core.Agent{}, fmt.Errorf("store agent: %w", err)
	}
	return agent, nil
}

func (r *Registry) List(ctx context.Context) ([]core.Agent, error) {
	agents, err := r.store.ListAgents(ctx)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	if agents == nil {
		agents = []core.Agent{}
	}
	return agents, nil
}

// Stale returns the sorted ids of agents stale at now, excluding exclude.
func (r *Registry) Stale(ctx context.Context, now time.Time, exclude string) ([]string, error) {
	agents, err := r.List(ctx)
	if err != nil {
		return nil, err
	}
	return StaleIDs(agents, now, r.staleAfter, exclude), nil
}

func StaleIDs(agents []core.Agent, now time.Time, after time.Duration, exclude string) []string {
	out := make([]string, 0)
	for _, a := range agents {
		if a.ID == exclude {
			continue
		}
		if a.Stale(now, after) {
			out = append(out, a.ID)
		}
	}
	sort.Strings(out)
	return out
}
