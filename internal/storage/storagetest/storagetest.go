// Package storagetest is a conformance suite run against every
// storage.Namespace backend.
package storagetest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mistakeknot/interlock/internal/core"
	"github.com/mistakeknot/interlock/internal/storage"
)

// Factory returns a fresh, empty namespace.
type Factory func(t *testing.T) storage.Namespace

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// Run executes the suite against the namespaces produced by newNS.
func Run(t *testing.T, newNS Factory) {
	t.Run("LeaseRoundTrip", func(t *testing.T) { testLeaseRoundTrip(t, newNS(t)) })
	t.Run("LeaseUpsertAndDelete", func(t *testing.T) { testLeaseUpsertAndDelete(t, newNS(t)) })
	t.Run("AgentRoundTrip", func(t *testing.T) { testAgentRoundTrip(t, newNS(t)) })
	t.Run("EventsNewestFirst", func(t *testing.T) { testEventsNewestFirst(t, newNS(t)) })
	t.Run("EventsFilteredCount", func(t *testing.T) { testEventsFilteredCount(t, newNS(t)) })
}

func testLeaseRoundTrip(t *testing.T, ns storage.Namespace) {
	ctx := context.Background()

	_, err := ns.GetLease(ctx, "src/a.go")
	require.ErrorIs(t, err, core.ErrNotFound)

	in := core.Lease{
		Resource:   "src/a.go",
		Owner:      "agent-1",
		AcquiredAt: base,
		ExpiresAt:  base.Add(10 * time.Minute),
		Reason:     "refactor",
	}
	require.NoError(t, ns.PutLease(ctx, in))

	got, err := ns.GetLease(ctx, "src/a.go")
	require.NoError(t, err)
	assert.Equal(t, in.Owner, got.Owner)
	assert.Equal(t, in.Reason, got.Reason)
	assert.True(t, in.AcquiredAt.Equal(got.AcquiredAt), "acquired_at %v != %v", got.AcquiredAt, in.AcquiredAt)
	assert.True(t, in.ExpiresAt.Equal(got.ExpiresAt), "expires_at %v != %v", got.ExpiresAt, in.ExpiresAt)
}

func testLeaseUpsertAndDelete(t *testing.T, ns storage.Namespace) {
	ctx := context.Background()

	for _, r := range []string{"b", "a", "c"} {
		require.NoError(t, ns.PutLease(ctx, core.Lease{Resource: r, Owner: "x", AcquiredAt: base, ExpiresAt: base.Add(time.Minute)}))
	}
	require.NoError(t, ns.PutLease(ctx, core.Lease{Resource: "a", Owner: "y", AcquiredAt: base, ExpiresAt: base.Add(time.Hour)}))

	leases, err := ns.ListLeases(ctx)
	require.NoError(t, err)
	require.Len(t, leases, 3)
	assert.Equal(t, []string{"a", "b", "c"}, []string{leases[0].Resource, leases[1].Resource, leases[2].Resource})
	assert.Equal(t, "y", leases[0].Owner)

	require.NoError(t, ns.DeleteLease(ctx, "b"))
	require.NoError(t, ns.DeleteLease(ctx, "missing"))

	leases, err = ns.ListLeases(ctx)
	require.NoError(t, err)
	assert.Len(t, leases, 2)
}

func testAgentRoundTrip(t *testing.T, ns storage.Namespace) {
	ctx := context.Background()

	_, err := ns.GetAgent(ctx, "nobody")
	require.ErrorIs(t, err, core.ErrNotFound)

	in := core.Agent{
		ID:           "agent-1",
		Capabilities: []string{"go", "review"},
		Status:       core.AgentBusy,
		LastSeen:     base.Add(time.Minute),
		CurrentTask:  "T-12",
		RegisteredAt: base,
	}
	require.NoError(t, ns.PutAgent(ctx, in))
	require.NoError(t, ns.PutAgent(ctx, core.Agent{ID: "agent-0", Capabilities: []string{}, Status: core.AgentIdle, LastSeen: base, RegisteredAt: base}))

	got, err := ns.GetAgent(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, in.Capabilities, got.Capabilities)
	assert.Equal(t, in.Status, got.Status)
	assert.Equal(t, in.CurrentTask, got.CurrentTask)
	assert.True(t, in.LastSeen.Equal(got.LastSeen))
	assert.True(t, in.RegisteredAt.Equal(got.RegisteredAt))

	agents, err := ns.ListAgents(ctx)
	require.NoError(t, err)
	require.Len(t, agents, 2)
	assert.Equal(t, "agent-0", agents[0].ID)
	assert.Equal(t, "agent-1", agents[1].ID)
}

func appendN(t *testing.T, ns storage.Namespace, n int, agent string, action core.Action) {
	t.Helper()
	for i := 0; i < n; i++ {
		ev := core.Event{
			ID:       fmt.Sprintf("%s-%s-%d", agent, action, i),
			TS:       base.Add(time.Duration(i) * time.Second),
			Agent:    agent,
			Action:   action,
			Resource: fmt.Sprintf("r%d", i),
		}
		require.NoError(t, ns.AppendEvent(context.Background(), ev))
	}
}

func testEventsNewestFirst(t *testing.T, ns storage.Namespace) {
	ctx := context.Background()

	events, total, err := ns.QueryEvents(ctx, core.EventFilter{}, 0)
	require.NoError(t, err)
	assert.Empty(t, events)
	assert.Zero(t, total)

	appendN(t, ns, 5, "a", core.ActionLockAcquired)

	events, total, err = ns.QueryEvents(ctx, core.EventFilter{}, 2)
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	require.Len(t, events, 2)
	assert.Equal(t, "r4", events[0].Resource)
	assert.Equal(t, "r3", events[1].Resource)

	events, _, err = ns.QueryEvents(ctx, core.EventFilter{}, 0)
	require.NoError(t, err)
	assert.Len(t, events, 5)
}

func testEventsFilteredCount(t *testing.T, ns storage.Namespace) {
	ctx := context.Background()

	appendN(t, ns, 3, "a", core.ActionLockAcquired)
	appendN(t, ns, 4, "b", core.ActionLockAcquired)
	appendN(t, ns, 2, "b", core.ActionLockDenied)

	events, total, err := ns.QueryEvents(ctx, core.EventFilter{Agent: "b"}, 1)
	require.NoError(t, err)
	assert.Equal(t, 6, total)
	require.Len(t, events, 1)
	assert.Equal(t, core.ActionLockDenied, events[0].Action)

	events, total, err = ns.QueryEvents(ctx, core.EventFilter{Agent: "b", Action: core.ActionLockAcquired}, 10)
	require.NoError(t, err)
	assert.Equal(t, 4, total)
	assert.Len(t, events, 4)
	for _, ev := range events {
		assert.Equal(t, "b", ev.Agent)
		assert.Equal(t, core.ActionLockAcquired, ev.Action)
	}
}
