package coord

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mistakeknot/interlock/internal/core"
)

func TestSweeperReapsAllProjects(t *testing.T) {
	ctx := context.Background()
	svc, clk := newService(t)

	for _, p := range []string{proj, "other"} {
		_, err := svc.Register(ctx, core.RegisterRequest{Project: p, AgentID: "gone"})
		require.NoError(t, err)
		res, err := svc.Lock(ctx, core.LockRequest{Project: p, AgentID: "gone", Resource: "f.go"})
		require.NoError(t, err)
		require.True(t, res.Acquired)
	}
	clk.Advance(10 * time.Minute)

	sw := NewSweeper(svc, time.Hour)
	sw.Start(ctx)
	// the startup sweep runs before the first tick
	require.Eventually(t, func() bool {
		for _, p := range []string{proj, "other"} {
			st, err := svc.Status(ctx, p)
			if err != nil || len(st.Locks) != 0 {
				return false
			}
		}
		return true
	}, 2*time.Second, 10*time.Millisecond)
	sw.Stop()

	res, err := svc.Log(ctx, core.LogRequest{Project: "other", Action: core.ActionLockExpiredStale})
	require.NoError(t, err)
	assert.Equal(t, 1, res.TotalCount)
}

func TestSweeperRunReturnsOnCancel(t *testing.T) {
	svc, _ := newService(t)
	sw := NewSweeper(svc, 5*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- sw.Run(ctx) }()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("sweeper did not stop")
	}
}

func TestSweeperStopWithoutStart(t *testing.T) {
	svc, _ := newService(t)
	sw := NewSweeper(svc, time.Hour)

	stopped := make(chan struct{})
	go func() {
		sw.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop blocked on a sweeper that never started")
	}
}
