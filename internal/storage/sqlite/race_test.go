package sqlite

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mistakeknot/interlock/internal/core"
)

// newRaceStore creates a file-backed SQLite store wrapped for resilience,
// suitable for concurrent access from multiple goroutines.
// In-memory ":memory:" is not used because it hides WAL behaviour.
func newRaceStore(t *testing.T) *ResilientStore {
	t.Helper()
	st, err := New(filepath.Join(t.TempDir(), "race.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return NewResilient(st)
}

// TestConcurrentAppendEvent verifies that concurrent event appends don't race.
// 10 goroutines each append 10 events; all 100 should be readable.
func TestConcurrentAppendEvent(t *testing.T) {
	st := newRaceStore(t)
	ctx := context.Background()
	const workers = 10
	const eventsPerWorker = 10

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			for j := 0; j < eventsPerWorker; j++ {
				err := st.AppendEvent(ctx, core.Event{
					ID:       fmt.Sprintf("ev-%d-%d", workerID, j),
					TS:       time.Now().UTC(),
					Agent:    fmt.Sprintf("worker-%d", workerID),
					Action:   core.ActionLockAcquired,
					Resource: fmt.Sprintf("file-%d-%d", workerID, j),
				})
				if err != nil {
					t.Errorf("worker %d event %d: %v", workerID, j, err)
				}
			}
		}(i)
	}
	wg.Wait()

	_, total, err := st.QueryEvents(ctx, core.EventFilter{}, 1)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if total != workers*eventsPerWorker {
		t.Fatalf("expected %d events, got %d", workers*eventsPerWorker, total)
	}
}

// TestConcurrentLeaseWrites hammers one resource row from many goroutines;
// the table must end with exactly one row for it.
func TestConcurrentLeaseWrites(t *testing.T) {
	st := newRaceStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	var (
		wg       sync.WaitGroup
		failures int32
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := st.PutLease(ctx, core.Lease{
				Resource:   "shared.go",
				Owner:      fmt.Sprintf("agent-%d", i),
				AcquiredAt: now,
				ExpiresAt:  now.Add(time.Minute),
			})
			if err != nil {
				atomic.AddInt32(&failures, 1)
			}
		}(i)
	}
	wg.Wait()

	if failures != 0 {
		t.Fatalf("expected no write failures, got %d", failures)
	}
	leases, err := st.ListLeases(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(leases) != 1 {
		t.Fatalf("expected exactly one lease row, got %d", len(leases))
	}
}
