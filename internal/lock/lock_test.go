package lock

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestMutexMap_DifferentKeys(t *testing.T) {
	m := NewMutexMap()

	done := make(chan struct{})

	m.Lock("/ns/a")
	go func() {
		// another namespace must not wait on /ns/a
		m.Lock("/ns/b")
		m.Unlock("/ns/b")
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("lock on a different key blocked")
	}
	m.Unlock("/ns/a")
}

func TestMutexMap_Concurrent(t *testing.T) {
	m := NewMutexMap()
	var counter int64
	inside := int32(0)

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Lock("shared")
			if n := atomic.AddInt32(&inside, 1); n != 1 {
				t.Errorf("expected exclusive section, found %d holders", n)
			}
			counter++
			atomic.AddInt32(&inside, -1)
			m.Unlock("shared")
		}()
	}
	wg.Wait()

	if counter != 100 {
		t.Errorf("expected counter=100, got %d", counter)
	}
}

func TestFileLock_ExcludesSecondHolder(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".lock")

	first := NewFileLock(path)
	if err := first.Lock(context.Background()); err != nil {
		t.Fatalf("first lock: %v", err)
	}

	second := NewFileLock(path)
	if err := second.TryLock(); err == nil {
		t.Fatal("expected second TryLock to fail while first holds the lock")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if err := second.Lock(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}

	if err := first.Unlock(); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	if err := second.Lock(context.Background()); err != nil {
		t.Fatalf("second lock after release: %v", err)
	}
	if err := second.Unlock(); err != nil {
		t.Fatalf("second unlock: %v", err)
	}
}

func TestFileLock_UnlockWithoutLock(t *testing.T) {
	fl := NewFileLock(filepath.Join(t.TempDir(), ".lock"))
	if err := fl.Unlock(); !errors.Is(err, ErrNotHeld) {
		t.Fatalf("expected ErrNotHeld, got %v", err)
	}
}
