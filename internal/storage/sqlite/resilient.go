package sqlite

import (
	"context"
	"path/filepath"
	"time"

	"github.com/mistakeknot/interlock/internal/core"
	"github.com/mistakeknot/interlock/internal/storage"
)

// Compile-time interface check.
var (
	_ storage.Namespace = (*ResilientStore)(nil)
	_ storage.Locker    = (*ResilientStore)(nil)
)

// ResilientStore runs every *Store call through a CircuitBreaker and retries
// lock contention with RetryOnDBLock. An open breaker surfaces as
// core.ErrStorageUnavailable.
type ResilientStore struct {
	inner *Store
	cb    *CircuitBreaker
	retry RetryConfig
}

// NewResilient uses a breaker that opens after 5 failures for 30s.
func NewResilient(inner *Store) *ResilientStore {
	return NewResilientWithBreaker(inner, NewCircuitBreaker(5, 30*time.Second))
}

func NewResilientWithBreaker(inner *Store, cb *CircuitBreaker) *ResilientStore {
	return &ResilientStore{inner: inner, cb: cb, retry: DefaultRetryConfig()}
}

// CircuitBreakerState returns the current state of the circuit breaker as a string.
func (r *ResilientStore) CircuitBreakerState() string {
	return r.cb.State().String()
}

// Options configures namespaces handed out by Opener.
type Options struct {
	// FailOpen skips undecodable rows instead of returning
	// core.ErrStorageCorrupt.
	FailOpen bool
	// Retry overrides DefaultRetryConfig when MaxRetries is set.
	Retry RetryConfig
	// OnBreakerChange observes circuit breaker transitions per namespace root.
	OnBreakerChange func(root string, state BreakerState)
}

// Opener opens <root>/interlock.db for each namespace, wrapped in a
// ResilientStore.
func Opener(opts Options) storage.Opener {
	return func(root string) (storage.Namespace, error) {
		st, err := New(filepath.Join(root, DBFile))
		if err != nil {
			return nil, err
		}
		st.failOpen = opts.FailOpen
		rs := NewResilient(st)
		if opts.Retry.MaxRetries > 0 {
			rs.retry = opts.Retry
		}
		if opts.OnBreakerChange != nil {
			rs.cb.OnStateChange(func(s BreakerState) { opts.OnBreakerChange(root, s) })
		}
		return rs, nil
	}
}

func (r *ResilientStore) do(ctx context.Context, fn func() error) error {
	return r.cb.Execute(func() error {
		return RetryOnDBLock(ctx, r.retry, fn)
	})
}

// Lock and Unlock bypass the breaker: the file lock is not a database call.
func (r *ResilientStore) Lock(ctx context.Context) error { return r.inner.Lock(ctx) }

func (r *ResilientStore) Unlock() error { return r.inner.Unlock() }

func (r *ResilientStore) Close() error { return r.inner.Close() }

func (r *ResilientStore) ListLeases(ctx context.Context) ([]core.Lease, error) {
	var result []core.Lease
	err := r.do(ctx, func() error {
		var innerErr error
		result, innerErr = r.inner.ListLeases(ctx)
		return innerErr
	})
	return result, err
}

func (r *ResilientStore) GetLease(ctx context.Context, resource string) (core.Lease, error) {
	var result core.Lease
	err := r.do(ctx, func() error {
		var innerErr error
		result, innerErr = r.inner.GetLease(ctx, resource)
		return innerErr
	})
	return result, err
}

func (r *ResilientStore) PutLease(ctx context.Context, lease core.Lease) error {
	return r.do(ctx, func() error {
		return r.inner.PutLease(ctx, lease)
	})
}

func (r *ResilientStore) DeleteLease(ctx context.Context, resource string) error {
	return r.do(ctx, func() error {
		return r.inner.DeleteLease(ctx, resource)
	})
}

func (r *ResilientStore) ListAgents(ctx context.Context) ([]core.Agent, error) {
	var result []core.Agent
	err := r.do(ctx, func() error {
		var innerErr error
		result, innerErr = r.inner.ListAgents(ctx)
		return innerErr
	})
	return result, err
}

func (r *ResilientStore) GetAgent(ctx context.Context, id string) (core.Agent, error) {
	var result core.Agent
	err := r.do(ctx, func() error {
		var innerErr error
		result, innerErr = r.inner.GetAgent(ctx, id)
		return innerErr
	})
	return result, err
}

func (r *ResilientStore) PutAgent(ctx context.Context, agent core.Agent) error {
	return r.do(ctx, func() error {
		return r.inner.PutAgent(ctx, agent)
	})
}

func (r *ResilientStore) AppendEvent(ctx context.Context, ev core.Event) error {
	return r.do(ctx, func() error {
		return r.inner.AppendEvent(ctx, ev)
	})
}

func (r *ResilientStore) QueryEvents(ctx context.Context, filter core.EventFilter, limit int) ([]core.Event, int, error) {
	var (
		result []core.Event
		total  int
	)
	err := r.do(ctx, func() error {
		var innerErr error
		result, total, innerErr = r.inner.QueryEvents(ctx, filter, limit)
		return innerErr
	})
	return result, total, err
}
