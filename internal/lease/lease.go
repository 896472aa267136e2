// Package lease implements the lock table of a namespace: time-bounded,
// exclusive, fail-loud claims on resource keys.
package lease

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mistakeknot/interlock/internal/audit"
	"github.com/mistakeknot/interlock/internal/core"
	"github.com/mistakeknot/interlock/internal/storage"
)

// DefaultTTL is how long a lease lives without being refreshed.
const DefaultTTL = 10 * time.Minute

// Table operates on one namespace's leases. It is not safe for concurrent
// use; callers hold the namespace critical section.
type Table struct {
	store storage.LeaseStore
	rec   audit.Recorder
	ttl   time.Duration
}

func New(store storage.LeaseStore, rec audit.Recorder, ttl time.Duration) *Table {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Table{store: store, rec: rec, ttl: ttl}
}

// Acquire claims resource for owner. A conflict is reported in the result,
// never as an error, and never waits.
func (t *Table) Acquire(ctx context.Context, now time.Time, resource, owner, reason string) (core.LockResult, error) {
	if owner == "" {
		return core.LockResult{}, core.Invalidf("agent id required")
	}
	if resource == "" {
		return core.LockResult{}, core.Invalidf("resource required")
	}
	if _, err := t.Sweep(ctx, now); err != nil {
		return core.LockResult{}, err
	}

	current, err := t.store.GetLease(ctx, resource)
	switch {
	case errors.Is(err, core.ErrNotFound):
		l := core.Lease{
			Resource:   resource,
			Owner:      owner,
			AcquiredAt: now,
			ExpiresAt:  now.Add(t.ttl),
			Reason:     reason,
		}
		if err := t.store.PutLease(ctx, l); err != nil {
			return core.LockResult{}, fmt.Errorf("store lease: %w", err)
		}
		if _, err := t.rec.Record(ctx, core.Event{TS: now, Agent: owner, Action: core.ActionLockAcquired, Resource: resource, Reason: reason}); err != nil {
			return core.LockResult{}, err
		}
		return granted(l), nil

	case err != nil:
		return core.LockResult{}, fmt.Errorf("load lease: %w", err)

	case current.Owner == owner:
		current.ExpiresAt = now.Add(t.ttl)
		if reason != "" {
			current.Reason = reason
		}
		if err := t.store.PutLease(ctx, current); err != nil {
			return core.LockResult{}, fmt.Errorf("refresh lease: %w", err)
		}
		if _, err := t.rec.Record(ctx, core.Event{TS: now, Agent: owner, Action: core.ActionLockAcquired, Resource: resource, Reason: reason, Details: "refreshed"}); err != nil {
			return core.LockResult{}, err
		}
		return granted(current), nil

	default:
		if _, err := t.rec.Record(ctx, core.Event{
			TS:       now,
			Agent:    owner,
			Action:   core.ActionLockDenied,
			Resource: resource,
			Reason:   reason,
			Details:  "held by " + current.Owner,
		}); err != nil {
			return core.LockResult{}, err
		}
		heldSince, expiresAt := current.AcquiredAt, current.ExpiresAt
		return core.LockResult{
			Acquired:  false,
			Resource:  resource,
			Holder:    current.Owner,
			HeldSince: &heldSince,
			ExpiresAt: &expiresAt,
		}, nil
	}
}

func granted(l core.Lease) core.LockResult {
	heldSince, expiresAt := l.AcquiredAt, l.ExpiresAt
	return core.LockResult{
		Acquired:  true,
		Resource:  l.Resource,
		Holder:    l.Owner,
		HeldSince: &heldSince,
		ExpiresAt: &expiresAt,
	}
}

// Release gives up owner's lease on resource. Releasing an unheld resource
// succeeds without recording anything; releasing someone else's lease
// returns a *core.LockHeldError and changes nothing.
func (t *Table) Release(ctx context.Context, now time.Time, resource, owner string) (core.UnlockResult, error) {
	if owner == "" {
		return core.UnlockResult{}, core.Invalidf("agent id required")
	}
	if resource == "" {
		return core.UnlockResult{}, core.Invalidf("resource required")
	}
	if _, err := t.Sweep(ctx, now); err != nil {
		return core.UnlockResult{}, err
	}

	current, err := t.store.GetLease(ctx, resource)
	if errors.Is(err, core.ErrNotFound) {
		return core.UnlockResult{Released: true, Resource: resource}, nil
	}
	if err != nil {
		return core.UnlockResult{}, fmt.Errorf("load lease: %w", err)
	}
	if current.Owner != owner {
		log.Warn().Str("resource", resource).Str("agent", owner).Str("holder", current.Owner).Msg("unlock refused")
		return core.UnlockResult{}, &core.LockHeldError{Resource: resource, Holder: current.Owner}
	}

	if err := t.store.DeleteLease(ctx, resource); err != nil {
		return core.UnlockResult{}, fmt.Errorf("delete lease: %w", err)
	}
	if _, err := t.rec.Record(ctx, core.Event{TS: now, Agent: owner, Action: core.ActionLockReleased, Resource: resource}); err != nil {
		return core.UnlockResult{}, err
	}
	return core.UnlockResult{Released: true, Resource: resource, WasHeldBy: owner}, nil
}

// Sweep removes every lease whose TTL has elapsed at now and records a
// lock_expired_timeout event for each, attributed to the former owner.
func (t *Table) Sweep(ctx context.Context, now time.Time) ([]core.Lease, error) {
	leases, err := t.store.ListLeases(ctx)
	if err != nil {
		return nil, fmt.Errorf("list leases: %w", err)
	}
	var expired []core.Lease
	for _, l := range leases {
		if !l.Expired(now) {
			continue
		}
		if err := t.store.DeleteLease(ctx, l.Resource); err != nil {
			return expired, fmt.Errorf("delete expired lease: %w", err)
		}
		if _, err := t.rec.Record(ctx, core.Event{
			TS:       now,
			Agent:    l.Owner,
			Action:   core.ActionLockExpiredTimeout,
			Resource: l.Resource,
			Details:  "expired at " + l.ExpiresAt.UTC().Format(time.RFC3339),
		}); err != nil {
			return expired, err
		}
		expired = append(expired, l)
	}
	return expired, nil
}

// RevokeOwner removes every lease held by owner and records a
// lock_expired_stale event for each.
func (t *Table) RevokeOwner(ctx context.Context, now time.Time, owner string) ([]core.Lease, error) {
	leases, err := t.store.ListLeases(ctx)
	if err != nil {
		return nil, fmt.Errorf("list leases: %w", err)
	}
	var revoked []core.Lease
	for _, l := range leases {
		if l.Owner != owner {
			continue
		}
		if err := t.store.DeleteLease(ctx, l.Resource); err != nil {
			return revoked, fmt.Errorf("revoke lease: %w", err)
		}
		if _, err := t.rec.Record(ctx, core.Event{
			TS:       now,
			Agent:    owner,
			Action:   core.ActionLockExpiredStale,
			Resource: l.Resource,
			Details:  "owner stale",
		}); err != nil {
			return revoked, err
		}
		revoked = append(revoked, l)
	}
	return revoked, nil
}

// Active returns the leases live at now, sorted by resource. Expired leases
// are filtered out without being removed.
func (t *Table) Active(ctx context.Context, now time.Time) ([]core.Lease, error) {
	leases, err := t.store.ListLeases(ctx)
	if err != nil {
		return nil, fmt.Errorf("list leases: %w", err)
	}
	out := make([]core.Lease, 0, len(leases))
	for _, l := range leases {
		if !l.Expired(now) {
			out = append(out, l)
		}
	}
	return out, nil
}
