// Package audit records and queries the append-only event trail of a
// namespace.
package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mistakeknot/interlock/internal/core"
	"github.com/mistakeknot/interlock/internal/storage"
)

const (
	DefaultLimit = 50
	MaxLimit     = 1000
)

// Recorder appends one event and returns it as stored.
type Recorder interface {
	Record(ctx context.Context, ev core.Event) (core.Event, error)
}

type Log struct {
	store        storage.EventStore
	nowFunc      func() time.Time
	defaultLimit int
	maxLimit     int
}

type Option func(*Log)

// WithClock overrides the timestamp source for events recorded without one.
func WithClock(now func() time.Time) Option {
	return func(l *Log) { l.nowFunc = now }
}

// WithLimits sets the page size used when none is requested and the clamp
// applied to larger requests. Non-positive values keep the defaults.
func WithLimits(defaultLimit, maxLimit int) Option {
	return func(l *Log) {
		if defaultLimit > 0 {
			l.defaultLimit = defaultLimit
		}
		if maxLimit > 0 {
			l.maxLimit = maxLimit
		}
	}
}

func New(store storage.EventStore, opts ...Option) *Log {
	l := &Log{
		store:        store,
		nowFunc:      time.Now,
		defaultLimit: DefaultLimit,
		maxLimit:     MaxLimit,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.defaultLimit > l.maxLimit {
		l.defaultLimit = l.maxLimit
	}
	return l
}

// Record assigns an id and, if missing, a timestamp, then appends ev.
func (l *Log) Record(ctx context.Context, ev core.Event) (core.Event, error) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.TS.IsZero() {
		ev.TS = l.nowFunc().UTC()
	}
	if err := l.store.AppendEvent(ctx, ev); err != nil {
		return core.Event{}, fmt.Errorf("append %s event: %w", ev.Action, err)
	}
	return ev, nil
}

// Limit resolves a requested page size against the configured bounds.
func (l *Log) Limit(requested int) int {
	switch {
	case requested <= 0:
		return l.defaultLimit
	case requested > l.maxLimit:
		return l.maxLimit
	default:
		return requested
	}
}

// Query returns matching events most-recent-first and the size of the full
// filtered set.
func (l *Log) Query(ctx context.Context, filter core.EventFilter, limit int) (core.LogResult, error) {
	if filter.Action != "" && !filter.Action.Valid() {
		return core.LogResult{}, core.Invalidf("unknown action %q", filter.Action)
	}
	events, total, err := l.store.QueryEvents(ctx, filter, l.Limit(limit))
	if err != nil {
		return core.LogResult{}, fmt.Errorf("query events: %w", err)
	}
	if events == nil {
		events = []core.Event{}
	}
	return core.LogResult{Events: events, TotalCount: total}, nil
}

// Capture forwards to a Recorder and keeps every event it recorded, so a
// caller can publish them once its critical section is over.
type Capture struct {
	inner  Recorder
	Events []core.Event
}

func NewCapture(inner Recorder) *Capture {
	return &Capture{inner: inner}
}

func (c *Capture) Record(ctx context.Context, ev core.Event) (core.Event, error) {
	ev, err := c.inner.Record(ctx, ev)
	if err != nil {
		return ev, err
	}
	c.Events = append(c.Events, ev)
	return ev, nil
}
