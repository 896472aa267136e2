// Package coord is the coordination service: it binds project resolution to
// the lease table, agent registry and audit log of each namespace and runs
// every operation inside that namespace's single-writer critical section.
package coord

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog/log"

	"github.com/mistakeknot/interlock/internal/audit"
	"github.com/mistakeknot/interlock/internal/core"
	"github.com/mistakeknot/interlock/internal/lease"
	"github.com/mistakeknot/interlock/internal/lock"
	"github.com/mistakeknot/interlock/internal/metrics"
	"github.com/mistakeknot/interlock/internal/project"
	"github.com/mistakeknot/interlock/internal/registry"
	"github.com/mistakeknot/interlock/internal/storage"
)

// DefaultCacheSize bounds how many namespaces stay open at once.
const DefaultCacheSize = 64

// Broadcaster receives every recorded audit event after the operation that
// produced it has left its critical section.
type Broadcaster interface {
	Broadcast(project string, ev core.Event)
}

type Service struct {
	resolver project.Resolver
	open     storage.Opener

	locks  *lock.MutexMap
	openMu sync.Mutex
	cache  *lru.Cache[string, *namespace]

	nowFunc     func() time.Time
	leaseTTL    time.Duration
	staleAfter  time.Duration
	logLimit    int
	maxLogLimit int
	cacheSize   int

	bus     Broadcaster
	metrics *metrics.Metrics
}

type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.nowFunc = now }
}

func WithLeaseTTL(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.leaseTTL = d
		}
	}
}

func WithStaleAfter(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.staleAfter = d
		}
	}
}

// WithLogLimits sets the default page size of Log and the clamp applied to
// larger requests.
func WithLogLimits(defaultLimit, maxLimit int) Option {
	return func(s *Service) {
		if defaultLimit > 0 {
			s.logLimit = defaultLimit
		}
		if maxLimit > 0 {
			s.maxLogLimit = maxLimit
		}
	}
}

func WithCacheSize(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.cacheSize = n
		}
	}
}

func WithBroadcaster(b Broadcaster) Option {
	return func(s *Service) { s.bus = b }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

func New(resolver project.Resolver, open storage.Opener, opts ...Option) (*Service, error) {
	if resolver == nil {
		return nil, fmt.Errorf("project resolver required")
	}
	if open == nil {
		return nil, fmt.Errorf("storage opener required")
	}
	s := &Service{
		resolver:    resolver,
		open:        open,
		locks:       lock.NewMutexMap(),
		nowFunc:     time.Now,
		leaseTTL:    lease.DefaultTTL,
		staleAfter:  registry.DefaultStaleAfter,
		logLimit:    audit.DefaultLimit,
		maxLogLimit: audit.MaxLimit,
		cacheSize:   DefaultCacheSize,
	}
	for _, opt := range opts {
		opt(s)
	}
	cache, err := lru.NewWithEvict[string, *namespace](s.cacheSize, s.evict)
	if err != nil {
		return nil, fmt.Errorf("namespace cache: %w", err)
	}
	s.cache = cache
	return s, nil
}

// Projects lists every project the resolver knows.
func (s *Service) Projects() []string {
	return s.resolver.List()
}

// ResolveProject returns the canonical id of project, with the empty id
// mapped to the default, or an error wrapping core.ErrProjectNotFound.
func (s *Service) ResolveProject(id string) (string, error) {
	id = project.Canonical(s.resolver, id)
	if _, err := s.resolver.Resolve(id); err != nil {
		return "", err
	}
	return id, nil
}

// Close closes every open namespace.
func (s *Service) Close() error {
	s.cache.Purge()
	return nil
}

// agentID normalizes a declared agent id. Every operation goes through it so
// register, heartbeat, lock and unlock agree on identity.
func agentID(id string) string {
	return strings.TrimSpace(id)
}

func (s *Service) observe(op string, start time.Time, err error) {
	s.metrics.ObserveOp(op, core.ErrorCode(err), time.Since(start))
}

func (s *Service) Register(ctx context.Context, req core.RegisterRequest) (res core.RegisterResult, err error) {
	defer func(start time.Time) { s.observe("register", start, err) }(time.Now())

	sess, err := s.enter(ctx, req.Project)
	if err != nil {
		return core.RegisterResult{}, err
	}
	defer s.leave(sess)

	res, err = sess.agents.Register(ctx, sess.now, agentID(req.AgentID), req.Capabilities)
	if err != nil {
		return core.RegisterResult{}, err
	}
	log.Info().Str("project", sess.project).Str("agent", res.ID).Strs("capabilities", res.Capabilities).Msg("agent registered")
	return res, nil
}

// Heartbeat refreshes the caller and then reaps every other stale agent.
func (s *Service) Heartbeat(ctx context.Context, req core.HeartbeatRequest) (res core.HeartbeatResult, err error) {
	defer func(start time.Time) { s.observe("heartbeat", start, err) }(time.Now())

	sess, err := s.enter(ctx, req.Project)
	if err != nil {
		return core.HeartbeatResult{}, err
	}
	defer s.leave(sess)

	agent, err := sess.agents.Touch(ctx, sess.now, agentID(req.AgentID), req.Status, req.CurrentTask)
	if err != nil {
		return core.HeartbeatResult{}, err
	}
	reaped, err := s.reap(ctx, sess, agent.ID)
	if err != nil {
		return core.HeartbeatResult{}, err
	}
	return core.HeartbeatResult{
		ID:            agent.ID,
		LastSeen:      agent.LastSeen,
		StaleAgents:   reaped.StaleAgents,
		ReleasedLocks: reaped.ReleasedLocks,
	}, nil
}

func (s *Service) Lock(ctx context.Context, req core.LockRequest) (res core.LockResult, err error) {
	defer func(start time.Time) { s.observe("lock", start, err) }(time.Now())

	sess, err := s.enter(ctx, req.Project)
	if err != nil {
		return core.LockResult{}, err
	}
	defer s.leave(sess)

	owner := agentID(req.AgentID)
	res, err = sess.leases.Acquire(ctx, sess.now, req.Resource, owner, req.Reason)
	if err != nil {
		return core.LockResult{}, err
	}
	s.metrics.LockAttempt(res.Acquired)
	if res.Acquired {
		log.Debug().Str("project", sess.project).Str("agent", owner).Str("resource", req.Resource).Msg("lock acquired")
	} else {
		log.Info().Str("project", sess.project).Str("agent", owner).Str("resource", req.Resource).Str("holder", res.Holder).Msg("lock denied")
	}
	return res, nil
}

func (s *Service) Unlock(ctx context.Context, req core.UnlockRequest) (res core.UnlockResult, err error) {
	defer func(start time.Time) { s.observe("unlock", start, err) }(time.Now())

	sess, err := s.enter(ctx, req.Project)
	if err != nil {
		return core.UnlockResult{}, err
	}
	defer s.leave(sess)

	return sess.leases.Release(ctx, sess.now, req.Resource, agentID(req.AgentID))
}

// Status is a read-only view: expired leases are hidden but not removed and
// stale agents are reported but not reaped.
func (s *Service) Status(ctx context.Context, projectID string) (res core.StatusResult, err error) {
	defer func(start time.Time) { s.observe("status", start, err) }(time.Now())

	sess, err := s.enter(ctx, projectID)
	if err != nil {
		return core.StatusResult{}, err
	}
	defer s.leave(sess)

	agents, err := sess.agents.List(ctx)
	if err != nil {
		return core.StatusResult{}, err
	}
	locks, err := sess.leases.Active(ctx, sess.now)
	if err != nil {
		return core.StatusResult{}, err
	}
	return core.StatusResult{
		Agents:      agents,
		Locks:       locks,
		StaleAgents: registry.StaleIDs(agents, sess.now, s.staleAfter, ""),
	}, nil
}

func (s *Service) Log(ctx context.Context, req core.LogRequest) (res core.LogResult, err error) {
	defer func(start time.Time) { s.observe("log", start, err) }(time.Now())

	sess, err := s.enter(ctx, req.Project)
	if err != nil {
		return core.LogResult{}, err
	}
	defer s.leave(sess)

	return sess.log.Query(ctx, core.EventFilter{Agent: agentID(req.AgentID), Action: req.Action}, req.Limit)
}

// Reap reclaims the leases of every stale agent except exclude and sweeps
// expired leases.
func (s *Service) Reap(ctx context.Context, projectID, exclude string) (res core.ReapResult, err error) {
	defer func(start time.Time) { s.observe("reap", start, err) }(time.Now())

	sess, err := s.enter(ctx, projectID)
	if err != nil {
		return core.ReapResult{}, err
	}
	defer s.leave(sess)

	return s.reap(ctx, sess, agentID(exclude))
}

func (s *Service) reap(ctx context.Context, sess *session, exclude string) (core.ReapResult, error) {
	stale, err := sess.agents.Stale(ctx, sess.now, exclude)
	if err != nil {
		return core.ReapResult{}, err
	}

	released := make(map[string]struct{})
	for _, id := range stale {
		revoked, err := sess.leases.RevokeOwner(ctx, sess.now, id)
		if err != nil {
			return core.ReapResult{}, err
		}
		for _, l := range revoked {
			released[l.Resource] = struct{}{}
		}
	}
	expired, err := sess.leases.Sweep(ctx, sess.now)
	if err != nil {
		return core.ReapResult{}, err
	}
	for _, l := range expired {
		released[l.Resource] = struct{}{}
	}

	out := core.ReapResult{StaleAgents: stale, ReleasedLocks: make([]string, 0, len(released))}
	for r := range released {
		out.ReleasedLocks = append(out.ReleasedLocks, r)
	}
	sort.Strings(out.ReleasedLocks)

	if len(out.ReleasedLocks) > 0 {
		s.metrics.Reaped(len(out.ReleasedLocks))
		log.Info().
			Str("project", sess.project).
			Strs("stale_agents", stale).
			Strs("released", out.ReleasedLocks).
			Msg("reclaimed leases")
	}
	return out, nil
}
