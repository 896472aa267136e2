package coord

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mistakeknot/interlock/internal/audit"
	"github.com/mistakeknot/interlock/internal/lease"
	projectpkg "github.com/mistakeknot/interlock/internal/project"
	"github.com/mistakeknot/interlock/internal/registry"
	"github.com/mistakeknot/interlock/internal/storage"
)

// namespace is one cached, open backend. closed is guarded by the
// service's per-root mutex.
type namespace struct {
	root   string
	store  storage.Namespace
	closed bool
}

// session is one operation's stay inside a namespace critical section.
type session struct {
	project string
	root    string
	now     time.Time
	events  *audit.Capture
	log     *audit.Log
	leases  *lease.Table
	agents  *registry.Registry

	release func()
}

func (s *Service) namespaceFor(root string) (*namespace, error) {
	if ns, ok := s.cache.Get(root); ok {
		return ns, nil
	}

	s.openMu.Lock()
	defer s.openMu.Unlock()
	if ns, ok := s.cache.Get(root); ok {
		return ns, nil
	}
	store, err := s.open(root)
	if err != nil {
		return nil, fmt.Errorf("open namespace %s: %w", root, err)
	}
	ns := &namespace{root: root, store: store}
	s.cache.Add(root, ns)
	s.metrics.SetOpenNamespaces(s.cache.Len())
	log.Debug().Str("root", root).Msg("namespace opened")
	return ns, nil
}

// evict runs when the cache drops a namespace. Closing waits for any
// operation still inside it.
func (s *Service) evict(root string, ns *namespace) {
	s.locks.Lock(root)
	defer s.locks.Unlock(root)
	ns.closed = true
	if err := ns.store.Close(); err != nil {
		log.Warn().Err(err).Str("root", root).Msg("close namespace")
	}
	s.metrics.SetOpenNamespaces(s.cache.Len())
	log.Debug().Str("root", root).Msg("namespace closed")
}

// enter resolves project and takes its critical section: the in-process
// mutex for the storage root, then the backend's cross-process lock when it
// has one.
func (s *Service) enter(ctx context.Context, project string) (*session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	project = projectpkg.Canonical(s.resolver, project)
	root, err := s.resolver.Resolve(project)
	if err != nil {
		return nil, err
	}

	for {
		ns, err := s.namespaceFor(root)
		if err != nil {
			return nil, err
		}
		s.locks.Lock(root)
		if ns.closed {
			s.locks.Unlock(root)
			continue
		}

		unlockFile := func() {}
		if locker, ok := ns.store.(storage.Locker); ok {
			if err := locker.Lock(ctx); err != nil {
				s.locks.Unlock(root)
				return nil, fmt.Errorf("namespace lock %s: %w", root, err)
			}
			unlockFile = func() {
				if err := locker.Unlock(); err != nil {
					log.Warn().Err(err).Str("root", root).Msg("release namespace lock")
				}
			}
		}

		auditLog := audit.New(ns.store, audit.WithClock(s.nowFunc), audit.WithLimits(s.logLimit, s.maxLogLimit))
		capture := audit.NewCapture(auditLog)
		return &session{
			project: project,
			root:    root,
			now:     s.nowFunc().UTC(),
			events:  capture,
			log:     auditLog,
			leases:  lease.New(ns.store, capture, s.leaseTTL),
			agents:  registry.New(ns.store, capture, s.staleAfter),
			release: func() {
				unlockFile()
				s.locks.Unlock(root)
			},
		}, nil
	}
}

// leave ends the critical section and publishes what the session recorded.
func (s *Service) leave(sess *session) {
	sess.release()
	for _, ev := range sess.events.Events {
		s.metrics.Event(string(ev.Action))
		if s.bus != nil {
			s.bus.Broadcast(sess.project, ev)
		}
	}
}
