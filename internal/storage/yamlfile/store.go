// Package yamlfile stores a namespace as human-diffable files: leases and
// agents as YAML documents, the audit trail as newline-delimited JSON.
package yamlfile

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"
	yamlv3 "gopkg.in/yaml.v3"

	"github.com/mistakeknot/interlock/internal/core"
	"github.com/mistakeknot/interlock/internal/lock"
	"github.com/mistakeknot/interlock/internal/storage"
)

const (
	LeasesFile = "leases.yaml"
	AgentsFile = "agents.yaml"
	EventsFile = "events.jsonl"
	LockFile   = ".lock"

	schemaVersion = 1
	maxEventLine  = 1 << 20
)

var (
	_ storage.Namespace = (*Store)(nil)
	_ storage.Locker    = (*Store)(nil)
)

type Options struct {
	// FailOpen treats corrupt collections as empty (after quarantining
	// them) instead of returning core.ErrStorageCorrupt.
	FailOpen bool
}

type leasesDoc struct {
	SchemaVersion int          `yaml:"schema_version"`
	Leases        []core.Lease `yaml:"leases"`
}

type agentsDoc struct {
	SchemaVersion int          `yaml:"schema_version"`
	Agents        []core.Agent `yaml:"agents"`
}

type Store struct {
	root  string
	opts  Options
	flock *lock.FileLock
	mu    sync.Mutex
}

func Open(root string, opts Options) (*Store, error) {
	if root == "" {
		return nil, fmt.Errorf("storage root required")
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("create storage root: %w", err)
	}
	return &Store{
		root:  root,
		opts:  opts,
		flock: lock.NewFileLock(filepath.Join(root, LockFile)),
	}, nil
}

func Opener(opts Options) storage.Opener {
	return func(root string) (storage.Namespace, error) {
		return Open(root, opts)
	}
}

func (s *Store) Root() string { return s.root }

func (s *Store) Lock(ctx context.Context) error { return s.flock.Lock(ctx) }

func (s *Store) Unlock() error { return s.flock.Unlock() }

func (s *Store) Close() error { return nil }

func (s *Store) path(name string) string { return filepath.Join(s.root, name) }

// readDoc loads a YAML collection. A missing, empty or quarantined file
// yields ok=false and into must then be ignored: a failed decode may have
// filled it partially.
func (s *Store) readDoc(name string, into any) (bool, error) {
	path := s.path(name)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, s.corrupt(path, err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return false, nil
	}
	if err := yamlv3.Unmarshal(data, into); err != nil {
		return false, s.corrupt(path, err)
	}
	return true, nil
}

func (s *Store) corrupt(path string, cause error) error {
	if !s.opts.FailOpen {
		return fmt.Errorf("%w: %s: %v", core.ErrStorageCorrupt, filepath.Base(path), cause)
	}
	log.Warn().Err(cause).Str("file", path).Msg("unreadable store file, treating as empty")
	if _, err := os.Stat(path); err == nil {
		if _, qerr := quarantine(s.root, path); qerr != nil {
			log.Error().Err(qerr).Str("file", path).Msg("quarantine failed")
		}
	}
	return nil
}

func (s *Store) loadLeases() (map[string]core.Lease, error) {
	var doc leasesDoc
	ok, err := s.readDoc(LeasesFile, &doc)
	if err != nil {
		return nil, err
	}
	if !ok {
		return map[string]core.Lease{}, nil
	}
	out := make(map[string]core.Lease, len(doc.Leases))
	for _, l := range doc.Leases {
		if l.Resource == "" {
			continue
		}
		out[l.Resource] = l
	}
	return out, nil
}

func (s *Store) saveLeases(leases map[string]core.Lease) error {
	doc := leasesDoc{SchemaVersion: schemaVersion, Leases: make([]core.Lease, 0, len(leases))}
	for _, l := range leases {
		doc.Leases = append(doc.Leases, l)
	}
	sort.Slice(doc.Leases, func(i, j int) bool { return doc.Leases[i].Resource < doc.Leases[j].Resource })
	return atomicWrite(s.path(LeasesFile), doc)
}

func (s *Store) loadAgents() (map[string]core.Agent, error) {
	var doc agentsDoc
	ok, err := s.readDoc(AgentsFile, &doc)
	if err != nil {
		return nil, err
	}
	if !ok {
		return map[string]core.Agent{}, nil
	}
	out := make(map[string]core.Agent, len(doc.Agents))
	for _, a := range doc.Agents {
		if a.ID == "" {
			continue
		}
		out[a.ID] = a
	}
	return out, nil
}

func (s *Store) saveAgents(agents map[string]core.Agent) error {
	doc := agentsDoc{SchemaVersion: schemaVersion, Agents: make([]core.Agent, 0, len(agents))}
	for _, a := range agents {
		doc.Agents = append(doc.Agents, a)
	}
	sort.Slice(doc.Agents, func(i, j int) bool { return doc.Agents[i].ID < doc.Agents[j].ID })
	return atomicWrite(s.path(AgentsFile), doc)
}

func (s *Store) ListLeases(ctx context.Context) ([]core.Lease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	leases, err := s.loadLeases()
	if err != nil {
		return nil, err
	}
	out := make([]core.Lease, 0, len(leases))
	for _, l := range leases {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Resource < out[j].Resource })
	return out, nil
}

func (s *Store) GetLease(ctx context.Context, resource string) (core.Lease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	leases, err := s.loadLeases()
	if err != nil {
		return core.Lease{}, err
	}
	l, ok := leases[resource]
	if !ok {
		return core.Lease{}, core.ErrNotFound
	}
	return l, nil
}

func (s *Store) PutLease(ctx context.Context, lease core.Lease) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	leases, err := s.loadLeases()
	if err != nil {
		return err
	}
	leases[lease.Resource] = lease
	return s.saveLeases(leases)
}

func (s *Store) DeleteLease(ctx context.Context, resource string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	leases, err := s.loadLeases()
	if err != nil {
		return err
	}
	if _, ok := leases[resource]; !ok {
		return nil
	}
	delete(leases, resource)
	return s.saveLeases(leases)
}

func (s *Store) ListAgents(ctx context.Context) ([]core.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	agents, err := s.loadAgents()
	if err != nil {
		return nil, err
	}
	out := make([]core.Agent, 0, len(agents))
	for _, a := range agents {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) GetAgent(ctx context.Context, id string) (core.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	agents, err := s.loadAgents()
	if err != nil {
		return core.Agent{}, err
	}
	a, ok := agents[id]
	if !ok {
		return core.Agent{}, core.ErrNotFound
	}
	return a, nil
}

func (s *Store) PutAgent(ctx context.Context, agent core.Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	agents, err := s.loadAgents()
	if err != nil {
		return err
	}
	agents[agent.ID] = agent
	return s.saveAgents(agents)
}

func (s *Store) AppendEvent(ctx context.Context, ev core.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	data = append(data, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := os.OpenFile(s.path(EventsFile), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open event log: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync event log: %w", err)
	}
	return nil
}

func (s *Store) QueryEvents(ctx context.Context, filter core.EventFilter, limit int) ([]core.Event, int, error) {
	s.mu.Lock()
	events, err := s.readEvents()
	s.mu.Unlock()
	if err != nil {
		return nil, 0, err
	}
	return storage.FilterNewestFirst(events, filter, limit), storage.CountMatches(events, filter), nil
}

func (s *Store) readEvents() ([]core.Event, error) {
	path := s.path(EventsFile)
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("open event log: %w", err)
	}
	defer f.Close()

	var events []core.Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxEventLine)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var ev core.Event
		if err := json.Unmarshal(line, &ev); err != nil {
			if !s.opts.FailOpen {
				return nil, fmt.Errorf("%w: %s line %d: %v", core.ErrStorageCorrupt, EventsFile, lineNo, err)
			}
			log.Warn().Err(err).Str("file", path).Int("line", lineNo).Msg("skipping malformed event")
			continue
		}
		events = append(events, ev)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan event log: %w", err)
	}
	return events, nil
}
