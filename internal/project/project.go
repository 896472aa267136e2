// Package project maps project ids to namespace storage roots.
package project

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/mistakeknot/interlock/internal/core"
)

// StateDir is the directory inside a project checkout that holds its
// coordinator state.
const StateDir = ".interlock"

// Resolver resolves a project id to the storage root of its namespace.
type Resolver interface {
	// Resolve returns an error wrapping core.ErrProjectNotFound for unknown ids.
	Resolve(id string) (string, error)
	// List returns every project id the resolver knows, sorted.
	List() []string
}

// Defaulter is implemented by resolvers that map the empty id to a
// default project.
type Defaulter interface {
	Default() string
}

// Canonical returns id, or the resolver's default project when id is empty.
func Canonical(r Resolver, id string) string {
	if id != "" {
		return id
	}
	if d, ok := r.(Defaulter); ok {
		return d.Default()
	}
	return id
}

func notFound(id string) error {
	if id == "" {
		return fmt.Errorf("%w: no project given and no default configured", core.ErrProjectNotFound)
	}
	return fmt.Errorf("%w: %q", core.ErrProjectNotFound, id)
}

// Static resolves from an explicit id -> root map. An empty id resolves to
// the default project. The map can be swapped while in use.
type Static struct {
	mu        sync.RWMutex
	roots     map[string]string
	defaultID string
}

func NewStatic(roots map[string]string, defaultID string) *Static {
	s := &Static{}
	s.Update(roots, defaultID)
	return s
}

// Update replaces the project map and default id.
func (s *Static) Update(roots map[string]string, defaultID string) {
	next := make(map[string]string, len(roots))
	for id, root := range roots {
		next[id] = filepath.Clean(root)
	}
	s.mu.Lock()
	s.roots = next
	s.defaultID = defaultID
	s.mu.Unlock()
}

func (s *Static) Default() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.defaultID
}

func (s *Static) Resolve(id string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if id == "" {
		id = s.defaultID
	}
	root, ok := s.roots[id]
	if !ok || id == "" {
		return "", notFound(id)
	}
	return root, nil
}

func (s *Static) List() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.roots))
	for id := range s.roots {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Dir treats every sub-directory of base as a project; its namespace lives
// in <base>/<id>/.interlock.
type Dir struct {
	base string
}

func NewDir(base string) *Dir {
	return &Dir{base: filepath.Clean(base)}
}

func validID(id string) bool {
	return id != "" && id != "." && id != ".." && !strings.ContainsAny(id, `/\`) && !strings.HasPrefix(id, ".")
}

func (d *Dir) Resolve(id string) (string, error) {
	if !validID(id) {
		return "", notFound(id)
	}
	info, err := os.Stat(filepath.Join(d.base, id))
	if err != nil || !info.IsDir() {
		return "", notFound(id)
	}
	return filepath.Join(d.base, id, StateDir), nil
}

func (d *Dir) List() []string {
	entries, err := os.ReadDir(d.base)
	if err != nil {
		return nil
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() && validID(e.Name()) {
			out = append(out, e.Name())
		}
	}
	sort.Strings(out)
	return out
}

// Chain tries each resolver in order and returns the first match.
type Chain []Resolver

func (c Chain) Resolve(id string) (string, error) {
	for _, r := range c {
		root, err := r.Resolve(id)
		if err == nil {
			return root, nil
		}
		if !errors.Is(err, core.ErrProjectNotFound) {
			return "", err
		}
	}
	return "", notFound(id)
}

func (c Chain) Default() string {
	for _, r := range c {
		if d, ok := r.(Defaulter); ok && d.Default() != "" {
			return d.Default()
		}
	}
	return ""
}

func (c Chain) List() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, r := range c {
		for _, id := range r.List() {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}
