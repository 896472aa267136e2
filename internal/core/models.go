package core

import (
	"sort"
	"strings"
	"time"
)

// Action identifies the kind of state transition an audit event records.
type Action string

const (
	ActionRegistered         Action = "registered"
	ActionLockAcquired       Action = "lock_acquired"
	ActionLockDenied         Action = "lock_denied"
	ActionLockReleased       Action = "lock_released"
	ActionLockExpiredStale   Action = "lock_expired_stale"
	ActionLockExpiredTimeout Action = "lock_expired_timeout"
)

var actions = map[Action]struct{}{
	ActionRegistered:         {},
	ActionLockAcquired:       {},
	ActionLockDenied:         {},
	ActionLockReleased:       {},
	ActionLockExpiredStale:   {},
	ActionLockExpiredTimeout: {},
}

// Valid reports whether a is one of the known audit actions.
func (a Action) Valid() bool {
	_, ok := actions[a]
	return ok
}

// AgentStatus is the self-reported activity state of an agent.
type AgentStatus string

const (
	AgentActive AgentStatus = "active"
	AgentBusy   AgentStatus = "busy"
	AgentIdle   AgentStatus = "idle"
)

func (s AgentStatus) Valid() bool {
	switch s {
	case AgentActive, AgentBusy, AgentIdle:
		return true
	}
	return false
}

// Lease is a time-bounded exclusive claim on a resource key.
type Lease struct {
	Resource   string    `json:"resource" yaml:"resource"`
	Owner      string    `json:"owner" yaml:"owner"`
	AcquiredAt time.Time `json:"acquired_at" yaml:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at" yaml:"expires_at"`
	Reason     string    `json:"reason,omitempty" yaml:"reason,omitempty"`
}

// Expired reports whether the lease TTL has elapsed at now.
func (l Lease) Expired(now time.Time) bool {
	return !now.Before(l.ExpiresAt)
}

type Agent struct {
	ID           string      `json:"id" yaml:"id"`
	Capabilities []string    `json:"capabilities" yaml:"capabilities"`
	Status       AgentStatus `json:"status" yaml:"status"`
	LastSeen     time.Time   `json:"last_seen" yaml:"last_seen"`
	CurrentTask  string      `json:"current_task,omitempty" yaml:"current_task,omitempty"`
	RegisteredAt time.Time   `json:"registered_at" yaml:"registered_at"`
}

// Stale reports whether the agent has not been seen for longer than after.
func (a Agent) Stale(now time.Time, after time.Duration) bool {
	return now.Sub(a.LastSeen) > after
}

// Event is one immutable audit record.
type Event struct {
	ID       string    `json:"id"`
	TS       time.Time `json:"ts"`
	Agent    string    `json:"agent"`
	Action   Action    `json:"action"`
	Resource string    `json:"resource,omitempty"`
	Reason   string    `json:"reason,omitempty"`
	Details  string    `json:"details,omitempty"`
}

// EventFilter selects audit events. Zero fields match everything.
type EventFilter struct {
	Agent  string
	Action Action
}

func (f EventFilter) Match(ev Event) bool {
	if f.Agent != "" && ev.Agent != f.Agent {
		return false
	}
	if f.Action != "" && ev.Action != f.Action {
		return false
	}
	return true
}

// NormalizeCapabilities trims, de-duplicates and sorts a capability list.
func NormalizeCapabilities(caps []string) []string {
	seen := make(map[string]struct{}, len(caps))
	out := make([]string, 0, len(caps))
	for _, c := range caps {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}
