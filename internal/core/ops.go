package core

import "time"

// Request and result shapes of the six coordinator operations.

type RegisterRequest struct {
	Project      string
	AgentID      string
	Capabilities []string
}

type RegisterResult struct {
	ID           string    `json:"id"`
	RegisteredAt time.Time `json:"registered_at"`
	Capabilities []string  `json:"capabilities"`
}

type HeartbeatRequest struct {
	Project string
	AgentID string
	// Status is left unchanged when empty.
	Status AgentStatus
	// CurrentTask is left unchanged when nil; an empty string clears it.
	CurrentTask *string
}

type HeartbeatResult struct {
	ID            string    `json:"id"`
	LastSeen      time.Time `json:"last_seen"`
	StaleAgents   []string  `json:"stale_agents"`
	ReleasedLocks []string  `json:"released_locks"`
}

type LockRequest struct {
	Project  string
	AgentID  string
	Resource string
	Reason   string
}

type LockResult struct {
	Acquired  bool       `json:"acquired"`
	Resource  string     `json:"resource"`
	Holder    string     `json:"holder,omitempty"`
	HeldSince *time.Time `json:"held_since,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

type UnlockRequest struct {
	Project  string
	AgentID  string
	Resource string
}

type UnlockResult struct {
	Released  bool   `json:"released"`
	Resource  string `json:"resource"`
	WasHeldBy string `json:"was_held_by,omitempty"`
}

type StatusResult struct {
	Agents      []Agent  `json:"agents"`
	Locks       []Lease  `json:"locks"`
	StaleAgents []string `json:"stale_agents"`
}

type LogRequest struct {
	Project string
	Limit   int
	AgentID string
	Action  Action
}

type LogResult struct {
	Events     []Event `json:"events"`
	TotalCount int     `json:"total_count"`
}

// ReapResult reports what one stale-agent reclamation pass freed.
type ReapResult struct {
	StaleAgents   []string `json:"stale_agents"`
	ReleasedLocks []string `json:"released_locks"`
}
