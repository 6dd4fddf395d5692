// Package models provides domain types for the Aegis agent runtime.
package models

import (
	"time"

	"github.com/google/uuid"
)

// AgentID uniquely identifies an agent. IDs are opaque 128-bit tokens;
// comparison is by value and the only ordering is the string form.
type AgentID string

// NewAgentID returns a fresh random agent ID.
func NewAgentID() AgentID {
	return AgentID(uuid.NewString())
}

func (id AgentID) String() string { return string(id) }

// ExecutionMode controls the lifecycle of an agent.
type ExecutionMode string

const (
	// ModeEphemeral agents run once and are removed.
	ModeEphemeral ExecutionMode = "ephemeral"
	// ModePersistent agents stay registered across invocations.
	ModePersistent ExecutionMode = "persistent"
	// ModeScheduled agents are re-enqueued by a cron schedule.
	ModeScheduled ExecutionMode = "scheduled"
)

// SecurityTier classifies the isolation level required by an agent.
type SecurityTier int

const (
	Tier1 SecurityTier = iota + 1
	Tier2
	Tier3
	Tier4
)

// Priority orders agents in the scheduler queue.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "normal"
	}
}

// Capability names a coarse permission an agent may hold
// (e.g. "filesystem.read", "network.http").
type Capability string

// AgentConfig describes an agent as submitted for admission.
// It is immutable once the scheduler accepts it.
type AgentConfig struct {
	ID            AgentID           `json:"id"`
	Name          string            `json:"name"`
	DSLSource     string            `json:"dsl_source"`
	ExecutionMode ExecutionMode     `json:"execution_mode"`
	SecurityTier  SecurityTier      `json:"security_tier"`
	Limits        ResourceLimits    `json:"resource_limits"`
	Capabilities  []Capability      `json:"capabilities,omitempty"`
	Policies      []string          `json:"policies,omitempty"`
	Priority      Priority          `json:"priority"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// ScheduledTask wraps an AgentConfig while it waits in the priority
// queue. Ordering is (priority desc, enqueued_at asc) so equal-priority
// tasks dispatch FIFO and nothing starves within a class.
type ScheduledTask struct {
	Config       *AgentConfig `json:"config"`
	EnqueuedAt   time.Time    `json:"enqueued_at"`
	Priority     Priority     `json:"priority"`
	AttemptCount int          `json:"attempt_count"`
}
