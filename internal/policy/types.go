// Package policy implements the rule-tree policy evaluator gating
// tool invocations, resource requests, and scheduled executions.
//
// Policies are ordered by priority descending, rules within a policy
// likewise; the first matching rule's effect decides. Evaluation is a
// pure interpretation of the rule tree; no parsing happens on the
// hot path.
package policy

import (
	"time"

	"github.com/haasonsaas/aegis/pkg/models"
)

// Request is what callers ask the evaluator about.
type Request struct {
	AgentID      models.AgentID
	AgentName    string
	Action       string
	Resource     string
	SecurityTier models.SecurityTier
	Capabilities []models.Capability

	// Time of the request; zero means now.
	Time time.Time

	// Extra carries caller-specific context, e.g. consecutive-failure
	// counts from the scheduler. The built-in condition kinds do not
	// read it.
	Extra map[string]string
}

// ConditionKind discriminates condition variants.
type ConditionKind string

const (
	CondAgentMatch    ConditionKind = "agent_match"
	CondActionMatch   ConditionKind = "action_match"
	CondResourceMatch ConditionKind = "resource_match"
	CondTimeMatch     ConditionKind = "time_match"
	CondSecurityLevel ConditionKind = "security_level_match"
	CondAnd           ConditionKind = "and"
	CondOr            ConditionKind = "or"
	CondNot           ConditionKind = "not"
	CondAlways        ConditionKind = "always"
)

// Condition is one node in a rule's condition tree. Exactly the
// fields for its Kind are meaningful.
type Condition struct {
	Kind ConditionKind `yaml:"kind" json:"kind"`

	// AgentMatch: by explicit ID or substring of the agent name.
	AgentIDs    []string `yaml:"agent_ids,omitempty" json:"agent_ids,omitempty"`
	NamePattern string   `yaml:"name_pattern,omitempty" json:"name_pattern,omitempty"`

	// ActionMatch: exact action keys, "*" suffix allowed
	// ("tool.*" matches every tool action).
	Actions []string `yaml:"actions,omitempty" json:"actions,omitempty"`

	// ResourceMatch: exact resource keys, "*" suffix allowed.
	Resources []string `yaml:"resources,omitempty" json:"resources,omitempty"`

	// TimeMatch: inclusive window in 24h "HH:MM" local time.
	After  string `yaml:"after,omitempty" json:"after,omitempty"`
	Before string `yaml:"before,omitempty" json:"before,omitempty"`

	// SecurityLevelMatch: inclusive tier band; zero means unbounded.
	MinTier int `yaml:"min_tier,omitempty" json:"min_tier,omitempty"`
	MaxTier int `yaml:"max_tier,omitempty" json:"max_tier,omitempty"`

	// Composites.
	All []Condition `yaml:"all,omitempty" json:"all,omitempty"`
	Any []Condition `yaml:"any,omitempty" json:"any,omitempty"`
	Not *Condition  `yaml:"not,omitempty" json:"not,omitempty"`
}

// EffectKind discriminates rule effects.
type EffectKind string

const (
	EffectAllow    EffectKind = "allow"
	EffectDeny     EffectKind = "deny"
	EffectLimit    EffectKind = "limit"
	EffectAudit    EffectKind = "audit"
	EffectEscalate EffectKind = "escalate"
)

// Effect is what a matching rule does.
type Effect struct {
	Kind EffectKind `yaml:"kind" json:"kind"`

	// Deny / Escalate.
	Reason string `yaml:"reason,omitempty" json:"reason,omitempty"`

	// Allow: conditions the caller must honour.
	Conditions []string `yaml:"conditions,omitempty" json:"conditions,omitempty"`

	// Limit: named constraints, e.g. max_memory_mb: "256".
	Constraints map[string]string `yaml:"constraints,omitempty" json:"constraints,omitempty"`

	// Audit.
	AuditLevel string `yaml:"audit_level,omitempty" json:"audit_level,omitempty"`

	// Escalate.
	EscalateTo string `yaml:"escalate_to,omitempty" json:"escalate_to,omitempty"`
}

// Rule pairs a condition tree with an effect.
type Rule struct {
	ID        string    `yaml:"id" json:"id"`
	Name      string    `yaml:"name,omitempty" json:"name,omitempty"`
	Condition Condition `yaml:"condition" json:"condition"`
	Effect    Effect    `yaml:"effect" json:"effect"`
	Priority  int       `yaml:"priority" json:"priority"`
	Enabled   *bool     `yaml:"enabled,omitempty" json:"enabled,omitempty"`
}

func (r Rule) enabled() bool {
	return r.Enabled == nil || *r.Enabled
}

// Policy is an ordered set of rules.
type Policy struct {
	ID       string `yaml:"id" json:"id"`
	Name     string `yaml:"name,omitempty" json:"name,omitempty"`
	Priority int    `yaml:"priority" json:"priority"`
	Rules    []Rule `yaml:"rules" json:"rules"`
}
