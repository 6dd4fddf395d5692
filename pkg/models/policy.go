package models

import "time"

// DecisionKind discriminates policy decision variants.
type DecisionKind string

const (
	DecisionAllow       DecisionKind = "allow"
	DecisionDeny        DecisionKind = "deny"
	DecisionConditional DecisionKind = "conditional"
	DecisionEscalate    DecisionKind = "escalate"
)

// PolicyDecision is the outcome of evaluating a request against the
// policy set. Decisions may carry an expiry for caching.
type PolicyDecision struct {
	Kind       DecisionKind `json:"kind"`
	Reason     string       `json:"reason,omitempty"`
	Conditions []string     `json:"conditions,omitempty"`
	PolicyID   string       `json:"policy_id,omitempty"`
	ExpiresAt  *time.Time   `json:"expires_at,omitempty"`
}

// Allowed reports whether the decision permits the request outright.
func (d PolicyDecision) Allowed() bool {
	return d.Kind == DecisionAllow || d.Kind == DecisionConditional
}

// AllowDecision is the unconditional allow.
func AllowDecision() PolicyDecision {
	return PolicyDecision{Kind: DecisionAllow}
}

// DenyDecision builds a deny with a reason.
func DenyDecision(reason string) PolicyDecision {
	return PolicyDecision{Kind: DecisionDeny, Reason: reason}
}
