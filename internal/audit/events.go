package audit

import (
	"time"
)

// EventType categorizes operational audit events. These complement
// the cryptographic chain; they are for visibility, not integrity.
type EventType string

const (
	// Admission events
	EventAgentAdmitted EventType = "agent.admitted"
	EventAgentRejected EventType = "agent.rejected"
	EventAgentStopped  EventType = "agent.stopped"

	// Tool events
	EventToolInvocation EventType = "tool.invocation"
	EventToolBlocked    EventType = "tool.blocked"
	EventToolCompleted  EventType = "tool.completed"

	// Verification events
	EventKeyPinned             EventType = "key.pinned"
	EventKeyMismatch           EventType = "key.mismatch"
	EventVerificationFailed    EventType = "verification.failed"
	EventVerificationDowngrade EventType = "verification.downgrade"

	// Policy events
	EventPolicyDenied    EventType = "policy.denied"
	EventPolicyEscalated EventType = "policy.escalated"
	EventPolicyReloaded  EventType = "policy.reloaded"

	// Resource events
	EventResourceViolation EventType = "resource.violation"

	// Circuit events
	EventCircuitOpened EventType = "circuit.opened"
	EventCircuitClosed EventType = "circuit.closed"

	// Runtime lifecycle
	EventRuntimeStartup  EventType = "runtime.startup"
	EventRuntimeShutdown EventType = "runtime.shutdown"
)

// Level is event severity.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Event is a single operational audit record.
type Event struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	Level     Level     `json:"level"`
	Timestamp time.Time `json:"timestamp"`

	AgentID    string `json:"agent_id,omitempty"`
	ToolName   string `json:"tool_name,omitempty"`
	ToolCallID string `json:"tool_call_id,omitempty"`
	PolicyID   string `json:"policy_id,omitempty"`

	// TraceID/SpanID correlate with distributed traces when tracing
	// is enabled.
	TraceID string `json:"trace_id,omitempty"`
	SpanID  string `json:"span_id,omitempty"`

	Action   string         `json:"action,omitempty"`
	Error    string         `json:"error,omitempty"`
	Duration time.Duration  `json:"duration,omitempty"`
	Details  map[string]any `json:"details,omitempty"`
}
