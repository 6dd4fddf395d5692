package models

import (
	"encoding/json"
	"time"
)

// ActionKind discriminates ProposedAction variants.
type ActionKind string

const (
	ActionRespond  ActionKind = "respond"
	ActionToolCall ActionKind = "tool_call"
	ActionDelegate ActionKind = "delegate"
	ActionFinish   ActionKind = "finish"
)

// ProposedAction is one thing the model wants to do next. Exactly the
// fields for its Kind are set.
type ProposedAction struct {
	Kind ActionKind `json:"kind"`

	// Respond
	Content string `json:"content,omitempty"`

	// ToolCall
	CallID    string          `json:"call_id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Arguments json.RawMessage `json:"arguments,omitempty"`

	// Delegate
	Target  string `json:"target,omitempty"`
	Message string `json:"message,omitempty"`

	// Finish
	Reason string `json:"reason,omitempty"`
}

// TokenUsage accumulates provider-reported token counts.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Add accumulates another usage sample.
func (u *TokenUsage) Add(other TokenUsage) {
	u.PromptTokens += other.PromptTokens
	u.CompletionTokens += other.CompletionTokens
	u.TotalTokens += other.TotalTokens
}

// TerminationReason explains why a reasoning loop ended.
type TerminationReason string

const (
	TerminationCompleted           TerminationReason = "completed"
	TerminationMaxIterations       TerminationReason = "max_iterations"
	TerminationTokenBudgetExceeded TerminationReason = "token_budget_exceeded"
	TerminationPolicyDenied        TerminationReason = "policy_denied"
	TerminationFatalError          TerminationReason = "fatal_error"
	TerminationCancelled           TerminationReason = "cancelled"
)

// LoopResult is what a caller gets back from a reasoning loop run.
// Errors either terminate the loop with an explicit reason or appear as
// error observations along the way. Retryable provider errors are the
// exception: they are logged and inference is retried on the next
// iteration.
type LoopResult struct {
	Output      string            `json:"output"`
	Iterations  int               `json:"iterations"`
	TotalUsage  TokenUsage        `json:"total_usage"`
	Termination TerminationReason `json:"termination_reason"`
}

// LoopIterationRecord is one journal entry per loop iteration.
type LoopIterationRecord struct {
	Iteration          int           `json:"iteration"`
	MessageRolesAdded  []Role        `json:"message_roles_added"`
	ToolCallsAttempted int           `json:"tool_calls_attempted"`
	ToolCallsAllowed   int           `json:"tool_calls_allowed"`
	ToolCallsSucceeded int           `json:"tool_calls_succeeded"`
	Duration           time.Duration `json:"duration"`
}
