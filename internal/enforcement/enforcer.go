// Package enforcement gates every tool invocation: verification
// status checks, schema validation of arguments, sensitive-parameter
// policy, and external policy consultation, all before any endpoint
// is reached.
//
// The enforcer is the only path to a tool endpoint. Endpoints are
// registered into an unexported table and Execute is the single entry
// point, so fail-closed holds structurally rather than by convention.
package enforcement

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/haasonsaas/aegis/internal/audit"
	"github.com/haasonsaas/aegis/internal/policy"
	"github.com/haasonsaas/aegis/pkg/models"
)

// Mode selects how strictly verification status is enforced.
type Mode string

const (
	// ModeStrict rejects any tool that is not Verified.
	ModeStrict Mode = "strict"
	// ModePermissive allows Verified and Skipped, logs Failed,
	// rejects Pending.
	ModePermissive Mode = "permissive"
	// ModeAuditOnly never blocks; it records what would have been
	// blocked under Strict.
	ModeAuditOnly Mode = "audit_only"
)

// BlockReason classifies why an invocation was refused.
type BlockReason string

const (
	BlockVerificationDowngraded BlockReason = "verification_downgraded"
	BlockSchemaViolation        BlockReason = "schema_violation"
	BlockSensitiveOnUnverified  BlockReason = "sensitive_on_unverified"
	BlockPolicyDenied           BlockReason = "policy_denied"
	BlockApprovalRequired       BlockReason = "approval_required"
	BlockUnknownTool            BlockReason = "unknown_tool"
)

// Decision is the outcome of the pre-invocation check.
type Decision struct {
	Allowed bool
	Reason  BlockReason
	Detail  string
}

// Allow is the positive decision.
func Allow() Decision { return Decision{Allowed: true} }

// Block builds a negative decision.
func Block(reason BlockReason, detail string) Decision {
	return Decision{Reason: reason, Detail: detail}
}

// InvocationContext carries one tool call through the gate.
type InvocationContext struct {
	AgentID    models.AgentID
	ToolCallID string
	Arguments  json.RawMessage
	Timestamp  time.Time
	Metadata   map[string]string
}

// InvocationBlockedError is returned by Execute when the gate refuses
// the call.
type InvocationBlockedError struct {
	ToolName string
	Reason   BlockReason
	Detail   string
}

func (e *InvocationBlockedError) Error() string {
	return fmt.Sprintf("invocation of %q blocked (%s): %s", e.ToolName, e.Reason, e.Detail)
}

// Endpoint executes a named tool. Transport is the collaborator's
// concern; the enforcer passes (name, arguments) and expects JSON out.
type Endpoint func(ctx context.Context, name string, arguments json.RawMessage) (json.RawMessage, error)

// Config configures the enforcer.
type Config struct {
	Mode Mode

	// Evaluator, when set, is consulted for every invocation with
	// action "tool.invoke" and the tool name as resource.
	Evaluator *policy.Evaluator

	// AuditLogger, when set, receives blocked-call and downgrade events.
	AuditLogger *audit.Logger

	Logger *slog.Logger
}

// Statistics is a snapshot of enforcement counters.
type Statistics struct {
	Total           uint64
	Allowed         uint64
	Blocked         uint64
	BlockedByReason map[BlockReason]uint64
}

// Enforcer is the tool invocation gate.
type Enforcer struct {
	mode      Mode
	evaluator *policy.Evaluator
	auditLog  *audit.Logger
	logger    *slog.Logger

	mu        sync.RWMutex
	endpoints map[string]Endpoint
	schemas   map[string]*jsonschema.Schema

	total   atomic.Uint64
	allowed atomic.Uint64
	blocked atomic.Uint64

	reasonMu sync.Mutex
	byReason map[BlockReason]uint64
}

// NewEnforcer creates an enforcer.
func NewEnforcer(config Config) *Enforcer {
	if config.Mode == "" {
		config.Mode = ModeStrict
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default().With("component", "enforcement")
	}
	return &Enforcer{
		mode:      config.Mode,
		evaluator: config.Evaluator,
		auditLog:  config.AuditLogger,
		logger:    logger,
		endpoints: make(map[string]Endpoint),
		schemas:   make(map[string]*jsonschema.Schema),
		byReason:  make(map[BlockReason]uint64),
	}
}

// RegisterEndpoint binds a tool name to its endpoint.
func (e *Enforcer) RegisterEndpoint(name string, endpoint Endpoint) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.endpoints[name] = endpoint
}

// CheckInvocation runs the decision procedure without executing.
func (e *Enforcer) CheckInvocation(ctx context.Context, tool *models.McpTool, inv InvocationContext) Decision {
	decision := e.decide(ctx, tool, inv)
	e.recordDecision(ctx, tool, inv, decision)
	return decision
}

// Execute runs the gate and, only on Allow, dispatches to the
// registered endpoint. There is no ungated execution path.
func (e *Enforcer) Execute(ctx context.Context, tool *models.McpTool, inv InvocationContext) (json.RawMessage, error) {
	decision := e.decide(ctx, tool, inv)
	e.recordDecision(ctx, tool, inv, decision)
	if !decision.Allowed {
		return nil, &InvocationBlockedError{ToolName: tool.Name, Reason: decision.Reason, Detail: decision.Detail}
	}

	e.mu.RLock()
	endpoint, ok := e.endpoints[tool.Name]
	e.mu.RUnlock()
	if !ok {
		err := &InvocationBlockedError{ToolName: tool.Name, Reason: BlockUnknownTool, Detail: "no endpoint registered"}
		e.countBlock(BlockUnknownTool)
		return nil, err
	}

	return endpoint(ctx, tool.Name, inv.Arguments)
}

// Statistics returns a consistent snapshot of enforcement counters.
func (e *Enforcer) Statistics() Statistics {
	e.reasonMu.Lock()
	byReason := make(map[BlockReason]uint64, len(e.byReason))
	for k, v := range e.byReason {
		byReason[k] = v
	}
	e.reasonMu.Unlock()

	return Statistics{
		Total:           e.total.Load(),
		Allowed:         e.allowed.Load(),
		Blocked:         e.blocked.Load(),
		BlockedByReason: byReason,
	}
}

// decide implements the ordered decision procedure. In AuditOnly mode
// the result is always Allow, but the would-be block is recorded.
func (e *Enforcer) decide(ctx context.Context, tool *models.McpTool, inv InvocationContext) Decision {
	block := e.firstBlock(ctx, tool, inv)
	if block == nil {
		return Allow()
	}
	if e.mode == ModeAuditOnly {
		e.logger.Warn("audit-only: invocation would have been blocked",
			"tool", tool.Name, "reason", string(block.Reason), "detail", block.Detail)
		e.countBlock(block.Reason)
		return Allow()
	}
	return *block
}

func (e *Enforcer) firstBlock(ctx context.Context, tool *models.McpTool, inv InvocationContext) *Decision {
	// Audit-only evaluates verification as Strict would, so the
	// would-be block is recorded.
	strict := e.mode == ModeStrict || e.mode == ModeAuditOnly

	// 1. Verification status.
	switch tool.Verification.State {
	case models.VerificationVerified:
		// ok
	case models.VerificationSkipped:
		if strict {
			d := Block(BlockVerificationDowngraded, "verification skipped under strict enforcement")
			return &d
		}
	case models.VerificationFailed:
		if strict {
			d := Block(BlockVerificationDowngraded, "verification failed: "+tool.Verification.Reason)
			return &d
		}
		// Permissive: allow but log.
		e.logger.Warn("invoking tool with failed verification",
			"tool", tool.Name, "reason", tool.Verification.Reason)
	default:
		// Pending (or unknown) is never invocable.
		d := Block(BlockVerificationDowngraded, "verification pending")
		return &d
	}

	// 2. Arguments must satisfy the tool schema.
	if len(tool.Schema) > 0 {
		if err := e.validateArguments(tool, inv.Arguments); err != nil {
			d := Block(BlockSchemaViolation, err.Error())
			return &d
		}
	}

	// 3. Sensitive parameters require a verified tool.
	if tool.Verification.State != models.VerificationVerified && len(tool.SensitiveParams) > 0 {
		if name, hit := sensitiveArgPresent(tool.SensitiveParams, inv.Arguments); hit {
			d := Block(BlockSensitiveOnUnverified,
				fmt.Sprintf("sensitive parameter %q on unverified tool", name))
			return &d
		}
	}

	// 4. External policy.
	if e.evaluator != nil {
		decision := e.evaluator.Evaluate(policy.Request{
			AgentID:  inv.AgentID,
			Action:   "tool.invoke",
			Resource: tool.Name,
			Time:     inv.Timestamp,
		})
		switch decision.Kind {
		case models.DecisionDeny:
			d := Block(BlockPolicyDenied, decision.Reason)
			return &d
		case models.DecisionEscalate:
			d := Block(BlockApprovalRequired, decision.Reason)
			return &d
		}
	}

	return nil
}

func (e *Enforcer) validateArguments(tool *models.McpTool, arguments json.RawMessage) error {
	schema, err := e.compiledSchema(tool)
	if err != nil {
		return fmt.Errorf("tool schema invalid: %w", err)
	}

	var value any
	if len(arguments) == 0 {
		value = map[string]any{}
	} else if err := json.Unmarshal(arguments, &value); err != nil {
		return fmt.Errorf("arguments are not valid JSON: %w", err)
	}
	if err := schema.Validate(value); err != nil {
		return fmt.Errorf("arguments do not match schema: %w", err)
	}
	return nil
}

func (e *Enforcer) compiledSchema(tool *models.McpTool) (*jsonschema.Schema, error) {
	e.mu.RLock()
	schema, ok := e.schemas[tool.Name]
	e.mu.RUnlock()
	if ok {
		return schema, nil
	}

	compiled, err := jsonschema.CompileString(tool.Name+".json", string(tool.Schema))
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.schemas[tool.Name] = compiled
	e.mu.Unlock()
	return compiled, nil
}

func sensitiveArgPresent(sensitive []string, arguments json.RawMessage) (string, bool) {
	if len(arguments) == 0 {
		return "", false
	}
	var args map[string]json.RawMessage
	if err := json.Unmarshal(arguments, &args); err != nil {
		return "", false
	}
	for _, name := range sensitive {
		if _, ok := args[name]; ok {
			return name, true
		}
	}
	return "", false
}

func (e *Enforcer) recordDecision(ctx context.Context, tool *models.McpTool, inv InvocationContext, decision Decision) {
	e.total.Add(1)
	if decision.Allowed {
		e.allowed.Add(1)
		return
	}
	e.countBlock(decision.Reason)

	if e.auditLog != nil {
		e.auditLog.ToolBlocked(ctx, string(inv.AgentID), tool.Name, inv.ToolCallID,
			string(decision.Reason)+": "+decision.Detail)
		if decision.Reason == BlockVerificationDowngraded {
			e.auditLog.VerificationDowngrade(ctx, string(inv.AgentID), tool.Name,
				string(tool.Verification.State))
		}
	}
}

func (e *Enforcer) countBlock(reason BlockReason) {
	e.blocked.Add(1)
	e.reasonMu.Lock()
	e.byReason[reason]++
	e.reasonMu.Unlock()
}
