package enforcement

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/haasonsaas/aegis/internal/policy"
	"github.com/haasonsaas/aegis/pkg/models"
)

var searchSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"query": {"type": "string"},
		"api_key": {"type": "string"},
		"limit": {"type": "integer", "minimum": 1}
	},
	"required": ["query"],
	"additionalProperties": false
}`)

func verifiedTool() *models.McpTool {
	return &models.McpTool{
		Name:   "search",
		Schema: searchSchema,
		Provider: models.ToolProvider{
			Identifier: "tools.example.com",
			Name:       "Example Tools",
		},
		Verification:    models.Verified(),
		SensitiveParams: []string{"api_key"},
	}
}

func invocation(args string) InvocationContext {
	return InvocationContext{
		AgentID:    models.NewAgentID(),
		ToolCallID: "call-1",
		Arguments:  json.RawMessage(args),
		Timestamp:  time.Now(),
	}
}

func echoEndpoint(t *testing.T, e *Enforcer) *int {
	t.Helper()
	calls := 0
	e.RegisterEndpoint("search", func(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error) {
		calls++
		return json.RawMessage(`{"ok": true}`), nil
	})
	return &calls
}

func TestEnforcer_AllowsVerifiedTool(t *testing.T) {
	e := NewEnforcer(Config{Mode: ModeStrict})
	d := e.CheckInvocation(context.Background(), verifiedTool(), invocation(`{"query": "weather"}`))
	if !d.Allowed {
		t.Errorf("expected allow, got block %s: %s", d.Reason, d.Detail)
	}
}

func TestEnforcer_FailClosedOnDowngrade(t *testing.T) {
	// S1: a verified tool later downgraded to Failed must be blocked
	// and never executed.
	e := NewEnforcer(Config{Mode: ModeStrict})
	calls := echoEndpoint(t, e)

	tool := verifiedTool()
	if d := e.CheckInvocation(context.Background(), tool, invocation(`{"query": "x"}`)); !d.Allowed {
		t.Fatalf("verified tool should be allowed: %s", d.Reason)
	}

	tool.Verification = models.VerificationFailure("signature mismatch")

	d := e.CheckInvocation(context.Background(), tool, invocation(`{"query": "x"}`))
	if d.Allowed {
		t.Fatal("downgraded tool must be blocked")
	}
	if d.Reason != BlockVerificationDowngraded {
		t.Errorf("reason = %s, want %s", d.Reason, BlockVerificationDowngraded)
	}

	_, err := e.Execute(context.Background(), tool, invocation(`{"query": "x"}`))
	var blocked *InvocationBlockedError
	if !errors.As(err, &blocked) {
		t.Fatalf("expected InvocationBlockedError, got %v", err)
	}
	if *calls != 0 {
		t.Errorf("endpoint was reached %d times through a blocked call", *calls)
	}
}

func TestEnforcer_PendingAlwaysBlocked(t *testing.T) {
	for _, mode := range []Mode{ModeStrict, ModePermissive} {
		e := NewEnforcer(Config{Mode: mode})
		tool := verifiedTool()
		tool.Verification = models.VerificationStatus{State: models.VerificationPending}

		d := e.CheckInvocation(context.Background(), tool, invocation(`{"query": "x"}`))
		if d.Allowed {
			t.Errorf("mode %s: pending tool must be blocked", mode)
		}
	}
}

func TestEnforcer_PermissiveAllowsSkipped(t *testing.T) {
	e := NewEnforcer(Config{Mode: ModePermissive})
	tool := verifiedTool()
	tool.Verification = models.SkippedVerification("local development")
	tool.SensitiveParams = nil

	d := e.CheckInvocation(context.Background(), tool, invocation(`{"query": "x"}`))
	if !d.Allowed {
		t.Errorf("permissive mode should allow skipped verification, got %s", d.Reason)
	}
}

func TestEnforcer_StrictBlocksSkipped(t *testing.T) {
	e := NewEnforcer(Config{Mode: ModeStrict})
	tool := verifiedTool()
	tool.Verification = models.SkippedVerification("local development")

	d := e.CheckInvocation(context.Background(), tool, invocation(`{"query": "x"}`))
	if d.Allowed {
		t.Error("strict mode must block skipped verification")
	}
}

func TestEnforcer_SchemaViolation(t *testing.T) {
	e := NewEnforcer(Config{Mode: ModeStrict})

	cases := []struct {
		name string
		args string
	}{
		{"missing required", `{"limit": 3}`},
		{"wrong type", `{"query": 42}`},
		{"unknown property", `{"query": "x", "extra": true}`},
		{"constraint violated", `{"query": "x", "limit": 0}`},
	}
	for _, tc := range cases {
		d := e.CheckInvocation(context.Background(), verifiedTool(), invocation(tc.args))
		if d.Allowed {
			t.Errorf("%s: expected schema violation block", tc.name)
			continue
		}
		if d.Reason != BlockSchemaViolation {
			t.Errorf("%s: reason = %s, want %s", tc.name, d.Reason, BlockSchemaViolation)
		}
	}
}

func TestEnforcer_SensitiveOnUnverified(t *testing.T) {
	e := NewEnforcer(Config{Mode: ModePermissive})
	tool := verifiedTool()
	tool.Verification = models.SkippedVerification("dev")

	d := e.CheckInvocation(context.Background(), tool, invocation(`{"query": "x", "api_key": "sk-123"}`))
	if d.Allowed {
		t.Fatal("sensitive parameter on unverified tool must be blocked")
	}
	if d.Reason != BlockSensitiveOnUnverified {
		t.Errorf("reason = %s, want %s", d.Reason, BlockSensitiveOnUnverified)
	}

	// Without the sensitive parameter the call goes through.
	d = e.CheckInvocation(context.Background(), tool, invocation(`{"query": "x"}`))
	if !d.Allowed {
		t.Errorf("non-sensitive call should pass, got %s", d.Reason)
	}
}

func TestEnforcer_PolicyDenied(t *testing.T) {
	evaluator := policy.NewEvaluator([]policy.Policy{{
		ID: "tools",
		Rules: []policy.Rule{
			{
				ID:        "no-search",
				Condition: policy.Condition{Kind: policy.CondResourceMatch, Resources: []string{"search"}},
				Effect:    policy.Effect{Kind: policy.EffectDeny, Reason: "search disabled"},
				Priority:  10,
			},
		},
	}}, policy.EvaluatorConfig{})

	e := NewEnforcer(Config{Mode: ModeStrict, Evaluator: evaluator})
	d := e.CheckInvocation(context.Background(), verifiedTool(), invocation(`{"query": "x"}`))
	if d.Allowed {
		t.Fatal("expected policy denial")
	}
	if d.Reason != BlockPolicyDenied {
		t.Errorf("reason = %s, want %s", d.Reason, BlockPolicyDenied)
	}
}

func TestEnforcer_PolicyEscalation(t *testing.T) {
	evaluator := policy.NewEvaluator([]policy.Policy{{
		ID: "tools",
		Rules: []policy.Rule{
			{
				ID:        "review-search",
				Condition: policy.Condition{Kind: policy.CondResourceMatch, Resources: []string{"search"}},
				Effect:    policy.Effect{Kind: policy.EffectEscalate, Reason: "needs review", EscalateTo: "ops"},
				Priority:  10,
			},
		},
	}}, policy.EvaluatorConfig{})

	e := NewEnforcer(Config{Mode: ModeStrict, Evaluator: evaluator})
	d := e.CheckInvocation(context.Background(), verifiedTool(), invocation(`{"query": "x"}`))
	if d.Allowed || d.Reason != BlockApprovalRequired {
		t.Errorf("expected approval_required, got allowed=%v reason=%s", d.Allowed, d.Reason)
	}
}

func TestEnforcer_AuditOnlyNeverBlocks(t *testing.T) {
	e := NewEnforcer(Config{Mode: ModeAuditOnly})
	calls := echoEndpoint(t, e)

	tool := verifiedTool()
	tool.Verification = models.VerificationFailure("bad signature")
	tool.SensitiveParams = nil

	result, err := e.Execute(context.Background(), tool, invocation(`{"query": "x"}`))
	if err != nil {
		t.Fatalf("audit-only must not block: %v", err)
	}
	if result == nil || *calls != 1 {
		t.Errorf("endpoint not reached (calls=%d)", *calls)
	}

	stats := e.Statistics()
	if stats.BlockedByReason[BlockVerificationDowngraded] == 0 {
		t.Error("audit-only should record the would-be block")
	}
}

func TestEnforcer_ExecuteUnknownTool(t *testing.T) {
	e := NewEnforcer(Config{Mode: ModeStrict})

	_, err := e.Execute(context.Background(), verifiedTool(), invocation(`{"query": "x"}`))
	var blocked *InvocationBlockedError
	if !errors.As(err, &blocked) {
		t.Fatalf("expected InvocationBlockedError, got %v", err)
	}
	if blocked.Reason != BlockUnknownTool {
		t.Errorf("reason = %s, want %s", blocked.Reason, BlockUnknownTool)
	}
}

func TestEnforcer_Statistics(t *testing.T) {
	e := NewEnforcer(Config{Mode: ModeStrict})
	ctx := context.Background()

	e.CheckInvocation(ctx, verifiedTool(), invocation(`{"query": "x"}`))

	failed := verifiedTool()
	failed.Verification = models.VerificationFailure("nope")
	e.CheckInvocation(ctx, failed, invocation(`{"query": "x"}`))
	e.CheckInvocation(ctx, verifiedTool(), invocation(`{"bad": true}`))

	stats := e.Statistics()
	if stats.Total != 3 {
		t.Errorf("total = %d, want 3", stats.Total)
	}
	if stats.Allowed != 1 {
		t.Errorf("allowed = %d, want 1", stats.Allowed)
	}
	if stats.Blocked != 2 {
		t.Errorf("blocked = %d, want 2", stats.Blocked)
	}
	if stats.BlockedByReason[BlockVerificationDowngraded] != 1 {
		t.Errorf("downgrade blocks = %d, want 1", stats.BlockedByReason[BlockVerificationDowngraded])
	}
	if stats.BlockedByReason[BlockSchemaViolation] != 1 {
		t.Errorf("schema blocks = %d, want 1", stats.BlockedByReason[BlockSchemaViolation])
	}
}

func TestEnforcer_ExecuteHappyPath(t *testing.T) {
	e := NewEnforcer(Config{Mode: ModeStrict})
	calls := echoEndpoint(t, e)

	result, err := e.Execute(context.Background(), verifiedTool(), invocation(`{"query": "weather", "limit": 3}`))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	var parsed map[string]any
	if err := json.Unmarshal(result, &parsed); err != nil {
		t.Fatalf("result not JSON: %v", err)
	}
	if *calls != 1 {
		t.Errorf("endpoint calls = %d, want 1", *calls)
	}
}
