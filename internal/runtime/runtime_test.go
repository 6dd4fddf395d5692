package runtime

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"sync/atomic"
	"testing"
	"time"

	"github.com/haasonsaas/aegis/internal/agent"
	"github.com/haasonsaas/aegis/internal/audit"
	"github.com/haasonsaas/aegis/internal/config"
	"github.com/haasonsaas/aegis/internal/enforcement"
	"github.com/haasonsaas/aegis/internal/schemapin"
	"github.com/haasonsaas/aegis/pkg/models"
)

// fakeProvider answers every conversation with a single response: a
// tool call on the first turn, then a final answer.
type fakeProvider struct {
	calls atomic.Int32
}

func (p *fakeProvider) Name() string { return "fake" }

func (p *fakeProvider) Complete(ctx context.Context, conv models.Conversation, opts agent.InferenceOptions) (*agent.InferenceResponse, error) {
	usage := models.TokenUsage{PromptTokens: 10, CompletionTokens: 10, TotalTokens: 20}
	if p.calls.Add(1) == 1 {
		return &agent.InferenceResponse{
			FinishReason: agent.FinishToolCalls,
			ToolCalls: []models.ToolCall{{
				ID: "c1", Name: "echo", Arguments: json.RawMessage(`{"text": "hi"}`),
			}},
			Usage: usage,
			Model: "fake-1",
		}, nil
	}
	return &agent.InferenceResponse{
		Content:      "done",
		FinishReason: agent.FinishStop,
		Usage:        usage,
		Model:        "fake-1",
	}, nil
}

func (p *fakeProvider) SupportsNativeTools() bool      { return true }
func (p *fakeProvider) SupportsStructuredOutput() bool { return true }

func testRuntime(t *testing.T) (*Runtime, *fakeProvider) {
	t.Helper()

	cfg := config.Default()
	cfg.KeyStore.Path = t.TempDir() + "/keys.json"
	cfg.Audit.Enabled = false
	cfg.Policy.DefaultDeny = new(bool) // default allow for tests
	cfg.Resources.MonitoringInterval = 0

	echo := &models.McpTool{
		Name:         "echo",
		Schema:       json.RawMessage(`{"type": "object"}`),
		Provider:     models.ToolProvider{Identifier: "tools.test"},
		Verification: models.Verified(),
	}

	provider := &fakeProvider{}
	rt, err := New(Options{
		Config:   cfg,
		Provider: provider,
		Tools:    []*models.McpTool{echo},
		Endpoints: map[string]enforcement.Endpoint{
			"echo": func(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error) {
				return args, nil
			},
		},
	})
	if err != nil {
		t.Fatalf("new runtime: %v", err)
	}
	t.Cleanup(rt.Shutdown)
	return rt, provider
}

func TestRuntime_RegisterAndInvoke(t *testing.T) {
	rt, _ := testRuntime(t)
	ctx := context.Background()

	cfg := &models.AgentConfig{
		Name:          "helper",
		ExecutionMode: models.ModePersistent,
		SecurityTier:  models.Tier1,
		Limits:        models.DefaultResourceLimits(),
		Priority:      models.PriorityNormal,
	}
	id, err := rt.RegisterAgent(ctx, cfg, "say hi")
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	result, err := rt.Invoke(ctx, id, "say hi again")
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if result.Termination != models.TerminationCompleted {
		t.Errorf("termination = %s", result.Termination)
	}
	if result.Output != "done" {
		t.Errorf("output = %q", result.Output)
	}
}

func TestRuntime_InvokeUnknownAgent(t *testing.T) {
	rt, _ := testRuntime(t)
	if _, err := rt.Invoke(context.Background(), models.NewAgentID(), "x"); err == nil {
		t.Error("expected error for unknown agent")
	}
}

func TestRuntime_SchedulerDispatch(t *testing.T) {
	rt, _ := testRuntime(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rt.Start(ctx)

	cfg := &models.AgentConfig{
		Name:          "worker",
		ExecutionMode: models.ModeEphemeral,
		Limits:        models.DefaultResourceLimits(),
		Priority:      models.PriorityHigh,
	}
	if _, err := rt.RegisterAgent(ctx, cfg, "go"); err != nil {
		t.Fatalf("register: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		health, _ := rt.Health()
		if health.TotalCompleted >= 1 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("scheduled agent never completed")
}

func TestRuntime_VerifyToolTOFU(t *testing.T) {
	rt, _ := testRuntime(t)
	ctx := context.Background()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatal(err)
	}
	pubPEM := string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))

	tool := &models.McpTool{
		Name:     "search",
		Schema:   json.RawMessage(`{"type": "object"}`),
		Provider: models.ToolProvider{Identifier: "provider.test"},
	}
	sig, err := schemapin.SignSchema(tool.Schema, key)
	if err != nil {
		t.Fatal(err)
	}

	if err := rt.VerifyTool(ctx, tool, sig, pubPEM); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if tool.Verification.State != models.VerificationVerified {
		t.Errorf("state = %s, want verified", tool.Verification.State)
	}

	// A different key for the same provider must be rejected and the
	// tool failed.
	otherKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	otherDER, err := x509.MarshalPKIXPublicKey(&otherKey.PublicKey)
	if err != nil {
		t.Fatal(err)
	}
	otherPEM := string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: otherDER}))

	tool2 := &models.McpTool{
		Name:     "search2",
		Schema:   json.RawMessage(`{"type": "object"}`),
		Provider: models.ToolProvider{Identifier: "provider.test"},
	}
	sig2, err := schemapin.SignSchema(tool2.Schema, otherKey)
	if err != nil {
		t.Fatal(err)
	}
	if err := rt.VerifyTool(ctx, tool2, sig2, otherPEM); err == nil {
		t.Fatal("expected TOFU mismatch for substituted key")
	}
	if tool2.Verification.State != models.VerificationFailed {
		t.Errorf("state = %s, want failed", tool2.Verification.State)
	}
}

func TestRuntime_AuditChainRecording(t *testing.T) {
	rt, _ := testRuntime(t)

	for i := 1; i <= 3; i++ {
		_, err := rt.RecordExchange(audit.RecordParams{
			DirectorOutput:   "plan",
			CriticAssessment: "looks fine",
			Verdict:          audit.VerdictApproved,
			Score:            0.9,
			CriticIdentity:   audit.LLMIdentity("fake-critic"),
			Iteration:        i,
		})
		if err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	chain := rt.AuditChain()
	if chain.Len() != 3 {
		t.Errorf("chain length = %d, want 3", chain.Len())
	}
	if err := chain.Verify(chain.VerifyingKey()); err != nil {
		t.Errorf("chain verify: %v", err)
	}
}

func TestRuntime_ShutdownHalts(t *testing.T) {
	rt, _ := testRuntime(t)
	rt.Shutdown()

	if _, err := rt.RegisterAgent(context.Background(), &models.AgentConfig{Name: "late"}, ""); err != ErrHalted {
		t.Errorf("register after shutdown = %v, want ErrHalted", err)
	}
	if _, err := rt.Invoke(context.Background(), models.NewAgentID(), ""); err != ErrHalted {
		t.Errorf("invoke after shutdown = %v, want ErrHalted", err)
	}
	// Shutdown is idempotent.
	rt.Shutdown()
}

func TestRuntime_InvalidConfigRejected(t *testing.T) {
	cfg := config.Default()
	cfg.Enforcement.Mode = "bogus"

	if _, err := New(Options{Config: cfg, Provider: &fakeProvider{}}); err == nil {
		t.Error("expected configuration error")
	}
}
