package resources

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/haasonsaas/aegis/internal/policy"
	"github.com/haasonsaas/aegis/pkg/models"
)

func testConfig() Config {
	return Config{
		TotalMemoryMB:         1000,
		TotalCPUCores:         10,
		TotalDiskIOMbps:       1000,
		TotalNetworkIOMbps:    1000,
		ReservationPercentage: 0.1,
		// Monitor disabled; tests drive sampling directly.
	}
}

func requirements(minMem, maxMem uint64) models.ResourceRequirements {
	return models.ResourceRequirements{
		MinMemoryMB:      minMem,
		MaxMemoryMB:      maxMem,
		MinCPUCores:      0.5,
		MaxCPUCores:      1,
		MinDiskIOMbps:    10,
		MaxDiskIOMbps:    50,
		MinNetworkIOMbps: 10,
		MaxNetworkIOMbps: 50,
	}
}

func TestManager_AllocateAndDeallocate(t *testing.T) {
	m := NewManager(testConfig())
	defer m.Shutdown()

	agentID := models.NewAgentID()
	alloc, err := m.Allocate(context.Background(), agentID, requirements(100, 200))
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if alloc.MemoryMB != 200 {
		t.Errorf("granted memory = %d, want max 200", alloc.MemoryMB)
	}

	status := m.SystemStatus()
	if status.ActiveAllocations != 1 {
		t.Errorf("active allocations = %d, want 1", status.ActiveAllocations)
	}
	if status.AllocatedMemoryMB != 200 {
		t.Errorf("allocated memory = %d, want 200", status.AllocatedMemoryMB)
	}

	if err := m.Deallocate(agentID); err != nil {
		t.Fatalf("deallocate: %v", err)
	}
	if m.SystemStatus().ActiveAllocations != 0 {
		t.Error("allocation not released")
	}
	// Idempotent second deallocate.
	if err := m.Deallocate(agentID); err != nil {
		t.Errorf("second deallocate should be nil, got %v", err)
	}
}

func TestManager_DuplicateAllocationRejected(t *testing.T) {
	m := NewManager(testConfig())
	defer m.Shutdown()

	agentID := models.NewAgentID()
	if _, err := m.Allocate(context.Background(), agentID, requirements(100, 200)); err != nil {
		t.Fatal(err)
	}

	_, err := m.Allocate(context.Background(), agentID, requirements(100, 200))
	var exists *AllocationExistsError
	if !errors.As(err, &exists) {
		t.Fatalf("expected AllocationExistsError, got %v", err)
	}
}

func TestManager_InsufficientResources(t *testing.T) {
	m := NewManager(testConfig())
	defer m.Shutdown()

	// 10% reserved, so only 900 MB is allocatable.
	_, err := m.Allocate(context.Background(), models.NewAgentID(), requirements(950, 950))
	var insufficient *InsufficientResourcesError
	if !errors.As(err, &insufficient) {
		t.Fatalf("expected InsufficientResourcesError, got %v", err)
	}
	if insufficient.Dimension != "memory_mb" {
		t.Errorf("dimension = %s, want memory_mb", insufficient.Dimension)
	}
}

func TestManager_GrantClampedToAvailable(t *testing.T) {
	m := NewManager(testConfig())
	defer m.Shutdown()

	// First agent takes 600 of the 900 allocatable.
	if _, err := m.Allocate(context.Background(), models.NewAgentID(), requirements(600, 600)); err != nil {
		t.Fatal(err)
	}

	// Second asks for up to 500 but only 300 remain.
	alloc, err := m.Allocate(context.Background(), models.NewAgentID(), requirements(100, 500))
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if alloc.MemoryMB != 300 {
		t.Errorf("granted memory = %d, want 300", alloc.MemoryMB)
	}
}

func TestManager_PolicyDeny(t *testing.T) {
	evaluator := policy.NewEvaluator([]policy.Policy{{
		ID: "res",
		Rules: []policy.Rule{{
			ID:        "no-alloc",
			Condition: policy.Condition{Kind: policy.CondActionMatch, Actions: []string{"resource.allocate"}},
			Effect:    policy.Effect{Kind: policy.EffectDeny, Reason: "allocations frozen"},
		}},
	}}, policy.EvaluatorConfig{})

	config := testConfig()
	config.Evaluator = evaluator
	m := NewManager(config)
	defer m.Shutdown()

	_, err := m.Allocate(context.Background(), models.NewAgentID(), requirements(100, 200))
	var violation *PolicyViolationError
	if !errors.As(err, &violation) {
		t.Fatalf("expected PolicyViolationError, got %v", err)
	}
}

func TestManager_PolicyConditionalClampsGrant(t *testing.T) {
	evaluator := policy.NewEvaluator([]policy.Policy{{
		ID: "res",
		Rules: []policy.Rule{{
			ID:        "cap",
			Condition: policy.Condition{Kind: policy.CondActionMatch, Actions: []string{"resource.allocate"}},
			Effect:    policy.Effect{Kind: policy.EffectLimit, Constraints: map[string]string{"max_memory_mb": "150"}},
		}},
	}}, policy.EvaluatorConfig{})

	config := testConfig()
	config.Evaluator = evaluator
	m := NewManager(config)
	defer m.Shutdown()

	alloc, err := m.Allocate(context.Background(), models.NewAgentID(), requirements(100, 400))
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if alloc.MemoryMB != 150 {
		t.Errorf("granted memory = %d, want clamped 150", alloc.MemoryMB)
	}
}

func TestManager_UsageAndViolations(t *testing.T) {
	m := NewManager(testConfig())
	defer m.Shutdown()

	agentID := models.NewAgentID()
	alloc, err := m.Allocate(context.Background(), agentID, requirements(100, 200))
	if err != nil {
		t.Fatal(err)
	}

	within := models.ResourceUsage{MemoryMB: alloc.MemoryMB - 50, CPUCores: 0.5}
	if err := m.UpdateUsage(agentID, within); err != nil {
		t.Fatal(err)
	}
	if !m.CheckLimits(agentID) {
		t.Error("usage within allocation should pass CheckLimits")
	}

	over := models.ResourceUsage{MemoryMB: alloc.MemoryMB + 100, CPUCores: 0.5}
	if err := m.UpdateUsage(agentID, over); err != nil {
		t.Fatal(err)
	}
	if m.CheckLimits(agentID) {
		t.Error("usage over allocation should fail CheckLimits")
	}

	m.sampleViolations(context.Background())
	violations := m.CheckViolations(agentID)
	if len(violations) != 1 {
		t.Fatalf("violations = %d, want 1", len(violations))
	}
	if violations[0].Kind != models.MemoryExceeded {
		t.Errorf("kind = %s, want %s", violations[0].Kind, models.MemoryExceeded)
	}

	// Violations record; the allocation survives.
	if _, ok := m.GetAllocation(agentID); !ok {
		t.Error("violation must not deallocate the agent")
	}
}

func TestManager_SetLimitsTightensChecks(t *testing.T) {
	m := NewManager(testConfig())
	defer m.Shutdown()

	agentID := models.NewAgentID()
	if _, err := m.Allocate(context.Background(), agentID, requirements(100, 200)); err != nil {
		t.Fatal(err)
	}

	// 180MB is within the 200MB allocation.
	if err := m.UpdateUsage(agentID, models.ResourceUsage{MemoryMB: 180}); err != nil {
		t.Fatal(err)
	}
	if !m.CheckLimits(agentID) {
		t.Fatal("usage within allocation should pass")
	}

	// A tighter explicit limit flips the same usage into violation.
	if err := m.SetLimits(agentID, models.ResourceLimits{MemoryMB: 150}); err != nil {
		t.Fatal(err)
	}
	if m.CheckLimits(agentID) {
		t.Error("usage over the explicit limit should fail CheckLimits")
	}
}

func TestManager_UpdateUsageUnknownAgent(t *testing.T) {
	m := NewManager(testConfig())
	defer m.Shutdown()

	if err := m.UpdateUsage(models.NewAgentID(), models.ResourceUsage{}); err == nil {
		t.Error("expected error for unknown agent")
	}
}

func TestManager_Shutdown(t *testing.T) {
	config := testConfig()
	config.MonitoringInterval = 10 * time.Millisecond
	m := NewManager(config)

	if _, err := m.Allocate(context.Background(), models.NewAgentID(), requirements(100, 200)); err != nil {
		t.Fatal(err)
	}

	m.Shutdown()

	if m.SystemStatus().ActiveAllocations != 0 {
		t.Error("shutdown must release all allocations")
	}
	_, err := m.Allocate(context.Background(), models.NewAgentID(), requirements(100, 200))
	if !errors.Is(err, ErrShutdown) {
		t.Errorf("expected ErrShutdown, got %v", err)
	}
}

func TestManager_SingleAllocationInvariant(t *testing.T) {
	m := NewManager(testConfig())
	defer m.Shutdown()

	agentID := models.NewAgentID()
	done := make(chan error, 8)
	for i := 0; i < 8; i++ {
		go func() {
			_, err := m.Allocate(context.Background(), agentID, requirements(10, 20))
			done <- err
		}()
	}

	succeeded := 0
	for i := 0; i < 8; i++ {
		if err := <-done; err == nil {
			succeeded++
		}
	}
	if succeeded != 1 {
		t.Errorf("%d concurrent allocations succeeded for one agent, want exactly 1", succeeded)
	}
}
