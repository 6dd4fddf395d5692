// Package resources implements per-agent resource allocation,
// usage monitoring, and limit enforcement.
package resources

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/haasonsaas/aegis/internal/audit"
	"github.com/haasonsaas/aegis/internal/policy"
	"github.com/haasonsaas/aegis/pkg/models"
)

// ErrShutdown is returned for operations after Shutdown.
var ErrShutdown = errors.New("resource manager is shut down")

// AllocationExistsError rejects a duplicate allocation for an agent.
type AllocationExistsError struct {
	AgentID models.AgentID
}

func (e *AllocationExistsError) Error() string {
	return fmt.Sprintf("agent %s already has an allocation", e.AgentID)
}

// InsufficientResourcesError reports that minimum requirements do not
// fit in available capacity.
type InsufficientResourcesError struct {
	Dimension string
	Requested float64
	Available float64
}

func (e *InsufficientResourcesError) Error() string {
	return fmt.Sprintf("insufficient %s: requested %.1f, available %.1f",
		e.Dimension, e.Requested, e.Available)
}

// PolicyViolationError reports a policy denial of the request.
type PolicyViolationError struct {
	Reason string
}

func (e *PolicyViolationError) Error() string {
	return "allocation denied by policy: " + e.Reason
}

// EscalationRequiredError reports that policy demands manual review.
type EscalationRequiredError struct {
	Reason string
}

func (e *EscalationRequiredError) Error() string {
	return "allocation requires escalation: " + e.Reason
}

// Config configures the resource manager.
type Config struct {
	// Capacity totals across all agents.
	TotalMemoryMB      uint64
	TotalCPUCores      float64
	TotalDiskIOMbps    uint64
	TotalNetworkIOMbps uint64

	// ReservationPercentage of total capacity is held back from
	// allocation (0.0 – 1.0).
	ReservationPercentage float64

	// MonitoringInterval is how often per-agent usage is checked
	// against allocations. Zero disables the monitor.
	MonitoringInterval time.Duration

	// Evaluator, when set, gates every allocation request.
	Evaluator *policy.Evaluator

	// AuditLogger receives violation and denial events.
	AuditLogger *audit.Logger

	Logger *slog.Logger
}

// DefaultConfig sizes the manager for a development host.
func DefaultConfig() Config {
	return Config{
		TotalMemoryMB:         8192,
		TotalCPUCores:         8,
		TotalDiskIOMbps:       500,
		TotalNetworkIOMbps:    500,
		ReservationPercentage: 0.1,
		MonitoringInterval:    5 * time.Second,
	}
}

// SystemStatus is a consistent snapshot of capacity accounting.
type SystemStatus struct {
	TotalMemoryMB     uint64  `json:"total_memory_mb"`
	AllocatedMemoryMB uint64  `json:"allocated_memory_mb"`
	TotalCPUCores     float64 `json:"total_cpu_cores"`
	AllocatedCPUCores float64 `json:"allocated_cpu_cores"`
	ActiveAllocations int     `json:"active_allocations"`
	ViolationCount    int     `json:"violation_count"`
}

type agentState struct {
	allocation models.ResourceAllocation
	limits     *models.ResourceLimits
	usage      *models.ResourceUsage
	violations []models.ResourceViolation
}

// Manager tracks allocations against total capacity. The allocation
// table sits behind a single mutex; SystemStatus reads a consistent
// snapshot under it.
type Manager struct {
	config Config
	logger *slog.Logger

	mu     sync.Mutex
	agents map[models.AgentID]*agentState

	allocatedMemoryMB  uint64
	allocatedCPUCores  float64
	allocatedDiskIO    uint64
	allocatedNetworkIO uint64

	shutdown bool
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewManager creates a resource manager and starts its monitor task.
func NewManager(config Config) *Manager {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default().With("component", "resources")
	}

	m := &Manager{
		config: config,
		logger: logger,
		agents: make(map[models.AgentID]*agentState),
		done:   make(chan struct{}),
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	if config.MonitoringInterval > 0 {
		go m.monitor(ctx)
	} else {
		close(m.done)
	}
	return m
}

// Allocate admits an agent's resource request. At most one allocation
// exists per agent at any time.
func (m *Manager) Allocate(ctx context.Context, agentID models.AgentID, req models.ResourceRequirements) (*models.ResourceAllocation, error) {
	// Policy gate runs outside the table lock; it may touch
	// persisted state.
	if m.config.Evaluator != nil {
		decision := m.config.Evaluator.Evaluate(policy.Request{
			AgentID:  agentID,
			Action:   "resource.allocate",
			Resource: "system",
		})
		switch decision.Kind {
		case models.DecisionDeny:
			if m.config.AuditLogger != nil {
				m.config.AuditLogger.PolicyDenied(ctx, string(agentID), "resource.allocate", decision.PolicyID, decision.Reason)
			}
			return nil, &PolicyViolationError{Reason: decision.Reason}
		case models.DecisionEscalate:
			return nil, &EscalationRequiredError{Reason: decision.Reason}
		case models.DecisionConditional:
			req = clampRequirements(req, decision.Conditions)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.shutdown {
		return nil, ErrShutdown
	}
	if _, exists := m.agents[agentID]; exists {
		return nil, &AllocationExistsError{AgentID: agentID}
	}

	reserve := m.config.ReservationPercentage
	availMemory := float64(m.config.TotalMemoryMB)*(1-reserve) - float64(m.allocatedMemoryMB)
	availCPU := m.config.TotalCPUCores*(1-reserve) - m.allocatedCPUCores
	availDisk := float64(m.config.TotalDiskIOMbps)*(1-reserve) - float64(m.allocatedDiskIO)
	availNetwork := float64(m.config.TotalNetworkIOMbps)*(1-reserve) - float64(m.allocatedNetworkIO)

	switch {
	case float64(req.MinMemoryMB) > availMemory:
		return nil, &InsufficientResourcesError{Dimension: "memory_mb", Requested: float64(req.MinMemoryMB), Available: availMemory}
	case req.MinCPUCores > availCPU:
		return nil, &InsufficientResourcesError{Dimension: "cpu_cores", Requested: req.MinCPUCores, Available: availCPU}
	case float64(req.MinDiskIOMbps) > availDisk:
		return nil, &InsufficientResourcesError{Dimension: "disk_io_mbps", Requested: float64(req.MinDiskIOMbps), Available: availDisk}
	case float64(req.MinNetworkIOMbps) > availNetwork:
		return nil, &InsufficientResourcesError{Dimension: "network_io_mbps", Requested: float64(req.MinNetworkIOMbps), Available: availNetwork}
	}

	alloc := models.ResourceAllocation{
		AgentID:       agentID,
		MemoryMB:      minU64(req.MaxMemoryMB, uint64(availMemory)),
		CPUCores:      minF64(req.MaxCPUCores, availCPU),
		DiskIOMbps:    minU64(req.MaxDiskIOMbps, uint64(availDisk)),
		NetworkIOMbps: minU64(req.MaxNetworkIOMbps, uint64(availNetwork)),
		AllocatedAt:   time.Now().UTC(),
	}

	m.agents[agentID] = &agentState{allocation: alloc}
	m.allocatedMemoryMB += alloc.MemoryMB
	m.allocatedCPUCores += alloc.CPUCores
	m.allocatedDiskIO += alloc.DiskIOMbps
	m.allocatedNetworkIO += alloc.NetworkIOMbps

	m.logger.Debug("allocated resources",
		"agent_id", agentID,
		"memory_mb", alloc.MemoryMB,
		"cpu_cores", alloc.CPUCores,
	)
	return &alloc, nil
}

// Deallocate releases an agent's allocation. Idempotent: deallocating
// an unknown agent returns nil.
func (m *Manager) Deallocate(agentID models.AgentID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.agents[agentID]
	if !ok {
		return nil
	}
	delete(m.agents, agentID)
	m.allocatedMemoryMB -= state.allocation.MemoryMB
	m.allocatedCPUCores -= state.allocation.CPUCores
	m.allocatedDiskIO -= state.allocation.DiskIOMbps
	m.allocatedNetworkIO -= state.allocation.NetworkIOMbps
	return nil
}

// GetAllocation returns an agent's allocation, if any.
func (m *Manager) GetAllocation(agentID models.AgentID) (models.ResourceAllocation, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.agents[agentID]
	if !ok {
		return models.ResourceAllocation{}, false
	}
	return state.allocation, true
}

// UpdateUsage records a usage sample for an agent.
func (m *Manager) UpdateUsage(agentID models.AgentID, usage models.ResourceUsage) error {
	if usage.SampledAt.IsZero() {
		usage.SampledAt = time.Now().UTC()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.agents[agentID]
	if !ok {
		return fmt.Errorf("no allocation for agent %s", agentID)
	}
	state.usage = &usage
	return nil
}

// GetUsage returns the latest usage sample for an agent.
func (m *Manager) GetUsage(agentID models.AgentID) (models.ResourceUsage, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.agents[agentID]
	if !ok || state.usage == nil {
		return models.ResourceUsage{}, false
	}
	return *state.usage, true
}

// SetLimits overrides an agent's configured limits.
func (m *Manager) SetLimits(agentID models.AgentID, limits models.ResourceLimits) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.agents[agentID]
	if !ok {
		return fmt.Errorf("no allocation for agent %s", agentID)
	}
	state.limits = &limits
	return nil
}

// CheckLimits reports whether the agent's latest usage is within its
// allocation.
func (m *Manager) CheckLimits(agentID models.AgentID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.agents[agentID]
	if !ok || state.usage == nil {
		return true
	}
	return len(violationsFor(state, time.Now().UTC())) == 0
}

// CheckViolations returns the recorded violations for an agent.
// Detection records; terminating offenders is a policy decision.
func (m *Manager) CheckViolations(agentID models.AgentID) []models.ResourceViolation {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.agents[agentID]
	if !ok {
		return nil
	}
	out := make([]models.ResourceViolation, len(state.violations))
	copy(out, state.violations)
	return out
}

// SystemStatus returns a consistent snapshot of capacity accounting.
func (m *Manager) SystemStatus() SystemStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	violations := 0
	for _, state := range m.agents {
		violations += len(state.violations)
	}
	return SystemStatus{
		TotalMemoryMB:     m.config.TotalMemoryMB,
		AllocatedMemoryMB: m.allocatedMemoryMB,
		TotalCPUCores:     m.config.TotalCPUCores,
		AllocatedCPUCores: m.allocatedCPUCores,
		ActiveAllocations: len(m.agents),
		ViolationCount:    violations,
	}
}

// Shutdown cancels monitoring and releases every allocation. Further
// Allocate calls return ErrShutdown.
func (m *Manager) Shutdown() {
	m.cancel()
	<-m.done

	m.mu.Lock()
	defer m.mu.Unlock()
	m.shutdown = true
	m.agents = make(map[models.AgentID]*agentState)
	m.allocatedMemoryMB = 0
	m.allocatedCPUCores = 0
	m.allocatedDiskIO = 0
	m.allocatedNetworkIO = 0
}

func (m *Manager) monitor(ctx context.Context) {
	defer close(m.done)

	ticker := time.NewTicker(m.config.MonitoringInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sampleViolations(ctx)
		}
	}
}

func (m *Manager) sampleViolations(ctx context.Context) {
	m.mu.Lock()
	now := time.Now().UTC()
	var fresh []models.ResourceViolation
	for _, state := range m.agents {
		found := violationsFor(state, now)
		state.violations = append(state.violations, found...)
		fresh = append(fresh, found...)
	}
	m.mu.Unlock()

	for _, v := range fresh {
		m.logger.Warn("resource violation",
			"agent_id", v.AgentID, "kind", string(v.Kind),
			"observed", v.Observed, "allocated", v.Allocated)
		if m.config.AuditLogger != nil {
			m.config.AuditLogger.ResourceViolation(ctx, string(v.AgentID), string(v.Kind), v.Observed, v.Allocated)
		}
	}
}

func violationsFor(state *agentState, now time.Time) []models.ResourceViolation {
	if state.usage == nil {
		return nil
	}
	usage := *state.usage
	alloc := state.allocation

	// Explicit limit overrides tighten the allocation for checks.
	if l := state.limits; l != nil {
		if l.MemoryMB > 0 && l.MemoryMB < alloc.MemoryMB {
			alloc.MemoryMB = l.MemoryMB
		}
		if l.CPUCores > 0 && l.CPUCores < alloc.CPUCores {
			alloc.CPUCores = l.CPUCores
		}
		if l.DiskIOMbps > 0 && l.DiskIOMbps < alloc.DiskIOMbps {
			alloc.DiskIOMbps = l.DiskIOMbps
		}
		if l.NetworkIOMbps > 0 && l.NetworkIOMbps < alloc.NetworkIOMbps {
			alloc.NetworkIOMbps = l.NetworkIOMbps
		}
	}

	var out []models.ResourceViolation
	record := func(kind models.ViolationKind, observed, allocated float64) {
		out = append(out, models.ResourceViolation{
			AgentID:    alloc.AgentID,
			Kind:       kind,
			Observed:   observed,
			Allocated:  allocated,
			DetectedAt: now,
		})
	}

	if usage.MemoryMB > alloc.MemoryMB {
		record(models.MemoryExceeded, float64(usage.MemoryMB), float64(alloc.MemoryMB))
	}
	if usage.CPUCores > alloc.CPUCores {
		record(models.CPUExceeded, usage.CPUCores, alloc.CPUCores)
	}
	if usage.DiskIOMbps > alloc.DiskIOMbps {
		record(models.DiskIOExceeded, float64(usage.DiskIOMbps), float64(alloc.DiskIOMbps))
	}
	if usage.NetworkIOMbps > alloc.NetworkIOMbps {
		record(models.NetworkIOExceeded, float64(usage.NetworkIOMbps), float64(alloc.NetworkIOMbps))
	}
	return out
}

// clampRequirements applies conditional-decision constraints of the
// form max_<dimension>=<value>, clamping downward only.
func clampRequirements(req models.ResourceRequirements, conditions []string) models.ResourceRequirements {
	for _, c := range conditions {
		key, value, ok := splitConstraint(c)
		if !ok {
			continue
		}
		switch key {
		case "max_memory_mb":
			if v, err := strconv.ParseUint(value, 10, 64); err == nil && v < req.MaxMemoryMB {
				req.MaxMemoryMB = v
			}
		case "max_cpu_cores":
			if v, err := strconv.ParseFloat(value, 64); err == nil && v < req.MaxCPUCores {
				req.MaxCPUCores = v
			}
		case "max_disk_io_mbps":
			if v, err := strconv.ParseUint(value, 10, 64); err == nil && v < req.MaxDiskIOMbps {
				req.MaxDiskIOMbps = v
			}
		case "max_network_io_mbps":
			if v, err := strconv.ParseUint(value, 10, 64); err == nil && v < req.MaxNetworkIOMbps {
				req.MaxNetworkIOMbps = v
			}
		}
	}
	return req
}

func splitConstraint(c string) (string, string, bool) {
	for i := 0; i < len(c); i++ {
		if c[i] == '=' {
			return c[:i], c[i+1:], true
		}
	}
	return "", "", false
}

func minU64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}

func minF64(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
