package models

import "time"

// ResourceLimits caps what an agent may consume.
type ResourceLimits struct {
	MemoryMB         uint64        `json:"memory_mb"`
	CPUCores         float64       `json:"cpu_cores"`
	DiskIOMbps       uint64        `json:"disk_io_mbps"`
	NetworkIOMbps    uint64        `json:"network_io_mbps"`
	ExecutionTimeout time.Duration `json:"execution_timeout"`
	IdleTimeout      time.Duration `json:"idle_timeout"`
}

// DefaultResourceLimits returns limits suitable for an untrusted agent.
func DefaultResourceLimits() ResourceLimits {
	return ResourceLimits{
		MemoryMB:         512,
		CPUCores:         1.0,
		DiskIOMbps:       50,
		NetworkIOMbps:    50,
		ExecutionTimeout: 5 * time.Minute,
		IdleTimeout:      10 * time.Minute,
	}
}

// ResourceRequirements carries a min/max band per dimension.
// The allocator may grant anything in between.
type ResourceRequirements struct {
	MinMemoryMB      uint64  `json:"min_memory_mb"`
	MaxMemoryMB      uint64  `json:"max_memory_mb"`
	MinCPUCores      float64 `json:"min_cpu_cores"`
	MaxCPUCores      float64 `json:"max_cpu_cores"`
	MinDiskIOMbps    uint64  `json:"min_disk_io_mbps"`
	MaxDiskIOMbps    uint64  `json:"max_disk_io_mbps"`
	MinNetworkIOMbps uint64  `json:"min_network_io_mbps"`
	MaxNetworkIOMbps uint64  `json:"max_network_io_mbps"`
}

// RequirementsFromLimits converts configured limits into an allocation
// request. The minimum band is half the limit so the allocator can
// admit under pressure.
func RequirementsFromLimits(l ResourceLimits) ResourceRequirements {
	return ResourceRequirements{
		MinMemoryMB:      l.MemoryMB / 2,
		MaxMemoryMB:      l.MemoryMB,
		MinCPUCores:      l.CPUCores / 2,
		MaxCPUCores:      l.CPUCores,
		MinDiskIOMbps:    l.DiskIOMbps / 2,
		MaxDiskIOMbps:    l.DiskIOMbps,
		MinNetworkIOMbps: l.NetworkIOMbps / 2,
		MaxNetworkIOMbps: l.NetworkIOMbps,
	}
}

// ResourceAllocation records what the resource manager granted to an
// agent. An allocation exists exactly while the agent is known to the
// runtime and counts against system capacity.
type ResourceAllocation struct {
	AgentID       AgentID    `json:"agent_id"`
	MemoryMB      uint64     `json:"memory_mb"`
	CPUCores      float64    `json:"cpu_cores"`
	DiskIOMbps    uint64     `json:"disk_io_mbps"`
	NetworkIOMbps uint64     `json:"network_io_mbps"`
	AllocatedAt   time.Time  `json:"allocated_at"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
}

// ResourceUsage is a point-in-time sample of an agent's consumption.
type ResourceUsage struct {
	MemoryMB      uint64    `json:"memory_mb"`
	CPUCores      float64   `json:"cpu_cores"`
	DiskIOMbps    uint64    `json:"disk_io_mbps"`
	NetworkIOMbps uint64    `json:"network_io_mbps"`
	SampledAt     time.Time `json:"sampled_at"`
}

// ViolationKind names the dimension a usage sample exceeded.
type ViolationKind string

const (
	MemoryExceeded    ViolationKind = "memory_exceeded"
	CPUExceeded       ViolationKind = "cpu_exceeded"
	DiskIOExceeded    ViolationKind = "disk_io_exceeded"
	NetworkIOExceeded ViolationKind = "network_io_exceeded"
)

// ResourceViolation records a usage sample exceeding its allocation.
// Detection only records; termination is a policy decision.
type ResourceViolation struct {
	AgentID    AgentID       `json:"agent_id"`
	Kind       ViolationKind `json:"kind"`
	Observed   float64       `json:"observed"`
	Allocated  float64       `json:"allocated"`
	DetectedAt time.Time     `json:"detected_at"`
}
