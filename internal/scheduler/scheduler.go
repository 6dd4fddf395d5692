package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/haasonsaas/aegis/internal/resources"
	"github.com/haasonsaas/aegis/pkg/models"
)

// ErrStopped is returned when scheduling into a stopped scheduler.
var ErrStopped = errors.New("scheduler is stopped")

// AgentState is the lifecycle state of an admitted agent.
type AgentState string

const (
	StateQueued    AgentState = "queued"
	StateRunning   AgentState = "running"
	StateCompleted AgentState = "completed"
	StateFailed    AgentState = "failed"
	StateStopped   AgentState = "stopped"
)

// Executor is the dispatch path: it drives one agent run to
// completion. The runtime facade wires this to the reasoning loop.
type Executor interface {
	ExecuteAgent(ctx context.Context, config *models.AgentConfig, observation string) (*models.LoopResult, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, config *models.AgentConfig, observation string) (*models.LoopResult, error)

func (f ExecutorFunc) ExecuteAgent(ctx context.Context, config *models.AgentConfig, observation string) (*models.LoopResult, error) {
	return f(ctx, config, observation)
}

// Config configures the scheduler.
type Config struct {
	// MaxConcurrentAgents bounds |running|. Default: 10.
	MaxConcurrentAgents int

	// TickInterval drives the dispatch loop. Default: 100ms.
	TickInterval time.Duration

	// Resources, when set, gates admission: an agent with no
	// allocation is never admitted.
	Resources *resources.Manager

	Logger *slog.Logger
}

// AgentInfo is the externally visible registry entry.
type AgentInfo struct {
	Config *models.AgentConfig
	State  AgentState
}

// Health summarizes scheduler counters.
type Health struct {
	Running        int    `json:"running"`
	Queued         int    `json:"queued"`
	MaxConcurrent  int    `json:"max_concurrent"`
	TotalScheduled uint64 `json:"total_scheduled"`
	TotalCompleted uint64 `json:"total_completed"`
	TotalFailed    uint64 `json:"total_failed"`
}

type agentEntry struct {
	config *models.AgentConfig
	state  AgentState
	cancel context.CancelFunc
}

// Scheduler owns the agent registry, the running set, and the queue.
// Running tasks hold only an AgentID and consult the registry; there
// are no back-pointers from tasks into the scheduler.
type Scheduler struct {
	config   Config
	executor Executor
	logger   *slog.Logger

	queue *TaskQueue

	tickMu  sync.Mutex
	mu      sync.Mutex
	agents  map[models.AgentID]*agentEntry
	running map[models.AgentID]struct{}
	stopped bool

	totalScheduled atomic.Uint64
	totalCompleted atomic.Uint64
	totalFailed    atomic.Uint64

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a scheduler dispatching into the executor.
func NewScheduler(executor Executor, config Config) *Scheduler {
	if config.MaxConcurrentAgents <= 0 {
		config.MaxConcurrentAgents = 10
	}
	if config.TickInterval <= 0 {
		config.TickInterval = 100 * time.Millisecond
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default().With("component", "scheduler")
	}
	return &Scheduler{
		config:   config,
		executor: executor,
		logger:   logger,
		queue:    NewTaskQueue(),
		agents:   make(map[models.AgentID]*agentEntry),
		running:  make(map[models.AgentID]struct{}),
	}
}

// Start launches the tick driver.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.config.TickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Tick(ctx)
			}
		}
	}()
}

// Stop halts the tick driver, cancels running agents, and waits for
// dispatch goroutines to drain.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	for _, entry := range s.agents {
		if entry.cancel != nil {
			entry.cancel()
		}
	}
	s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// ScheduleAgent admits an agent: registers its config, allocates
// resources, and queues a task for dispatch.
func (s *Scheduler) ScheduleAgent(ctx context.Context, config *models.AgentConfig, observation string) (models.AgentID, error) {
	if config == nil {
		return "", errors.New("agent config is nil")
	}
	if config.ID == "" {
		config.ID = models.NewAgentID()
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return "", ErrStopped
	}
	if entry, exists := s.agents[config.ID]; exists && entry.state == StateRunning {
		s.mu.Unlock()
		return "", fmt.Errorf("agent %s is already running", config.ID)
	}
	s.mu.Unlock()

	if s.config.Resources != nil {
		if _, ok := s.config.Resources.GetAllocation(config.ID); !ok {
			req := models.RequirementsFromLimits(config.Limits)
			if _, err := s.config.Resources.Allocate(ctx, config.ID, req); err != nil {
				return "", fmt.Errorf("admission failed: %w", err)
			}
		}
	}

	s.mu.Lock()
	s.agents[config.ID] = &agentEntry{config: config, state: StateQueued}
	s.mu.Unlock()

	s.queue.Push(models.ScheduledTask{
		Config:   config,
		Priority: config.Priority,
	}, observation)
	s.totalScheduled.Add(1)

	s.logger.Info("scheduled agent",
		"agent_id", config.ID,
		"name", config.Name,
		"priority", config.Priority.String(),
	)
	return config.ID, nil
}

// Resubmit queues another run for an already registered agent,
// keeping its existing allocation. Used by cron schedules.
func (s *Scheduler) Resubmit(agentID models.AgentID, observation string) error {
	s.mu.Lock()
	entry, ok := s.agents[agentID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("agent %s is not registered", agentID)
	}
	if entry.state == StateRunning || entry.state == StateQueued {
		s.mu.Unlock()
		return fmt.Errorf("agent %s already has a pending run", agentID)
	}
	entry.state = StateQueued
	config := entry.config
	s.mu.Unlock()

	s.queue.Push(models.ScheduledTask{Config: config, Priority: config.Priority}, observation)
	s.totalScheduled.Add(1)
	return nil
}

// Tick dispatches queued tasks while running capacity remains.
// |running| never exceeds MaxConcurrentAgents; tickMu serializes
// concurrent ticks so the capacity check and the running-set insert
// cannot interleave.
func (s *Scheduler) Tick(ctx context.Context) {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	for {
		s.mu.Lock()
		if s.stopped || len(s.running) >= s.config.MaxConcurrentAgents {
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()

		task, observation, ok := s.queue.Pop()
		if !ok {
			return
		}

		s.mu.Lock()
		entry, registered := s.agents[task.Config.ID]
		if !registered || entry.state == StateStopped {
			// Stopped while queued; drop the task.
			s.mu.Unlock()
			continue
		}
		runCtx, cancel := context.WithCancel(ctx)
		entry.state = StateRunning
		entry.cancel = cancel
		s.running[task.Config.ID] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go s.dispatch(runCtx, task, observation)
	}
}

func (s *Scheduler) dispatch(ctx context.Context, task models.ScheduledTask, observation string) {
	defer s.wg.Done()

	config := task.Config
	result, err := s.executor.ExecuteAgent(ctx, config, observation)

	s.mu.Lock()
	delete(s.running, config.ID)
	entry, ok := s.agents[config.ID]
	if ok && entry.state != StateStopped {
		if err != nil || (result != nil && result.Termination == models.TerminationFatalError) {
			entry.state = StateFailed
		} else {
			entry.state = StateCompleted
		}
		entry.cancel = nil
	}
	ephemeral := config.ExecutionMode == models.ModeEphemeral
	if ephemeral {
		delete(s.agents, config.ID)
	}
	s.mu.Unlock()

	if err != nil {
		s.totalFailed.Add(1)
		s.logger.Error("agent run failed", "agent_id", config.ID, "error", err)
	} else {
		s.totalCompleted.Add(1)
		if result != nil {
			s.logger.Info("agent run finished",
				"agent_id", config.ID,
				"termination", string(result.Termination),
				"iterations", result.Iterations,
			)
		}
	}

	if ephemeral && s.config.Resources != nil {
		if derr := s.config.Resources.Deallocate(config.ID); derr != nil {
			s.logger.Warn("deallocate failed", "agent_id", config.ID, "error", derr)
		}
	}
}

// StopAgent cancels a running agent, removes queued runs, and
// releases its allocation.
func (s *Scheduler) StopAgent(agentID models.AgentID) error {
	s.mu.Lock()
	entry, ok := s.agents[agentID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("agent %s is not registered", agentID)
	}
	if entry.cancel != nil {
		entry.cancel()
	}
	entry.state = StateStopped
	s.mu.Unlock()

	s.queue.Remove(agentID)

	if s.config.Resources != nil {
		if err := s.config.Resources.Deallocate(agentID); err != nil {
			return err
		}
	}
	return nil
}

// RemoveAgent drops an agent from the registry entirely.
func (s *Scheduler) RemoveAgent(agentID models.AgentID) error {
	if err := s.StopAgent(agentID); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.agents, agentID)
	s.mu.Unlock()
	return nil
}

// GetAgent looks up a registered agent.
func (s *Scheduler) GetAgent(agentID models.AgentID) (AgentInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.agents[agentID]
	if !ok {
		return AgentInfo{}, false
	}
	return AgentInfo{Config: entry.config, State: entry.state}, true
}

// ListAgents returns all registered agents.
func (s *Scheduler) ListAgents() []AgentInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]AgentInfo, 0, len(s.agents))
	for _, entry := range s.agents {
		out = append(out, AgentInfo{Config: entry.config, State: entry.state})
	}
	return out
}

// GetHealth returns scheduler counters.
func (s *Scheduler) GetHealth() Health {
	s.mu.Lock()
	running := len(s.running)
	s.mu.Unlock()

	return Health{
		Running:        running,
		Queued:         s.queue.Len(),
		MaxConcurrent:  s.config.MaxConcurrentAgents,
		TotalScheduled: s.totalScheduled.Load(),
		TotalCompleted: s.totalCompleted.Load(),
		TotalFailed:    s.totalFailed.Load(),
	}
}
