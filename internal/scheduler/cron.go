package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/haasonsaas/aegis/internal/policy"
	"github.com/haasonsaas/aegis/internal/storage"
	"github.com/haasonsaas/aegis/pkg/models"
)

// cronParser supports both standard (5-field) and extended (6-field
// with seconds) cron expressions plus @hourly-style descriptors.
var cronParser = cron.NewParser(
	cron.SecondOptional |
		cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

const schedulePrefix = "schedules/"

// Schedule is one named cron entry re-enqueueing an agent.
type Schedule struct {
	Name                string         `json:"name"`
	AgentID             models.AgentID `json:"agent_id"`
	CronExpr            string         `json:"cron_expr"`
	Observation         string         `json:"observation"`
	Enabled             bool           `json:"enabled"`
	CreatedAt           time.Time      `json:"created_at"`
	LastRun             *time.Time     `json:"last_run,omitempty"`
	RunCount            uint64         `json:"run_count"`
	ConsecutiveFailures uint64         `json:"consecutive_failures"`

	next time.Time
}

// CronConfig configures the cron scheduler.
type CronConfig struct {
	// PollInterval is how often due schedules are checked.
	// Default: 1s.
	PollInterval time.Duration

	// Store, when set, persists schedules across restarts.
	Store storage.KV

	// Evaluator, when set, gates every scheduled run with action
	// "schedule.execute". The request carries the schedule's
	// consecutive-failure count in Extra; none of the built-in
	// condition kinds reads Extra.
	Evaluator *policy.Evaluator

	Logger *slog.Logger
}

// CronScheduler fires schedules for agents in scheduled execution
// mode, resubmitting them through the main scheduler.
type CronScheduler struct {
	config    CronConfig
	scheduler *Scheduler
	logger    *slog.Logger

	mu        sync.Mutex
	schedules map[string]*Schedule

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewCronScheduler creates a cron scheduler submitting into s.
// Persisted schedules are restored from the store, if configured.
func NewCronScheduler(s *Scheduler, config CronConfig) (*CronScheduler, error) {
	if config.PollInterval <= 0 {
		config.PollInterval = time.Second
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default().With("component", "cron-scheduler")
	}

	c := &CronScheduler{
		config:    config,
		scheduler: s,
		logger:    logger,
		schedules: make(map[string]*Schedule),
	}
	if err := c.restore(); err != nil {
		return nil, err
	}
	return c, nil
}

// Start launches the poll loop.
func (c *CronScheduler) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.config.PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.fireDue(ctx, time.Now())
			}
		}
	}()
}

// Stop halts the poll loop.
func (c *CronScheduler) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
}

// Add registers a schedule. The cron expression is validated and the
// first fire time computed immediately.
func (c *CronScheduler) Add(ctx context.Context, name string, agentID models.AgentID, cronExpr, observation string) error {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", cronExpr, err)
	}

	entry := &Schedule{
		Name:        name,
		AgentID:     agentID,
		CronExpr:    cronExpr,
		Observation: observation,
		Enabled:     true,
		CreatedAt:   time.Now().UTC(),
		next:        sched.Next(time.Now()),
	}

	c.mu.Lock()
	c.schedules[name] = entry
	c.mu.Unlock()

	return c.persist(ctx, entry)
}

// Get returns a schedule by name.
func (c *CronScheduler) Get(name string) (Schedule, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.schedules[name]
	if !ok {
		return Schedule{}, false
	}
	return *entry, true
}

// List returns all schedules.
func (c *CronScheduler) List() []Schedule {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Schedule, 0, len(c.schedules))
	for _, entry := range c.schedules {
		out = append(out, *entry)
	}
	return out
}

// SetEnabled toggles a schedule.
func (c *CronScheduler) SetEnabled(ctx context.Context, name string, enabled bool) bool {
	c.mu.Lock()
	entry, ok := c.schedules[name]
	if ok {
		entry.Enabled = enabled
		if enabled {
			if sched, err := cronParser.Parse(entry.CronExpr); err == nil {
				entry.next = sched.Next(time.Now())
			}
		}
	}
	c.mu.Unlock()
	if ok {
		_ = c.persist(ctx, entry)
	}
	return ok
}

// Remove deletes a schedule.
func (c *CronScheduler) Remove(ctx context.Context, name string) bool {
	c.mu.Lock()
	_, ok := c.schedules[name]
	delete(c.schedules, name)
	c.mu.Unlock()

	if ok && c.config.Store != nil {
		_ = c.config.Store.Delete(ctx, schedulePrefix+name)
	}
	return ok
}

// fireDue submits every enabled schedule whose next fire time has
// passed, after consulting the policy gate.
func (c *CronScheduler) fireDue(ctx context.Context, now time.Time) {
	c.mu.Lock()
	var due []*Schedule
	for _, entry := range c.schedules {
		if entry.Enabled && !entry.next.IsZero() && !entry.next.After(now) {
			due = append(due, entry)
		}
	}
	c.mu.Unlock()

	for _, entry := range due {
		c.fire(ctx, entry, now)
	}
}

func (c *CronScheduler) fire(ctx context.Context, entry *Schedule, now time.Time) {
	if c.config.Evaluator != nil {
		decision := c.config.Evaluator.Evaluate(policy.Request{
			AgentID:  entry.AgentID,
			Action:   "schedule.execute",
			Resource: entry.Name,
			Time:     now,
			Extra: map[string]string{
				"consecutive_failures": fmt.Sprintf("%d", entry.ConsecutiveFailures),
			},
		})
		if !decision.Allowed() {
			c.logger.Warn("scheduled run blocked by policy",
				"schedule", entry.Name, "agent_id", entry.AgentID,
				"decision", string(decision.Kind), "reason", decision.Reason)
			c.advance(ctx, entry, now, false)
			return
		}
	}

	err := c.scheduler.Resubmit(entry.AgentID, entry.Observation)
	if err != nil {
		c.logger.Warn("scheduled resubmit failed",
			"schedule", entry.Name, "agent_id", entry.AgentID, "error", err)
	} else {
		c.logger.Info("fired schedule", "schedule", entry.Name, "agent_id", entry.AgentID)
	}
	c.advance(ctx, entry, now, err == nil)
}

func (c *CronScheduler) advance(ctx context.Context, entry *Schedule, now time.Time, fired bool) {
	c.mu.Lock()
	if fired {
		last := now.UTC()
		entry.LastRun = &last
		entry.RunCount++
		entry.ConsecutiveFailures = 0
	} else {
		entry.ConsecutiveFailures++
	}
	if sched, err := cronParser.Parse(entry.CronExpr); err == nil {
		entry.next = sched.Next(now)
	} else {
		// The expression was valid at Add time; disable on the
		// unexpected.
		entry.Enabled = false
	}
	c.mu.Unlock()

	_ = c.persist(ctx, entry)
}

func (c *CronScheduler) persist(ctx context.Context, entry *Schedule) error {
	if c.config.Store == nil {
		return nil
	}
	c.mu.Lock()
	data, err := json.Marshal(entry)
	c.mu.Unlock()
	if err != nil {
		return fmt.Errorf("serialize schedule %q: %w", entry.Name, err)
	}
	return c.config.Store.Put(ctx, schedulePrefix+entry.Name, data)
}

func (c *CronScheduler) restore() error {
	if c.config.Store == nil {
		return nil
	}
	entries, err := c.config.Store.ScanPrefix(context.Background(), schedulePrefix)
	if err != nil {
		return fmt.Errorf("restore schedules: %w", err)
	}
	for key, data := range entries {
		var entry Schedule
		if err := json.Unmarshal(data, &entry); err != nil {
			c.logger.Warn("skipping corrupt schedule", "key", key, "error", err)
			continue
		}
		if sched, err := cronParser.Parse(entry.CronExpr); err == nil {
			entry.next = sched.Next(time.Now())
		} else {
			entry.Enabled = false
		}
		c.schedules[entry.Name] = &entry
	}
	return nil
}
