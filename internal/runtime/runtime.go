// Package runtime composes the agent runtime: admission, policy,
// enforcement, verification, the reasoning loop, and the audit trail
// behind one facade. The facade is a library API; serving it over a
// network is the embedding application's concern.
package runtime

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/haasonsaas/aegis/internal/agent"
	"github.com/haasonsaas/aegis/internal/audit"
	"github.com/haasonsaas/aegis/internal/config"
	"github.com/haasonsaas/aegis/internal/enforcement"
	"github.com/haasonsaas/aegis/internal/infra"
	"github.com/haasonsaas/aegis/internal/observability"
	"github.com/haasonsaas/aegis/internal/policy"
	"github.com/haasonsaas/aegis/internal/resources"
	"github.com/haasonsaas/aegis/internal/scheduler"
	"github.com/haasonsaas/aegis/internal/schemapin"
	"github.com/haasonsaas/aegis/internal/secrets"
	"github.com/haasonsaas/aegis/internal/storage"
	"github.com/haasonsaas/aegis/pkg/models"
)

// ErrHalted is returned for operations after shutdown or a fatal
// runtime condition.
var ErrHalted = errors.New("runtime is halted")

// Options wires the runtime's collaborators. Config drives sizing;
// everything else is dependency injection.
type Options struct {
	Config config.Config

	// Provider is the inference backend.
	Provider agent.Provider

	// Tools are the tools offered to every agent, with their
	// verification status already terminal (see VerifyTool).
	Tools []*models.McpTool

	// Endpoints maps tool names to their transports.
	Endpoints map[string]enforcement.Endpoint

	// SigningKey signs the audit chain. Generated if nil.
	SigningKey ed25519.PrivateKey

	// Secrets is a secret backend for key material. New does not read
	// from it: the audit signing key comes from SigningKey and provider
	// keys are passed to VerifyTool.
	Secrets secrets.Store

	// Store overrides the configured persistence backend.
	Store storage.KV

	// MetricsSink receives periodic snapshots.
	MetricsSink observability.Sink

	Logger *slog.Logger
}

// Runtime is the composed agent runtime.
type Runtime struct {
	config  config.Config
	logger  *slog.Logger
	metrics *observability.Metrics

	keyStore  *schemapin.KeyStore
	verifier  *schemapin.Verifier
	evaluator *policy.Evaluator
	watcher   *policy.Watcher
	enforcer  *enforcement.Enforcer
	breakers  *infra.CircuitBreakerRegistry
	resources *resources.Manager
	scheduler *scheduler.Scheduler
	cron      *scheduler.CronScheduler
	runner    *agent.Runner
	chain     *audit.Chain
	auditLog  *audit.Logger
	store     storage.KV
	sink      observability.Sink
	chainFile *os.File

	halted       atomic.Bool
	shutdownOnce sync.Once
	cancel       context.CancelFunc
	wg           sync.WaitGroup
}

// New builds a runtime. Configuration errors are fatal here and never
// recovered later.
func New(opts Options) (*Runtime, error) {
	cfg := opts.Config
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration: %w", err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{
			Level:  cfg.Observability.LogLevel,
			Format: cfg.Observability.LogFormat,
		}).Slog()
	}

	metrics := observability.NewMetrics()

	auditLog := audit.NewLogger(audit.LoggerConfig{
		Enabled: cfg.Audit.Enabled,
		Level:   audit.Level(cfg.Audit.Level),
		Logger:  logger,
	})

	signingKey := opts.SigningKey
	if signingKey == nil {
		var err error
		_, signingKey, err = ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("generate audit signing key: %w", err)
		}
	}
	chain := audit.NewChain(signingKey)

	var chainFile *os.File
	if cfg.Audit.ChainPath != "" {
		f, err := os.OpenFile(cfg.Audit.ChainPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			return nil, fmt.Errorf("open audit chain file: %w", err)
		}
		chain.WithSink(f)
		chainFile = f
	}

	keyStore, err := schemapin.NewKeyStore(schemapin.KeyStoreConfig{
		StorePath:       cfg.KeyStore.Path,
		CreateIfMissing: true,
		FilePermissions: 0o600,
	})
	if err != nil {
		return nil, fmt.Errorf("open key store: %w", err)
	}

	var policies []policy.Policy
	if cfg.Policy.Path != "" {
		policies, err = policy.LoadPolicies(cfg.Policy.Path)
		if err != nil {
			return nil, fmt.Errorf("load policies: %w", err)
		}
	}
	evaluator := policy.NewEvaluator(policies, policy.EvaluatorConfig{
		DefaultDeny: cfg.Policy.DefaultDeny,
		CacheTTL:    cfg.Policy.CacheTTL.D(),
	})

	var watcher *policy.Watcher
	if cfg.Policy.Path != "" && cfg.Policy.WatchReload {
		watcher, err = policy.NewWatcher(cfg.Policy.Path, evaluator, logger.With("component", "policy-watcher"))
		if err != nil {
			return nil, fmt.Errorf("watch policies: %w", err)
		}
	}

	breakers := infra.NewCircuitBreakerRegistry(infra.CircuitBreakerConfig{
		FailureThreshold: cfg.Circuit.FailureThreshold,
		RecoveryTimeout:  cfg.Circuit.RecoveryTimeout.D(),
		HalfOpenMaxCalls: cfg.Circuit.HalfOpenMaxCalls,
	})

	enforcer := enforcement.NewEnforcer(enforcement.Config{
		Mode:        enforcement.Mode(cfg.Enforcement.Mode),
		Evaluator:   evaluator,
		AuditLogger: auditLog,
		Logger:      logger.With("component", "enforcement"),
	})
	for name, endpoint := range opts.Endpoints {
		enforcer.RegisterEndpoint(name, endpoint)
	}

	resourceMgr := resources.NewManager(resources.Config{
		TotalMemoryMB:         cfg.Resources.TotalMemoryMB,
		TotalCPUCores:         cfg.Resources.TotalCPUCores,
		TotalDiskIOMbps:       cfg.Resources.TotalDiskIOMbps,
		TotalNetworkIOMbps:    cfg.Resources.TotalNetworkIOMbps,
		ReservationPercentage: cfg.Resources.ReservationPercentage,
		MonitoringInterval:    cfg.Resources.MonitoringInterval.D(),
		Evaluator:             evaluator,
		AuditLogger:           auditLog,
		Logger:                logger.With("component", "resources"),
	})

	runner := agent.NewRunner(agent.RunnerConfig{
		Provider: opts.Provider,
		Enforcer: enforcer,
		Breakers: breakers,
		Tools:    opts.Tools,
		Logger:   logger.With("component", "reasoning-loop"),
		Metrics:  metrics,
	})

	store := opts.Store
	if store == nil {
		switch cfg.Persistence.Backend {
		case "memory":
			store = storage.NewMemoryKV()
		case "sqlite":
			store, err = storage.NewSQLiteKV(cfg.Persistence.Path)
			if err != nil {
				return nil, fmt.Errorf("open persistence: %w", err)
			}
		}
	}

	r := &Runtime{
		config:    cfg,
		logger:    logger.With("component", "runtime"),
		metrics:   metrics,
		keyStore:  keyStore,
		verifier:  schemapin.NewVerifier(),
		evaluator: evaluator,
		watcher:   watcher,
		enforcer:  enforcer,
		breakers:  breakers,
		resources: resourceMgr,
		runner:    runner,
		chain:     chain,
		auditLog:  auditLog,
		store:     store,
		sink:      opts.MetricsSink,
		chainFile: chainFile,
	}

	r.scheduler = scheduler.NewScheduler(
		scheduler.ExecutorFunc(r.executeAgent),
		scheduler.Config{
			MaxConcurrentAgents: cfg.Runtime.MaxConcurrentAgents,
			TickInterval:        cfg.Runtime.TickInterval.D(),
			Resources:           resourceMgr,
			Logger:              logger.With("component", "scheduler"),
		},
	)

	r.cron, err = scheduler.NewCronScheduler(r.scheduler, scheduler.CronConfig{
		Store:     store,
		Evaluator: evaluator,
		Logger:    logger.With("component", "cron-scheduler"),
	})
	if err != nil {
		return nil, fmt.Errorf("cron scheduler: %w", err)
	}

	return r, nil
}

// Start launches the scheduler tick driver, cron loop, and metrics
// export.
func (r *Runtime) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	r.scheduler.Start(ctx)
	r.cron.Start(ctx)

	if r.sink != nil && r.config.Runtime.MetricsInterval.D() > 0 {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			ticker := time.NewTicker(r.config.Runtime.MetricsInterval.D())
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if err := r.sink.Export(r.snapshot()); err != nil {
						r.logger.Warn("metrics export failed", "error", err)
					}
				}
			}
		}()
	}

	r.auditLog.Log(ctx, &audit.Event{Type: audit.EventRuntimeStartup, Level: audit.LevelInfo, Action: "startup"})
}

// RegisterAgent admits an agent under resource and policy constraints
// and schedules its first run. Agents in scheduled mode with a
// "schedule" metadata entry also get a cron schedule.
func (r *Runtime) RegisterAgent(ctx context.Context, cfg *models.AgentConfig, observation string) (models.AgentID, error) {
	if r.halted.Load() {
		return "", ErrHalted
	}

	id, err := r.scheduler.ScheduleAgent(ctx, cfg, observation)
	if err != nil {
		r.auditLog.AgentRejected(ctx, string(cfg.ID), cfg.Name, err.Error())
		r.metrics.AgentsScheduled.WithLabelValues("rejected").Inc()
		return "", err
	}

	r.auditLog.AgentAdmitted(ctx, string(id), cfg.Name, cfg.Priority.String())
	r.metrics.AgentsScheduled.WithLabelValues("admitted").Inc()

	if cfg.ExecutionMode == models.ModeScheduled {
		if expr, ok := cfg.Metadata["schedule"]; ok && expr != "" {
			if err := r.cron.Add(ctx, string(id), id, expr, observation); err != nil {
				return id, fmt.Errorf("agent admitted but schedule invalid: %w", err)
			}
		}
	}
	return id, nil
}

// Invoke runs one reasoning loop for a registered agent and returns
// its result. Policy denials surface as a PolicyDenied termination,
// not as an error.
func (r *Runtime) Invoke(ctx context.Context, agentID models.AgentID, observation string) (*models.LoopResult, error) {
	if r.halted.Load() {
		return nil, ErrHalted
	}

	info, ok := r.scheduler.GetAgent(agentID)
	if !ok {
		return nil, fmt.Errorf("agent %s is not registered", agentID)
	}

	decision := r.evaluator.Evaluate(policy.Request{
		AgentID:      agentID,
		AgentName:    info.Config.Name,
		Action:       "agent.invoke",
		SecurityTier: info.Config.SecurityTier,
	})
	r.metrics.PolicyDecisions.WithLabelValues(string(decision.Kind)).Inc()
	if !decision.Allowed() {
		r.auditLog.PolicyDenied(ctx, string(agentID), "agent.invoke", decision.PolicyID, decision.Reason)
		return &models.LoopResult{Termination: models.TerminationPolicyDenied}, nil
	}

	result, err := r.executeAgent(ctx, info.Config, observation)
	if err != nil {
		return nil, err
	}
	return result, nil
}

// executeAgent is the scheduler's dispatch path.
func (r *Runtime) executeAgent(ctx context.Context, cfg *models.AgentConfig, observation string) (*models.LoopResult, error) {
	r.metrics.AgentsRunning.Inc()
	defer r.metrics.AgentsRunning.Dec()

	system := cfg.Metadata["system_prompt"]
	if system == "" {
		system = fmt.Sprintf("You are %s, an autonomous agent.", cfg.Name)
	}
	conversation := models.NewConversation(system, observation)

	loopCfg := agent.LoopConfig{
		MaxIterations:  r.config.Runtime.MaxIterations,
		MaxTotalTokens: r.config.Runtime.MaxTotalTokens,
		ToolTimeout:    r.config.Runtime.ToolTimeout.D(),
	}
	if cfg.Limits.ExecutionTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Limits.ExecutionTimeout)
		defer cancel()
	}

	result := r.runner.Run(ctx, cfg.ID, conversation, loopCfg)
	r.metrics.LoopTerminations.WithLabelValues(string(result.Termination)).Inc()
	return &result, nil
}

// VerifyTool runs the TOFU + signature pipeline for a tool and sets
// its verification status accordingly. The first key observed for a
// provider is pinned; a differing key later fails the tool.
func (r *Runtime) VerifyTool(ctx context.Context, tool *models.McpTool, signatureB64, providerKeyPEM string) error {
	fingerprint, err := schemapin.Fingerprint(providerKeyPEM)
	if err != nil {
		tool.Verification = models.VerificationFailure("invalid provider key: " + err.Error())
		return err
	}

	pin := schemapin.NewPinnedKey(tool.Provider.Identifier, providerKeyPEM, "ES256", fingerprint)
	if err := r.keyStore.PinKey(pin); err != nil {
		var mismatch *schemapin.KeyMismatchError
		if errors.As(err, &mismatch) {
			r.auditLog.KeyMismatch(ctx, tool.Provider.Identifier)
			tool.Verification = models.VerificationFailure("provider key mismatch (possible substitution)")
		} else {
			tool.Verification = models.VerificationFailure(err.Error())
		}
		return err
	}

	if err := r.verifier.VerifySchema(tool.Schema, signatureB64, providerKeyPEM); err != nil {
		tool.Verification = models.VerificationFailure(err.Error())
		r.auditLog.Log(ctx, &audit.Event{
			Type: audit.EventVerificationFailed, Level: audit.LevelWarn,
			ToolName: tool.Name, Action: "schema_verification",
			Error: err.Error(),
		})
		return err
	}

	tool.Verification = models.Verified()
	return nil
}

// RecordExchange appends a director/critic exchange to the audit
// chain. Appends are strictly ordered; this is the single writer.
func (r *Runtime) RecordExchange(params audit.RecordParams) (audit.Entry, error) {
	return r.chain.Record(params)
}

// AuditChain exposes the chain for verification.
func (r *Runtime) AuditChain() *audit.Chain { return r.chain }

// Enforcer exposes enforcement statistics.
func (r *Runtime) Enforcer() *enforcement.Enforcer { return r.enforcer }

// Schedules exposes the cron scheduler.
func (r *Runtime) Schedules() *scheduler.CronScheduler { return r.cron }

// ListAgents returns the registered agents.
func (r *Runtime) ListAgents() []scheduler.AgentInfo {
	return r.scheduler.ListAgents()
}

// StopAgent cancels an agent and releases its resources.
func (r *Runtime) StopAgent(agentID models.AgentID) error {
	if r.halted.Load() {
		return ErrHalted
	}
	r.auditLog.Log(context.Background(), &audit.Event{
		Type: audit.EventAgentStopped, Level: audit.LevelInfo,
		AgentID: string(agentID), Action: "agent_stopped",
	})
	return r.scheduler.StopAgent(agentID)
}

// Health reports scheduler and resource state.
func (r *Runtime) Health() (scheduler.Health, resources.SystemStatus) {
	return r.scheduler.GetHealth(), r.resources.SystemStatus()
}

func (r *Runtime) snapshot() observability.MetricsSnapshot {
	health := r.scheduler.GetHealth()
	status := r.resources.SystemStatus()
	return observability.MetricsSnapshot{
		AgentsRunning:     health.Running,
		QueueDepth:        health.Queued,
		TotalScheduled:    health.TotalScheduled,
		TotalCompleted:    health.TotalCompleted,
		ActiveAllocations: status.ActiveAllocations,
		OpenCircuits:      len(r.breakers.OpenCircuits()),
		MemoryUsedMB:      status.AllocatedMemoryMB,
		CPUUsedCores:      status.AllocatedCPUCores,
	}
}

// Shutdown halts the runtime: the tick driver stops, running loops
// are cancelled, and only then are resources deallocated. Further
// operations return ErrHalted.
func (r *Runtime) Shutdown() {
	r.shutdownOnce.Do(func() {
		r.halted.Store(true)
		r.auditLog.Log(context.Background(), &audit.Event{
			Type: audit.EventRuntimeShutdown, Level: audit.LevelInfo, Action: "shutdown",
		})

		r.cron.Stop()
		r.scheduler.Stop()
		if r.cancel != nil {
			r.cancel()
		}
		r.wg.Wait()

		r.resources.Shutdown()

		if r.watcher != nil {
			r.watcher.Close()
		}
		if r.sink != nil {
			if err := r.sink.Shutdown(); err != nil {
				r.logger.Warn("metrics sink shutdown failed", "error", err)
			}
		}
		if r.chainFile != nil {
			r.chainFile.Close()
		}
		if r.store != nil {
			r.store.Close()
		}
		r.auditLog.Close()
	})
}
