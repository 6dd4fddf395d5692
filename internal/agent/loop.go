package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/haasonsaas/aegis/internal/enforcement"
	"github.com/haasonsaas/aegis/internal/infra"
	"github.com/haasonsaas/aegis/internal/observability"
	"github.com/haasonsaas/aegis/pkg/models"
)

// maxIterationsCap bounds any configured iteration limit.
const maxIterationsCap = 100

// defaultToolTimeout is the default LoopConfig.ToolTimeout and also
// the upper bound on any single tool call: each call runs under the
// smaller of this and the loop's ToolTimeout.
const defaultToolTimeout = 30 * time.Second

// LoopConfig bounds one reasoning loop run. All fields must be
// positive after sanitization.
type LoopConfig struct {
	// MaxIterations limits plan/act/observe cycles. Default: 10,
	// capped at 100.
	MaxIterations int

	// MaxTotalTokens is the cumulative token budget. Default: 100000.
	MaxTotalTokens int

	// ToolTimeout caps each tool call. Default: 30s.
	ToolTimeout time.Duration

	// IterationTimeout caps one full iteration. Zero derives
	// ToolTimeout plus an inference budget.
	IterationTimeout time.Duration
}

// DefaultLoopConfig returns the default loop bounds.
func DefaultLoopConfig() LoopConfig {
	return LoopConfig{
		MaxIterations:  10,
		MaxTotalTokens: 100000,
		ToolTimeout:    defaultToolTimeout,
	}
}

func sanitizeLoopConfig(config LoopConfig) LoopConfig {
	defaults := DefaultLoopConfig()
	if config.MaxIterations <= 0 {
		config.MaxIterations = defaults.MaxIterations
	}
	if config.MaxIterations > maxIterationsCap {
		config.MaxIterations = maxIterationsCap
	}
	if config.MaxTotalTokens <= 0 {
		config.MaxTotalTokens = defaults.MaxTotalTokens
	}
	if config.ToolTimeout <= 0 {
		config.ToolTimeout = defaults.ToolTimeout
	}
	if config.IterationTimeout <= 0 {
		config.IterationTimeout = config.ToolTimeout + 2*time.Minute
	}
	return config
}

// ContextInjector synthesizes a system-context message from the
// agent's knowledge store, prepended each iteration when non-empty.
type ContextInjector func(ctx context.Context, agentID models.AgentID, conversation *models.Conversation) (string, error)

// RunnerConfig wires the loop runner's collaborators.
type RunnerConfig struct {
	Provider Provider

	// Enforcer is the only path to tool endpoints.
	Enforcer *enforcement.Enforcer

	// Breakers guards per-endpoint dispatch.
	Breakers *infra.CircuitBreakerRegistry

	// Tools is the set of tools offered to the model.
	Tools []*models.McpTool

	// ContextInjector is optional.
	ContextInjector ContextInjector

	// JournalCapacity bounds the iteration journal. Default: 1000.
	JournalCapacity int

	Logger  *slog.Logger
	Metrics *observability.Metrics
}

// Runner drives the reasoning loop. Run absorbs all tool- and
// provider-level errors into the result's termination reason; it
// never fails at the surface.
type Runner struct {
	provider Provider
	enforcer *enforcement.Enforcer
	breakers *infra.CircuitBreakerRegistry
	injector ContextInjector
	logger   *slog.Logger
	metrics  *observability.Metrics
	journal  *Journal

	toolIndex map[string]*models.McpTool
	toolDefs  []ToolDefinition
}

// NewRunner creates a loop runner.
func NewRunner(config RunnerConfig) *Runner {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default().With("component", "reasoning-loop")
	}

	toolIndex := make(map[string]*models.McpTool, len(config.Tools))
	toolDefs := make([]ToolDefinition, 0, len(config.Tools))
	for _, tool := range config.Tools {
		toolIndex[tool.Name] = tool
		toolDefs = append(toolDefs, ToolDefinition{
			Name:        tool.Name,
			Description: tool.Description,
			Schema:      tool.Schema,
		})
	}

	breakers := config.Breakers
	if breakers == nil {
		breakers = infra.NewCircuitBreakerRegistry(infra.DefaultCircuitBreakerConfig())
	}

	return &Runner{
		provider:  config.Provider,
		enforcer:  config.Enforcer,
		breakers:  breakers,
		injector:  config.ContextInjector,
		logger:    logger,
		metrics:   config.Metrics,
		journal:   NewJournal(config.JournalCapacity),
		toolIndex: toolIndex,
		toolDefs:  toolDefs,
	}
}

// Journal exposes the iteration journal read-only.
func (r *Runner) Journal() *Journal { return r.journal }

// Run executes the loop until a termination condition is reached.
func (r *Runner) Run(ctx context.Context, agentID models.AgentID, conversation models.Conversation, config LoopConfig) models.LoopResult {
	cfg := sanitizeLoopConfig(config)
	result := models.LoopResult{}

	if r.provider == nil {
		result.Termination = models.TerminationFatalError
		result.Output = ErrNoProvider.Error()
		return result
	}

	conv := conversation
	var output string

	for iter := 0; iter < cfg.MaxIterations; iter++ {
		// Cancellation is checked between iterations; mid-inference
		// cancellation follows the provider's own contract.
		select {
		case <-ctx.Done():
			result.Iterations = iter
			result.Output = output
			result.Termination = models.TerminationCancelled
			return result
		default:
		}

		iterStart := time.Now()
		rec := models.LoopIterationRecord{Iteration: iter + 1}

		callConv := r.injectContext(ctx, agentID, conv)

		iterCtx, cancelIter := context.WithTimeout(ctx, cfg.IterationTimeout)
		resp, err := r.complete(iterCtx, callConv)
		if resp != nil {
			result.TotalUsage.Add(resp.Usage)
		}
		if err != nil {
			cancelIter()
			result.Iterations = iter + 1
			result.Output = output

			switch {
			case ctx.Err() != nil:
				result.Termination = models.TerminationCancelled
			case errors.Is(err, context.DeadlineExceeded):
				// The iteration budget itself was exhausted.
				result.Termination = models.TerminationFatalError
				result.Output = fmt.Sprintf("iteration %d timed out after %s", iter+1, cfg.IterationTimeout)
			default:
				if !isRetryable(err) {
					result.Termination = models.TerminationFatalError
					result.Output = err.Error()
					return result
				}
				// Transient provider failure: absorb and keep going
				// until a budget runs out.
				r.logger.Warn("transient inference failure",
					"agent_id", agentID, "iteration", iter+1, "error", err)
				rec.Duration = time.Since(iterStart)
				r.journal.Append(rec)
				if result.TotalUsage.TotalTokens >= cfg.MaxTotalTokens {
					result.Termination = models.TerminationTokenBudgetExceeded
					return result
				}
				continue
			}
			return result
		}

		actions := ParseActions(resp)
		toolCalls := toolCallsOf(actions)
		rec.ToolCallsAttempted = len(toolCalls)

		if len(toolCalls) == 0 {
			result.Iterations = iter + 1
			cancelIter()

			terminal := len(actions) > 0 &&
				(actions[0].Kind == models.ActionRespond || actions[0].Kind == models.ActionFinish)
			if len(actions) > 0 && actions[0].Kind == models.ActionRespond {
				output = actions[0].Content
				conv.Append(models.ConversationMessage{Role: models.RoleAssistant, Content: output})
				rec.MessageRolesAdded = []models.Role{models.RoleAssistant}
			}
			rec.Duration = time.Since(iterStart)
			r.journal.Append(rec)
			r.countIteration()

			if terminal {
				result.Output = output
				result.Termination = models.TerminationCompleted
				return result
			}
			// Truncated or empty responses keep looping until a
			// budget runs out.
			if result.TotalUsage.TotalTokens >= cfg.MaxTotalTokens {
				result.Output = output
				result.Termination = models.TerminationTokenBudgetExceeded
				return result
			}
			continue
		}

		// Parallel dispatch with a barrier before the conversation
		// is extended.
		observations, allowed, succeeded := r.dispatch(iterCtx, agentID, toolCalls, cfg)
		cancelIter()
		rec.ToolCallsAllowed = allowed
		rec.ToolCallsSucceeded = succeeded

		assistant := models.ConversationMessage{
			Role:      models.RoleAssistant,
			Content:   resp.Content,
			ToolCalls: make([]models.ToolCall, 0, len(toolCalls)),
		}
		for _, a := range toolCalls {
			assistant.ToolCalls = append(assistant.ToolCalls, models.ToolCall{
				ID: a.CallID, Name: a.Name, Arguments: a.Arguments,
			})
		}
		conv.Append(assistant)
		rec.MessageRolesAdded = append(rec.MessageRolesAdded, models.RoleAssistant)

		for _, obs := range observations {
			conv.Append(models.ConversationMessage{
				Role:       models.RoleTool,
				Content:    obs.Content,
				ToolCallID: obs.Source,
				ToolName:   obs.Metadata["tool_name"],
			})
			rec.MessageRolesAdded = append(rec.MessageRolesAdded, models.RoleTool)
		}

		rec.Duration = time.Since(iterStart)
		r.journal.Append(rec)
		r.countIteration()
		result.Iterations = iter + 1

		// Budget overshoot is bounded by the one in-flight response.
		if result.TotalUsage.TotalTokens >= cfg.MaxTotalTokens {
			result.Output = output
			result.Termination = models.TerminationTokenBudgetExceeded
			return result
		}
	}

	result.Iterations = cfg.MaxIterations
	result.Output = output
	result.Termination = models.TerminationMaxIterations
	return result
}

func (r *Runner) complete(ctx context.Context, conv models.Conversation) (*InferenceResponse, error) {
	opts := InferenceOptions{ToolDefinitions: r.toolDefs}

	start := time.Now()
	resp, err := r.provider.Complete(ctx, conv, opts)
	if r.metrics != nil {
		r.metrics.InferenceDuration.WithLabelValues(r.provider.Name(), modelOf(resp)).
			Observe(time.Since(start).Seconds())
		if resp != nil {
			r.metrics.TokensUsed.WithLabelValues(r.provider.Name(), "prompt").Add(float64(resp.Usage.PromptTokens))
			r.metrics.TokensUsed.WithLabelValues(r.provider.Name(), "completion").Add(float64(resp.Usage.CompletionTokens))
		}
	}
	return resp, err
}

func (r *Runner) injectContext(ctx context.Context, agentID models.AgentID, conv models.Conversation) models.Conversation {
	if r.injector == nil {
		return conv
	}
	content, err := r.injector(ctx, agentID, &conv)
	if err != nil {
		r.logger.Warn("context injection failed", "agent_id", agentID, "error", err)
		return conv
	}
	if content == "" {
		return conv
	}

	injected := models.Conversation{Messages: make([]models.ConversationMessage, 0, len(conv.Messages)+1)}
	msg := models.ConversationMessage{Role: models.RoleSystem, Content: content}
	if len(conv.Messages) > 0 && conv.Messages[0].Role == models.RoleSystem {
		// Fold into the existing system message to preserve the
		// single-system invariant.
		merged := conv.Messages[0]
		merged.Content = content + "\n\n" + merged.Content
		injected.Messages = append(injected.Messages, merged)
		injected.Messages = append(injected.Messages, conv.Messages[1:]...)
		return injected
	}
	injected.Messages = append(injected.Messages, msg)
	injected.Messages = append(injected.Messages, conv.Messages...)
	return injected
}

// dispatch launches every tool call concurrently, waits for all of
// them, and returns observations in input order.
func (r *Runner) dispatch(ctx context.Context, agentID models.AgentID, calls []models.ProposedAction, cfg LoopConfig) ([]models.Observation, int, int) {
	observations := make([]models.Observation, len(calls))
	var wg sync.WaitGroup

	for i, call := range calls {
		wg.Add(1)
		go func(idx int, action models.ProposedAction) {
			defer wg.Done()
			observations[idx] = r.executeCall(ctx, agentID, action, cfg)
		}(i, call)
	}
	wg.Wait()

	allowed, succeeded := 0, 0
	for _, obs := range observations {
		switch obs.Metadata["error_type"] {
		case "circuit_open", "policy_blocked", "unknown_tool":
			// Never reached the endpoint.
		default:
			allowed++
			if !obs.IsError {
				succeeded++
			}
		}

		// Record the outcome per endpoint after the barrier.
		toolName := obs.Metadata["tool_name"]
		if toolName == "" {
			toolName = obs.Source
		}
		if obs.IsError {
			r.breakers.RecordFailure(toolName)
		} else {
			r.breakers.RecordSuccess(toolName)
		}
		if r.metrics != nil {
			outcome := "succeeded"
			if obs.IsError {
				outcome = "failed"
			}
			r.metrics.ToolInvocations.WithLabelValues(toolName, outcome).Inc()
		}
	}
	return observations, allowed, succeeded
}

func (r *Runner) executeCall(ctx context.Context, agentID models.AgentID, action models.ProposedAction, cfg LoopConfig) models.Observation {
	meta := map[string]string{"tool_name": action.Name}

	fail := func(errType, content string) models.Observation {
		meta["error_type"] = errType
		return models.Observation{Source: action.CallID, Content: content, IsError: true, Metadata: meta}
	}

	tool, known := r.toolIndex[action.Name]
	if !known {
		return fail("unknown_tool", fmt.Sprintf("unknown tool %q", action.Name))
	}

	if err := r.breakers.Check(action.Name); err != nil {
		return fail("circuit_open", fmt.Sprintf(
			"Tool %q circuit is open: %v. The tool endpoint has been failing and is temporarily disabled.",
			action.Name, err))
	}

	if r.enforcer == nil {
		return fail("policy_blocked", "no enforcement gate configured")
	}

	timeout := cfg.ToolTimeout
	if defaultToolTimeout < timeout {
		timeout = defaultToolTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	resultJSON, err := r.enforcer.Execute(callCtx, tool, enforcement.InvocationContext{
		AgentID:    agentID,
		ToolCallID: action.CallID,
		Arguments:  action.Arguments,
		Timestamp:  start,
	})
	if r.metrics != nil {
		r.metrics.ToolDuration.WithLabelValues(action.Name).Observe(time.Since(start).Seconds())
	}

	if err != nil {
		var blocked *enforcement.InvocationBlockedError
		switch {
		case errors.As(err, &blocked):
			return fail("policy_blocked", blocked.Error())
		case errors.Is(callCtx.Err(), context.DeadlineExceeded):
			return fail("timeout", fmt.Sprintf("Tool %q timed out after %s", action.Name, timeout))
		default:
			return fail("tool_error", err.Error())
		}
	}
	return models.Observation{Source: action.CallID, Content: string(resultJSON), Metadata: meta}
}

func (r *Runner) countIteration() {
	if r.metrics != nil {
		r.metrics.LoopIterations.Inc()
	}
}

func toolCallsOf(actions []models.ProposedAction) []models.ProposedAction {
	var calls []models.ProposedAction
	for _, a := range actions {
		if a.Kind == models.ActionToolCall {
			calls = append(calls, a)
		}
	}
	return calls
}

func isRetryable(err error) bool {
	var provErr *ProviderError
	if errors.As(err, &provErr) {
		return provErr.Retryable
	}
	// Unclassified errors are treated as transient; structural
	// budgets still bound the loop.
	return !errors.Is(err, ErrInvalidResponse)
}

func modelOf(resp *InferenceResponse) string {
	if resp == nil {
		return "unknown"
	}
	return resp.Model
}
