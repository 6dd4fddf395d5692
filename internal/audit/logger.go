package audit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/aegis/internal/observability"
)

// LoggerConfig configures the operational event logger.
type LoggerConfig struct {
	// Enabled turns event logging on. A disabled logger drops events.
	Enabled bool

	// Level is the minimum severity written.
	Level Level

	// Logger receives the structured output. Defaults to
	// slog.Default with a component attribute.
	Logger *slog.Logger

	// BufferSize bounds the async queue. Default: 1000.
	BufferSize int

	// MaxFieldSize truncates long detail strings. Default: 1024.
	MaxFieldSize int
}

// Logger writes operational audit events asynchronously through slog.
// A full buffer degrades to a synchronous write rather than dropping
// the event.
type Logger struct {
	config  LoggerConfig
	slogger *slog.Logger
	buffer  chan *Event
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewLogger creates an event logger. Call Close to flush.
func NewLogger(config LoggerConfig) *Logger {
	if !config.Enabled {
		return &Logger{config: config}
	}
	if config.BufferSize == 0 {
		config.BufferSize = 1000
	}
	if config.MaxFieldSize == 0 {
		config.MaxFieldSize = 1024
	}
	if config.Level == "" {
		config.Level = LevelInfo
	}

	slogger := config.Logger
	if slogger == nil {
		slogger = slog.Default()
	}

	l := &Logger{
		config:  config,
		slogger: slogger.With("component", "audit"),
		buffer:  make(chan *Event, config.BufferSize),
		done:    make(chan struct{}),
	}

	l.wg.Add(1)
	go l.writeLoop()
	return l
}

// Close drains buffered events and stops the writer.
func (l *Logger) Close() {
	if !l.config.Enabled {
		return
	}
	close(l.done)
	l.wg.Wait()
}

// Log records one event.
func (l *Logger) Log(ctx context.Context, event *Event) {
	if !l.config.Enabled || event == nil {
		return
	}
	if !l.shouldLog(event.Level) {
		return
	}

	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.TraceID == "" {
		event.TraceID = observability.TraceID(ctx)
	}
	if event.SpanID == "" {
		event.SpanID = observability.SpanID(ctx)
	}

	select {
	case l.buffer <- event:
	default:
		// Buffer full; write inline so nothing is lost.
		l.writeEvent(event)
	}
}

// ToolBlocked records a blocked tool invocation.
func (l *Logger) ToolBlocked(ctx context.Context, agentID, toolName, callID, reason string) {
	l.Log(ctx, &Event{
		Type:       EventToolBlocked,
		Level:      LevelWarn,
		AgentID:    agentID,
		ToolName:   toolName,
		ToolCallID: callID,
		Action:     "tool_blocked",
		Details:    map[string]any{"reason": l.truncate(reason)},
	})
}

// ToolCompleted records a finished tool invocation.
func (l *Logger) ToolCompleted(ctx context.Context, agentID, toolName, callID string, success bool, duration time.Duration) {
	level := LevelInfo
	if !success {
		level = LevelWarn
	}
	l.Log(ctx, &Event{
		Type:       EventToolCompleted,
		Level:      level,
		AgentID:    agentID,
		ToolName:   toolName,
		ToolCallID: callID,
		Action:     "tool_completed",
		Duration:   duration,
		Details:    map[string]any{"success": success},
	})
}

// PolicyDenied records a policy denial for an agent action.
func (l *Logger) PolicyDenied(ctx context.Context, agentID, action, policyID, reason string) {
	l.Log(ctx, &Event{
		Type:     EventPolicyDenied,
		Level:    LevelWarn,
		AgentID:  agentID,
		PolicyID: policyID,
		Action:   action,
		Details:  map[string]any{"reason": l.truncate(reason)},
	})
}

// VerificationDowngrade records a tool whose verification status kept
// it from being invoked.
func (l *Logger) VerificationDowngrade(ctx context.Context, agentID, toolName, state string) {
	l.Log(ctx, &Event{
		Type:     EventVerificationDowngrade,
		Level:    LevelWarn,
		AgentID:  agentID,
		ToolName: toolName,
		Action:   "verification_downgrade",
		Details:  map[string]any{"verification_state": state},
	})
}

// KeyMismatch records a TOFU pin rejection.
func (l *Logger) KeyMismatch(ctx context.Context, identifier string) {
	l.Log(ctx, &Event{
		Type:    EventKeyMismatch,
		Level:   LevelError,
		Action:  "key_mismatch",
		Details: map[string]any{"identifier": identifier},
	})
}

// AgentAdmitted records a successful admission.
func (l *Logger) AgentAdmitted(ctx context.Context, agentID, name string, priority string) {
	l.Log(ctx, &Event{
		Type:    EventAgentAdmitted,
		Level:   LevelInfo,
		AgentID: agentID,
		Action:  "agent_admitted",
		Details: map[string]any{"name": name, "priority": priority},
	})
}

// AgentRejected records a failed admission.
func (l *Logger) AgentRejected(ctx context.Context, agentID, name, reason string) {
	l.Log(ctx, &Event{
		Type:    EventAgentRejected,
		Level:   LevelWarn,
		AgentID: agentID,
		Action:  "agent_rejected",
		Details: map[string]any{"name": name, "reason": l.truncate(reason)},
	})
}

// ResourceViolation records a usage sample exceeding its allocation.
func (l *Logger) ResourceViolation(ctx context.Context, agentID, kind string, observed, allocated float64) {
	l.Log(ctx, &Event{
		Type:    EventResourceViolation,
		Level:   LevelWarn,
		AgentID: agentID,
		Action:  "resource_violation",
		Details: map[string]any{"kind": kind, "observed": observed, "allocated": allocated},
	})
}

func (l *Logger) writeLoop() {
	defer l.wg.Done()
	for {
		select {
		case event := <-l.buffer:
			l.writeEvent(event)
		case <-l.done:
			for {
				select {
				case event := <-l.buffer:
					l.writeEvent(event)
				default:
					return
				}
			}
		}
	}
}

func (l *Logger) writeEvent(event *Event) {
	attrs := []any{
		"audit_id", event.ID,
		"audit_type", string(event.Type),
		"action", event.Action,
		"timestamp", event.Timestamp.Format(time.RFC3339Nano),
	}
	if event.AgentID != "" {
		attrs = append(attrs, "agent_id", event.AgentID)
	}
	if event.ToolName != "" {
		attrs = append(attrs, "tool_name", event.ToolName)
	}
	if event.ToolCallID != "" {
		attrs = append(attrs, "tool_call_id", event.ToolCallID)
	}
	if event.PolicyID != "" {
		attrs = append(attrs, "policy_id", event.PolicyID)
	}
	if event.TraceID != "" {
		attrs = append(attrs, "trace_id", event.TraceID)
	}
	if event.SpanID != "" {
		attrs = append(attrs, "span_id", event.SpanID)
	}
	if event.Duration > 0 {
		attrs = append(attrs, "duration_ms", event.Duration.Milliseconds())
	}
	if event.Error != "" {
		attrs = append(attrs, "error", event.Error)
	}
	for k, v := range event.Details {
		attrs = append(attrs, k, v)
	}

	switch event.Level {
	case LevelDebug:
		l.slogger.Debug("audit", attrs...)
	case LevelWarn:
		l.slogger.Warn("audit", attrs...)
	case LevelError:
		l.slogger.Error("audit", attrs...)
	default:
		l.slogger.Info("audit", attrs...)
	}
}

func (l *Logger) shouldLog(level Level) bool {
	rank := map[Level]int{LevelDebug: 0, LevelInfo: 1, LevelWarn: 2, LevelError: 3}
	return rank[level] >= rank[l.config.Level]
}

func (l *Logger) truncate(s string) string {
	if l.config.MaxFieldSize > 0 && len(s) > l.config.MaxFieldSize {
		return s[:l.config.MaxFieldSize] + "...(truncated)"
	}
	return s
}
