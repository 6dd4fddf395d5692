// Package agent implements the inference provider contract and the
// bounded plan/act/observe reasoning loop that drives an agent.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/haasonsaas/aegis/pkg/models"
)

// Provider-level errors.
var (
	// ErrInvalidResponse reports a provider response that could not
	// be interpreted (e.g. unparseable structured output).
	ErrInvalidResponse = errors.New("invalid provider response")

	// ErrNoProvider reports a loop run without a configured provider.
	ErrNoProvider = errors.New("no inference provider configured")
)

// ProviderError wraps a provider-side failure. The loop absorbs
// retryable errors by logging them and running inference again on the
// next iteration; it does not add an error observation or any message
// to the conversation for them.
type ProviderError struct {
	Provider  string
	Status    int
	Message   string
	Retryable bool
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider %s error (status %d): %s", e.Provider, e.Status, e.Message)
}

// FinishReason is why the provider stopped generating.
type FinishReason string

const (
	FinishStop          FinishReason = "stop"
	FinishToolCalls     FinishReason = "tool_calls"
	FinishLength        FinishReason = "length"
	FinishContentFilter FinishReason = "content_filter"
	FinishError         FinishReason = "error"
)

// ResponseFormatKind discriminates requested output formats.
type ResponseFormatKind string

const (
	FormatText       ResponseFormatKind = "text"
	FormatJSONObject ResponseFormatKind = "json_object"
	FormatJSONSchema ResponseFormatKind = "json_schema"
)

// ResponseFormat requests plain text, a JSON object, or JSON matching
// a schema.
type ResponseFormat struct {
	Kind   ResponseFormatKind
	Name   string
	Schema json.RawMessage
}

// ToolDefinition describes a tool offered to the model.
type ToolDefinition struct {
	Name        string
	Description string
	Schema      json.RawMessage
}

// InferenceOptions tune a single completion call.
type InferenceOptions struct {
	Temperature     float64
	MaxTokens       int
	ToolDefinitions []ToolDefinition
	ResponseFormat  ResponseFormat
}

// InferenceResponse is one provider completion.
type InferenceResponse struct {
	Content      string
	ToolCalls    []models.ToolCall
	FinishReason FinishReason
	Usage        models.TokenUsage
	Model        string
}

// Provider abstracts the inference backend. Implementations may be
// swapped without affecting loop correctness.
type Provider interface {
	// Name identifies the provider for logging and metrics.
	Name() string

	// Complete runs one conversation → response inference call.
	Complete(ctx context.Context, conversation models.Conversation, opts InferenceOptions) (*InferenceResponse, error)

	// SupportsNativeTools reports whether the provider accepts tool
	// definitions on the wire. When false, callers fall back to
	// text-encoded tool contracts.
	SupportsNativeTools() bool

	// SupportsStructuredOutput reports native schema-constrained
	// output support. When false, the schema is injected into the
	// prompt and the reply parsed.
	SupportsStructuredOutput() bool
}

// SchemaPrompt renders the structured-output fallback instruction
// injected when a provider lacks native schema support.
func SchemaPrompt(format ResponseFormat) string {
	var b strings.Builder
	b.WriteString("Respond with a single JSON document and nothing else.")
	if len(format.Schema) > 0 {
		b.WriteString(" The response must conform to this JSON Schema")
		if format.Name != "" {
			b.WriteString(fmt.Sprintf(" (%q)", format.Name))
		}
		b.WriteString(":\n")
		b.Write(format.Schema)
	}
	return b.String()
}

// ParseStructuredResponse extracts the JSON body from a fallback
// response, stripping Markdown fences. A parse failure surfaces as
// ErrInvalidResponse, never as empty content.
func ParseStructuredResponse(content string) (json.RawMessage, error) {
	body := strings.TrimSpace(content)
	body = stripFences(body)
	if body == "" {
		return nil, fmt.Errorf("%w: empty response body", ErrInvalidResponse)
	}
	if !json.Valid([]byte(body)) {
		return nil, fmt.Errorf("%w: response is not valid JSON", ErrInvalidResponse)
	}
	return json.RawMessage(body), nil
}

func stripFences(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	// Drop an optional language tag on the fence line.
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		s = s[idx+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
