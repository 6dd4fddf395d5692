// Package providers implements concrete inference providers for the
// agent runtime. The Anthropic provider is the reference
// implementation of the agent.Provider contract; others can be added
// without touching the loop.
package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/haasonsaas/aegis/internal/agent"
	"github.com/haasonsaas/aegis/pkg/models"
)

// AnthropicConfig configures the Anthropic provider.
type AnthropicConfig struct {
	// APIKey authenticates against the Anthropic API.
	APIKey string

	// BaseURL overrides the API endpoint (proxies, test servers).
	BaseURL string

	// DefaultModel is used when a request does not specify one.
	DefaultModel string

	// MaxTokens caps each response. Default: 4096.
	MaxTokens int

	// MaxRetries bounds retry attempts on retryable failures.
	// Default: 3.
	MaxRetries int

	// RetryDelay is the initial backoff. Default: 1s.
	RetryDelay time.Duration
}

// AnthropicProvider implements agent.Provider on the official SDK.
type AnthropicProvider struct {
	client anthropic.Client
	config AnthropicConfig
}

// NewAnthropicProvider creates a provider.
func NewAnthropicProvider(config AnthropicConfig) (*AnthropicProvider, error) {
	if config.APIKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	if config.DefaultModel == "" {
		config.DefaultModel = "claude-sonnet-4-20250514"
	}
	if config.MaxTokens <= 0 {
		config.MaxTokens = 4096
	}
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	} else if config.MaxRetries == 0 {
		config.MaxRetries = 3
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = time.Second
	}

	options := []option.RequestOption{option.WithAPIKey(config.APIKey)}
	if config.BaseURL != "" {
		options = append(options, option.WithBaseURL(config.BaseURL))
	}

	return &AnthropicProvider{
		client: anthropic.NewClient(options...),
		config: config,
	}, nil
}

// Name identifies the provider.
func (p *AnthropicProvider) Name() string { return "anthropic" }

// SupportsNativeTools reports native tool-call support.
func (p *AnthropicProvider) SupportsNativeTools() bool { return true }

// SupportsStructuredOutput reports schema-constrained output support.
// Anthropic has no native response-format parameter; callers use the
// prompt-injection fallback.
func (p *AnthropicProvider) SupportsStructuredOutput() bool { return false }

// Complete runs one inference call with retry on transient failures.
func (p *AnthropicProvider) Complete(ctx context.Context, conversation models.Conversation, opts agent.InferenceOptions) (*agent.InferenceResponse, error) {
	params, err := p.buildParams(conversation, opts)
	if err != nil {
		return nil, err
	}

	var lastErr error
	delay := p.config.RetryDelay
	for attempt := 0; attempt <= p.config.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			delay *= 2
		}

		msg, err := p.client.Messages.New(ctx, params)
		if err == nil {
			return p.convertResponse(msg), nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !isRetryableAPIError(err) {
			break
		}
	}
	return nil, p.wrapError(lastErr)
}

func (p *AnthropicProvider) buildParams(conversation models.Conversation, opts agent.InferenceOptions) (anthropic.MessageNewParams, error) {
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = p.config.MaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.config.DefaultModel),
		MaxTokens: int64(maxTokens),
	}
	if opts.Temperature > 0 {
		params.Temperature = anthropic.Float(opts.Temperature)
	}

	system, hasSystem := conversation.SystemPrompt()

	// The structured-output fallback injects the schema contract into
	// the system prompt.
	if opts.ResponseFormat.Kind == agent.FormatJSONObject || opts.ResponseFormat.Kind == agent.FormatJSONSchema {
		contract := agent.SchemaPrompt(opts.ResponseFormat)
		if hasSystem {
			system = system + "\n\n" + contract
		} else {
			system = contract
		}
		hasSystem = true
	}
	if hasSystem {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}

	messages, err := convertMessages(conversation.Messages)
	if err != nil {
		return params, err
	}
	params.Messages = messages

	for _, def := range opts.ToolDefinitions {
		toolParam, err := convertToolDefinition(def)
		if err != nil {
			return params, err
		}
		params.Tools = append(params.Tools, toolParam)
	}
	return params, nil
}

// convertMessages maps conversation roles onto Anthropic's user/
// assistant alternation; tool results travel as user-side blocks.
func convertMessages(msgs []models.ConversationMessage) ([]anthropic.MessageParam, error) {
	var result []anthropic.MessageParam
	for _, msg := range msgs {
		switch msg.Role {
		case models.RoleSystem:
			// Carried in params.System.
			continue

		case models.RoleUser:
			result = append(result, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))

		case models.RoleAssistant:
			var content []anthropic.ContentBlockParamUnion
			if msg.Content != "" {
				content = append(content, anthropic.NewTextBlock(msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				var input any
				if len(tc.Arguments) > 0 {
					if err := json.Unmarshal(tc.Arguments, &input); err != nil {
						return nil, fmt.Errorf("tool call %s arguments: %w", tc.ID, err)
					}
				}
				content = append(content, anthropic.NewToolUseBlock(tc.ID, input, tc.Name))
			}
			if len(content) == 0 {
				content = append(content, anthropic.NewTextBlock(""))
			}
			result = append(result, anthropic.NewAssistantMessage(content...))

		case models.RoleTool:
			result = append(result, anthropic.NewUserMessage(
				anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, false),
			))

		default:
			return nil, fmt.Errorf("unsupported role %q", msg.Role)
		}
	}
	return result, nil
}

func convertToolDefinition(def agent.ToolDefinition) (anthropic.ToolUnionParam, error) {
	var schema map[string]any
	if len(def.Schema) > 0 {
		if err := json.Unmarshal(def.Schema, &schema); err != nil {
			return anthropic.ToolUnionParam{}, fmt.Errorf("tool %s schema: %w", def.Name, err)
		}
	}

	inputSchema := anthropic.ToolInputSchemaParam{}
	if properties, ok := schema["properties"]; ok {
		inputSchema.Properties = properties
	}
	if required, ok := schema["required"]; ok {
		inputSchema.ExtraFields = map[string]any{"required": required}
	}

	tool := anthropic.ToolParam{
		Name:        def.Name,
		InputSchema: inputSchema,
	}
	if def.Description != "" {
		tool.Description = anthropic.String(def.Description)
	}
	return anthropic.ToolUnionParam{OfTool: &tool}, nil
}

func (p *AnthropicProvider) convertResponse(msg *anthropic.Message) *agent.InferenceResponse {
	resp := &agent.InferenceResponse{
		Model: string(msg.Model),
		Usage: models.TokenUsage{
			PromptTokens:     int(msg.Usage.InputTokens),
			CompletionTokens: int(msg.Usage.OutputTokens),
			TotalTokens:      int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
		},
	}

	for _, block := range msg.Content {
		switch variant := block.AsAny().(type) {
		case anthropic.TextBlock:
			resp.Content += variant.Text
		case anthropic.ToolUseBlock:
			args, err := json.Marshal(variant.Input)
			if err != nil {
				args = json.RawMessage("{}")
			}
			resp.ToolCalls = append(resp.ToolCalls, models.ToolCall{
				ID:        variant.ID,
				Name:      variant.Name,
				Arguments: args,
			})
		}
	}

	switch msg.StopReason {
	case anthropic.StopReasonToolUse:
		resp.FinishReason = agent.FinishToolCalls
	case anthropic.StopReasonMaxTokens:
		resp.FinishReason = agent.FinishLength
	case anthropic.StopReasonEndTurn, anthropic.StopReasonStopSequence:
		resp.FinishReason = agent.FinishStop
	default:
		resp.FinishReason = agent.FinishStop
	}
	return resp
}

func (p *AnthropicProvider) wrapError(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return &agent.ProviderError{
			Provider:  "anthropic",
			Status:    apiErr.StatusCode,
			Message:   apiErr.Error(),
			Retryable: isRetryableStatus(apiErr.StatusCode),
		}
	}
	return &agent.ProviderError{Provider: "anthropic", Message: err.Error(), Retryable: true}
}

func isRetryableAPIError(err error) bool {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return isRetryableStatus(apiErr.StatusCode)
	}
	// Network-level failures are retryable.
	return true
}

func isRetryableStatus(status int) bool {
	return status == 429 || status == 408 || status >= 500
}
