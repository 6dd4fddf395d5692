package providers

import (
	"encoding/json"
	"testing"

	"github.com/haasonsaas/aegis/internal/agent"
	"github.com/haasonsaas/aegis/pkg/models"
)

func TestNewAnthropicProvider_RequiresAPIKey(t *testing.T) {
	if _, err := NewAnthropicProvider(AnthropicConfig{}); err == nil {
		t.Error("expected error without API key")
	}
}

func TestNewAnthropicProvider_Defaults(t *testing.T) {
	p, err := NewAnthropicProvider(AnthropicConfig{APIKey: "test-key"})
	if err != nil {
		t.Fatal(err)
	}
	if p.config.DefaultModel == "" {
		t.Error("default model not set")
	}
	if p.config.MaxTokens != 4096 {
		t.Errorf("max tokens = %d, want 4096", p.config.MaxTokens)
	}
	if !p.SupportsNativeTools() {
		t.Error("anthropic supports native tools")
	}
	if p.SupportsStructuredOutput() {
		t.Error("anthropic uses the prompt-injection fallback for structured output")
	}
}

func TestConvertMessages_RolesAndToolResults(t *testing.T) {
	msgs := []models.ConversationMessage{
		{Role: models.RoleSystem, Content: "be helpful"},
		{Role: models.RoleUser, Content: "look this up"},
		{Role: models.RoleAssistant, ToolCalls: []models.ToolCall{
			{ID: "c1", Name: "search", Arguments: json.RawMessage(`{"q": "x"}`)},
		}},
		{Role: models.RoleTool, ToolCallID: "c1", Content: `{"hits": 3}`},
	}

	converted, err := convertMessages(msgs)
	if err != nil {
		t.Fatal(err)
	}
	// System is carried separately; user, assistant, tool-result remain.
	if len(converted) != 3 {
		t.Errorf("converted %d messages, want 3", len(converted))
	}
}

func TestConvertMessages_RejectsUnknownRole(t *testing.T) {
	_, err := convertMessages([]models.ConversationMessage{{Role: "narrator", Content: "x"}})
	if err == nil {
		t.Error("expected error for unknown role")
	}
}

func TestConvertToolDefinition(t *testing.T) {
	def := agent.ToolDefinition{
		Name:        "search",
		Description: "web search",
		Schema: json.RawMessage(`{
			"type": "object",
			"properties": {"query": {"type": "string"}},
			"required": ["query"]
		}`),
	}

	tool, err := convertToolDefinition(def)
	if err != nil {
		t.Fatal(err)
	}
	if tool.OfTool == nil || tool.OfTool.Name != "search" {
		t.Fatalf("tool = %+v", tool)
	}
	if tool.OfTool.InputSchema.Properties == nil {
		t.Error("schema properties not carried over")
	}
}

func TestConvertToolDefinition_BadSchema(t *testing.T) {
	_, err := convertToolDefinition(agent.ToolDefinition{Name: "x", Schema: json.RawMessage(`{`)})
	if err == nil {
		t.Error("expected error for invalid schema JSON")
	}
}

func TestBuildParams_StructuredOutputFallback(t *testing.T) {
	p, err := NewAnthropicProvider(AnthropicConfig{APIKey: "test-key"})
	if err != nil {
		t.Fatal(err)
	}

	conv := models.NewConversation("be helpful", "give me a report")
	params, err := p.buildParams(conv, agent.InferenceOptions{
		ResponseFormat: agent.ResponseFormat{
			Kind:   agent.FormatJSONSchema,
			Name:   "report",
			Schema: json.RawMessage(`{"type": "object"}`),
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(params.System) != 1 {
		t.Fatalf("system blocks = %d, want 1", len(params.System))
	}
	system := params.System[0].Text
	if system == "be helpful" {
		t.Error("schema contract not injected into system prompt")
	}
}
