package agent

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/haasonsaas/aegis/pkg/models"
)

func TestParseActions_ToolCalls(t *testing.T) {
	resp := &InferenceResponse{
		Content:      "thinking...",
		FinishReason: FinishToolCalls,
		ToolCalls: []models.ToolCall{
			{ID: "c1", Name: "search", Arguments: json.RawMessage(`{}`)},
			{ID: "c2", Name: "fetch", Arguments: json.RawMessage(`{}`)},
		},
	}

	actions := ParseActions(resp)
	if len(actions) != 2 {
		t.Fatalf("actions = %d, want 2", len(actions))
	}
	for _, a := range actions {
		if a.Kind != models.ActionToolCall {
			t.Errorf("kind = %s, want tool_call", a.Kind)
		}
	}
}

func TestParseActions_Respond(t *testing.T) {
	resp := &InferenceResponse{Content: "the answer", FinishReason: FinishStop}

	actions := ParseActions(resp)
	if len(actions) != 1 || actions[0].Kind != models.ActionRespond {
		t.Fatalf("actions = %+v, want single respond", actions)
	}
	if actions[0].Content != "the answer" {
		t.Errorf("content = %q", actions[0].Content)
	}
}

func TestParseActions_FinishOnEmptyStop(t *testing.T) {
	resp := &InferenceResponse{FinishReason: FinishStop}

	actions := ParseActions(resp)
	if len(actions) != 1 || actions[0].Kind != models.ActionFinish {
		t.Fatalf("actions = %+v, want single finish", actions)
	}
}

func TestParseActions_NothingOnTruncation(t *testing.T) {
	resp := &InferenceResponse{FinishReason: FinishLength}
	if actions := ParseActions(resp); len(actions) != 0 {
		t.Errorf("actions = %+v, want none", actions)
	}
}

func TestParseStructuredResponse_PlainJSON(t *testing.T) {
	body, err := ParseStructuredResponse(`{"a": 1}`)
	if err != nil {
		t.Fatal(err)
	}
	if string(body) != `{"a": 1}` {
		t.Errorf("body = %s", body)
	}
}

func TestParseStructuredResponse_StripsFences(t *testing.T) {
	cases := []string{
		"```json\n{\"a\": 1}\n```",
		"```\n{\"a\": 1}\n```",
		"  ```json\n{\"a\": 1}\n```  ",
	}
	for _, input := range cases {
		body, err := ParseStructuredResponse(input)
		if err != nil {
			t.Errorf("input %q: %v", input, err)
			continue
		}
		var parsed map[string]any
		if err := json.Unmarshal(body, &parsed); err != nil {
			t.Errorf("input %q produced invalid JSON: %v", input, err)
		}
	}
}

func TestParseStructuredResponse_FailureIsExplicit(t *testing.T) {
	for _, input := range []string{"", "not json at all", "```json\nnope\n```"} {
		_, err := ParseStructuredResponse(input)
		if !errors.Is(err, ErrInvalidResponse) {
			t.Errorf("input %q: expected ErrInvalidResponse, got %v", input, err)
		}
	}
}

func TestSchemaPrompt_IncludesSchema(t *testing.T) {
	prompt := SchemaPrompt(ResponseFormat{
		Kind:   FormatJSONSchema,
		Name:   "report",
		Schema: json.RawMessage(`{"type": "object"}`),
	})
	if prompt == "" {
		t.Fatal("empty prompt")
	}
	for _, want := range []string{"JSON Schema", "report", `{"type": "object"}`} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q:\n%s", want, prompt)
		}
	}
}
