package agent

import (
	"github.com/haasonsaas/aegis/pkg/models"
)

// ParseActions interprets an inference response as proposed actions.
//
// Rules:
//   - Every tool call becomes a ToolCall action.
//   - No tool calls with non-empty content is a Respond.
//   - finish_reason Stop with empty content is a Finish.
func ParseActions(resp *InferenceResponse) []models.ProposedAction {
	if resp == nil {
		return nil
	}

	if len(resp.ToolCalls) > 0 {
		actions := make([]models.ProposedAction, 0, len(resp.ToolCalls))
		for _, tc := range resp.ToolCalls {
			actions = append(actions, models.ProposedAction{
				Kind:      models.ActionToolCall,
				CallID:    tc.ID,
				Name:      tc.Name,
				Arguments: tc.Arguments,
			})
		}
		return actions
	}

	if resp.Content != "" {
		return []models.ProposedAction{{Kind: models.ActionRespond, Content: resp.Content}}
	}

	if resp.FinishReason == FinishStop {
		return []models.ProposedAction{{Kind: models.ActionFinish, Reason: "completed"}}
	}

	return nil
}
