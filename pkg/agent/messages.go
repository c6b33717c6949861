package agent

import (
	"fmt"

	"github.com/agentd-project/agentd/pkg/models"
)

// RequestFromView converts a view into a provider-neutral completion
// request. Consecutive actions sharing an llm_response_id collapse into a
// single assistant message with one tool call per action.
func RequestFromView(view *View, llm models.LLMConfig) *CompletionRequest {
	req := &CompletionRequest{
		Model:       llm.Model,
		MaxTokens:   llm.MaxTokens,
		Temperature: llm.Temperature,
	}

	i := 0
	events := view.Events
	for i < len(events) {
		switch e := events[i].(type) {
		case *models.SystemPromptEvent:
			req.SystemPrompt = e.SystemPrompt
			req.Tools = e.Tools
			i++

		case *models.MessageEvent:
			content := models.JoinText(e.Content)
			if extra := models.JoinText(e.ExtendedContent); extra != "" {
				content += "\n" + extra
			}
			role := e.Role
			if role != models.RoleAssistant {
				role = models.RoleUser
			}
			req.Messages = append(req.Messages, Message{Role: role, Content: content})
			i++

		case *models.ActionEvent:
			// Collect the whole batch into one assistant message.
			msg := Message{Role: models.RoleAssistant, Content: models.JoinText(e.Thought)}
			batchID := e.LLMResponseID
			for i < len(events) {
				action, ok := events[i].(*models.ActionEvent)
				if !ok || action.LLMResponseID != batchID {
					break
				}
				msg.ToolCalls = append(msg.ToolCalls, ToolCall{
					ID:        action.ToolCallID,
					Name:      action.ToolName,
					Arguments: action.Action.Args,
				})
				i++
			}
			req.Messages = append(req.Messages, msg)

		case *models.ObservationEvent:
			req.Messages = append(req.Messages, Message{
				Role:       models.RoleTool,
				Content:    e.Observation.Content,
				ToolCallID: e.ToolCallID,
				IsError:    e.Observation.IsError,
			})
			i++

		case *models.UserRejectObservation:
			req.Messages = append(req.Messages, Message{
				Role:       models.RoleTool,
				Content:    fmt.Sprintf("The user rejected this action: %s", e.RejectionReason),
				ToolCallID: e.ToolCallID,
				IsError:    true,
			})
			i++

		case *models.AgentErrorEvent:
			req.Messages = append(req.Messages, Message{
				Role:    models.RoleUser,
				Content: fmt.Sprintf("An error occurred while running the agent: %s", e.Error),
			})
			i++

		case *models.CondensationSummaryEvent:
			req.Messages = append(req.Messages, Message{
				Role:    models.RoleUser,
				Content: fmt.Sprintf("Summary of the conversation so far: %s", e.Summary),
			})
			i++

		default:
			i++
		}
	}

	return req
}
