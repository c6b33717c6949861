package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/agentd-project/agentd/pkg/models"
)

// Condenser proposes forgetting part of the conversation history. A nil
// return with nil error means the view needs no condensation.
type Condenser interface {
	Condense(ctx context.Context, view *View) (*models.Condensation, error)
}

// LLMSummarizingCondenser keeps the head and tail of the view and replaces
// the middle with an LLM-written summary. Action batches are never split:
// forgetting one member forgets the whole batch.
type LLMSummarizingCondenser struct {
	llm       LLMClient
	model     models.LLMConfig
	keepFirst int
	keepLast  int
}

// NewLLMSummarizingCondenser configures a condenser. keepFirst should be at
// least 1 so the system prompt survives.
func NewLLMSummarizingCondenser(llm LLMClient, model models.LLMConfig, keepFirst, keepLast int) *LLMSummarizingCondenser {
	if keepFirst < 1 {
		keepFirst = 1
	}
	if keepLast < 1 {
		keepLast = 1
	}
	return &LLMSummarizingCondenser{llm: llm, model: model, keepFirst: keepFirst, keepLast: keepLast}
}

func (c *LLMSummarizingCondenser) Condense(ctx context.Context, view *View) (*models.Condensation, error) {
	events := view.Events
	if len(events) <= c.keepFirst+c.keepLast {
		return nil, nil
	}

	forget := make(map[string]bool)
	for _, evt := range events[c.keepFirst : len(events)-c.keepLast] {
		forget[evt.EventID()] = true
	}

	// Expand over whole batches so the view builder never has to repair a
	// split one.
	batches := make(map[string][]string)
	for _, evt := range events {
		if action, ok := evt.(*models.ActionEvent); ok && action.LLMResponseID != "" {
			batches[action.LLMResponseID] = append(batches[action.LLMResponseID], action.EventID())
		}
	}
	for _, ids := range batches {
		tainted := false
		for _, id := range ids {
			if forget[id] {
				tainted = true
				break
			}
		}
		if tainted {
			for _, id := range ids {
				forget[id] = true
			}
		}
	}

	summary, err := c.summarize(ctx, events, forget)
	if err != nil {
		return nil, fmt.Errorf("condensation summary failed: %w", err)
	}

	forgotten := make([]string, 0, len(forget))
	for _, evt := range events {
		if forget[evt.EventID()] {
			forgotten = append(forgotten, evt.EventID())
		}
	}
	offset := c.keepFirst

	return &models.Condensation{
		BaseEvent:         models.NewBase(models.KindCondensation, models.SourceEnvironment),
		ForgottenEventIDs: forgotten,
		Summary:           summary,
		SummaryOffset:     &offset,
	}, nil
}

func (c *LLMSummarizingCondenser) summarize(ctx context.Context, events []models.Event, forget map[string]bool) (string, error) {
	var transcript strings.Builder
	for _, evt := range events {
		if !forget[evt.EventID()] {
			continue
		}
		transcript.WriteString(describeEvent(evt))
		transcript.WriteString("\n")
	}

	resp, err := c.llm.Complete(ctx, &CompletionRequest{
		Model:        c.model.Model,
		SystemPrompt: "You condense agent conversation history. Reply with a concise summary that preserves decisions, open tasks, and important results.",
		Messages: []Message{{
			Role:    models.RoleUser,
			Content: "Summarize the following conversation excerpt:\n\n" + transcript.String(),
		}},
		MaxTokens: c.model.MaxTokens,
	})
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

// describeEvent renders one event as a transcript line for summarization.
func describeEvent(evt models.Event) string {
	switch e := evt.(type) {
	case *models.MessageEvent:
		return fmt.Sprintf("[%s] %s", e.Role, models.JoinText(e.Content))
	case *models.ActionEvent:
		return fmt.Sprintf("[action] %s %s", e.ToolName, string(e.Action.Args))
	case *models.ObservationEvent:
		return fmt.Sprintf("[observation] %s", e.Observation.Content)
	case *models.UserRejectObservation:
		return fmt.Sprintf("[rejected] %s", e.RejectionReason)
	case *models.AgentErrorEvent:
		return fmt.Sprintf("[error] %s", e.Error)
	case *models.CondensationSummaryEvent:
		return fmt.Sprintf("[summary] %s", e.Summary)
	default:
		return fmt.Sprintf("[%s]", evt.EventKind())
	}
}
