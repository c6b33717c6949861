package agent

import (
	"github.com/agentd-project/agentd/pkg/models"
)

// View is the filtered, ordered event sequence presented to the LLM for one
// step. It is derived fresh from the log on every step and never cached.
type View struct {
	Events []models.Event

	// UnhandledCondensationRequest is set when the most recent
	// condensation-related event is a request no Condensation has answered.
	UnhandledCondensationRequest bool
}

// BuildView computes the view from the raw event sequence:
//
//  1. Union all forgotten event ids from Condensation events, plus the ids
//     of the Condensation and CondensationRequest events themselves.
//  2. Expand forgetting over whole action batches (shared llm_response_id).
//  3. Keep only events convertible to LLM input and not forgotten.
//  4. Insert the latest condensation summary at its recorded offset.
//  5. Drop actions and observations whose tool_call_id has no counterpart.
func BuildView(events []models.Event) *View {
	forgotten := make(map[string]bool)
	var lastCondensation *models.Condensation
	unhandledRequest := false

	for _, evt := range events {
		switch e := evt.(type) {
		case *models.Condensation:
			for _, id := range e.ForgottenEventIDs {
				forgotten[id] = true
			}
			forgotten[e.EventID()] = true
			lastCondensation = e
			unhandledRequest = false
		case *models.CondensationRequest:
			forgotten[e.EventID()] = true
			unhandledRequest = true
		}
	}

	// Batch atomicity: forgetting any member of an action batch forgets
	// the whole batch.
	batches := make(map[string][]string)
	for _, evt := range events {
		if action, ok := evt.(*models.ActionEvent); ok && action.LLMResponseID != "" {
			batches[action.LLMResponseID] = append(batches[action.LLMResponseID], action.EventID())
		}
	}
	for _, ids := range batches {
		tainted := false
		for _, id := range ids {
			if forgotten[id] {
				tainted = true
				break
			}
		}
		if tainted {
			for _, id := range ids {
				forgotten[id] = true
			}
		}
	}

	var kept []models.Event
	for _, evt := range events {
		if forgotten[evt.EventID()] || !convertibleToLLMInput(evt) {
			continue
		}
		kept = append(kept, evt)
	}

	if lastCondensation != nil && lastCondensation.Summary != "" && lastCondensation.SummaryOffset != nil {
		offset := *lastCondensation.SummaryOffset
		if offset < 0 {
			offset = 0
		}
		if offset > len(kept) {
			offset = len(kept)
		}
		summary := &models.CondensationSummaryEvent{
			BaseEvent: models.NewBase(models.KindCondensationSummary, models.SourceEnvironment),
			Summary:   lastCondensation.Summary,
		}
		kept = append(kept[:offset:offset], append([]models.Event{summary}, kept[offset:]...)...)
	}

	kept = filterUnmatchedToolCalls(kept)

	return &View{Events: kept, UnhandledCondensationRequest: unhandledRequest}
}

// convertibleToLLMInput reports whether an event has a message-schema
// representation. Pause, condensation bookkeeping, and state updates do not.
func convertibleToLLMInput(evt models.Event) bool {
	switch evt.(type) {
	case *models.SystemPromptEvent,
		*models.MessageEvent,
		*models.ActionEvent,
		*models.ObservationEvent,
		*models.UserRejectObservation,
		*models.AgentErrorEvent,
		*models.CondensationSummaryEvent:
		return true
	default:
		return false
	}
}

// filterUnmatchedToolCalls drops ActionEvents with no matching observation
// or rejection and observations with no matching action. Providers reject
// conversations where a tool call and its result are separated.
func filterUnmatchedToolCalls(events []models.Event) []models.Event {
	actionCalls := make(map[string]bool)
	resultCalls := make(map[string]bool)
	for _, evt := range events {
		switch e := evt.(type) {
		case *models.ActionEvent:
			if e.ToolCallID != "" {
				actionCalls[e.ToolCallID] = true
			}
		case *models.ObservationEvent:
			if e.ToolCallID != "" {
				resultCalls[e.ToolCallID] = true
			}
		case *models.UserRejectObservation:
			if e.ToolCallID != "" {
				resultCalls[e.ToolCallID] = true
			}
		}
	}

	var out []models.Event
	for _, evt := range events {
		switch e := evt.(type) {
		case *models.ActionEvent:
			if e.ToolCallID != "" && !resultCalls[e.ToolCallID] {
				continue
			}
		case *models.ObservationEvent:
			if e.ToolCallID != "" && !actionCalls[e.ToolCallID] {
				continue
			}
		case *models.UserRejectObservation:
			if e.ToolCallID != "" && !actionCalls[e.ToolCallID] {
				continue
			}
		}
		out = append(out, evt)
	}
	return out
}

// PendingActions returns the actions with no observation or rejection after
// them, in order. These are the actions a confirmation decision applies to.
func PendingActions(events []models.Event) []*models.ActionEvent {
	answered := make(map[string]bool)
	for _, evt := range events {
		switch e := evt.(type) {
		case *models.ObservationEvent:
			answered[e.ToolCallID] = true
		case *models.UserRejectObservation:
			answered[e.ToolCallID] = true
		}
	}

	var pending []*models.ActionEvent
	for _, evt := range events {
		if action, ok := evt.(*models.ActionEvent); ok && !answered[action.ToolCallID] {
			pending = append(pending, action)
		}
	}
	return pending
}
