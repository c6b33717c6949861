package agent

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/agentd-project/agentd/pkg/metrics"
	"github.com/agentd-project/agentd/pkg/models"
	"github.com/agentd-project/agentd/pkg/retry"
)

// StepEnv is the slice of conversation state a step needs. The event
// service implements it; tests substitute an in-memory fake.
type StepEnv interface {
	// Snapshot returns the current event sequence in append order.
	Snapshot() []models.Event
	// Append persists one event and dispatches it to subscribers.
	Append(evt models.Event) error
	// ConfirmationPolicy returns the active policy for this conversation.
	ConfirmationPolicy() models.ConfirmationPolicy
	// ActionBlocked reports whether a hook has blocked the action.
	ActionBlocked(actionID string) (reason string, blocked bool)
	// MessageBlocked reports whether a hook has blocked the message.
	MessageBlocked(messageID string) (reason string, blocked bool)
}

// StepResult carries the status the conversation should adopt after a step
// plus the token usage of any LLM call made.
type StepResult struct {
	Status           models.ExecutionStatus
	PromptTokens     int64
	CompletionTokens int64
	LLMCalled        bool
}

// Stepper runs one iteration of the agent loop at a time.
type Stepper struct {
	llm       LLMClient
	tools     *Registry
	condenser Condenser
	llmConfig models.LLMConfig
	retryCfg  retry.Config
	log       *slog.Logger
}

// NewStepper wires a stepper. condenser may be nil.
func NewStepper(llm LLMClient, tools *Registry, condenser Condenser, llmConfig models.LLMConfig, retryCfg retry.Config, log *slog.Logger) *Stepper {
	if log == nil {
		log = slog.Default()
	}
	return &Stepper{
		llm:       llm,
		tools:     tools,
		condenser: condenser,
		llmConfig: llmConfig,
		retryCfg:  retryCfg,
		log:       log,
	}
}

// ToolSchemas returns the schemas of the tools this stepper can execute.
func (s *Stepper) ToolSchemas() []models.ToolSchema {
	return s.tools.Schemas()
}

// Step executes one iteration: build the view, maybe condense, call the
// LLM, and turn the response into events. A non-nil error means persistence
// failed and the conversation must go to ERROR.
func (s *Stepper) Step(ctx context.Context, env StepEnv) (*StepResult, error) {
	metrics.StepsExecuted.Inc()
	view := BuildView(visibleEvents(env))

	if view.UnhandledCondensationRequest && s.condenser != nil {
		condensation, err := s.condenser.Condense(ctx, view)
		if err != nil {
			s.log.Error("Condensation failed", "error", err)
			if appendErr := env.Append(&models.AgentErrorEvent{
				BaseEvent: models.NewBase(models.KindAgentError, models.SourceEnvironment),
				Error:     err.Error(),
			}); appendErr != nil {
				return nil, appendErr
			}
			return &StepResult{Status: models.StatusError}, nil
		}
		if condensation != nil {
			if err := env.Append(condensation); err != nil {
				return nil, err
			}
			return &StepResult{Status: models.StatusRunning}, nil
		}
	}

	req := RequestFromView(view, s.llmConfig)
	req.Tools = s.tools.Schemas()

	result := &StepResult{LLMCalled: true}
	var resp *LLMResponse
	err := retry.Do(ctx, s.retryCfg, func() error {
		r, callErr := s.llm.Complete(ctx, req)
		if callErr != nil {
			if IsRetryable(callErr) {
				metrics.LLMCalls.WithLabelValues("retry").Inc()
				return callErr
			}
			return retry.Permanent(callErr)
		}
		resp = r
		return nil
	})
	if err != nil {
		metrics.LLMCalls.WithLabelValues("failure").Inc()
		s.log.Error("LLM call failed after retries", "error", err)
		if appendErr := env.Append(&models.AgentErrorEvent{
			BaseEvent: models.NewBase(models.KindAgentError, models.SourceEnvironment),
			Error:     err.Error(),
		}); appendErr != nil {
			return nil, appendErr
		}
		result.Status = models.StatusError
		return result, nil
	}
	metrics.LLMCalls.WithLabelValues("success").Inc()
	result.PromptTokens = int64(resp.PromptTokens)
	result.CompletionTokens = int64(resp.CompletionTokens)

	if len(resp.ToolCalls) == 0 {
		if err := env.Append(&models.MessageEvent{
			BaseEvent: models.NewBase(models.KindMessage, models.SourceAgent),
			Role:      models.RoleAssistant,
			Content:   []models.ContentBlock{models.TextBlock(resp.Content)},
		}); err != nil {
			return nil, err
		}
		result.Status = models.StatusFinished
		return result, nil
	}

	var thinking []models.ContentBlock
	for _, block := range resp.Thinking {
		thinking = append(thinking, models.TextBlock(block))
	}

	batch := make([]*models.ActionEvent, 0, len(resp.ToolCalls))
	for _, call := range resp.ToolCalls {
		action := &models.ActionEvent{
			BaseEvent:        models.NewBase(models.KindAction, models.SourceAgent),
			ReasoningContent: resp.Reasoning,
			ThinkingBlocks:   thinking,
			Action:           models.Action{Kind: call.Name, Args: call.Arguments},
			ToolName:         call.Name,
			ToolCallID:       call.ID,
			LLMResponseID:    resp.ID,
			SecurityRisk:     securityRiskFromArgs(call.Arguments),
		}
		if resp.Content != "" {
			action.Thought = []models.ContentBlock{models.TextBlock(resp.Content)}
		}
		batch = append(batch, action)
		if err := env.Append(action); err != nil {
			return nil, err
		}
	}

	// A lone finish call is terminal and never waits for confirmation.
	soleFinish := len(batch) == 1 && batch[0].ToolName == FinishToolName
	if !soleFinish && env.ConfirmationPolicy().ShouldConfirm(batch) {
		result.Status = models.StatusWaitingForConfirmation
		return result, nil
	}

	status, err := s.ExecuteActions(ctx, env, batch)
	if err != nil {
		return nil, err
	}
	result.Status = status
	return result, nil
}

// visibleEvents returns the snapshot with hook-blocked messages removed.
// Blocked messages stay in the log and on the wire but never reach the LLM.
func visibleEvents(env StepEnv) []models.Event {
	snapshot := env.Snapshot()
	out := make([]models.Event, 0, len(snapshot))
	for _, evt := range snapshot {
		if evt.EventKind() == models.KindMessage {
			if _, blocked := env.MessageBlocked(evt.EventID()); blocked {
				continue
			}
		}
		out = append(out, evt)
	}
	return out
}

// ExecuteActions runs an already-appended action batch, producing one
// observation (or rejection) per action. It is called both from Step and
// after the user accepts a pending confirmation.
func (s *Stepper) ExecuteActions(ctx context.Context, env StepEnv, batch []*models.ActionEvent) (models.ExecutionStatus, error) {
	status := models.StatusRunning
	for _, action := range batch {
		if reason, blocked := env.ActionBlocked(action.EventID()); blocked {
			if err := env.Append(&models.UserRejectObservation{
				BaseEvent:       models.NewBase(models.KindUserReject, models.SourceUser),
				RejectionReason: reason,
				ActionID:        action.EventID(),
				ToolName:        action.ToolName,
				ToolCallID:      action.ToolCallID,
			}); err != nil {
				return status, err
			}
			continue
		}

		obs, execErr := s.executeOne(ctx, action)
		if err := env.Append(&models.ObservationEvent{
			BaseEvent:   models.NewBase(models.KindObservation, models.SourceEnvironment),
			Observation: obs,
			ActionID:    action.EventID(),
			ToolName:    action.ToolName,
			ToolCallID:  action.ToolCallID,
		}); err != nil {
			return status, err
		}
		if execErr != nil {
			s.log.Warn("Tool execution failed", "tool", action.ToolName, "error", execErr)
			if err := env.Append(&models.AgentErrorEvent{
				BaseEvent:  models.NewBase(models.KindAgentError, models.SourceEnvironment),
				Error:      execErr.Error(),
				ToolCallID: action.ToolCallID,
				ToolName:   action.ToolName,
			}); err != nil {
				return status, err
			}
			continue
		}
		if action.ToolName == FinishToolName {
			status = models.StatusFinished
		}
	}
	return status, nil
}

// executeOne invokes the tool behind one action. The observation always
// comes back filled; a non-nil error marks a scaffold-level failure.
func (s *Stepper) executeOne(ctx context.Context, action *models.ActionEvent) (models.Observation, error) {
	tool, ok := s.tools.Get(action.ToolName)
	if !ok {
		err := &UnknownToolError{Name: action.ToolName}
		return models.Observation{Kind: action.ToolName, Content: err.Error(), IsError: true}, err
	}
	obs, err := tool.Executor.Execute(ctx, action.Action.Args)
	if err != nil {
		return models.Observation{Kind: action.ToolName, Content: err.Error(), IsError: true}, err
	}
	return obs, nil
}

// UnknownToolError reports a tool call naming a tool the registry does not
// have. The model sees it as an error observation and can correct course.
type UnknownToolError struct {
	Name string
}

func (e *UnknownToolError) Error() string {
	return "unknown tool: " + e.Name
}

// securityRiskFromArgs extracts the model's self-assessed risk when the
// arguments carry one; everything else is UNKNOWN.
func securityRiskFromArgs(args json.RawMessage) models.SecurityRisk {
	var probe struct {
		SecurityRisk string `json:"security_risk"`
	}
	if err := json.Unmarshal(args, &probe); err != nil || probe.SecurityRisk == "" {
		return models.RiskUnknown
	}
	switch risk := models.SecurityRisk(probe.SecurityRisk); risk {
	case models.RiskLow, models.RiskMedium, models.RiskHigh:
		return risk
	default:
		return models.RiskUnknown
	}
}
