// Package models defines the domain types shared across the server: the
// event tagged union that forms each conversation's append-only log, the
// conversation metadata record, and the execution status state machine.
package models

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventSource identifies who produced an event.
type EventSource string

// Event sources.
const (
	SourceUser        EventSource = "user"
	SourceAgent       EventSource = "agent"
	SourceEnvironment EventSource = "environment"
)

// Event kind discriminators. Serialized as the "kind" field of every event.
const (
	KindSystemPrompt            = "system_prompt"
	KindMessage                 = "message"
	KindAction                  = "action"
	KindObservation             = "observation"
	KindUserReject              = "user_reject_observation"
	KindAgentError              = "agent_error"
	KindPause                   = "pause"
	KindCondensation            = "condensation"
	KindCondensationRequest     = "condensation_request"
	KindCondensationSummary     = "condensation_summary"
	KindConversationStateUpdate = "conversation_state_update"
)

// Event is the interface satisfied by every entry in a conversation's log.
// Events are immutable once appended; they reference each other only by ID.
type Event interface {
	// EventID returns the unique event identifier.
	EventID() string
	// EventKind returns the "kind" discriminator.
	EventKind() string
	// EventSource returns who produced the event.
	EventSource() EventSource
	// EventTimestamp returns the UTC creation instant.
	EventTimestamp() time.Time
}

// BaseEvent carries the fields common to all event variants. Embed it in
// every concrete event struct.
type BaseEvent struct {
	ID        string      `json:"id"`
	Kind      string      `json:"kind"`
	Source    EventSource `json:"source"`
	Timestamp time.Time   `json:"timestamp"`
}

// EventID implements Event.
func (b *BaseEvent) EventID() string { return b.ID }

// EventKind implements Event.
func (b *BaseEvent) EventKind() string { return b.Kind }

// EventSource implements Event.
func (b *BaseEvent) EventSource() EventSource { return b.Source }

// EventTimestamp implements Event.
func (b *BaseEvent) EventTimestamp() time.Time { return b.Timestamp }

// NewBase builds a BaseEvent with a fresh UUID and the current UTC time.
func NewBase(kind string, source EventSource) BaseEvent {
	return BaseEvent{
		ID:        uuid.New().String(),
		Kind:      kind,
		Source:    source,
		Timestamp: time.Now().UTC(),
	}
}

// SystemPromptEvent is emitted exactly once at conversation init by the
// agent. When present it is the first event in the log.
type SystemPromptEvent struct {
	BaseEvent
	SystemPrompt string       `json:"system_prompt"`
	Tools        []ToolSchema `json:"tools,omitempty"`
}

// ToolSchema describes one tool advertised to the LLM.
type ToolSchema struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// MessageRole is the conversational role of a MessageEvent.
type MessageRole string

// Message roles.
const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleSystem    MessageRole = "system"
	RoleTool      MessageRole = "tool"
)

// MessageEvent is a plain conversational message from the user or the agent.
type MessageEvent struct {
	BaseEvent
	Role    MessageRole    `json:"role"`
	Content []ContentBlock `json:"content"`
	// ActivatedMicroagents lists knowledge snippets triggered by this
	// message, if any.
	ActivatedMicroagents []string `json:"activated_microagents,omitempty"`
	// ExtendedContent holds text blocks appended when the message is
	// converted for the LLM (not shown to the user verbatim).
	ExtendedContent []ContentBlock `json:"extended_content,omitempty"`
	// Sender identifies the originating agent in delegation scenarios.
	Sender string `json:"sender,omitempty"`
}

// SecurityRisk is the agent's self-assessed risk for an action.
type SecurityRisk string

// Security risk levels.
const (
	RiskUnknown SecurityRisk = "UNKNOWN"
	RiskLow     SecurityRisk = "LOW"
	RiskMedium  SecurityRisk = "MEDIUM"
	RiskHigh    SecurityRisk = "HIGH"
)

// Action is the tagged-union tool argument carried by an ActionEvent. Kind
// names the argument schema (normally the tool name); Args is the raw JSON
// argument object as produced by the LLM.
type Action struct {
	Kind string          `json:"kind"`
	Args json.RawMessage `json:"args,omitempty"`
}

// ActionEvent records a single tool call requested by the LLM. All
// ActionEvents produced from one LLM response share an LLMResponseID; that
// batch is included or excluded from views atomically.
type ActionEvent struct {
	BaseEvent
	Thought          []ContentBlock `json:"thought,omitempty"`
	ReasoningContent string         `json:"reasoning_content,omitempty"`
	ThinkingBlocks   []ContentBlock `json:"thinking_blocks,omitempty"`
	Action           Action         `json:"action"`
	ToolName         string         `json:"tool_name"`
	ToolCallID       string         `json:"tool_call_id"`
	LLMResponseID    string         `json:"llm_response_id"`
	SecurityRisk     SecurityRisk   `json:"security_risk,omitempty"`
}

// Observation is the tagged-union tool result carried by observation events.
type Observation struct {
	Kind            string `json:"kind"`
	Content         string `json:"content"`
	IsError         bool   `json:"is_error,omitempty"`
	TimeoutOccurred bool   `json:"timeout_occurred,omitempty"`
	ExitCode        *int   `json:"exit_code,omitempty"`
}

// ObservationEvent records the result of executing an action. ActionID
// references the ActionEvent this observation answers.
type ObservationEvent struct {
	BaseEvent
	Observation Observation `json:"observation"`
	ActionID    string      `json:"action_id"`
	ToolName    string      `json:"tool_name"`
	ToolCallID  string      `json:"tool_call_id"`
}

// UserRejectObservation is produced when the user (or a hook) declines a
// pending action in confirmation mode. It answers the action the same way an
// ObservationEvent would, carrying the rejection reason instead of a result.
type UserRejectObservation struct {
	BaseEvent
	RejectionReason string `json:"rejection_reason"`
	ActionID        string `json:"action_id"`
	ToolName        string `json:"tool_name"`
	ToolCallID      string `json:"tool_call_id"`
}

// AgentErrorEvent records a scaffold-level failure, distinct from LLM
// output. Exhausted LLM retries and broken tool plumbing end up here.
type AgentErrorEvent struct {
	BaseEvent
	Error      string `json:"error"`
	ToolCallID string `json:"tool_call_id,omitempty"`
	ToolName   string `json:"tool_name,omitempty"`
}

// PauseEvent marks a user-requested pause.
type PauseEvent struct {
	BaseEvent
}

// Condensation marks a set of earlier events as forgotten and optionally
// substitutes a summary at a given offset in the remaining sequence.
type Condensation struct {
	BaseEvent
	ForgottenEventIDs []string `json:"forgotten_event_ids"`
	Summary           string   `json:"summary,omitempty"`
	SummaryOffset     *int     `json:"summary_offset,omitempty"`
}

// CondensationRequest asks the agent to run its condenser at the next step.
type CondensationRequest struct {
	BaseEvent
}

// CondensationSummaryEvent is synthesized by the view builder to splice a
// condensation summary into the event sequence sent to the LLM. It is never
// persisted.
type CondensationSummaryEvent struct {
	BaseEvent
	Summary string `json:"summary"`
}

// ConversationStateUpdateEvent is broadcast to subscribers whenever the
// status, stats, or confirmation policy of a conversation changes. It is
// never persisted.
type ConversationStateUpdateEvent struct {
	BaseEvent
	Status             ExecutionStatus    `json:"status"`
	ConfirmationPolicy ConfirmationPolicy `json:"confirmation_policy"`
	Stats              UsageMetrics       `json:"stats"`
}

// --- Kind registry ---

// eventFactory allocates a zero value of a concrete event type for the
// deserializer to unmarshal into.
type eventFactory func() Event

var (
	kindMu    sync.RWMutex
	kindIndex = map[string]eventFactory{}
)

// RegisterEventKind registers a factory for a kind discriminator.
// Registration may happen at any time before the first unmarshal of that
// kind; re-registration replaces the previous factory.
func RegisterEventKind(kind string, factory func() Event) {
	kindMu.Lock()
	defer kindMu.Unlock()
	kindIndex[kind] = factory
}

// RegisteredEventKinds returns the sorted list of known kind discriminators.
func RegisteredEventKinds() []string {
	kindMu.RLock()
	defer kindMu.RUnlock()
	kinds := make([]string, 0, len(kindIndex))
	for k := range kindIndex {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

func init() {
	RegisterEventKind(KindSystemPrompt, func() Event { return &SystemPromptEvent{} })
	RegisterEventKind(KindMessage, func() Event { return &MessageEvent{} })
	RegisterEventKind(KindAction, func() Event { return &ActionEvent{} })
	RegisterEventKind(KindObservation, func() Event { return &ObservationEvent{} })
	RegisterEventKind(KindUserReject, func() Event { return &UserRejectObservation{} })
	RegisterEventKind(KindAgentError, func() Event { return &AgentErrorEvent{} })
	RegisterEventKind(KindPause, func() Event { return &PauseEvent{} })
	RegisterEventKind(KindCondensation, func() Event { return &Condensation{} })
	RegisterEventKind(KindCondensationRequest, func() Event { return &CondensationRequest{} })
	RegisterEventKind(KindCondensationSummary, func() Event { return &CondensationSummaryEvent{} })
	RegisterEventKind(KindConversationStateUpdate, func() Event { return &ConversationStateUpdateEvent{} })
}

// UnknownKindError is returned when an event payload names a kind with no
// registered factory. Parsing fails closed on unknown kinds.
type UnknownKindError struct {
	Kind string
}

func (e *UnknownKindError) Error() string {
	return fmt.Sprintf("unknown event kind %q", e.Kind)
}

// UnmarshalEvent parses a serialized event, dispatching on the "kind"
// discriminator at parse time.
func UnmarshalEvent(data []byte) (Event, error) {
	var probe struct {
		Kind string `json:"kind"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("failed to probe event kind: %w", err)
	}
	if probe.Kind == "" {
		return nil, fmt.Errorf("event payload is missing the kind discriminator")
	}

	kindMu.RLock()
	factory, ok := kindIndex[probe.Kind]
	kindMu.RUnlock()
	if !ok {
		return nil, &UnknownKindError{Kind: probe.Kind}
	}

	evt := factory()
	if err := json.Unmarshal(data, evt); err != nil {
		return nil, fmt.Errorf("failed to unmarshal %s event: %w", probe.Kind, err)
	}
	return evt, nil
}

// MarshalEvent serializes an event. The concrete struct already carries its
// kind discriminator via BaseEvent.
func MarshalEvent(evt Event) ([]byte, error) {
	data, err := json.Marshal(evt)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s event: %w", evt.EventKind(), err)
	}
	return data, nil
}

// IsPersistable reports whether an event belongs in the on-disk log.
// Synthesized events (state updates, view-only summaries) are broadcast but
// never stored.
func IsPersistable(evt Event) bool {
	switch evt.EventKind() {
	case KindConversationStateUpdate, KindCondensationSummary:
		return false
	}
	return true
}
