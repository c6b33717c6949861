package models

import (
	"fmt"
	"time"
)

// ExecutionStatus is the run state of a conversation's agent loop.
type ExecutionStatus string

// Execution statuses.
const (
	StatusIdle                   ExecutionStatus = "IDLE"
	StatusRunning                ExecutionStatus = "RUNNING"
	StatusWaitingForConfirmation ExecutionStatus = "WAITING_FOR_CONFIRMATION"
	StatusPaused                 ExecutionStatus = "PAUSED"
	StatusFinished               ExecutionStatus = "FINISHED"
	StatusError                  ExecutionStatus = "ERROR"
)

// IsTerminal reports whether no further steps will run without new input.
// FINISHED conversations accept new messages; ERROR conversations do not.
func (s ExecutionStatus) IsTerminal() bool {
	return s == StatusFinished || s == StatusError
}

// ConfirmationPolicyKind selects a confirmation policy.
type ConfirmationPolicyKind string

// Confirmation policy kinds.
const (
	ConfirmNever  ConfirmationPolicyKind = "never"
	ConfirmAlways ConfirmationPolicyKind = "always"
	ConfirmRisky  ConfirmationPolicyKind = "risky"
)

// ConfirmationPolicy decides whether a batch of actions needs explicit user
// approval before execution.
type ConfirmationPolicy struct {
	Kind ConfirmationPolicyKind `json:"kind"`
	// Threshold applies to the "risky" kind: actions at or above this risk
	// level require confirmation. Defaults to HIGH when empty.
	Threshold SecurityRisk `json:"threshold,omitempty"`
}

// ShouldConfirm reports whether the given action batch requires
// confirmation under this policy.
func (p ConfirmationPolicy) ShouldConfirm(batch []*ActionEvent) bool {
	switch p.Kind {
	case ConfirmAlways:
		return true
	case ConfirmRisky:
		threshold := p.Threshold
		if threshold == "" {
			threshold = RiskHigh
		}
		for _, a := range batch {
			if riskRank(a.SecurityRisk) >= riskRank(threshold) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

func riskRank(r SecurityRisk) int {
	switch r {
	case RiskLow:
		return 1
	case RiskMedium:
		return 2
	case RiskHigh:
		return 3
	default:
		// UNKNOWN ranks above HIGH so unassessed actions are confirmed
		// under the risky policy.
		return 4
	}
}

// Validate checks the policy kind.
func (p ConfirmationPolicy) Validate() error {
	switch p.Kind {
	case ConfirmNever, ConfirmAlways, ConfirmRisky, "":
		return nil
	}
	return fmt.Errorf("unknown confirmation policy kind %q", p.Kind)
}

// UsageMetrics accumulates token consumption across a conversation's LLM
// calls.
type UsageMetrics struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
	LLMCalls         int64 `json:"llm_calls"`
}

// Add accumulates another sample into the metrics.
func (u *UsageMetrics) Add(prompt, completion int64) {
	u.PromptTokens += prompt
	u.CompletionTokens += completion
	u.TotalTokens += prompt + completion
	u.LLMCalls++
}

// LLMConfig names the provider and model a conversation's agent talks to.
type LLMConfig struct {
	// Provider selects the backing client: "anthropic" or "openai".
	Provider string `json:"provider"`
	Model    string `json:"model"`
	// APIKeyEnv names the environment variable holding the API key.
	APIKeyEnv string `json:"api_key_env,omitempty"`
	// BaseURL overrides the provider endpoint (OpenAI-compatible proxies).
	BaseURL     string  `json:"base_url,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
}

// AgentSpec configures the agent driving a conversation.
type AgentSpec struct {
	LLM          LLMConfig `json:"llm"`
	SystemPrompt string    `json:"system_prompt,omitempty"`
	// Tools lists the tool names available to this agent. Empty means all
	// registered tools.
	Tools []string `json:"tools,omitempty"`
}

// Conversation is the stored per-conversation metadata record.
type Conversation struct {
	ID                 string             `json:"id"`
	CreatedAt          time.Time          `json:"created_at"`
	UpdatedAt          time.Time          `json:"updated_at"`
	Agent              AgentSpec          `json:"agent"`
	ConfirmationPolicy ConfirmationPolicy `json:"confirmation_policy"`
	MaxIterations      int                `json:"max_iterations"`
	InitialMessage     *MessageEvent      `json:"initial_message,omitempty"`
	Usage              UsageMetrics       `json:"usage"`
}

// ConversationInfo is the API projection of a conversation: stored metadata
// plus the live execution status.
type ConversationInfo struct {
	ID                 string             `json:"id"`
	CreatedAt          time.Time          `json:"created_at"`
	UpdatedAt          time.Time          `json:"updated_at"`
	Status             ExecutionStatus    `json:"status"`
	ConfirmationPolicy ConfirmationPolicy `json:"confirmation_policy"`
	MaxIterations      int                `json:"max_iterations"`
	Usage              UsageMetrics       `json:"usage"`
}

// BaseState is the snapshot persisted alongside the event log for fast
// resume: the pieces of runtime state that are not derivable from the log.
type BaseState struct {
	Status             ExecutionStatus    `json:"status"`
	ConfirmationPolicy ConfirmationPolicy `json:"confirmation_policy"`
	// BlockedActions maps action_id to the block reason set by a hook.
	BlockedActions map[string]string `json:"blocked_actions,omitempty"`
	// BlockedMessages maps message event id to the block reason.
	BlockedMessages map[string]string `json:"blocked_messages,omitempty"`
}
