// Package agent implements the reasoning core: the view builder that turns
// the raw event log into LLM input, provider clients, the tool registry,
// condensers, and the step function that drives one iteration of the loop.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/agentd-project/agentd/pkg/models"
)

// LLMClient is the provider-neutral completion interface. Implementations
// perform exactly one request per call; retries are layered on top by the
// step loop.
type LLMClient interface {
	Complete(ctx context.Context, req *CompletionRequest) (*LLMResponse, error)
}

// CompletionRequest is one LLM call, already converted from the view.
type CompletionRequest struct {
	Model        string
	SystemPrompt string
	Messages     []Message
	Tools        []models.ToolSchema
	MaxTokens    int
	Temperature  float64
}

// Message is the provider-neutral chat message shape.
type Message struct {
	Role    models.MessageRole
	Content string

	// Assistant messages may carry tool calls.
	ToolCalls []ToolCall

	// Tool-result messages answer one tool call.
	ToolCallID string
	IsError    bool
}

// ToolCall is one tool invocation requested by the model.
type ToolCall struct {
	ID        string
	Name      string
	Arguments json.RawMessage
}

// LLMResponse is the parsed result of one completion.
type LLMResponse struct {
	// ID groups the ActionEvents produced from this response.
	ID        string
	Content   string
	Reasoning string
	// Thinking holds extended-thinking blocks, one entry per block.
	Thinking  []string
	ToolCalls []ToolCall

	PromptTokens     int
	CompletionTokens int
}

// ErrEmptyCompletion marks a response with no choices or no content at all.
// It is transient: providers occasionally return empty bodies under load.
var ErrEmptyCompletion = errors.New("llm returned an empty completion")

// TransientError wraps provider errors that are worth retrying.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// MarkTransient wraps err as retryable. Nil stays nil.
func MarkTransient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// IsRetryable reports whether an LLM call error should be retried: rate
// limits, transient 5xx, connection failures, timeouts, and empty
// completions. Providers wrap classified errors in TransientError; this
// also catches common cases by inspection for errors that escaped
// classification.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var transient *TransientError
	if errors.As(err, &transient) {
		return true
	}
	if errors.Is(err, ErrEmptyCompletion) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"rate limit", "rate_limit", "429",
		"500", "502", "503", "504", "overloaded",
		"timeout", "deadline exceeded",
		"connection reset", "connection refused", "no such host",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// retryableStatus classifies an HTTP status from a provider response.
func retryableStatus(status int) bool {
	return status == 429 || status == 408 || status >= 500
}

// NewClient builds the provider client named by the config. The API key is
// read from the environment variable the config references.
func NewClient(cfg models.LLMConfig, getenv func(string) string) (LLMClient, error) {
	apiKey := ""
	if cfg.APIKeyEnv != "" {
		apiKey = getenv(cfg.APIKeyEnv)
	}
	switch cfg.Provider {
	case "anthropic":
		return NewAnthropicClient(cfg, apiKey)
	case "openai":
		return NewOpenAIClient(cfg, apiKey)
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}
}
