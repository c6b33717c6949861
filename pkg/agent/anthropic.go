package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/agentd-project/agentd/pkg/models"
)

const defaultMaxTokens = 4096

// AnthropicClient calls the Anthropic Messages API. One Complete call is
// one non-streaming request; retry policy lives in the step loop.
type AnthropicClient struct {
	client anthropic.Client
	model  string
}

// NewAnthropicClient builds a client for the configured model. BaseURL
// override supports proxies and compatible gateways.
func NewAnthropicClient(cfg models.LLMConfig, apiKey string) (*AnthropicClient, error) {
	if apiKey == "" {
		return nil, errors.New("anthropic api key is not set")
	}
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &AnthropicClient{
		client: anthropic.NewClient(opts...),
		model:  cfg.Model,
	}, nil
}

func (c *AnthropicClient) Complete(ctx context.Context, req *CompletionRequest) (*LLMResponse, error) {
	params, err := c.buildParams(req)
	if err != nil {
		return nil, err
	}

	msg, err := c.client.Messages.New(ctx, *params)
	if err != nil {
		return nil, classifyAnthropicError(err)
	}
	return translateAnthropicResponse(msg)
}

func (c *AnthropicClient) buildParams(req *CompletionRequest) (*anthropic.MessageNewParams, error) {
	model := req.Model
	if model == "" {
		model = c.model
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	params := &anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: int64(maxTokens),
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}
	if req.SystemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: req.SystemPrompt}}
	}

	for _, msg := range req.Messages {
		var blocks []anthropic.ContentBlockParamUnion

		if msg.Role == models.RoleTool {
			blocks = append(blocks, anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, msg.IsError))
			params.Messages = append(params.Messages, anthropic.NewUserMessage(blocks...))
			continue
		}

		if msg.Content != "" {
			blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
		}
		for _, call := range msg.ToolCalls {
			var input map[string]any
			if err := json.Unmarshal(call.Arguments, &input); err != nil {
				return nil, fmt.Errorf("invalid tool call arguments for %s: %w", call.Name, err)
			}
			blocks = append(blocks, anthropic.NewToolUseBlock(call.ID, input, call.Name))
		}
		if len(blocks) == 0 {
			continue
		}

		if msg.Role == models.RoleAssistant {
			params.Messages = append(params.Messages, anthropic.NewAssistantMessage(blocks...))
		} else {
			params.Messages = append(params.Messages, anthropic.NewUserMessage(blocks...))
		}
	}

	for _, schema := range req.Tools {
		var inputSchema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(schema.InputSchema, &inputSchema); err != nil {
			return nil, fmt.Errorf("invalid schema for tool %s: %w", schema.Name, err)
		}
		tool := anthropic.ToolUnionParamOfTool(inputSchema, schema.Name)
		if tool.OfTool == nil {
			return nil, fmt.Errorf("invalid schema for tool %s", schema.Name)
		}
		tool.OfTool.Description = anthropic.String(schema.Description)
		params.Tools = append(params.Tools, tool)
	}

	return params, nil
}

func translateAnthropicResponse(msg *anthropic.Message) (*LLMResponse, error) {
	if msg == nil {
		return nil, ErrEmptyCompletion
	}

	resp := &LLMResponse{
		ID:               msg.ID,
		PromptTokens:     int(msg.Usage.InputTokens),
		CompletionTokens: int(msg.Usage.OutputTokens),
	}

	var text strings.Builder
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "thinking":
			resp.Thinking = append(resp.Thinking, block.Thinking)
		case "tool_use":
			args, err := json.Marshal(block.Input)
			if err != nil {
				return nil, fmt.Errorf("unreadable tool_use input: %w", err)
			}
			resp.ToolCalls = append(resp.ToolCalls, ToolCall{
				ID:        block.ID,
				Name:      block.Name,
				Arguments: args,
			})
		}
	}
	resp.Content = text.String()

	if resp.Content == "" && len(resp.ToolCalls) == 0 {
		return nil, ErrEmptyCompletion
	}
	return resp, nil
}

// classifyAnthropicError wraps retryable API failures so the step loop's
// backoff kicks in.
func classifyAnthropicError(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		if retryableStatus(apiErr.StatusCode) {
			return MarkTransient(fmt.Errorf("anthropic request failed: %w", err))
		}
		return fmt.Errorf("anthropic request failed: %w", err)
	}
	if IsRetryable(err) {
		return MarkTransient(err)
	}
	return err
}
