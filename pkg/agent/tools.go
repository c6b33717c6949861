package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/agentd-project/agentd/pkg/bash"
	"github.com/agentd-project/agentd/pkg/models"
	"github.com/agentd-project/agentd/pkg/workspace"
)

// FinishToolName is the terminal tool. A single-action batch calling it
// bypasses confirmation and ends the run.
const FinishToolName = "finish"

// ToolExecutor runs one tool call. Errors returned here are scaffold-level;
// tool-level failures belong in the observation with IsError set.
type ToolExecutor interface {
	Execute(ctx context.Context, args json.RawMessage) (models.Observation, error)
}

// Tool pairs an advertised schema with its executor.
type Tool struct {
	Schema   models.ToolSchema
	Executor ToolExecutor
}

// Registry holds the tools available to an agent. It is built by the
// composition root and injected; nothing registers tools ambiently.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*Tool
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*Tool)}
}

// Register adds a tool. Duplicate names are an error.
func (r *Registry) Register(tool *Tool) error {
	if tool == nil || tool.Schema.Name == "" {
		return fmt.Errorf("tool must have a name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[tool.Schema.Name]; exists {
		return fmt.Errorf("tool %q already registered", tool.Schema.Name)
	}
	r.tools[tool.Schema.Name] = tool
	return nil
}

// Get looks up a tool by name.
func (r *Registry) Get(name string) (*Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// Schemas returns the advertised tool schemas in name order.
func (r *Registry) Schemas() []models.ToolSchema {
	r.mu.RLock()
	defer r.mu.RUnlock()
	schemas := make([]models.ToolSchema, 0, len(r.tools))
	for _, tool := range r.tools {
		schemas = append(schemas, tool.Schema)
	}
	sort.Slice(schemas, func(i, j int) bool { return schemas[i].Name < schemas[j].Name })
	return schemas
}

// DefaultRegistry builds the standard tool set for one conversation:
// finish, bash, read_file, and write_file, all scoped to its workspace.
func DefaultRegistry(ws *workspace.Workspace, executor *bash.Executor) (*Registry, error) {
	r := NewRegistry()
	tools := []*Tool{
		{
			Schema: models.ToolSchema{
				Name:        FinishToolName,
				Description: "Signal that the task is complete and report the final result.",
				InputSchema: json.RawMessage(`{"type":"object","properties":{"message":{"type":"string","description":"Final answer for the user."}},"required":["message"]}`),
			},
			Executor: &finishTool{},
		},
		{
			Schema: models.ToolSchema{
				Name:        "bash",
				Description: "Run a shell command in the conversation workspace.",
				InputSchema: json.RawMessage(`{"type":"object","properties":{"command":{"type":"string"},"timeout":{"type":"number","description":"Seconds before the command is killed."}},"required":["command"]}`),
			},
			Executor: &bashTool{workspace: ws, executor: executor},
		},
		{
			Schema: models.ToolSchema{
				Name:        "read_file",
				Description: "Read a file from the conversation workspace.",
				InputSchema: json.RawMessage(`{"type":"object","properties":{"path":{"type":"string"}},"required":["path"]}`),
			},
			Executor: &readFileTool{workspace: ws},
		},
		{
			Schema: models.ToolSchema{
				Name:        "write_file",
				Description: "Write a file inside the conversation workspace, creating parent directories.",
				InputSchema: json.RawMessage(`{"type":"object","properties":{"path":{"type":"string"},"content":{"type":"string"}},"required":["path","content"]}`),
			},
			Executor: &writeFileTool{workspace: ws},
		},
	}
	for _, tool := range tools {
		if err := r.Register(tool); err != nil {
			return nil, err
		}
	}
	return r, nil
}

type finishTool struct{}

func (t *finishTool) Execute(_ context.Context, args json.RawMessage) (models.Observation, error) {
	var parsed struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(args, &parsed); err != nil {
		return models.Observation{}, fmt.Errorf("invalid finish arguments: %w", err)
	}
	return models.Observation{Kind: FinishToolName, Content: parsed.Message}, nil
}

type bashTool struct {
	workspace *workspace.Workspace
	executor  *bash.Executor
}

func (t *bashTool) Execute(ctx context.Context, args json.RawMessage) (models.Observation, error) {
	var parsed struct {
		Command string  `json:"command"`
		Timeout float64 `json:"timeout"`
	}
	if err := json.Unmarshal(args, &parsed); err != nil {
		return models.Observation{}, fmt.Errorf("invalid bash arguments: %w", err)
	}

	res, err := t.executor.Execute(ctx, bash.Request{
		Command: parsed.Command,
		Cwd:     t.workspace.Dir(),
		Timeout: time.Duration(parsed.Timeout * float64(time.Second)),
	}, nil)
	if err != nil {
		return models.Observation{}, err
	}

	exitCode := res.ExitCode
	return models.Observation{
		Kind:            "bash",
		Content:         res.Output,
		IsError:         res.ExitCode != 0,
		TimeoutOccurred: res.TimeoutOccurred,
		ExitCode:        &exitCode,
	}, nil
}

type readFileTool struct {
	workspace *workspace.Workspace
}

func (t *readFileTool) Execute(_ context.Context, args json.RawMessage) (models.Observation, error) {
	var parsed struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(args, &parsed); err != nil {
		return models.Observation{}, fmt.Errorf("invalid read_file arguments: %w", err)
	}
	path, err := t.workspace.Resolve(parsed.Path)
	if err != nil {
		return models.Observation{Kind: "read_file", Content: err.Error(), IsError: true}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return models.Observation{Kind: "read_file", Content: err.Error(), IsError: true}, nil
	}
	return models.Observation{Kind: "read_file", Content: string(data)}, nil
}

type writeFileTool struct {
	workspace *workspace.Workspace
}

func (t *writeFileTool) Execute(_ context.Context, args json.RawMessage) (models.Observation, error) {
	var parsed struct {
		Path    string `json:"path"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal(args, &parsed); err != nil {
		return models.Observation{}, fmt.Errorf("invalid write_file arguments: %w", err)
	}
	path, err := t.workspace.Resolve(parsed.Path)
	if err != nil {
		return models.Observation{Kind: "write_file", Content: err.Error(), IsError: true}, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return models.Observation{Kind: "write_file", Content: err.Error(), IsError: true}, nil
	}
	if err := os.WriteFile(path, []byte(parsed.Content), 0o644); err != nil {
		return models.Observation{Kind: "write_file", Content: err.Error(), IsError: true}, nil
	}
	return models.Observation{Kind: "write_file", Content: fmt.Sprintf("wrote %d bytes to %s", len(parsed.Content), parsed.Path)}, nil
}
