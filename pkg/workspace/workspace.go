// Package workspace manages per-conversation filesystem roots. Tool
// executors and the file transfer API are scoped to a conversation's
// workspace; paths that escape it are rejected.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Manager creates and removes per-conversation workspace directories under
// a common root.
type Manager struct {
	root string
}

// NewManager resolves and creates the workspace root.
func NewManager(root string) (*Manager, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve workspace root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create workspace root %s: %w", abs, err)
	}
	return &Manager{root: abs}, nil
}

// Root returns the absolute workspace root.
func (m *Manager) Root() string { return m.root }

// Workspace is one conversation's filesystem root.
type Workspace struct {
	dir string
}

// Ensure creates (or reopens) the workspace for a conversation.
func (m *Manager) Ensure(conversationID string) (*Workspace, error) {
	dir := filepath.Join(m.root, conversationID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create workspace for %s: %w", conversationID, err)
	}
	return &Workspace{dir: dir}, nil
}

// Remove deletes a conversation's workspace recursively.
func (m *Manager) Remove(conversationID string) error {
	dir := filepath.Join(m.root, conversationID)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to remove workspace for %s: %w", conversationID, err)
	}
	return nil
}

// Dir returns the workspace's absolute directory.
func (w *Workspace) Dir() string { return w.dir }

// Resolve maps a path (absolute or workspace-relative) to an absolute path
// inside the workspace, rejecting escapes. Absolute paths are reinterpreted
// relative to the workspace root.
func (w *Workspace) Resolve(path string) (string, error) {
	cleaned := filepath.Clean("/" + path)
	resolved := filepath.Join(w.dir, cleaned)
	if resolved != w.dir && !strings.HasPrefix(resolved, w.dir+string(os.PathSeparator)) {
		return "", fmt.Errorf("path %q escapes the workspace", path)
	}
	return resolved, nil
}
