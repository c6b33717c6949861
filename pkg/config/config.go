// Package config loads server configuration from a JSON file named by the
// AGENTD_CONFIG environment variable, overlaid with environment variables
// named after the fields in UPPER_SNAKE. Precedence per field:
// environment > JSON file > built-in default.
package config

import (
	"fmt"
	"time"

	"github.com/agentd-project/agentd/pkg/events"
	"github.com/agentd-project/agentd/pkg/models"
)

// ConfigPathEnv names the environment variable holding the JSON config
// file path. When unset or empty, only env overlays and defaults apply.
const ConfigPathEnv = "AGENTD_CONFIG"

// Config is the full server configuration.
type Config struct {
	// Host and Port bind the HTTP listener.
	Host string `json:"host"`
	Port int    `json:"port"`

	// SessionAPIKeys, when non-empty, makes every request require a
	// matching X-Session-API-Key header (WebSocket: session_api_key query
	// parameter).
	SessionAPIKeys []string `json:"session_api_keys"`

	// AllowCORSOrigins lists additional allowed CORS origins. Any
	// localhost/127.0.0.1 origin is always allowed.
	AllowCORSOrigins []string `json:"allow_cors_origins"`

	// ConversationsPath is the directory holding conversation metadata and
	// event logs.
	ConversationsPath string `json:"conversations_path"`

	// WorkspacePath is the root for per-conversation workspaces.
	WorkspacePath string `json:"workspace_path"`

	// BashEventsDir holds bash event files for the bash collaborator API.
	BashEventsDir string `json:"bash_events_dir"`

	// StaticFilesPath, when set, is served under /static/ and / redirects
	// to /static/index.html.
	StaticFilesPath string `json:"static_files_path"`

	// Webhooks configures outbound event delivery.
	Webhooks []events.WebhookSpec `json:"webhooks"`

	// Feature toggles for external collaborators.
	EnableVSCode bool `json:"enable_vscode"`
	EnableVNC    bool `json:"enable_vnc"`

	// LLM is the default model configuration for new conversations.
	LLM models.LLMConfig `json:"llm"`

	// MaxIterations bounds a single run of the agent loop.
	MaxIterations int `json:"max_iterations"`

	// ConfirmationPolicy is the default policy for new conversations.
	ConfirmationPolicy models.ConfirmationPolicy `json:"confirmation_policy"`

	// StuckDetectionInterval is how often RUNNING conversations are checked
	// for inactivity, in seconds. Zero disables the detector.
	StuckDetectionInterval float64 `json:"stuck_detection_interval"`

	// StuckThreshold is the inactivity period, in seconds, after which a
	// RUNNING conversation is flagged as stuck.
	StuckThreshold float64 `json:"stuck_threshold"`
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		Host:                   "0.0.0.0",
		Port:                   8000,
		ConversationsPath:      "workspace/conversations",
		WorkspacePath:          "workspace/project",
		BashEventsDir:          "workspace/bash_events",
		MaxIterations:          500,
		ConfirmationPolicy:     models.ConfirmationPolicy{Kind: models.ConfirmNever},
		LLM:                    models.LLMConfig{Provider: "anthropic", APIKeyEnv: "LLM_API_KEY"},
		StuckDetectionInterval: 60,
		StuckThreshold:         600,
	}
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	if c.ConversationsPath == "" {
		return fmt.Errorf("conversations_path is required")
	}
	if c.WorkspacePath == "" {
		return fmt.Errorf("workspace_path is required")
	}
	if c.MaxIterations < 1 {
		return fmt.Errorf("max_iterations must be >= 1, got %d", c.MaxIterations)
	}
	if err := c.ConfirmationPolicy.Validate(); err != nil {
		return err
	}
	for i, spec := range c.Webhooks {
		if err := spec.Validate(); err != nil {
			return fmt.Errorf("webhook %d: %w", i, err)
		}
	}
	return nil
}

// SessionAPIKeyRequired reports whether requests must present a session API
// key.
func (c *Config) SessionAPIKeyRequired() bool {
	return len(c.SessionAPIKeys) > 0
}

// PrimarySessionAPIKey returns the key propagated to webhook headers, or
// empty when auth is disabled.
func (c *Config) PrimarySessionAPIKey() string {
	if len(c.SessionAPIKeys) == 0 {
		return ""
	}
	return c.SessionAPIKeys[0]
}

// StuckCheckInterval returns the detector interval as a duration.
func (c *Config) StuckCheckInterval() time.Duration {
	return time.Duration(c.StuckDetectionInterval * float64(time.Second))
}

// StuckAfter returns the inactivity threshold as a duration.
func (c *Config) StuckAfter() time.Duration {
	return time.Duration(c.StuckThreshold * float64(time.Second))
}
