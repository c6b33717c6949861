package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"dario.cat/mergo"

	"github.com/agentd-project/agentd/pkg/events"
	"github.com/agentd-project/agentd/pkg/models"
)

// Getenv is the environment lookup used by the loader. Tests substitute a
// map-backed lookup.
type Getenv func(key string) string

// Load reads, overlays, validates, and returns ready-to-use configuration.
//
// Steps performed:
//  1. Parse the JSON file named by AGENTD_CONFIG (missing variable: skip)
//  2. Overlay environment variables named after fields (UPPER_SNAKE)
//  3. Fill remaining zero fields from built-in defaults
//  4. Validate
func Load(getenv Getenv) (*Config, error) {
	if getenv == nil {
		getenv = os.Getenv
	}

	cfg := &Config{}

	path := getenv(ConfigPathEnv)
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
		slog.Info("Loaded configuration file", "path", path)
	}

	if err := overlayEnv(cfg, getenv); err != nil {
		return nil, err
	}

	if err := mergo.Merge(cfg, Defaults()); err != nil {
		return nil, fmt.Errorf("failed to apply config defaults: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// overlayEnv applies environment variables over the parsed file values.
// List-valued fields accept either a JSON array or a comma-separated
// string; struct-valued fields accept JSON.
func overlayEnv(cfg *Config, getenv Getenv) error {
	if v := getenv("HOST"); v != "" {
		cfg.Host = v
	}
	if v := getenv("PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid PORT %q: %w", v, err)
		}
		cfg.Port = port
	}
	if v := getenv("SESSION_API_KEYS"); v != "" {
		cfg.SessionAPIKeys = parseStringList(v)
	}
	if v := getenv("ALLOW_CORS_ORIGINS"); v != "" {
		cfg.AllowCORSOrigins = parseStringList(v)
	}
	if v := getenv("CONVERSATIONS_PATH"); v != "" {
		cfg.ConversationsPath = v
	}
	if v := getenv("WORKSPACE_PATH"); v != "" {
		cfg.WorkspacePath = v
	}
	if v := getenv("BASH_EVENTS_DIR"); v != "" {
		cfg.BashEventsDir = v
	}
	if v := getenv("STATIC_FILES_PATH"); v != "" {
		cfg.StaticFilesPath = v
	}
	if v := getenv("WEBHOOKS"); v != "" {
		var specs []events.WebhookSpec
		if err := json.Unmarshal([]byte(v), &specs); err != nil {
			return fmt.Errorf("invalid WEBHOOKS: %w", err)
		}
		cfg.Webhooks = specs
	}
	if v := getenv("ENABLE_VSCODE"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid ENABLE_VSCODE %q: %w", v, err)
		}
		cfg.EnableVSCode = b
	}
	if v := getenv("ENABLE_VNC"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid ENABLE_VNC %q: %w", v, err)
		}
		cfg.EnableVNC = b
	}
	if v := getenv("MAX_ITERATIONS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid MAX_ITERATIONS %q: %w", v, err)
		}
		cfg.MaxIterations = n
	}
	if v := getenv("CONFIRMATION_POLICY"); v != "" {
		cfg.ConfirmationPolicy = models.ConfirmationPolicy{Kind: models.ConfirmationPolicyKind(v)}
	}
	if v := getenv("LLM_PROVIDER"); v != "" {
		cfg.LLM.Provider = v
	}
	if v := getenv("LLM_MODEL"); v != "" {
		cfg.LLM.Model = v
	}
	if v := getenv("LLM_API_KEY_ENV"); v != "" {
		cfg.LLM.APIKeyEnv = v
	}
	if v := getenv("LLM_BASE_URL"); v != "" {
		cfg.LLM.BaseURL = v
	}
	return nil
}

// parseStringList accepts a JSON array or a comma-separated string.
func parseStringList(v string) []string {
	trimmed := strings.TrimSpace(v)
	if strings.HasPrefix(trimmed, "[") {
		var list []string
		if err := json.Unmarshal([]byte(trimmed), &list); err == nil {
			return list
		}
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
