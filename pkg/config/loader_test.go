package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentd-project/agentd/pkg/models"
)

func envMap(m map[string]string) Getenv {
	return func(key string) string { return m[key] }
}

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadDefaultsOnly(t *testing.T) {
	cfg, err := Load(envMap(nil))
	require.NoError(t, err)

	defaults := Defaults()
	assert.Equal(t, defaults.Port, cfg.Port)
	assert.Equal(t, defaults.ConversationsPath, cfg.ConversationsPath)
	assert.Equal(t, defaults.MaxIterations, cfg.MaxIterations)
	assert.False(t, cfg.SessionAPIKeyRequired())
}

func TestLoadFromFile(t *testing.T) {
	path := writeConfigFile(t, `{
		"port": 9100,
		"conversations_path": "/data/convs",
		"session_api_keys": ["k1", "k2"],
		"webhooks": [{"base_url": "http://hook", "event_buffer_size": 5, "flush_delay": 2}]
	}`)

	cfg, err := Load(envMap(map[string]string{ConfigPathEnv: path}))
	require.NoError(t, err)

	assert.Equal(t, 9100, cfg.Port)
	assert.Equal(t, "/data/convs", cfg.ConversationsPath)
	assert.Equal(t, []string{"k1", "k2"}, cfg.SessionAPIKeys)
	require.Len(t, cfg.Webhooks, 1)
	assert.Equal(t, "http://hook", cfg.Webhooks[0].BaseURL)
	// Unset fields still get defaults.
	assert.Equal(t, Defaults().WorkspacePath, cfg.WorkspacePath)
	assert.Equal(t, "k1", cfg.PrimarySessionAPIKey())
}

func TestLoadEnvOverridesFile(t *testing.T) {
	path := writeConfigFile(t, `{"port": 9100, "workspace_path": "/from/file"}`)

	cfg, err := Load(envMap(map[string]string{
		ConfigPathEnv:    path,
		"PORT":           "9200",
		"WORKSPACE_PATH": "/from/env",
		"MAX_ITERATIONS": "7",
	}))
	require.NoError(t, err)

	// env > json > default, field by field.
	assert.Equal(t, 9200, cfg.Port)
	assert.Equal(t, "/from/env", cfg.WorkspacePath)
	assert.Equal(t, 7, cfg.MaxIterations)
}

func TestLoadListEnvFormats(t *testing.T) {
	cfg, err := Load(envMap(map[string]string{
		"SESSION_API_KEYS":   "a, b ,c",
		"ALLOW_CORS_ORIGINS": `["https://x.example", "https://y.example"]`,
	}))
	require.NoError(t, err)

	assert.Equal(t, []string{"a", "b", "c"}, cfg.SessionAPIKeys)
	assert.Equal(t, []string{"https://x.example", "https://y.example"}, cfg.AllowCORSOrigins)
}

func TestLoadWebhooksFromEnv(t *testing.T) {
	cfg, err := Load(envMap(map[string]string{
		"WEBHOOKS": `[{"base_url": "http://hook", "event_buffer_size": 2, "flush_delay": 1, "num_retries": 3, "retry_delay": 0.5}]`,
	}))
	require.NoError(t, err)

	require.Len(t, cfg.Webhooks, 1)
	assert.Equal(t, 2, cfg.Webhooks[0].EventBufferSize)
	assert.Equal(t, 3, cfg.Webhooks[0].NumRetries)
}

func TestLoadLLMEnvOverlay(t *testing.T) {
	cfg, err := Load(envMap(map[string]string{
		"LLM_PROVIDER": "openai",
		"LLM_MODEL":    "gpt-4o",
	}))
	require.NoError(t, err)

	assert.Equal(t, "openai", cfg.LLM.Provider)
	assert.Equal(t, "gpt-4o", cfg.LLM.Model)
}

func TestLoadInvalidValues(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"bad port", map[string]string{"PORT": "nope"}},
		{"bad bool", map[string]string{"ENABLE_VSCODE": "perhaps"}},
		{"bad webhooks json", map[string]string{"WEBHOOKS": "{"}},
		{"bad max iterations", map[string]string{"MAX_ITERATIONS": "x"}},
		{"invalid webhook spec", map[string]string{"WEBHOOKS": `[{"base_url": "", "event_buffer_size": 1, "flush_delay": 1}]`}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(envMap(tt.env))
			assert.Error(t, err)
		})
	}
}

func TestLoadMissingFileFails(t *testing.T) {
	_, err := Load(envMap(map[string]string{ConfigPathEnv: "/no/such/file.json"}))
	assert.Error(t, err)
}

func TestLoadConfirmationPolicyFromEnv(t *testing.T) {
	cfg, err := Load(envMap(map[string]string{"CONFIRMATION_POLICY": "always"}))
	require.NoError(t, err)
	assert.Equal(t, models.ConfirmAlways, cfg.ConfirmationPolicy.Kind)
}

func TestValidate(t *testing.T) {
	cfg := Defaults()
	assert.NoError(t, cfg.Validate())

	bad := Defaults()
	bad.Port = -1
	assert.Error(t, bad.Validate())

	bad = Defaults()
	bad.ConversationsPath = ""
	assert.Error(t, bad.Validate())
}
