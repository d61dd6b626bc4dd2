package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := Default()
	if cfg.Engine.DefaultModel != "claude-sonnet-4-5" {
		t.Errorf("expected claude-sonnet-4-5, got %s", cfg.Engine.DefaultModel)
	}
	if cfg.Engine.MaxAgentSteps != 20 {
		t.Errorf("expected 20, got %d", cfg.Engine.MaxAgentSteps)
	}
	if cfg.Server.Addr != ":8080" {
		t.Errorf("expected :8080, got %s", cfg.Server.Addr)
	}
}

func TestLoadFromTOML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.toml")
	os.WriteFile(path, []byte(`
[server]
addr = ":9090"

[engine]
max_agent_steps = 8

[agents.researcher]
model = "claude-sonnet-4-5"
system_prompt = "You research things."
tools = ["read_files", "spawn_agents"]
output_mode = "last_message"
`), 0644)

	cfg := Load(path)
	if cfg.Server.Addr != ":9090" {
		t.Errorf("expected :9090, got %s", cfg.Server.Addr)
	}
	if cfg.Engine.MaxAgentSteps != 8 {
		t.Errorf("expected 8, got %d", cfg.Engine.MaxAgentSteps)
	}
	// Defaults preserved
	if cfg.Engine.DefaultModel != "claude-sonnet-4-5" {
		t.Errorf("default should be preserved, got %s", cfg.Engine.DefaultModel)
	}
	agent, ok := cfg.Agents["researcher"]
	if !ok {
		t.Fatal("expected researcher agent")
	}
	if len(agent.Tools) != 2 {
		t.Errorf("expected 2 tools, got %d", len(agent.Tools))
	}
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("STRIDE_ANTHROPIC_API_KEY", "env-key")
	t.Setenv("STRIDE_ADDR", ":7070")
	t.Setenv("STRIDE_MAX_AGENT_STEPS", "5")

	cfg := Load("/nonexistent/path.toml")
	if cfg.Anthropic.APIKey != "env-key" {
		t.Errorf("expected env-key, got %s", cfg.Anthropic.APIKey)
	}
	if cfg.Server.Addr != ":7070" {
		t.Errorf("expected :7070, got %s", cfg.Server.Addr)
	}
	if cfg.Engine.MaxAgentSteps != 5 {
		t.Errorf("expected 5, got %d", cfg.Engine.MaxAgentSteps)
	}
}

func TestValidate(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for missing api keys")
	}

	cfg.Anthropic.APIKey = "key"
	if err := cfg.Validate(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}

	cfg.Store.Driver = "postgres"
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for postgres without dsn")
	}
	cfg.Store.DSN = "postgres://localhost/stride"
	if err := cfg.Validate(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}

	cfg.Agents = map[string]AgentConfig{"a": {OutputMode: "bogus"}}
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for unknown output_mode")
	}
}
