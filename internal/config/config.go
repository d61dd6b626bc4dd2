package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Server    ServerConfig           `toml:"server"`
	Anthropic ProviderConfig         `toml:"anthropic"`
	OpenAI    ProviderConfig         `toml:"openai"`
	Engine    EngineConfig           `toml:"engine"`
	Store     StoreConfig            `toml:"store"`
	Credits   CreditsConfig          `toml:"credits"`
	Observer  ObserverConfig         `toml:"observer"`
	Agents    map[string]AgentConfig `toml:"agents"`
}

type ServerConfig struct {
	Addr      string `toml:"addr"`
	AuthToken string `toml:"auth_token"`
}

type ProviderConfig struct {
	APIKey  string `toml:"api_key"`
	BaseURL string `toml:"base_url"`
}

type EngineConfig struct {
	DefaultModel   string `toml:"default_model"`
	MaxAgentSteps  int    `toml:"max_agent_steps"`
	ToolTimeoutSec int    `toml:"tool_timeout_seconds"`
	EventBuffer    int    `toml:"event_buffer"`
	RetryAttempts  int    `toml:"retry_attempts"`
	RPM            int    `toml:"rpm"`
	TPM            int    `toml:"tpm"`
}

type StoreConfig struct {
	Driver string `toml:"driver"` // "sqlite", "postgres", or "" for none
	Path   string `toml:"path"`   // sqlite file path
	DSN    string `toml:"dsn"`    // postgres connection string
}

type CreditsConfig struct {
	Pricing map[string]PricingConfig `toml:"pricing"`
}

type PricingConfig struct {
	Input  float64 `toml:"input"`
	Output float64 `toml:"output"`
	Cached float64 `toml:"cached"`
}

type ObserverConfig struct {
	Enabled bool `toml:"enabled"`
}

// AgentConfig declares one agent template in TOML. Step handlers cannot be
// configured here; templates that need one are registered in code.
type AgentConfig struct {
	Model                 string   `toml:"model"`
	SystemPrompt          string   `toml:"system_prompt"`
	InstructionsPrompt    string   `toml:"instructions_prompt"`
	StepPrompt            string   `toml:"step_prompt"`
	Tools                 []string `toml:"tools"`
	SpawnableAgents       []string `toml:"spawnable_agents"`
	OutputMode            string   `toml:"output_mode"`
	MaxAgentSteps         int      `toml:"max_agent_steps"`
	IncludeMessageHistory bool     `toml:"include_message_history"`
}

// Default returns a Config with all defaults applied.
func Default() Config {
	return Config{
		Server: ServerConfig{Addr: ":8080"},
		Engine: EngineConfig{
			DefaultModel:   "claude-sonnet-4-5",
			MaxAgentSteps:  20,
			ToolTimeoutSec: 30,
			EventBuffer:    256,
			RetryAttempts:  3,
		},
		Store: StoreConfig{Path: "stride.db"},
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins).
func Load(path string) Config {
	cfg := Default()

	if path == "" {
		path = "stride.toml"
	}

	if data, err := os.ReadFile(path); err == nil {
		_ = toml.Unmarshal(data, &cfg)
	}

	// Env overrides
	if v := os.Getenv("STRIDE_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("STRIDE_AUTH_TOKEN"); v != "" {
		cfg.Server.AuthToken = v
	}
	if v := os.Getenv("STRIDE_ANTHROPIC_API_KEY"); v != "" {
		cfg.Anthropic.APIKey = v
	}
	if v := os.Getenv("STRIDE_OPENAI_API_KEY"); v != "" {
		cfg.OpenAI.APIKey = v
	}
	if v := os.Getenv("STRIDE_DEFAULT_MODEL"); v != "" {
		cfg.Engine.DefaultModel = v
	}
	if v := os.Getenv("STRIDE_STORE_DRIVER"); v != "" {
		cfg.Store.Driver = v
	}
	if v := os.Getenv("STRIDE_STORE_DSN"); v != "" {
		cfg.Store.DSN = v
	}
	if v := os.Getenv("STRIDE_MAX_AGENT_STEPS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Engine.MaxAgentSteps = n
		}
	}
	if os.Getenv("STRIDE_OBSERVER_ENABLED") == "true" || os.Getenv("STRIDE_OBSERVER_ENABLED") == "1" {
		cfg.Observer.Enabled = true
	}

	return cfg
}

// Validate checks invariants that Load cannot default away.
func (c Config) Validate() error {
	if c.Anthropic.APIKey == "" && c.OpenAI.APIKey == "" {
		return fmt.Errorf("config: no provider api key set (anthropic or openai)")
	}
	switch c.Store.Driver {
	case "", "sqlite", "postgres":
	default:
		return fmt.Errorf("config: unknown store driver %q", c.Store.Driver)
	}
	if c.Store.Driver == "postgres" && c.Store.DSN == "" {
		return fmt.Errorf("config: postgres store needs a dsn")
	}
	for id, a := range c.Agents {
		switch a.OutputMode {
		case "", "last_message", "all_messages", "structured_output":
		default:
			return fmt.Errorf("config: agent %s: unknown output_mode %q", id, a.OutputMode)
		}
	}
	return nil
}
