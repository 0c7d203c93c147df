package common

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/pelletier/go-toml/v2"
)

// Config represents the application configuration
type Config struct {
	Environment string          `toml:"environment" validate:"oneof=development production"` // controls private-target validation
	Server      ServerConfig    `toml:"server"`
	Logging     LoggingConfig   `toml:"logging"`
	WebSocket   WebSocketConfig `toml:"websocket"`
	Scans       ScansConfig     `toml:"scans"`
	Security    SecurityConfig  `toml:"security"`
	Agent       AgentConfig     `toml:"agent"`
}

type ServerConfig struct {
	Port int    `toml:"port" validate:"gt=0,lte=65535"`
	Host string `toml:"host" validate:"required"`
}

type LoggingConfig struct {
	Level  string   `toml:"level" validate:"oneof=debug info warn error"`
	Format string   `toml:"format"` // "json" or "text"
	Output []string `toml:"output"` // "stdout", "file"
}

// WebSocketConfig contains configuration for the scan event stream
type WebSocketConfig struct {
	// Per-subscriber send buffer. A subscriber whose buffer fills is treated
	// as a failed delivery and skipped for that event.
	SendBuffer int `toml:"send_buffer" validate:"gt=0"`
	// Minimum interval between broadcast progress events per scan, e.g. "500ms".
	// Empty disables throttling. Finding and terminal events are never throttled.
	ProgressThrottle string `toml:"progress_throttle"`
}

// ScansConfig contains configuration for scan lifecycle management
type ScansConfig struct {
	// Per-scan broadcast queue depth. Events beyond this are dropped with a warning.
	EventQueueSize int `toml:"event_queue_size" validate:"gt=0"`
	// How long Shutdown waits for in-flight broadcasts to drain.
	ShutdownTimeout string `toml:"shutdown_timeout"`
}

// SecurityConfig contains request-layer protections
type SecurityConfig struct {
	RateLimitRequests int    `toml:"rate_limit_requests" validate:"gt=0"` // requests per window per client IP
	RateLimitWindow   string `toml:"rate_limit_window"`                   // e.g. "5m"
	MaxInstructionLen int    `toml:"max_instruction_len" validate:"gt=0"`
}

// AgentConfig contains the Claude-driven scan executor configuration
type AgentConfig struct {
	APIKey    string `toml:"api_key"`    // Anthropic API key (or ANTHROPIC_API_KEY env)
	Model     string `toml:"model"`      // Model for agent turns
	MaxTurns  int    `toml:"max_turns"`  // Maximum agent conversation turns
	MaxTokens int    `toml:"max_tokens"` // Maximum tokens per response
	Timeout   string `toml:"timeout"`    // Per-scan timeout as duration string
}

// NewDefaultConfig creates a configuration with default values.
// Only user-facing settings should be exposed in talon.toml.
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development", // allows localhost/private targets for local testing
		Server: ServerConfig{
			Port: 8090,
			Host: "localhost",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: []string{"stdout", "file"},
		},
		WebSocket: WebSocketConfig{
			SendBuffer:       64,
			ProgressThrottle: "",
		},
		Scans: ScansConfig{
			EventQueueSize:  256,
			ShutdownTimeout: "10s",
		},
		Security: SecurityConfig{
			RateLimitRequests: 20,
			RateLimitWindow:   "5m",
			MaxInstructionLen: 5000,
		},
		Agent: AgentConfig{
			Model:     "claude-sonnet-4-20250514",
			MaxTurns:  30,
			MaxTokens: 8192,
			Timeout:   "30m",
		},
	}
}

// LoadFromFiles loads configuration from multiple files with priority:
// defaults -> file1 -> file2 -> ... -> env. Later files override earlier ones.
func LoadFromFiles(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	for i, path := range paths {
		if path == "" {
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s (file %d of %d): %w", path, i+1, len(paths), err)
		}
	}

	applyEnvOverrides(config)

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// Validate checks the configuration against struct constraints
func (c *Config) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides to config
func applyEnvOverrides(config *Config) {
	if env := os.Getenv("TALON_ENV"); env != "" {
		config.Environment = env
	} else if env := os.Getenv("GO_ENV"); env != "" {
		config.Environment = env
	}

	// Server configuration
	if port := os.Getenv("TALON_SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}
	if host := os.Getenv("TALON_SERVER_HOST"); host != "" {
		config.Server.Host = host
	}

	// Logging configuration
	if level := os.Getenv("TALON_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
	if format := os.Getenv("TALON_LOG_FORMAT"); format != "" {
		config.Logging.Format = format
	}
	if output := os.Getenv("TALON_LOG_OUTPUT"); output != "" {
		outputs := []string{}
		for _, o := range strings.Split(output, ",") {
			if trimmed := strings.TrimSpace(o); trimmed != "" {
				outputs = append(outputs, trimmed)
			}
		}
		if len(outputs) > 0 {
			config.Logging.Output = outputs
		}
	}

	// Agent configuration
	if apiKey := os.Getenv("ANTHROPIC_API_KEY"); apiKey != "" {
		config.Agent.APIKey = apiKey
	}
	if apiKey := os.Getenv("TALON_AGENT_API_KEY"); apiKey != "" {
		config.Agent.APIKey = apiKey
	}
	if model := os.Getenv("TALON_AGENT_MODEL"); model != "" {
		config.Agent.Model = model
	}
	if maxTurns := os.Getenv("TALON_AGENT_MAX_TURNS"); maxTurns != "" {
		if mt, err := strconv.Atoi(maxTurns); err == nil {
			config.Agent.MaxTurns = mt
		}
	}
	if timeout := os.Getenv("TALON_AGENT_TIMEOUT"); timeout != "" {
		config.Agent.Timeout = timeout
	}
}

// IsDevelopment returns true when running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}
