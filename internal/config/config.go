// ABOUTME: Configuration loading and parsing for loom
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied when the corresponding config fields are empty.
const (
	DefaultPermissionTimeout = 5 * time.Minute
	DefaultResumeTokenTTL    = 25 * 24 * time.Hour
	DefaultClaudeBinary      = "claude"
	DefaultClaudeDriver      = "cli"
	DefaultAnthropicModel    = "claude-sonnet-4-5"
	DefaultResearchModel     = "claude-sonnet-4-5"
	DefaultMaxTokens         = 8192
	DefaultMaxSearches       = 8
)

// Config represents the complete loom configuration
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Database    DatabaseConfig    `yaml:"database"`
	Auth        AuthConfig        `yaml:"auth"`
	Backends    BackendsConfig    `yaml:"backends"`
	Session     SessionConfig     `yaml:"session"`
	Permissions PermissionsConfig `yaml:"permissions"`
	Worktrees   WorktreesConfig   `yaml:"worktrees"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// BackendsConfig holds per-backend configuration
type BackendsConfig struct {
	Claude    ClaudeConfig    `yaml:"claude"`
	Anthropic AnthropicConfig `yaml:"anthropic"`
	Research  ResearchConfig  `yaml:"research"`
}

// ClaudeConfig configures the coding-agent backend. Driver selects how the
// "claude" agent type is served: "cli" spawns the CLI subprocess, "sdk"
// drives the Messages API directly.
type ClaudeConfig struct {
	Driver         string   `yaml:"driver"`
	Binary         string   `yaml:"binary"`
	Model          string   `yaml:"model"`
	PermissionMode string   `yaml:"permission_mode"`
	AllowedTools   []string `yaml:"allowed_tools"`
}

// AnthropicConfig configures the SDK streaming backend
type AnthropicConfig struct {
	APIKey    string `yaml:"api_key"`
	Model     string `yaml:"model"`
	MaxTokens int    `yaml:"max_tokens"`
}

// ResearchConfig configures the web-search research backend
type ResearchConfig struct {
	Model       string `yaml:"model"`
	MaxSearches int    `yaml:"max_searches"`
}

// SessionConfig holds session registry timing configuration
type SessionConfig struct {
	ResumeTokenTTL time.Duration `yaml:"-"`

	// Raw string value for YAML unmarshaling
	ResumeTokenTTLRaw string `yaml:"resume_token_ttl"`
}

// PermissionsConfig holds approval gate timing configuration
type PermissionsConfig struct {
	Timeout time.Duration `yaml:"-"`

	// Raw string value for YAML unmarshaling
	TimeoutRaw string `yaml:"timeout"`
}

// WorktreesConfig holds git worktree binding configuration
type WorktreesConfig struct {
	Enabled bool   `yaml:"enabled"`
	Dir     string `yaml:"dir"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Parse duration fields
	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	// Match ${VAR_NAME} pattern
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// applyDefaults fills in defaults for fields the file leaves unset.
func (c *Config) applyDefaults() {
	if c.Session.ResumeTokenTTL == 0 {
		c.Session.ResumeTokenTTL = DefaultResumeTokenTTL
	}
	if c.Permissions.Timeout == 0 {
		c.Permissions.Timeout = DefaultPermissionTimeout
	}
	if c.Backends.Claude.Driver == "" {
		c.Backends.Claude.Driver = DefaultClaudeDriver
	}
	if c.Backends.Claude.Binary == "" {
		c.Backends.Claude.Binary = DefaultClaudeBinary
	}
	if c.Backends.Anthropic.Model == "" {
		c.Backends.Anthropic.Model = DefaultAnthropicModel
	}
	if c.Backends.Anthropic.MaxTokens == 0 {
		c.Backends.Anthropic.MaxTokens = DefaultMaxTokens
	}
	if c.Backends.Research.Model == "" {
		c.Backends.Research.Model = DefaultResearchModel
	}
	if c.Backends.Research.MaxSearches == 0 {
		c.Backends.Research.MaxSearches = DefaultMaxSearches
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.Permissions.Timeout < 0 {
		return fmt.Errorf("permissions.timeout must not be negative")
	}

	if c.Session.ResumeTokenTTL < 0 {
		return fmt.Errorf("session.resume_token_ttl must not be negative")
	}

	if d := c.Backends.Claude.Driver; d != "" && d != "cli" && d != "sdk" {
		return fmt.Errorf("backends.claude.driver must be \"cli\" or \"sdk\", got %q", d)
	}

	if c.Worktrees.Enabled && c.Worktrees.Dir == "" {
		return fmt.Errorf("worktrees.dir is required when worktrees are enabled")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Session.ResumeTokenTTLRaw != "" {
		cfg.Session.ResumeTokenTTL, err = time.ParseDuration(cfg.Session.ResumeTokenTTLRaw)
		if err != nil {
			return fmt.Errorf("parsing resume_token_ttl %q: %w", cfg.Session.ResumeTokenTTLRaw, err)
		}
	}

	if cfg.Permissions.TimeoutRaw != "" {
		cfg.Permissions.Timeout, err = time.ParseDuration(cfg.Permissions.TimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing permissions timeout %q: %w", cfg.Permissions.TimeoutRaw, err)
		}
	}

	return nil
}
