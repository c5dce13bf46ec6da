// File: internal/config/config.go
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// Config holds the entire application configuration.
type Config struct {
	Logger       LoggerConfig       `mapstructure:"logger" yaml:"logger"`
	Network      NetworkConfig      `mapstructure:"network" yaml:"network"`
	Discovery    DiscoveryConfig    `mapstructure:"discovery" yaml:"discovery"`
	Credentials  CredentialsConfig  `mapstructure:"credentials" yaml:"credentials"`
	Registration RegistrationConfig `mapstructure:"registration" yaml:"registration"`
	Executor     ExecutorConfig     `mapstructure:"executor" yaml:"executor"`
	Agent        AgentConfig        `mapstructure:"agent" yaml:"agent"`
	Journal      JournalConfig      `mapstructure:"journal" yaml:"journal"`
	Browser      BrowserConfig      `mapstructure:"browser" yaml:"browser"`
}

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color codes for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// NetworkConfig tunes the shared HTTP client.
type NetworkConfig struct {
	Timeout         time.Duration     `mapstructure:"timeout" yaml:"timeout"`
	IgnoreTLSErrors bool              `mapstructure:"ignore_tls_errors" yaml:"ignore_tls_errors"`
	Headers         map[string]string `mapstructure:"headers" yaml:"headers"`
	UserAgent       string            `mapstructure:"user_agent" yaml:"user_agent"`
}

// DiscoveryConfig configures manifest discovery.
type DiscoveryConfig struct {
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
	// Format overrides the tier-derived ?format= hint when non-empty.
	Format string `mapstructure:"format" yaml:"format"`
	// MaxManifestBytes caps how much of a manifest response is read.
	MaxManifestBytes int64 `mapstructure:"max_manifest_bytes" yaml:"max_manifest_bytes"`
}

// CredentialsConfig locates the credential file.
type CredentialsConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

// RegistrationConfig holds registration metadata and non-interactive approval settings.
type RegistrationConfig struct {
	AgentType          string        `mapstructure:"agent_type" yaml:"agent_type"`
	Framework          string        `mapstructure:"framework" yaml:"framework"`
	Timeout            time.Duration `mapstructure:"timeout" yaml:"timeout"`
	AutoApprove        bool          `mapstructure:"auto_approve" yaml:"auto_approve"`
	DefaultName        string        `mapstructure:"default_name" yaml:"default_name"`
	DefaultPermissions []string      `mapstructure:"default_permissions" yaml:"default_permissions"`
	Description        string        `mapstructure:"description" yaml:"description"`
}

// ExecutorConfig configures operation calls and rate-limit handling.
type ExecutorConfig struct {
	Timeout       time.Duration `mapstructure:"timeout" yaml:"timeout"`
	MaxAttempts   int           `mapstructure:"max_attempts" yaml:"max_attempts"`
	BackoffFactor float64       `mapstructure:"backoff_factor" yaml:"backoff_factor"`
	MinBackoff    time.Duration `mapstructure:"min_backoff" yaml:"min_backoff"`
	MaxBackoff    time.Duration `mapstructure:"max_backoff" yaml:"max_backoff"`
	Pacing        bool          `mapstructure:"pacing" yaml:"pacing"`
	// QuickReference is one of auto, always, never.
	QuickReference string `mapstructure:"quick_reference" yaml:"quick_reference"`
}

// AgentConfig holds settings for the task runner and its planner.
type AgentConfig struct {
	Model      string        `mapstructure:"model" yaml:"model"`
	MaxSteps   int           `mapstructure:"max_steps" yaml:"max_steps"`
	APIKey     string        `mapstructure:"api_key" yaml:"api_key"`
	APITimeout time.Duration `mapstructure:"api_timeout" yaml:"api_timeout"`
	// Concurrency bounds how many targets a single run drives at once.
	Concurrency int `mapstructure:"concurrency" yaml:"concurrency"`
}

// JournalConfig selects where executed operations are recorded.
type JournalConfig struct {
	Type     string         `mapstructure:"type" yaml:"type"`
	Postgres PostgresConfig `mapstructure:"postgres" yaml:"postgres"`
}

// PostgresConfig holds the connection details for a PostgreSQL database.
type PostgresConfig struct {
	URL string `mapstructure:"url" yaml:"url"`
}

// BrowserConfig holds settings for the DOM fallback browser.
type BrowserConfig struct {
	Headless          bool          `mapstructure:"headless" yaml:"headless"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout" yaml:"navigation_timeout"`
	ExecPath          string        `mapstructure:"exec_path" yaml:"exec_path"`
}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// This should not happen with defaults.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "awi-cli")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)

	// -- Network --
	v.SetDefault("network.timeout", "30s")
	v.SetDefault("network.ignore_tls_errors", false)
	v.SetDefault("network.user_agent", "awi-cli/"+defaultVersionTag)

	// -- Discovery --
	v.SetDefault("discovery.timeout", "10s")
	v.SetDefault("discovery.format", "")
	v.SetDefault("discovery.max_manifest_bytes", 2<<20)

	// -- Credentials --
	v.SetDefault("credentials.path", DefaultCredentialsPath())

	// -- Registration --
	v.SetDefault("registration.agent_type", "awi-cli")
	v.SetDefault("registration.framework", "go")
	v.SetDefault("registration.timeout", "30s")
	v.SetDefault("registration.auto_approve", false)
	v.SetDefault("registration.default_name", "AWIAgent")
	v.SetDefault("registration.default_permissions", []string{})

	// -- Executor --
	v.SetDefault("executor.timeout", "30s")
	v.SetDefault("executor.max_attempts", 3)
	v.SetDefault("executor.backoff_factor", 2.0)
	v.SetDefault("executor.min_backoff", "1s")
	v.SetDefault("executor.max_backoff", "5m")
	v.SetDefault("executor.pacing", true)
	v.SetDefault("executor.quick_reference", "auto")

	// -- Agent --
	v.SetDefault("agent.model", "gemini-2.5-flash")
	v.SetDefault("agent.max_steps", 20)
	v.SetDefault("agent.api_key", "") // Should be set via env var
	v.SetDefault("agent.api_timeout", "60s")
	v.SetDefault("agent.concurrency", 4)

	// -- Journal --
	v.SetDefault("journal.type", "memory")
	v.SetDefault("journal.postgres.url", "")

	// -- Browser --
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.navigation_timeout", "45s")
	v.SetDefault("browser.exec_path", "")
}

const defaultVersionTag = "dev"

// NewConfigFromViper unmarshals and validates a configuration from a prepared viper instance.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	// Bind environment variables for sensitive data.
	_ = v.BindEnv("agent.api_key", "AWI_AGENT_API_KEY", "GEMINI_API_KEY")
	_ = v.BindEnv("journal.postgres.url", "AWI_JOURNAL_DSN")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	path, err := ExpandPath(cfg.Credentials.Path)
	if err != nil {
		return nil, fmt.Errorf("invalid credentials.path: %w", err)
	}
	cfg.Credentials.Path = path

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	if c.Credentials.Path == "" {
		return fmt.Errorf("credentials.path is required")
	}
	if c.Executor.MaxAttempts <= 0 {
		return fmt.Errorf("executor.max_attempts must be a positive integer")
	}
	if c.Executor.BackoffFactor < 1 {
		return fmt.Errorf("executor.backoff_factor must be >= 1")
	}
	switch c.Executor.QuickReference {
	case "auto", "always", "never":
	default:
		return fmt.Errorf("executor.quick_reference must be one of auto, always, never (got %q)", c.Executor.QuickReference)
	}
	if c.Agent.MaxSteps <= 0 {
		return fmt.Errorf("agent.max_steps must be a positive integer")
	}
	if c.Agent.Concurrency <= 0 {
		return fmt.Errorf("agent.concurrency must be a positive integer")
	}
	switch c.Journal.Type {
	case "memory":
	case "postgres":
		if c.Journal.Postgres.URL == "" {
			return fmt.Errorf("journal.postgres.url is required when journal.type is postgres")
		}
	default:
		return fmt.Errorf("journal.type must be memory or postgres (got %q)", c.Journal.Type)
	}
	if c.Discovery.Timeout <= 0 {
		return fmt.Errorf("discovery.timeout must be positive")
	}
	return nil
}

// DefaultCredentialsPath returns the per-user credential file location,
// honouring XDG_CONFIG_HOME when it is set.
func DefaultCredentialsPath() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "awi-cli", "config.json")
	}
	return filepath.Join("~", ".config", "awi-cli", "config.json")
}

// ExpandPath resolves a leading ~ to the user's home directory.
func ExpandPath(path string) (string, error) {
	if !strings.HasPrefix(path, "~") {
		return path, nil
	}
	return homedir.Expand(path)
}
