// Package config loads bluechat settings from YAML and the environment.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"dario.cat/mergo"
	"github.com/aschepis/backscratcher/bluechat/llm"
	"github.com/aschepis/backscratcher/bluechat/llm/ollama"
	"github.com/aschepis/backscratcher/bluechat/llm/openai"
	"github.com/aschepis/backscratcher/bluechat/llm/transport"
	"github.com/aschepis/backscratcher/bluechat/ratelimit"
	"github.com/samber/lo"
	"gopkg.in/yaml.v3"
)

// Rate limit backends.
const (
	RateLimitSQLite   = "sqlite"
	RateLimitSupabase = "supabase"
	RateLimitNone     = "none"
)

// Secondary chat providers.
const (
	SecondaryGroq   = "groq"
	SecondaryOllama = "ollama"
)

// Image backends.
const (
	ImageBackendAIML      = "aiml"
	ImageBackendReplicate = "replicate"
)

// ProviderConfig holds credentials for one vendor.
type ProviderConfig struct {
	APIKey  string `yaml:"api_key,omitempty"`
	BaseURL string `yaml:"base_url,omitempty"`
}

// ProvidersConfig groups the vendor credentials.
type ProvidersConfig struct {
	AIML      ProviderConfig `yaml:"aiml,omitempty"`      // Primary chat model and dall-e-3 images
	Groq      ProviderConfig `yaml:"groq,omitempty"`      // Secondary chat models
	Replicate ProviderConfig `yaml:"replicate,omitempty"` // SDXL images
	Ollama    OllamaConfig   `yaml:"ollama,omitempty"`    // Local secondary models
	// Secondary selects who serves the secondary models: groq or ollama.
	Secondary string `yaml:"secondary,omitempty"`
}

// OllamaConfig configures a local Ollama server as the secondary provider.
type OllamaConfig struct {
	Host      string            `yaml:"host,omitempty"`       // default: "http://localhost:11434"
	ModelTags map[string]string `yaml:"model_tags,omitempty"` // Catalog model id to local tag
}

// TransportConfig controls timeouts and retries for outbound HTTP calls.
type TransportConfig struct {
	Timeout        time.Duration `yaml:"timeout,omitempty"`          // e.g. "60s"
	MaxRetries     int           `yaml:"max_retries,omitempty"`      // Total attempts per request
	RetryBaseDelay time.Duration `yaml:"retry_base_delay,omitempty"` // e.g. "1s"
}

// PacingConfig controls how secondary output is released to the caller.
type PacingConfig struct {
	Disabled          bool          `yaml:"disabled,omitempty"`
	Interval          time.Duration `yaml:"interval,omitempty"`           // e.g. "30ms"
	CoalesceThreshold int           `yaml:"coalesce_threshold,omitempty"` // Bytes buffered before release
}

// RateLimitConfig selects and configures the quota backend.
type RateLimitConfig struct {
	Backend     string        `yaml:"backend,omitempty"` // sqlite, supabase or none
	Messages    int           `yaml:"messages,omitempty"`
	Images      int           `yaml:"images,omitempty"`
	Window      time.Duration `yaml:"window,omitempty"`
	SupabaseURL string        `yaml:"supabase_url,omitempty"`
	SupabaseKey string        `yaml:"supabase_key,omitempty"`
}

// ImagesConfig configures image generation.
type ImagesConfig struct {
	Backend string `yaml:"backend,omitempty"` // aiml or replicate
}

// DatabaseConfig locates the local SQLite database.
type DatabaseConfig struct {
	Path string `yaml:"path,omitempty"`
}

// ChatConfig holds chat defaults.
type ChatConfig struct {
	UserID        string `yaml:"user_id,omitempty"`
	Model         string `yaml:"model,omitempty"`
	FallbackModel string `yaml:"fallback_model,omitempty"`
}

// LoggingConfig configures log output.
type LoggingConfig struct {
	File  string `yaml:"file,omitempty"`
	Level string `yaml:"level,omitempty"`
}

// Config is the complete bluechat configuration.
type Config struct {
	Providers  ProvidersConfig `yaml:"providers,omitempty"`
	Transport  TransportConfig `yaml:"transport,omitempty"`
	Pacing     PacingConfig    `yaml:"pacing,omitempty"`
	RateLimits RateLimitConfig `yaml:"rate_limits,omitempty"`
	Images     ImagesConfig    `yaml:"images,omitempty"`
	Database   DatabaseConfig  `yaml:"database,omitempty"`
	Chat       ChatConfig      `yaml:"chat,omitempty"`
	Logging    LoggingConfig   `yaml:"logging,omitempty"`
}

// Default returns the built-in configuration.
func Default() Config {
	limits := ratelimit.DefaultLimits()
	opts := transport.DefaultOptions()
	return Config{
		Providers: ProvidersConfig{
			AIML: ProviderConfig{BaseURL: openai.AIMLBaseURL},
			Groq:      ProviderConfig{BaseURL: openai.GroqBaseURL},
			Ollama:    OllamaConfig{Host: ollama.DefaultHost},
			Secondary: SecondaryGroq,
		},
		Transport: TransportConfig{
			Timeout:        opts.Timeout,
			MaxRetries:     opts.MaxRetries,
			RetryBaseDelay: opts.RetryBaseDelay,
		},
		Pacing: PacingConfig{
			Interval:          30 * time.Millisecond,
			CoalesceThreshold: 3,
		},
		RateLimits: RateLimitConfig{
			Backend:  RateLimitSQLite,
			Messages: limits.Messages,
			Images:   limits.Images,
			Window:   limits.Window,
		},
		Images:   ImagesConfig{Backend: ImageBackendAIML},
		Database: DatabaseConfig{Path: "~/.bluechat/bluechat.db"},
		Chat: ChatConfig{
			UserID:        "local",
			Model:         llm.ModelGPT4,
			FallbackModel: llm.ModelMixtral,
		},
	}
}

// GetConfigPath returns the default config file path.
// Can be overridden via BLUECHAT_CONFIG_PATH environment variable.
func GetConfigPath() string {
	if envPath := os.Getenv("BLUECHAT_CONFIG_PATH"); envPath != "" {
		return expandPath(envPath)
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "./.bluechat/config.yaml"
	}
	return filepath.Join(homeDir, ".bluechat", "config.yaml")
}

// expandPath expands ~ to the user's home directory.
func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(homeDir, path[2:])
	}
	return path
}

// Load reads the config file at path, merges it onto the defaults and applies
// environment overrides. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	expandedPath := expandPath(path)
	if _, err := os.Stat(expandedPath); err == nil {
		data, err := os.ReadFile(expandedPath) //#nosec 304 -- intentional file read for config
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %q: %w", expandedPath, err)
		}

		var fileCfg Config
		if err := yaml.Unmarshal(data, &fileCfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
		if err := mergo.Merge(&cfg, fileCfg, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge config: %w", err)
		}
	}

	if err := mergo.Merge(&cfg, fromEnv(), mergo.WithOverride); err != nil {
		return nil, fmt.Errorf("failed to merge environment: %w", err)
	}
	cfg.Database.Path = expandPath(cfg.Database.Path)
	cfg.Logging.File = expandPath(cfg.Logging.File)
	return &cfg, nil
}

// fromEnv collects the settings provided through environment variables.
func fromEnv() Config {
	var env Config
	env.Providers.AIML.APIKey = os.Getenv("AIML_API_KEY")
	env.Providers.AIML.BaseURL = os.Getenv("AIML_BASE_URL")
	env.Providers.Groq.APIKey = os.Getenv("GROQ_API_KEY")
	env.Providers.Groq.BaseURL = os.Getenv("GROQ_BASE_URL")
	env.Providers.Replicate.APIKey = os.Getenv("REPLICATE_API_TOKEN")
	env.RateLimits.SupabaseURL = os.Getenv("SUPABASE_URL")
	env.RateLimits.SupabaseKey = os.Getenv("SUPABASE_KEY")
	env.Providers.Ollama.Host = os.Getenv("OLLAMA_HOST")
	env.Chat.UserID = os.Getenv("BLUECHAT_USER_ID")
	env.Database.Path = os.Getenv("BLUECHAT_DB_PATH")
	return env
}

// Save writes cfg to path as YAML.
func Save(cfg *Config, path string) error {
	expandedPath := expandPath(path)

	dir := filepath.Dir(expandedPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(expandedPath, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Validate checks that the credentials required by the selected backends are
// present. The AIML key is optional: without it every primary request falls
// back to the secondary provider.
func (c *Config) Validate() error {
	var problems []string

	switch c.Providers.Secondary {
	case SecondaryGroq:
		if c.Providers.Groq.APIKey == "" {
			problems = append(problems, "providers.groq.api_key (GROQ_API_KEY) is required")
		}
	case SecondaryOllama:
	default:
		problems = append(problems, fmt.Sprintf("unknown providers.secondary %q", c.Providers.Secondary))
	}
	if c.Chat.UserID == "" {
		problems = append(problems, "chat.user_id is required")
	}

	switch c.RateLimits.Backend {
	case RateLimitSQLite, RateLimitNone:
	case RateLimitSupabase:
		if c.RateLimits.SupabaseURL == "" || c.RateLimits.SupabaseKey == "" {
			problems = append(problems, "rate_limits.supabase_url and rate_limits.supabase_key are required for the supabase backend")
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown rate_limits.backend %q", c.RateLimits.Backend))
	}

	if !lo.Contains([]string{ImageBackendAIML, ImageBackendReplicate}, c.Images.Backend) {
		problems = append(problems, fmt.Sprintf("unknown images.backend %q", c.Images.Backend))
	}
	if c.Transport.MaxRetries < 0 {
		problems = append(problems, "transport.max_retries must not be negative")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

// ValidateImages checks the credentials of the configured image backend.
func (c *Config) ValidateImages() error {
	switch c.Images.Backend {
	case ImageBackendReplicate:
		if c.Providers.Replicate.APIKey == "" {
			return fmt.Errorf("providers.replicate.api_key (REPLICATE_API_TOKEN) is required for replicate images")
		}
	default:
		if c.Providers.AIML.APIKey == "" {
			return fmt.Errorf("providers.aiml.api_key (AIML_API_KEY) is required for aiml images")
		}
	}
	return nil
}

// TransportOptions converts the transport section.
func (c *Config) TransportOptions() transport.Options {
	return transport.Options{
		Timeout:        c.Transport.Timeout,
		MaxRetries:     c.Transport.MaxRetries,
		RetryBaseDelay: c.Transport.RetryBaseDelay,
	}
}

// Limits converts the rate_limits section for the SQLite backend.
func (c *Config) Limits() ratelimit.Limits {
	return ratelimit.Limits{
		Messages: c.RateLimits.Messages,
		Images:   c.RateLimits.Images,
		Window:   c.RateLimits.Window,
	}
}
