// Package config provides configuration loading and validation for the
// deep-dive service and CLI.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/Multiproject-EJ/futurefunds-site-sub000/internal/cache"
	"github.com/Multiproject-EJ/futurefunds-site-sub000/internal/llm"
	"github.com/Multiproject-EJ/futurefunds-site-sub000/internal/questions"
	"github.com/Multiproject-EJ/futurefunds-site-sub000/internal/retrieval"
)

// EnvConfigPath names the variable consulted when no --config flag is given
const EnvConfigPath = "DEEPDIVE_CONFIG"

// Config is the service configuration. Every field has a default; a YAML
// file and environment variables override it in that order.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Models    ModelsConfig    `yaml:"models"`
	Cache     CacheConfig     `yaml:"cache"`
	Retrieval RetrievalConfig `yaml:"retrieval"`
	Retry     RetryConfig     `yaml:"retry"`
	Notify    NotifyConfig    `yaml:"notify"`
	Batch     BatchConfig     `yaml:"batch"`
	Logging   LoggingConfig   `yaml:"logging"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

// ServerConfig configures the HTTP listener and caller authentication
type ServerConfig struct {
	Port             int           `yaml:"port" validate:"gte=1,lte=65535"`
	AutomationSecret string        `yaml:"automation_secret"`
	JWTSecret        string        `yaml:"jwt_secret"`
	AdminRole        string        `yaml:"admin_role" validate:"required"`
	ReadTimeout      time.Duration `yaml:"read_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
}

// DatabaseConfig configures the Postgres pool
type DatabaseConfig struct {
	URL string `yaml:"url"`
}

// ModelsConfig selects completion and embedding models
type ModelsConfig struct {
	Default         string              `yaml:"default" validate:"required"`
	Fallback        string              `yaml:"fallback"`
	Embedding       string              `yaml:"embedding"`
	PreferredScopes []string            `yaml:"preferred_scopes"`
	EnvKeys         map[string][]string `yaml:"env_keys"`
	Temperature     float32             `yaml:"temperature" validate:"gte=0,lte=2"`
	MaxOutputTokens int32               `yaml:"max_output_tokens" validate:"gte=0"`
}

// CacheConfig sets completion cache lifetimes
type CacheConfig struct {
	Scope      string                   `yaml:"scope"`
	DefaultTTL time.Duration            `yaml:"default_ttl"`
	ScopeTTL   map[string]time.Duration `yaml:"scope_ttl"`
}

// RetrievalConfig tunes document retrieval
type RetrievalConfig struct {
	TopK          int  `yaml:"top_k" validate:"gte=0,lte=20"`
	SnippetLength int  `yaml:"snippet_length" validate:"gte=0"`
	ScopeToTicker bool `yaml:"scope_to_ticker"`
}

// RetryConfig is the upstream retry policy
type RetryConfig struct {
	Attempts int           `yaml:"attempts" validate:"gte=1,lte=10"`
	Backoff  time.Duration `yaml:"backoff"`
	Jitter   time.Duration `yaml:"jitter"`
}

// NotifyConfig configures delivery channels
type NotifyConfig struct {
	DedupWindow time.Duration `yaml:"dedup_window"`
	EmailAPIURL string        `yaml:"email_api_url" validate:"omitempty,url"`
	EmailAPIKey string        `yaml:"email_api_key"`
	EmailFrom   string        `yaml:"email_from"`
	Timeout     time.Duration `yaml:"timeout"`
}

// BatchConfig bounds a consume invocation. ClaimLease is how long an
// abandoned in_progress ticker stays blocked.
type BatchConfig struct {
	MaxLimit   int           `yaml:"max_limit" validate:"gte=1,lte=50"`
	ClaimLease time.Duration `yaml:"claim_lease"`
}

// LoggingConfig selects log level and format
type LoggingConfig struct {
	Level string `yaml:"level" validate:"oneof=debug info warn error"`
	JSON  bool   `yaml:"json"`
}

// RateLimitConfig throttles consume calls per client address
type RateLimitConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Limit     int           `yaml:"limit" validate:"gte=0"`
	Window    time.Duration `yaml:"window"`
	Burst     int           `yaml:"burst" validate:"gte=0"`
	Whitelist []string      `yaml:"whitelist"`
}

// Default returns the configuration used when nothing overrides it
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         8080,
			AdminRole:    "admin",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 300 * time.Second,
		},
		Models: ModelsConfig{
			Default:     "gemini-2.5-flash",
			Embedding:   "text-embedding-004",
			Temperature: 0.2,
		},
		Cache: CacheConfig{
			Scope:      "deep-dive",
			DefaultTTL: cache.DefaultTTL,
		},
		Retrieval: RetrievalConfig{
			TopK:          retrieval.DefaultTopK,
			SnippetLength: retrieval.DefaultSnippetLength,
		},
		Retry: RetryConfig{
			Attempts: llm.DefaultRetryPolicy().Attempts,
			Backoff:  llm.DefaultRetryPolicy().Backoff,
			Jitter:   llm.DefaultRetryPolicy().Jitter,
		},
		Notify: NotifyConfig{
			DedupWindow: 12 * time.Hour,
			EmailAPIURL: "https://api.resend.com/emails",
			Timeout:     10 * time.Second,
		},
		Batch:   BatchConfig{MaxLimit: 6, ClaimLease: 30 * time.Minute},
		Logging: LoggingConfig{Level: "info"},
		RateLimit: RateLimitConfig{
			Enabled: true,
			Limit:   30,
			Window:  time.Minute,
			Burst:   5,
		},
	}
}

// LoadConfig reads defaults, then the YAML file at path (skipped when path
// is empty), then environment overrides.
func LoadConfig(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}
	if path != "" {
		// Resolve path relative to current directory if not absolute
		if !filepath.IsAbs(path) {
			cwd, err := os.Getwd()
			if err != nil {
				return nil, fmt.Errorf("failed to get current directory: %w", err)
			}
			path = filepath.Join(cwd, path)
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config YAML: %w", err)
		}
	}

	cfg.ApplyEnv(os.Getenv)
	return cfg, nil
}

// ApplyEnv overrides fields from environment variables. Secrets are only
// ever expected from the environment.
func (c *Config) ApplyEnv(getenv func(string) string) {
	setString := func(dst *string, key string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}

	setString(&c.Database.URL, "DATABASE_URL")
	setString(&c.Server.AutomationSecret, "AUTOMATION_SECRET")
	setString(&c.Server.JWTSecret, "JWT_SECRET")
	setString(&c.Notify.EmailAPIKey, "RESEND_API_KEY")
	setString(&c.Notify.EmailFrom, "NOTIFY_EMAIL_FROM")
	setString(&c.Models.Default, "DEEPDIVE_MODEL")
	setString(&c.Models.Fallback, "DEEPDIVE_FALLBACK_MODEL")
	setString(&c.Models.Embedding, "DEEPDIVE_EMBEDDING_MODEL")
	setString(&c.Logging.Level, "LOG_LEVEL")

	if v := getenv("PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}
	if v := getenv("DEEPDIVE_MAX_BATCH"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Batch.MaxLimit = n
		}
	}
	if v := getenv("RATE_LIMIT_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.RateLimit.Enabled = b
		}
	}
}

// Validate checks struct constraints and cross-field requirements
func (c *Config) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("config error: %w", err)
	}
	if c.Notify.EmailAPIKey != "" && c.Notify.EmailFrom == "" {
		return fmt.Errorf("config error: 'notify.email_from' is required when an email API key is set")
	}
	return nil
}

// ValidateServe adds the requirements of the HTTP server
func (c *Config) ValidateServe() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.Database.URL == "" {
		return fmt.Errorf("config error: DATABASE_URL is required")
	}
	if c.Server.AutomationSecret == "" && c.Server.JWTSecret == "" {
		return fmt.Errorf("config error: at least one of AUTOMATION_SECRET or JWT_SECRET must be set")
	}
	return nil
}

// RetryPolicy converts the retry section
func (c *Config) RetryPolicy() llm.RetryPolicy {
	return llm.RetryPolicy{Attempts: c.Retry.Attempts, Backoff: c.Retry.Backoff, Jitter: c.Retry.Jitter}
}

// CacheConfig converts the cache section
func (c *Config) CacheConfig() cache.Config {
	return cache.Config{DefaultTTL: c.Cache.DefaultTTL, ScopeTTL: c.Cache.ScopeTTL}
}

// RetrievalOptions converts the retrieval section
func (c *Config) RetrievalOptions() retrieval.Options {
	return retrieval.Options{
		EmbeddingModel: c.Models.Embedding,
		TopK:           c.Retrieval.TopK,
		SnippetLength:  c.Retrieval.SnippetLength,
	}
}

// EvaluatorOptions converts the completion settings
func (c *Config) EvaluatorOptions() questions.EvaluatorOptions {
	return questions.EvaluatorOptions{
		Scope:           c.Cache.Scope,
		Temperature:     c.Models.Temperature,
		MaxOutputTokens: c.Models.MaxOutputTokens,
	}
}

// EnvKeys converts the provider env-key map; nil selects the resolver default
func (c *Config) EnvKeys() map[llm.Provider][]string {
	if len(c.Models.EnvKeys) == 0 {
		return nil
	}
	out := make(map[llm.Provider][]string, len(c.Models.EnvKeys))
	for provider, keys := range c.Models.EnvKeys {
		out[llm.Provider(strings.ToLower(provider))] = keys
	}
	return out
}
