// Package config loads and validates sluice configuration.
//
// Sources, highest priority first:
//  1. Environment variables (SLUICE_* plus a few conventional names)
//  2. Config file (~/.sluice/config.yaml or ./config.yaml)
//  3. Defaults
//
// Sensitive values (auth secret, database password, MCP env) are masked in
// MarshalJSON/String; when adding a sensitive field, extend MarshalJSON.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

var (
	// ErrConfigNil indicates the configuration is nil.
	ErrConfigNil = errors.New("configuration is nil")

	// ErrMissingAPIKey indicates the selected provider's API key is missing.
	ErrMissingAPIKey = errors.New("missing API key")

	// ErrInvalidProvider indicates the model provider is not supported.
	ErrInvalidProvider = errors.New("invalid provider")

	// ErrInvalidModelName indicates the model name is invalid.
	ErrInvalidModelName = errors.New("invalid model name")

	// ErrInvalidTemperature indicates the temperature value is out of range.
	ErrInvalidTemperature = errors.New("invalid temperature")

	// ErrInvalidTokenBudget indicates the prompt token budget is out of range.
	ErrInvalidTokenBudget = errors.New("invalid token budget")

	// ErrInvalidQuotaPolicy indicates a rate-limit policy is malformed.
	ErrInvalidQuotaPolicy = errors.New("invalid quota policy")

	// ErrInvalidEngine indicates a generation-loop knob is out of range.
	ErrInvalidEngine = errors.New("invalid engine configuration")

	// ErrInvalidPostgresHost indicates the PostgreSQL host is invalid.
	ErrInvalidPostgresHost = errors.New("invalid PostgreSQL host")

	// ErrInvalidPostgresPort indicates the PostgreSQL port is out of range.
	ErrInvalidPostgresPort = errors.New("invalid PostgreSQL port")

	// ErrInvalidPostgresDBName indicates the PostgreSQL database name is invalid.
	ErrInvalidPostgresDBName = errors.New("invalid PostgreSQL database name")

	// ErrInvalidPostgresPassword indicates the PostgreSQL password is invalid.
	ErrInvalidPostgresPassword = errors.New("invalid PostgreSQL password")

	// ErrInvalidPostgresSSLMode indicates the PostgreSQL SSL mode is invalid.
	ErrInvalidPostgresSSLMode = errors.New("invalid PostgreSQL SSL mode")

	// ErrMissingAuthSecret indicates the auth secret is not set.
	ErrMissingAuthSecret = errors.New("missing auth secret")

	// ErrInvalidAuthSecret indicates the auth secret is too short.
	ErrInvalidAuthSecret = errors.New("invalid auth secret")
)

// Model provider identifiers used in Config.Provider.
const (
	ProviderGemini   = "gemini"
	ProviderOpenAI   = "openai"
	ProviderGoogleAI = "googleai"
)

// Config stores the full sluice configuration.
// SECURITY: sensitive fields are explicitly masked in MarshalJSON().
type Config struct {
	// HTTP server
	ListenAddr     string   `mapstructure:"listen_addr" json:"listen_addr"`
	CORSOrigins    []string `mapstructure:"cors_origins" json:"cors_origins"`
	TrustProxy     bool     `mapstructure:"trust_proxy" json:"trust_proxy"` // trust X-Real-IP/X-Forwarded-For (behind reverse proxy only)
	AllowAnonymous bool     `mapstructure:"allow_anonymous" json:"allow_anonymous"`
	LogLevel       string   `mapstructure:"log_level" json:"log_level"`
	LogJSON        bool     `mapstructure:"log_json" json:"log_json"`

	// Identity
	AuthSecret          string `mapstructure:"auth_secret" json:"auth_secret"` // SENSITIVE: masked in MarshalJSON
	AnonSaltPeriodHours int    `mapstructure:"anon_salt_period_hours" json:"anon_salt_period_hours"`

	// Model provider
	Provider        string  `mapstructure:"provider" json:"provider"`     // "gemini" (default) or "openai"
	ModelName       string  `mapstructure:"model_name" json:"model_name"` // e.g. "gemini-2.5-flash", "gpt-4o"
	Temperature     float32 `mapstructure:"temperature" json:"temperature"`
	MaxOutputTokens int     `mapstructure:"max_output_tokens" json:"max_output_tokens"`
	ModelRPS        float64 `mapstructure:"model_rps" json:"model_rps"` // proactive pacing of backend calls
	ModelBurst      int     `mapstructure:"model_burst" json:"model_burst"`

	// Request shape bounds checked at admission
	MaxMessageBytes    int `mapstructure:"max_message_bytes" json:"max_message_bytes"`
	MaxAttachments     int `mapstructure:"max_attachments" json:"max_attachments"`
	MaxAttachmentBytes int `mapstructure:"max_attachment_bytes" json:"max_attachment_bytes"`

	// Quota policies (see quota.go)
	RouteQuota         QuotaPolicy            `mapstructure:"route_quota" json:"route_quota"`
	ToolQuota          QuotaPolicy            `mapstructure:"tool_quota" json:"tool_quota"`
	ToolQuotaOverrides map[string]QuotaPolicy `mapstructure:"tool_quota_overrides" json:"tool_quota_overrides"`

	// Generation loop (see engine.go)
	Engine EngineConfig `mapstructure:"engine" json:"engine"`

	// Storage (see storage.go)
	PostgresHost     string `mapstructure:"postgres_host" json:"postgres_host"`
	PostgresPort     int    `mapstructure:"postgres_port" json:"postgres_port"`
	PostgresUser     string `mapstructure:"postgres_user" json:"postgres_user"`
	PostgresPassword string `mapstructure:"postgres_password" json:"postgres_password"` // SENSITIVE: masked in MarshalJSON
	PostgresDBName   string `mapstructure:"postgres_db_name" json:"postgres_db_name"`
	PostgresSSLMode  string `mapstructure:"postgres_ssl_mode" json:"postgres_ssl_mode"`

	// Tools (see tools.go)
	SearXNG SearXNGConfig `mapstructure:"searxng" json:"searxng"`
	Fetch   FetchConfig   `mapstructure:"fetch" json:"fetch"`
	MCP     MCPConfig     `mapstructure:"mcp" json:"mcp"`

	// Observability
	OTLP OTLPConfig `mapstructure:"otlp" json:"otlp"`
}

// OTLPConfig configures trace export to a local OTLP agent.
type OTLPConfig struct {
	Endpoint    string `mapstructure:"endpoint" json:"endpoint"` // host:port of the OTLP HTTP receiver, empty disables export
	ServiceName string `mapstructure:"service_name" json:"service_name"`
	Environment string `mapstructure:"environment" json:"environment"`
}

// Load loads configuration.
// Priority: environment variables > configuration file > defaults.
func Load() (*Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("getting user home directory: %w", err)
	}

	configDir := filepath.Join(home, ".sluice")
	if err := os.MkdirAll(configDir, 0o750); err != nil {
		return nil, fmt.Errorf("creating config directory: %w", err)
	}

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(configDir)
	viper.AddConfigPath(".")

	setDefaults()
	bindEnvVariables()

	if err := viper.ReadInConfig(); err != nil {
		// A missing file is fine; defaults plus env cover dev setups.
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		slog.Debug("configuration file not found, using defaults",
			"search_paths", []string{configDir, "."})
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing configuration: %w", err)
	}

	// DATABASE_URL overrides the individual postgres_* settings.
	if err := cfg.parseDatabaseURL(); err != nil {
		return nil, fmt.Errorf("parsing DATABASE_URL: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets all default configuration values.
func setDefaults() {
	// Server defaults
	viper.SetDefault("listen_addr", "127.0.0.1:3400")
	viper.SetDefault("cors_origins", []string{"http://localhost:4200"})
	viper.SetDefault("trust_proxy", false)
	viper.SetDefault("allow_anonymous", true)
	viper.SetDefault("log_level", "info")
	viper.SetDefault("log_json", false)

	// Identity defaults
	viper.SetDefault("anon_salt_period_hours", 24)

	// Model defaults
	viper.SetDefault("provider", ProviderGemini)
	viper.SetDefault("model_name", "gemini-2.5-flash")
	viper.SetDefault("temperature", 0.7)
	viper.SetDefault("max_output_tokens", 2048)
	viper.SetDefault("model_rps", 10)
	viper.SetDefault("model_burst", 30)

	// Admission shape bounds
	viper.SetDefault("max_message_bytes", 32*1024)
	viper.SetDefault("max_attachments", 8)
	viper.SetDefault("max_attachment_bytes", 512*1024)

	// Quota defaults: coarse per-route window, finer per-tool window
	viper.SetDefault("route_quota.limit", 30)
	viper.SetDefault("route_quota.window_seconds", 60)
	viper.SetDefault("tool_quota.limit", 20)
	viper.SetDefault("tool_quota.window_seconds", 60)

	// Generation loop defaults
	viper.SetDefault("engine.token_budget", 8000)
	viper.SetDefault("engine.max_tool_cycles", 5)
	viper.SetDefault("engine.tool_parallelism", 4)
	viper.SetDefault("engine.tool_timeout_seconds", 30)
	viper.SetDefault("engine.request_budget_seconds", 110)
	viper.SetDefault("engine.retry_max_attempts", 3)
	viper.SetDefault("engine.retry_initial_ms", 500)
	viper.SetDefault("engine.retry_max_ms", 10000)

	// PostgreSQL defaults (matching docker-compose.yml)
	viper.SetDefault("postgres_host", "localhost")
	viper.SetDefault("postgres_port", 5432)
	viper.SetDefault("postgres_user", "sluice")
	viper.SetDefault("postgres_password", "sluice_dev_password")
	viper.SetDefault("postgres_db_name", "sluice")
	viper.SetDefault("postgres_ssl_mode", "disable")

	// Tool defaults
	viper.SetDefault("searxng.base_url", "http://localhost:8888")
	viper.SetDefault("searxng.max_results", 5)
	viper.SetDefault("fetch.max_body_bytes", 2*1024*1024)
	viper.SetDefault("fetch.timeout_seconds", 20)
	viper.SetDefault("mcp.timeout_seconds", 5)

	// Observability defaults (empty endpoint disables export)
	viper.SetDefault("otlp.endpoint", "")
	viper.SetDefault("otlp.service_name", "sluice")
	viper.SetDefault("otlp.environment", "dev")
}

// bindEnvVariables binds environment variables explicitly.
// Provider API keys (GEMINI_API_KEY, OPENAI_API_KEY) are read directly by the
// Genkit plugins, not via Viper; Validate checks their presence.
func bindEnvVariables() {
	// Hardcoded key names cannot fail to bind; a panic here is a bug.
	mustBind := func(key, envVar string) {
		if err := viper.BindEnv(key, envVar); err != nil {
			panic(fmt.Sprintf("BUG: failed to bind %q to %q: %v", key, envVar, err))
		}
	}

	mustBind("listen_addr", "SLUICE_ADDR")
	mustBind("cors_origins", "SLUICE_CORS_ORIGINS")
	mustBind("trust_proxy", "SLUICE_TRUST_PROXY")
	mustBind("allow_anonymous", "SLUICE_ALLOW_ANONYMOUS")
	mustBind("log_level", "SLUICE_LOG_LEVEL")
	mustBind("log_json", "SLUICE_LOG_JSON")

	mustBind("auth_secret", "SLUICE_AUTH_SECRET")

	mustBind("provider", "SLUICE_PROVIDER")
	mustBind("model_name", "SLUICE_MODEL_NAME")

	mustBind("otlp.endpoint", "SLUICE_OTLP_ENDPOINT")
	mustBind("otlp.service_name", "SLUICE_OTLP_SERVICE")
	mustBind("otlp.environment", "SLUICE_OTLP_ENV")
}

// maskedValue is the placeholder for masked sensitive data.
// Full-width blocks avoid accidental substring matches against real secrets.
const maskedValue = "████████"

// maskSecret masks a secret string for safe logging. Secrets of 8 bytes or
// fewer are fully masked; longer ones keep the first and last two characters
// for debug utility. This defends against accidental logging, nothing more.
func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 8 {
		return maskedValue
	}
	return s[:2] + "<" + maskedValue + ">" + s[len(s)-2:]
}

// MarshalJSON implements json.Marshaler with explicit sensitive-field masking.
// Masked: AuthSecret, PostgresPassword, MCP server env values (via MCPServer).
func (c Config) MarshalJSON() ([]byte, error) {
	type alias Config
	a := alias(c)
	a.AuthSecret = maskSecret(a.AuthSecret)
	a.PostgresPassword = maskSecret(a.PostgresPassword)
	data, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return data, nil
}

// FullModelName returns the provider-qualified model name for Genkit.
// Examples: "googleai/gemini-2.5-flash", "openai/gpt-4o".
// If ModelName already contains a "/", it is returned as-is.
func (c *Config) FullModelName() string {
	if strings.Contains(c.ModelName, "/") {
		return c.ModelName
	}
	switch c.Provider {
	case ProviderOpenAI:
		return ProviderOpenAI + "/" + c.ModelName
	default:
		return ProviderGoogleAI + "/" + c.ModelName
	}
}

// String implements Stringer to prevent accidental printing of secrets.
func (c Config) String() string {
	data, err := c.MarshalJSON()
	if err != nil {
		return fmt.Sprintf("Config{error: %v}", err)
	}
	return string(data)
}
