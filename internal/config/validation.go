package config

import (
	"fmt"
	"log/slog"
	"os"
	"slices"
)

// Validate checks configuration values that every command depends on.
// Returns sentinel errors checkable with errors.Is().
func (c *Config) Validate() error {
	if c == nil {
		return ErrConfigNil
	}

	// Provider and API key. Keys are read by the Genkit plugins directly;
	// failing here beats failing on the first model call.
	switch c.Provider {
	case ProviderGemini, "":
		if os.Getenv("GEMINI_API_KEY") == "" {
			return fmt.Errorf("%w: GEMINI_API_KEY environment variable is required for the gemini provider", ErrMissingAPIKey)
		}
	case ProviderOpenAI:
		if os.Getenv("OPENAI_API_KEY") == "" {
			return fmt.Errorf("%w: OPENAI_API_KEY environment variable is required for the openai provider", ErrMissingAPIKey)
		}
	default:
		return fmt.Errorf("%w: %q (supported: gemini, openai)", ErrInvalidProvider, c.Provider)
	}

	if c.ModelName == "" {
		return fmt.Errorf("%w: model_name cannot be empty", ErrInvalidModelName)
	}
	if c.Temperature < 0.0 || c.Temperature > 2.0 {
		return fmt.Errorf("%w: must be between 0.0 and 2.0, got %.2f", ErrInvalidTemperature, c.Temperature)
	}

	if c.Engine.TokenBudget < 256 {
		return fmt.Errorf("%w: engine.token_budget must be at least 256, got %d", ErrInvalidTokenBudget, c.Engine.TokenBudget)
	}
	if c.Engine.MaxToolCycles < 1 || c.Engine.MaxToolCycles > 50 {
		return fmt.Errorf("%w: engine.max_tool_cycles must be between 1 and 50, got %d", ErrInvalidEngine, c.Engine.MaxToolCycles)
	}
	if c.Engine.ToolParallelism < 1 {
		return fmt.Errorf("%w: engine.tool_parallelism must be at least 1, got %d", ErrInvalidEngine, c.Engine.ToolParallelism)
	}
	if c.Engine.ToolTimeoutSeconds < 1 {
		return fmt.Errorf("%w: engine.tool_timeout_seconds must be at least 1, got %d", ErrInvalidEngine, c.Engine.ToolTimeoutSeconds)
	}
	if c.Engine.RequestBudgetSeconds < c.Engine.ToolTimeoutSeconds {
		return fmt.Errorf("%w: engine.request_budget_seconds (%d) must not be shorter than engine.tool_timeout_seconds (%d)",
			ErrInvalidEngine, c.Engine.RequestBudgetSeconds, c.Engine.ToolTimeoutSeconds)
	}
	if c.Engine.RetryMaxAttempts < 0 || c.Engine.RetryMaxAttempts > 10 {
		return fmt.Errorf("%w: engine.retry_max_attempts must be between 0 and 10, got %d", ErrInvalidEngine, c.Engine.RetryMaxAttempts)
	}

	if err := validatePolicy("route_quota", c.RouteQuota); err != nil {
		return err
	}
	if err := validatePolicy("tool_quota", c.ToolQuota); err != nil {
		return err
	}
	for name, p := range c.ToolQuotaOverrides {
		if err := validatePolicy("tool_quota_overrides."+name, p); err != nil {
			return err
		}
	}

	// PostgreSQL
	if c.PostgresHost == "" {
		return fmt.Errorf("%w: host cannot be empty", ErrInvalidPostgresHost)
	}
	if c.PostgresPort < 1 || c.PostgresPort > 65535 {
		return fmt.Errorf("%w: must be between 1 and 65535, got %d", ErrInvalidPostgresPort, c.PostgresPort)
	}
	if c.PostgresDBName == "" {
		return fmt.Errorf("%w: database name cannot be empty", ErrInvalidPostgresDBName)
	}
	if c.PostgresPassword == "" {
		return fmt.Errorf("%w: postgres_password must be set", ErrInvalidPostgresPassword)
	}
	if c.PostgresPassword == "sluice_dev_password" {
		slog.Warn("using default development password for PostgreSQL",
			"hint", "change postgres_password before production deployment")
	}
	if len(c.PostgresPassword) < 8 {
		return fmt.Errorf("%w: postgres_password must be at least 8 characters (got %d)",
			ErrInvalidPostgresPassword, len(c.PostgresPassword))
	}

	// Modern SSL modes only; allow/prefer are MITM-vulnerable.
	validSSLModes := []string{"disable", "require", "verify-ca", "verify-full"}
	if !slices.Contains(validSSLModes, c.PostgresSSLMode) {
		return fmt.Errorf("%w: %q is not valid, must be one of: %v",
			ErrInvalidPostgresSSLMode, c.PostgresSSLMode, validSSLModes)
	}

	return nil
}

// ValidateServe checks the additional requirements of the HTTP server.
// The auth secret signs bearer tokens and keys the anonymous-identifier
// hash, so serve mode cannot run without it.
func (c *Config) ValidateServe() error {
	if c.AuthSecret == "" {
		return fmt.Errorf("%w: set SLUICE_AUTH_SECRET", ErrMissingAuthSecret)
	}
	if len(c.AuthSecret) < 32 {
		return fmt.Errorf("%w: must be at least 32 characters (got %d)", ErrInvalidAuthSecret, len(c.AuthSecret))
	}
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr cannot be empty")
	}
	if c.AnonSaltPeriodHours < 1 {
		return fmt.Errorf("anon_salt_period_hours must be at least 1, got %d", c.AnonSaltPeriodHours)
	}
	if c.MaxMessageBytes < 1 {
		return fmt.Errorf("max_message_bytes must be at least 1, got %d", c.MaxMessageBytes)
	}
	return nil
}

func validatePolicy(name string, p QuotaPolicy) error {
	if p.Limit < 1 {
		return fmt.Errorf("%w: %s.limit must be at least 1, got %d", ErrInvalidQuotaPolicy, name, p.Limit)
	}
	if p.WindowSeconds < 1 {
		return fmt.Errorf("%w: %s.window_seconds must be at least 1, got %d", ErrInvalidQuotaPolicy, name, p.WindowSeconds)
	}
	return nil
}
