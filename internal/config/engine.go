package config

// EngineConfig holds the generation-loop knobs.
//
// These are tuning values, not correctness requirements: the loop enforces
// whatever limits it is given, so operators can trade latency bounds against
// answer quality per deployment.
type EngineConfig struct {
	// TokenBudget bounds the prompt assembled from conversation history.
	TokenBudget int `mapstructure:"token_budget" json:"token_budget"`

	// MaxToolCycles caps tool-request/re-generate rounds per request.
	MaxToolCycles int `mapstructure:"max_tool_cycles" json:"max_tool_cycles"`

	// ToolParallelism bounds concurrent tool execution within one model turn.
	ToolParallelism int `mapstructure:"tool_parallelism" json:"tool_parallelism"`

	// ToolTimeoutSeconds is the per-tool-call deadline. A timed-out tool
	// yields a failed result, not a failed request.
	ToolTimeoutSeconds int `mapstructure:"tool_timeout_seconds" json:"tool_timeout_seconds"`

	// RequestBudgetSeconds is the wall-clock budget for the whole run.
	RequestBudgetSeconds int `mapstructure:"request_budget_seconds" json:"request_budget_seconds"`

	// RetryMaxAttempts bounds model-backend retries for transient failures.
	RetryMaxAttempts int `mapstructure:"retry_max_attempts" json:"retry_max_attempts"`
	// RetryInitialMs is the first backoff delay.
	RetryInitialMs int `mapstructure:"retry_initial_ms" json:"retry_initial_ms"`
	// RetryMaxMs caps the backoff delay.
	RetryMaxMs int `mapstructure:"retry_max_ms" json:"retry_max_ms"`
}
