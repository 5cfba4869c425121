package config

// QuotaPolicy describes one fixed-window rate limit.
type QuotaPolicy struct {
	// Limit is the number of consumptions admitted per window.
	Limit int `mapstructure:"limit" json:"limit"`
	// WindowSeconds is the window length. Counters expire with the window.
	WindowSeconds int `mapstructure:"window_seconds" json:"window_seconds"`
}
