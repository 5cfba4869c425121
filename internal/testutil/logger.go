package testutil

import "log/slog"

// DiscardLogger returns a logger that drops everything. Components built on
// internal/log can use log.NewNop() directly; this exists for call sites
// that take a bare *slog.Logger.
func DiscardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}
