// Package app is the composition root: configuration in, a ready pipeline
// out. Setup builds every component in dependency order through provider
// functions and stacks their cleanups on the returned App; Close releases
// them in reverse. Entry points consume App.Handler.
package app

import (
	"log/slog"
	"net/http"

	"github.com/firebase/genkit/go/genkit"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/okubit/sluice/internal/api"
	"github.com/okubit/sluice/internal/config"
	"github.com/okubit/sluice/internal/engine"
	"github.com/okubit/sluice/internal/quota"
	"github.com/okubit/sluice/internal/session"
	"github.com/okubit/sluice/internal/tools"
)

// App holds the assembled pipeline.
type App struct {
	Config *config.Config
	Logger *slog.Logger

	Genkit *genkit.Genkit
	Pool   *pgxpool.Pool
	Store  *session.Store
	Ledger *quota.Ledger
	Tools  *tools.Registry
	Engine *engine.Engine
	Server *api.Server

	cleanups []func()
}

// onClose stacks a cleanup. Close runs them last-in first-out, so each
// component is released before anything it depends on.
func (a *App) onClose(fn func()) {
	a.cleanups = append(a.cleanups, fn)
}

// Handler returns the HTTP surface for the server entry point.
func (a *App) Handler() http.Handler {
	return a.Server.Handler()
}

// Close releases everything Setup built, in reverse construction order.
// Safe to call more than once; later calls do nothing.
func (a *App) Close() {
	for i := len(a.cleanups) - 1; i >= 0; i-- {
		a.cleanups[i]()
	}
	a.cleanups = nil
}
