package cmd

import (
	"fmt"

	"github.com/okubit/sluice/db"
	"github.com/okubit/sluice/internal/config"
)

// runMigrate applies pending database migrations and exits. serve also
// migrates at startup; this command exists for release pipelines that
// migrate before rolling instances.
func runMigrate() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	if err := db.Migrate(cfg.PostgresURL()); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	fmt.Println("migrations applied")
	return nil
}
