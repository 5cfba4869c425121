package cmd

import (
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/okubit/sluice/internal/config"
	"github.com/okubit/sluice/internal/identity"
)

// runToken mints a bearer token signed with the configured auth secret.
// Operators use it to provision API callers:
//
//	sluice token --subject alice --ttl 720h
func runToken() error {
	tokenFlags := flag.NewFlagSet("token", flag.ContinueOnError)
	tokenFlags.SetOutput(os.Stderr)

	subject := tokenFlags.String("subject", "", "Token subject (the caller's stable identifier)")
	ttl := tokenFlags.Duration("ttl", identity.DefaultTokenTTL, "Validity window")

	if err := tokenFlags.Parse(argsAfterCommand()); err != nil {
		return fmt.Errorf("parsing token flags: %w", err)
	}
	if *subject == "" {
		return errors.New("token: --subject is required")
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.AuthSecret == "" {
		return errors.New("token: auth secret not configured (set SLUICE_AUTH_SECRET)")
	}

	signed, err := identity.IssueToken(*subject, []byte(cfg.AuthSecret), *ttl)
	if err != nil {
		return fmt.Errorf("issuing token: %w", err)
	}

	fmt.Println(signed)
	return nil
}
