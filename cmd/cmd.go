// Package cmd provides the sluice command line.
//
// Commands:
//   - serve: HTTP API server (SSE chat streaming + conversation management)
//   - migrate: apply pending database migrations and exit
//   - token: mint a bearer token for a caller
//   - version: build information
//
// Signal handling and graceful shutdown run via context cancellation.
package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"

	"github.com/okubit/sluice/internal/log"
)

// Execute is the main entry point for the sluice binary.
func Execute() error {
	// Best-effort .env for development; real environment wins.
	_ = godotenv.Load()

	// Bootstrap logger until serve rebuilds one from config.
	level := slog.LevelInfo
	if os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	slog.SetDefault(log.New(log.Config{Level: level}))

	if len(os.Args) < 2 {
		runHelp()
		return nil
	}

	switch os.Args[1] {
	case "serve":
		return runServe()
	case "migrate":
		return runMigrate()
	case "token":
		return runToken()
	case "version", "--version", "-v":
		runVersion()
		return nil
	case "help", "--help", "-h":
		runHelp()
		return nil
	default:
		return fmt.Errorf("unknown command: %s", os.Args[1])
	}
}

// runHelp displays the help message.
func runHelp() {
	fmt.Println("sluice - streaming AI chat pipeline")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  sluice serve [addr]           Start the HTTP API server (default: 127.0.0.1:3400)")
	fmt.Println("  sluice migrate                Apply pending database migrations")
	fmt.Println("  sluice token --subject <id>   Mint a bearer token for a caller")
	fmt.Println("  sluice version                Show version information")
	fmt.Println("  sluice help                   Show this help")
	fmt.Println()
	fmt.Println("Environment Variables:")
	fmt.Println("  GEMINI_API_KEY       Gemini API key (default provider)")
	fmt.Println("  OPENAI_API_KEY       OpenAI API key (provider: openai)")
	fmt.Println("  SLUICE_AUTH_SECRET   Signs bearer tokens and anonymous identifiers")
	fmt.Println("  DATABASE_URL         Postgres URL, overrides postgres_* settings")
	fmt.Println("  DEBUG                Enable debug logging")
	fmt.Println()
	fmt.Println("Configuration file: ./config.yaml or ~/.sluice/config.yaml")
}

// argsAfterCommand returns the arguments following the subcommand.
func argsAfterCommand() []string {
	if len(os.Args) > 2 {
		return os.Args[2:]
	}
	return nil
}
