// Package cmd implements the lumina command line interface.
package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"

	"github.com/hoangsonww/lumina-core/db"
	"github.com/hoangsonww/lumina-core/internal/config"
	"github.com/hoangsonww/lumina-core/internal/log"
)

// Version information (injected at build time via ldflags).
var (
	AppVersion = "0.1.0"
	GitCommit  = "unknown"
)

// Execute is the entry point for the lumina CLI. All application logic
// lives here so main.go stays a minimal shim.
func Execute() error {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "version", "--version", "-v":
			fmt.Printf("lumina v%s (%s)\n", AppVersion, GitCommit)
			return nil
		case "help", "--help", "-h":
			printHelp()
			return nil
		}
	}

	// A .env file is a convenience for local development; absence is fine.
	_ = godotenv.Load()

	logger := initLogger()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	if len(os.Args) < 2 {
		printHelp()
		return nil
	}

	ctx := context.Background()
	command, args := os.Args[1], os.Args[2:]

	if command == "migrate" {
		return db.Migrate(cfg.PostgresURL(), logger)
	}

	needDB := command != "models"
	app, err := newApp(ctx, cfg, logger, needDB)
	if err != nil {
		return err
	}
	defer app.Close()

	switch command {
	case "ingest":
		return runIngest(ctx, app, args)
	case "remove":
		return runRemove(ctx, app, args)
	case "ask":
		return runAsk(ctx, app, args)
	case "models":
		return runModels(ctx, app)
	case "stats":
		return runStats(ctx, app)
	default:
		printHelp()
		return fmt.Errorf("unknown command %q", command)
	}
}

// initLogger builds the CLI logger. LUMINA_DEBUG enables debug level;
// logs go to stderr so stdout stays clean for answers.
func initLogger() log.Logger {
	cfg := log.Config{Level: slog.LevelInfo}
	if os.Getenv("LUMINA_DEBUG") != "" {
		cfg.Level = slog.LevelDebug
	}
	return log.New(cfg)
}

func printHelp() {
	fmt.Print(`lumina - grounded question answering over your own documents

Usage:
  lumina ingest [flags] <file>     ingest a text file into the knowledge base
  lumina ingest -url <url>         ingest the readable text of a web page
  lumina remove <source-id>        delete every chunk of a source
  lumina ask [-stream] <question>  answer a question from ingested sources
  lumina models                    list the usable generation models
  lumina stats                     show knowledge base record counts
  lumina migrate                   apply database schema migrations
  lumina version                   print version information

Ingest flags:
  -id <source-id>    override the derived source identifier
  -title <title>     citation title (defaults to file name or page title)
  -type <type>       source type label (defaults to "file" or "url")
  -replace           delete previously ingested chunks of this source first

Configuration is read from ~/.lumina/config.yaml and LUMINA_* environment
variables. GEMINI_API_KEY must be set.
`)
}
