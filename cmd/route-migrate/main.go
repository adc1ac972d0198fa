// Package main converts legacy single-action routing rules to the
// multi-action encoding.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"

	"github.com/shineum/ses-mail-router/internal/awsclient"
	"github.com/shineum/ses-mail-router/internal/config"
	"github.com/shineum/ses-mail-router/internal/rules"
)

func main() {
	configPath := flag.String("config", "", "path to YAML configuration file (optional)")
	table := flag.String("table", "", "rules table name (defaults to the configured table)")
	dryRun := flag.Bool("dry-run", false, "report what would change without writing")
	flag.Parse()

	var (
		cfg *config.Config
		err error
	)
	if *configPath != "" {
		cfg, err = config.LoadFromFile(*configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	name := *table
	if name == "" {
		name = cfg.Rules.Table
	}
	if name == "" {
		slog.Error("no table given, set -table or DYNAMODB_TABLE_NAME")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	awsCfg, err := awsclient.Load(ctx, cfg.AWS)
	if err != nil {
		slog.Error("failed to load AWS configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("migrating routing rules", "table", name, "dry_run", *dryRun)

	stats, err := rules.Migrate(ctx, dynamodb.NewFromConfig(awsCfg), name, *dryRun)
	printStats(stats, *dryRun)
	if err != nil {
		slog.Error("migration failed", "error", err)
		os.Exit(1)
	}
	if stats.Errors > 0 {
		os.Exit(1)
	}
}

func printStats(s rules.MigrationStats, dryRun bool) {
	fmt.Println("Migration summary")
	fmt.Printf("  scanned:           %d\n", s.Scanned)
	if dryRun {
		fmt.Printf("  would migrate:     %d\n", s.WouldMigrate)
	} else {
		fmt.Printf("  migrated:          %d\n", s.Migrated)
	}
	fmt.Printf("  already migrated:  %d\n", s.AlreadyMigrated)
	fmt.Printf("  skipped non-route: %d\n", s.SkippedNonRoute)
	fmt.Printf("  errors:            %d\n", s.Errors)
}
