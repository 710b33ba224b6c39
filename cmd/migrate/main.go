// Package main provides the schema migration tool.
package main

import (
	"flag"
	"log"

	"github.com/campaign-sendqueue/internal/app"
	"github.com/campaign-sendqueue/internal/config"
	"github.com/campaign-sendqueue/internal/storage"
)

func main() {
	action := flag.String("action", "up", "Migration action: up, down, version")
	path := flag.String("path", "", "Migrations directory (default: MIGRATIONS_PATH)")
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	logger := app.NewLogger(cfg.Logging)

	migrationsPath := cfg.Migrations.Path
	if *path != "" {
		migrationsPath = *path
	}
	logger = logger.WithFields(map[string]interface{}{
		"action": *action,
		"path":   migrationsPath,
		"db":     cfg.Database.Postgres.Database,
	})

	switch *action {
	case "up":
		if err := storage.RunMigrations(&cfg.Database.Postgres, migrationsPath); err != nil {
			logger.WithError(err).Fatal("Failed to run migrations")
		}
		logger.Info("Migrations completed successfully")
	case "down":
		if err := storage.RollbackMigrations(&cfg.Database.Postgres, migrationsPath); err != nil {
			logger.WithError(err).Fatal("Failed to rollback migration")
		}
		logger.Info("Rollback completed successfully")
	case "version":
		version, dirty, err := storage.MigrationVersion(&cfg.Database.Postgres, migrationsPath)
		if err != nil {
			logger.WithError(err).Fatal("Failed to get migration version")
		}
		logger.WithFields(map[string]interface{}{
			"version": version,
			"dirty":   dirty,
		}).Info("Current migration version")
	default:
		logger.Fatalf("Unknown action: %s (use up, down, or version)", *action)
	}
}
