package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"

	"beacon/internal/pkg/logger"
	"beacon/internal/platform/config"
	"beacon/internal/platform/database"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "Path to config file")
	dbPath := flag.String("db", "", "Database path (overrides database.path)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger.Init(cfg.Logging)

	if *dbPath != "" {
		cfg.Database.Path = *dbPath
	}

	db, err := database.Open(cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.Database.Path).Msg("failed to open database")
	}
	defer db.Close()

	if err := database.Migrate(db); err != nil {
		log.Fatal().Err(err).Msg("migration failed")
	}

	log.Info().Str("path", cfg.Database.Path).Msg("migration completed successfully")
}
