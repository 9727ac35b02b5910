package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/lgulliver/conduit/internal/common"
	"github.com/lgulliver/conduit/pkg/config"
	"github.com/lgulliver/conduit/pkg/types"
	"github.com/rs/zerolog/log"
)

func main() {
	var (
		up     = flag.Bool("up", false, "Create or update the upload session schema")
		status = flag.Bool("status", false, "Report whether the upload session table exists")
	)
	flag.Parse()

	if !*up && !*status {
		fmt.Printf("Usage: %s [-up | -status]\n", os.Args[0])
		fmt.Println("  -up      Create or update the upload session schema")
		fmt.Println("  -status  Report whether the upload session table exists")
		os.Exit(1)
	}

	cfg := config.LoadFromEnv()
	cfg.Logging.SetupLogging()

	db, err := common.NewDatabase(&cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()

	if *up {
		if err := db.Migrate(); err != nil {
			log.Fatal().Err(err).Msg("Failed to run migrations")
		}
		log.Info().Str("driver", cfg.Database.Driver).Msg("Migrations completed successfully")
	}

	if *status {
		exists := db.Migrator().HasTable(&types.UploadSession{})
		log.Info().
			Str("table", types.UploadSession{}.TableName()).
			Bool("exists", exists).
			Msg("Schema status")
	}
}
