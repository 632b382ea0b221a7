// Command migrate applies or rolls back the PostgreSQL schema.
package main

import (
	"database/sql"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	flag "github.com/spf13/pflag"
	"github.com/uptrace/bun/driver/pgdriver"

	"ms-ticket-inventory/internal/config"
	"ms-ticket-inventory/internal/database/migrations"
	"ms-ticket-inventory/internal/logger"
)

func main() {
	up := flag.Bool("up", false, "apply all pending migrations")
	down := flag.Bool("down", false, "roll back all migrations")
	to := flag.Uint("to", 0, "migrate up or down to this version")
	version := flag.Bool("version", false, "print the current schema version")
	flag.Parse()

	_ = godotenv.Load()
	cfg := config.Load()

	log, err := logger.New(logger.Options{Service: "migrate", DisableFile: true})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Close()

	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(cfg.Database.URL())))
	runner := migrations.NewRunner(sqldb, log)
	defer runner.Close()

	switch {
	case *down:
		err = runner.MigrateDown()
	case flag.CommandLine.Changed("to"):
		err = runner.MigrateTo(*to)
	case *version:
		var v uint
		var dirty bool
		v, dirty, err = runner.Version()
		if err == nil {
			fmt.Printf("version %d (dirty: %t)\n", v, dirty)
		}
	case *up:
		err = runner.MigrateUp()
	default:
		flag.Usage()
		os.Exit(2)
	}
	if err != nil {
		log.Error("MIGRATE", err.Error())
		runner.Close()
		os.Exit(1)
	}
	log.Info("MIGRATE", "Done")
}
