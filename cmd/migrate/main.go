// Command migrate manages the TimescaleDB schema. The migration files
// are embedded so the binary can be shipped alone to the cloud hosts.
package main

import (
	"database/sql"
	"embed"
	"flag"
	"fmt"
	"io/fs"
	"log"
	"os"
	"strconv"

	_ "github.com/lib/pq"

	"github.com/munbon/sensorhub/pkg/migrate"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

func main() {
	var (
		dbDSN    = flag.String("dsn", "", "PostgreSQL connection string")
		command  = flag.String("command", "up", "Migration command: up, down, version, verify")
		target   = flag.String("target", "", "Target version for the down command")
		helpFlag = flag.Bool("help", false, "Show help")
	)
	flag.Parse()

	if *helpFlag {
		showHelp()
		return
	}
	if *dbDSN == "" {
		if env := os.Getenv("SENSORHUB_DSN"); env != "" {
			*dbDSN = env
		} else {
			fmt.Fprintf(os.Stderr, "Error: -dsn flag (or SENSORHUB_DSN) is required\n")
			showHelp()
			os.Exit(1)
		}
	}

	db, err := sql.Open("postgres", *dbDSN)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		log.Fatalf("Failed to ping database: %v", err)
	}

	sub, err := fs.Sub(migrationFS, "migrations")
	if err != nil {
		log.Fatalf("Failed to open embedded migrations: %v", err)
	}
	migrations, err := migrate.LoadFS(sub)
	if err != nil {
		log.Fatalf("Failed to load migrations: %v", err)
	}
	migrator := migrate.NewMigrator(db, migrations)

	switch *command {
	case "up":
		err = migrator.Up()
	case "down":
		if *target == "" {
			log.Fatal("down requires -target version")
		}
		var version int
		version, err = strconv.Atoi(*target)
		if err != nil {
			log.Fatalf("Invalid target version %q: %v", *target, err)
		}
		err = migrator.Down(version)
	case "version":
		var current int
		current, err = migrator.CurrentVersion()
		if err == nil {
			fmt.Printf("current: %d\nlatest:  %d\n", current, migrator.LatestVersion())
		}
	case "verify":
		err = migrator.VerifyVersion()
	default:
		log.Fatalf("Unknown command: %s", *command)
	}

	if err != nil {
		log.Fatalf("Migration failed: %v", err)
	}
	fmt.Println("OK")
}

func showHelp() {
	fmt.Println(`Usage: migrate -dsn <connection-string> [-command up|down|version|verify] [-target N]

Commands:
  up       Apply all pending migrations (default)
  down     Roll back to -target version
  version  Print the current and latest schema versions
  verify   Exit non-zero when the schema does not match this build

The DSN can also be supplied via the SENSORHUB_DSN environment variable.`)
}
