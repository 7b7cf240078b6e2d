// anvil-migrate applies the PostgreSQL schema for the control plane. The
// bolt and memory backends need no schema; run this once per database
// before pointing controllers at it.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"time"

	"database/sql"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/cloudforge/anvil/db/migrations"
)

var (
	dsn     = flag.String("dsn", os.Getenv("ANVIL_DATABASE_DSN"), "PostgreSQL connection string (defaults to ANVIL_DATABASE_DSN)")
	dryRun  = flag.Bool("dry-run", false, "Show pending migrations without applying them")
	timeout = flag.Duration("timeout", 2*time.Minute, "Overall migration timeout")
)

func main() {
	flag.Parse()
	log.SetFlags(log.LstdFlags)

	if *dsn == "" {
		log.Fatal("A DSN is required: pass --dsn or set ANVIL_DATABASE_DSN")
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	db, err := sql.Open("pgx", *dsn)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	if err := db.PingContext(ctx); err != nil {
		log.Fatalf("Database unreachable: %v", err)
	}

	pending, err := migrations.Pending(ctx, db)
	if err != nil {
		log.Fatalf("Failed to inspect schema: %v", err)
	}
	if len(pending) == 0 {
		log.Println("✓ Schema is up to date")
		return
	}

	log.Printf("Pending migrations: %d", len(pending))
	for _, name := range pending {
		log.Printf("  %s", name)
	}

	if *dryRun {
		log.Println("\nDry run completed. No changes made.")
		log.Println("Run without --dry-run to apply.")
		return
	}

	applied, err := migrations.Apply(ctx, db)
	for _, name := range applied {
		log.Printf("✓ Applied %s", name)
	}
	if err != nil {
		log.Fatalf("Migration failed: %v", err)
	}
	log.Println("✓ All migrations applied")
}
