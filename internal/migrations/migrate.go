// Package migrations embeds the PostgreSQL schema and applies it at startup
// with golang-migrate. Running migrations on boot keeps all instances on the
// same schema without a separate deploy step; Up is a no-op when the schema
// is already current.
package migrations

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed sql/*.sql
var files embed.FS

// Up applies all pending migrations on the given database handle.
func Up(db *sql.DB) error {
	source, err := iofs.New(files, "sql")
	if err != nil {
		return fmt.Errorf("migrations: load embedded files: %w", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("migrations: init driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return fmt.Errorf("migrations: init migrate: %w", err)
	}

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			log.Printf("[migrations] schema up to date")
			return nil
		}
		return fmt.Errorf("migrations: apply: %w", err)
	}

	version, _, _ := m.Version()
	log.Printf("[migrations] schema migrated to version %d", version)
	return nil
}
