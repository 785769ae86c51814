// Package migrate applies the embedded schema migrations with golang-migrate.
package migrate

import (
	"errors"
	"fmt"
	"os"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jrsteele09/go-session-server/autherr"
	"github.com/jrsteele09/go-session-server/internal/db"
)

// Direction selects whether a run applies or reverts migrations.
type Direction string

const (
	// Up applies every pending migration.
	Up Direction = "up"
	// Down reverts the most recent migration only.
	Down Direction = "down"
)

// ParseDirection accepts "up" or "down".
func ParseDirection(s string) (Direction, error) {
	switch d := Direction(s); d {
	case Up, Down:
		return d, nil
	}
	return "", autherr.Configuration("migrate.ParseDirection", "direction must be up or down, got %q", s)
}

// Status is the schema version left behind by a run. Version is zero when no
// migration is applied.
type Status struct {
	Version uint
	Dirty   bool
	Changed bool
}

// Run moves the schema at dsn in direction. A schema already at the target
// reports Changed false rather than failing.
func Run(dsn string, direction Direction) (Status, error) {
	if dsn == "" {
		return Status{}, autherr.Configuration("migrate.Run", "DATABASE_URL is not set")
	}
	if _, err := ParseDirection(string(direction)); err != nil {
		return Status{}, err
	}

	source, err := iofs.New(db.MigrationFS, "migrations")
	if err != nil {
		return Status{}, fmt.Errorf("[migrate.Run] source: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", source, dsn)
	if err != nil {
		return Status{}, fmt.Errorf("[migrate.Run] open: %w", err)
	}
	defer func() { _, _ = m.Close() }()

	if direction == Up {
		err = m.Up()
	} else {
		err = m.Steps(-1)
	}
	status := Status{Changed: err == nil}
	switch {
	case err == nil:
	case errors.Is(err, migrate.ErrNoChange), errors.Is(err, os.ErrNotExist):
		// Nothing pending, or nothing left to revert.
	default:
		return status, fmt.Errorf("[migrate.Run] %s: %w", direction, err)
	}

	status.Version, status.Dirty, err = m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return status, fmt.Errorf("[migrate.Run] version: %w", err)
	}
	return status, nil
}
