package main

import (
	"errors"
	"fmt"

	"github.com/jrsteele09/go-session-server/internal/config"
	"github.com/jrsteele09/go-session-server/internal/db/migrate"
	"github.com/jrsteele09/go-session-server/telemetry"
	"github.com/rs/zerolog/log"
)

// migrateSchema applies pending migrations, or reverts the latest one.
//
//	session-server migrate up|down
func migrateSchema(args []string) error {
	if len(args) != 1 {
		return errors.New("usage: migrate up|down")
	}
	direction, err := migrate.ParseDirection(args[0])
	if err != nil {
		return err
	}

	c := config.New()
	log.Logger = telemetry.NewLogger(c.GetEnv(), c.GetLogLevel())

	status, err := migrate.Run(c.GetDatabaseURL(), direction)
	if err != nil {
		return err
	}
	if status.Dirty {
		return fmt.Errorf("schema version %d is dirty", status.Version)
	}
	log.Info().
		Str("direction", string(direction)).
		Uint("version", status.Version).
		Bool("changed", status.Changed).
		Msg("Migration complete")
	return nil
}
