package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jrsteele09/go-session-server/credentials"
	"github.com/jrsteele09/go-session-server/internal/config"
	"github.com/jrsteele09/go-session-server/telemetry"
	"github.com/rs/zerolog/log"
)

// enroll provisions a TOTP secret for a subject and prints the otpauth URL to
// import into an authenticator application.
//
//	session-server enroll <subject-id>
func enroll(args []string) error {
	if len(args) != 1 || args[0] == "" {
		return errors.New("usage: enroll <subject-id>")
	}
	subjectID := args[0]

	c := config.New()
	if c.GetCredentialBackend() != config.BackendPostgres {
		return fmt.Errorf("enrollment needs CREDENTIAL_BACKEND=%s", config.BackendPostgres)
	}
	log.Logger = telemetry.NewLogger(c.GetEnv(), c.GetLogLevel())

	sqlDB, err := openDatabase(c)
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	store, err := openCredentialStore(c, sqlDB)
	if err != nil {
		return err
	}
	engine, err := newTOTPEngine(c)
	if err != nil {
		return err
	}

	enrollment, err := engine.NewEnrollment(c.GetAppName(), subjectID)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := store.Upsert(ctx, &credentials.Credential{
		SubjectID:  subjectID,
		TOTPSecret: enrollment.Secret,
		CreatedAt:  time.Now().UTC(),
	}); err != nil {
		return err
	}

	log.Info().Str("subject", subjectID).Msg("Second factor enrolled")
	fmt.Println(enrollment.URL)
	return nil
}
