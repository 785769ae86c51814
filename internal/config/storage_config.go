package config

import (
	"errors"
	"strings"

	"github.com/jrsteele09/go-session-server/autherr"
	"github.com/spf13/viper"
)

const (
	databaseURLVar       = "DATABASE_URL"
	redisURLVar          = "REDIS_URL"
	replayBackendVar     = "REPLAY_BACKEND"
	credentialBackendVar = "CREDENTIAL_BACKEND"
)

const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

type StorageConfig interface {
	GetDatabaseURL() string
	GetRedisURL() string
	// GetReplayBackend is one of memory, redis or postgres.
	GetReplayBackend() string
	// GetCredentialBackend is memory or postgres.
	GetCredentialBackend() string
}

type Storage struct {
	v *viper.Viper
}

var _ StorageConfig = Storage{}

func (s Storage) GetDatabaseURL() string { return s.v.GetString(databaseURLVar) }
func (s Storage) GetRedisURL() string    { return s.v.GetString(redisURLVar) }

func (s Storage) GetReplayBackend() string {
	return strings.ToLower(s.v.GetString(replayBackendVar))
}

func (s Storage) GetCredentialBackend() string {
	return strings.ToLower(s.v.GetString(credentialBackendVar))
}

func (s Storage) validate() error {
	var errs []error
	switch s.GetReplayBackend() {
	case BackendMemory:
	case BackendRedis:
		if s.GetRedisURL() == "" {
			errs = append(errs, autherr.Configuration("config", "%s is required for the redis replay backend", redisURLVar))
		}
	case BackendPostgres:
		if s.GetDatabaseURL() == "" {
			errs = append(errs, autherr.Configuration("config", "%s is required for the postgres replay backend", databaseURLVar))
		}
	default:
		errs = append(errs, autherr.Configuration("config", "%s %q is not supported", replayBackendVar, s.GetReplayBackend()))
	}

	switch s.GetCredentialBackend() {
	case BackendMemory:
	case BackendPostgres:
		if s.GetDatabaseURL() == "" {
			errs = append(errs, autherr.Configuration("config", "%s is required for the postgres credential backend", databaseURLVar))
		}
		if s.v.GetString(sealingKeyVar) == "" {
			errs = append(errs, autherr.Configuration("config", "%s is required for the postgres credential backend", sealingKeyVar))
		}
	default:
		errs = append(errs, autherr.Configuration("config", "%s %q is not supported", credentialBackendVar, s.GetCredentialBackend()))
	}
	return errors.Join(errs...)
}
