package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/jrsteele09/go-session-server/autherr"
	"github.com/spf13/viper"
)

const (
	portEnvVar  = "PORT"
	appNameVar  = "APP_NAME"
	envVar      = "ENV"
	baseURLVar  = "BASE_URL"
	logLevelVar = "LOG_LEVEL"
)

type EnvVars struct {
	v *viper.Viper
}

var _ EnvConfig = EnvVars{}

func (e EnvVars) GetPort() string {
	port := e.v.GetString(portEnvVar)
	if !strings.HasPrefix(port, ":") {
		port = fmt.Sprintf(":%s", port)
	}
	return port
}

func (e EnvVars) GetAppName() string {
	return e.v.GetString(appNameVar)
}

func (e EnvVars) GetEnv() string {
	return strings.ToUpper(e.v.GetString(envVar))
}

func (e EnvVars) IsDev() bool {
	return e.GetEnv() == "DEV"
}

// GetBaseURL returns the externally visible base URL (e.g. "https://auth.example.com"),
// used to build the provider callback URL.
func (e EnvVars) GetBaseURL() string {
	return strings.TrimRight(e.v.GetString(baseURLVar), "/")
}

func (e EnvVars) GetLogLevel() string {
	return e.v.GetString(logLevelVar)
}

func (e EnvVars) validate() error {
	if _, err := url.ParseRequestURI(e.GetBaseURL()); err != nil {
		return autherr.Configuration("config", "%s is not a valid URL", baseURLVar)
	}
	return nil
}
