package config

import (
	"github.com/jrsteele09/go-session-server/telemetry"
	"github.com/spf13/viper"
)

const (
	otlpEndpointVar = "OTEL_EXPORTER_OTLP_ENDPOINT"
	otlpInsecureVar = "OTEL_EXPORTER_OTLP_INSECURE"
	serviceNameVar  = "OTEL_SERVICE_NAME"
)

type TelemetryConfig interface {
	GetTelemetrySettings() telemetry.Settings
}

type Telemetry struct {
	v *viper.Viper
}

var _ TelemetryConfig = Telemetry{}

func (t Telemetry) GetTelemetrySettings() telemetry.Settings {
	return telemetry.Settings{
		Endpoint:    t.v.GetString(otlpEndpointVar),
		ServiceName: t.v.GetString(serviceNameVar),
		Insecure:    t.v.GetBool(otlpInsecureVar),
	}
}
