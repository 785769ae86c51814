package telemetry

import (
	"context"
	"time"

	otellog "go.opentelemetry.io/otel/log"
)

// RecordEmitter is the part of an OpenTelemetry log.Logger the sink needs.
type RecordEmitter interface {
	Emit(ctx context.Context, record otellog.Record)
}

// OTelSink sends events as OpenTelemetry log records.
type OTelSink struct {
	logger RecordEmitter
}

// NewOTelSink wraps a logger, typically provider.Logger("session").
func NewOTelSink(logger RecordEmitter) *OTelSink {
	return &OTelSink{logger: logger}
}

func (s *OTelSink) Emit(ctx context.Context, event Event) {
	rec := otellog.Record{}
	ts := event.Time
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	rec.SetTimestamp(ts)
	rec.SetBody(otellog.StringValue(string(event.Type)))
	if event.Failure() {
		rec.SetSeverity(otellog.SeverityWarn)
	} else {
		rec.SetSeverity(otellog.SeverityInfo)
	}

	rec.AddAttributes(otellog.String("event_type", string(event.Type)))
	if event.FlowID != "" {
		rec.AddAttributes(otellog.String("flow_id", event.FlowID))
	}
	if event.SubjectID != "" {
		rec.AddAttributes(otellog.String("subject_id", event.SubjectID))
	}
	if event.Reason != "" {
		rec.AddAttributes(otellog.String("reason", event.Reason))
	}
	if event.Attempt > 0 {
		rec.AddAttributes(otellog.Int("attempt", event.Attempt))
	}
	s.logger.Emit(ctx, rec)
}
