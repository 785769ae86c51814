package telemetry

import (
	"context"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// NewLogger builds the process logger: console output in DEV, JSON otherwise.
func NewLogger(env, level string) zerolog.Logger {
	var w io.Writer = os.Stderr
	if strings.EqualFold(env, "DEV") {
		w = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(w).Level(lvl).With().Timestamp().Logger()
}

// LogSink writes events as structured zerolog lines.
type LogSink struct {
	logger zerolog.Logger
}

func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Emit(_ context.Context, event Event) {
	e := s.logger.Info()
	if event.Failure() {
		e = s.logger.Warn()
	}
	e = e.Str("event", string(event.Type))
	if event.FlowID != "" {
		e = e.Str("flow_id", event.FlowID)
	}
	if event.SubjectID != "" {
		e = e.Str("subject_id", event.SubjectID)
	}
	if event.Reason != "" {
		e = e.Str("reason", event.Reason)
	}
	if event.Attempt > 0 {
		e = e.Int("attempt", event.Attempt)
	}
	e.Msg("session event")
}
