// Package telemetry carries session events to logs, OpenTelemetry and metrics.
// Events never hold secret material: no codes, tokens or key bytes.
package telemetry

import (
	"context"
	"time"
)

type EventType string

const (
	LoginStarted         EventType = "login_started"
	LoginSucceeded       EventType = "login_succeeded"
	LoginFailed          EventType = "login_failed"
	SecondFactorRequired EventType = "second_factor_required"
	SecondFactorFailed   EventType = "second_factor_failed"
	ExchangeRetried      EventType = "exchange_retried"
	AuthenticateFailed   EventType = "authenticate_failed"
	HandoffIssued        EventType = "handoff_issued"
	HandoffRedeemed      EventType = "handoff_redeemed"
	HandoffFailed        EventType = "handoff_failed"
)

// Event is one structured session event.
type Event struct {
	Type      EventType
	FlowID    string
	SubjectID string
	Reason    string // error kind or code, never a message that could echo input
	Attempt   int
	Time      time.Time
}

// Failure reports whether the event records an unsuccessful outcome.
func (e Event) Failure() bool {
	switch e.Type {
	case LoginFailed, SecondFactorFailed, AuthenticateFailed, ExchangeRetried, HandoffFailed:
		return true
	}
	return false
}

// Sink receives events. Emit is best effort and must not block on the caller's
// critical path for long.
type Sink interface {
	Emit(ctx context.Context, event Event)
}

type nopSink struct{}

func (nopSink) Emit(context.Context, Event) {}

// Nop returns a sink that drops every event.
func Nop() Sink { return nopSink{} }

type multiSink []Sink

func (m multiSink) Emit(ctx context.Context, event Event) {
	for _, s := range m {
		s.Emit(ctx, event)
	}
}

// Multi fans an event out to every non-nil sink.
func Multi(sinks ...Sink) Sink {
	var out multiSink
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}
