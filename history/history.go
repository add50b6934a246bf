// Package history records durable lifecycle events of an extension host:
// activations, starts, stops, restarts and crashes. Sinks are optional; a
// host without one simply keeps no history.
package history

import (
	"context"
	"time"
)

// Kind classifies a history event.
type Kind string

const (
	KindActivation  Kind = "activation"
	KindHostStart   Kind = "host_start"
	KindHostStop    Kind = "host_stop"
	KindHostRestart Kind = "host_restart"
	KindHostCrash   Kind = "host_crash"
	KindProfile     Kind = "profile"
)

// Event is one recorded occurrence. Extension-scoped kinds fill ExtensionID
// and ActivationEvent; host-scoped kinds leave them empty.
type Event struct {
	Kind            Kind          `json:"kind"`
	ExtensionID     string        `json:"extensionId,omitempty"`
	ActivationEvent string        `json:"activationEvent,omitempty"`
	Generation      uint64        `json:"generation"`
	Success         bool          `json:"success"`
	Reason          string        `json:"reason,omitempty"`
	Duration        time.Duration `json:"duration,omitempty"`
	OccurredAt      time.Time     `json:"occurredAt"`
}

// Sink persists history events. Implementations must tolerate concurrent
// Send calls.
type Sink interface {
	// Send records one event. Errors are reported to the caller but hosts
	// treat history as best-effort and keep running.
	Send(ctx context.Context, ev Event) error

	// Close releases the sink's resources.
	Close() error
}

// NopSink discards every event. It stands in when no history is configured.
type NopSink struct{}

// Send discards the event.
func (NopSink) Send(ctx context.Context, ev Event) error { return nil }

// Close does nothing.
func (NopSink) Close() error { return nil }

var _ Sink = NopSink{}
