package exthost

import (
	"context"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
)

// Observer defines the interface for objects that want to be notified of
// host events. Observers register with Subjects to receive notifications
// when events occur. Events use the CloudEvents specification for
// standardization.
type Observer interface {
	// OnEvent is called when an event occurs that the observer is
	// interested in. Observers are dispatched synchronously in
	// registration order, so they should handle events quickly to avoid
	// blocking the emitter and later observers.
	OnEvent(ctx context.Context, event cloudevents.Event) error

	// ObserverID returns a unique identifier for this observer.
	// This ID is used for registration tracking and debugging.
	ObserverID() string
}

// Subject defines the interface for objects that can be observed.
// Subjects maintain a list of observers and notify them when events occur.
type Subject interface {
	// RegisterObserver adds an observer to receive notifications.
	// Observers can optionally filter events by type using the eventTypes
	// parameter. If eventTypes is empty, the observer receives all events.
	// Registering an observer whose ID is already present replaces the
	// earlier registration in place.
	RegisterObserver(observer Observer, eventTypes ...string) error

	// UnregisterObserver removes an observer from receiving notifications.
	// This method is idempotent and does not error if the observer wasn't
	// registered.
	UnregisterObserver(observer Observer) error

	// NotifyObservers sends an event to interested observers in
	// registration order. Observer errors and panics are contained; they
	// never propagate to the emitter.
	NotifyObservers(ctx context.Context, event cloudevents.Event) error

	// GetObservers returns information about currently registered
	// observers, in registration order.
	GetObservers() []ObserverInfo
}

// ObserverInfo provides information about a registered observer.
type ObserverInfo struct {
	// ID is the unique identifier of the observer
	ID string `json:"id"`

	// EventTypes are the event types this observer is subscribed to.
	// Empty slice means all events.
	EventTypes []string `json:"eventTypes"`

	// RegisteredAt indicates when the observer was registered
	RegisteredAt time.Time `json:"registeredAt"`
}

// EventType constants for host events. Following the CloudEvents
// specification, these use reverse domain notation.
const (
	// Extension set events
	EventTypeExtensionsRegistered = "com.exthost.extensions.registered"
	EventTypeExtensionsDelta      = "com.exthost.extensions.delta"

	// Activation and status events
	EventTypeWillActivate  = "com.exthost.activation.will"
	EventTypeStatusChanged = "com.exthost.status.changed"

	// Responsiveness events
	EventTypeResponsiveChanged = "com.exthost.responsive.changed"

	// Host lifecycle events
	EventTypeHostStarted   = "com.exthost.host.started"
	EventTypeHostStopped   = "com.exthost.host.stopped"
	EventTypeHostRestarted = "com.exthost.host.restarted"
	EventTypeHostCrashed   = "com.exthost.host.crashed"
)

// ObserverFunc is a bare event handler that can be registered with the
// host through the WithObserver option.
type ObserverFunc func(ctx context.Context, event cloudevents.Event) error

// FunctionalObserver provides a simple way to create observers using
// functions, without defining full structs.
type FunctionalObserver struct {
	id      string
	handler ObserverFunc
}

// NewFunctionalObserver creates a new observer that uses the provided
// function to handle events.
func NewFunctionalObserver(id string, handler ObserverFunc) Observer {
	return &FunctionalObserver{
		id:      id,
		handler: handler,
	}
}

// OnEvent implements the Observer interface by calling the handler function.
func (f *FunctionalObserver) OnEvent(ctx context.Context, event cloudevents.Event) error {
	return f.handler(ctx, event)
}

// ObserverID implements the Observer interface by returning the observer ID.
func (f *FunctionalObserver) ObserverID() string {
	return f.id
}
