package exthost

import (
	"fmt"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/google/uuid"
)

// CloudEvent is an alias for the CloudEvents Event type for convenience
type CloudEvent = cloudevents.Event

// NewCloudEvent creates a new CloudEvent with the specified parameters.
// This is a convenience function for creating properly formatted CloudEvents.
func NewCloudEvent(eventType, source string, data interface{}, metadata map[string]interface{}) cloudevents.Event {
	event := cloudevents.NewEvent()

	// Set required attributes
	event.SetID(generateEventID())
	event.SetSource(source)
	event.SetType(eventType)
	event.SetTime(time.Now())
	event.SetSpecVersion(cloudevents.VersionV1)

	// Set data if provided
	if data != nil {
		_ = event.SetData(cloudevents.ApplicationJSON, data)
	}

	// Set extensions for metadata
	for key, value := range metadata {
		event.SetExtension(key, value)
	}

	return event
}

// generateEventID generates a unique identifier for CloudEvents using UUIDv7.
// UUIDv7 includes timestamp information which provides time-ordered uniqueness.
func generateEventID() string {
	id, err := uuid.NewV7()
	if err != nil {
		// Fallback to v4 if v7 fails for any reason
		id = uuid.New()
	}
	return id.String()
}

// ValidateCloudEvent validates that a CloudEvent conforms to the specification.
func ValidateCloudEvent(event cloudevents.Event) error {
	if err := event.Validate(); err != nil {
		return fmt.Errorf("CloudEvent validation failed: %w", err)
	}
	return nil
}

// WillActivateEvent is the payload of EventTypeWillActivate. It is emitted
// synchronously when dispatch of an activation event begins, before any
// individual extension activation starts. Observers that need to track the
// dispatch until it settles call Settled with the event name during
// delivery.
type WillActivateEvent struct {
	// Event is the activation event being dispatched.
	Event string `json:"event"`
}

// ExtensionsRegisteredEvent is the payload of EventTypeExtensionsRegistered,
// emitted once per host generation after the installed extension set has
// been discovered and its extension points processed.
type ExtensionsRegisteredEvent struct {
	Generation   uint64   `json:"generation"`
	ExtensionIDs []string `json:"extensionIds"`
}

// ExtensionsDeltaEvent is the payload of EventTypeExtensionsDelta, emitted
// when extensions are added to or removed from a running host.
type ExtensionsDeltaEvent struct {
	Added   []string `json:"added,omitempty"`
	Removed []string `json:"removed,omitempty"`
}

// StatusChangedEvent is the payload of EventTypeStatusChanged. ExtensionIDs
// lists every extension whose status changed in one logical update; a batch
// of related messages produces a single event, not one per message.
type StatusChangedEvent struct {
	ExtensionIDs []string `json:"extensionIds"`
}

// ResponsiveChangedEvent is the payload of EventTypeResponsiveChanged,
// emitted strictly on responsiveness transitions of the target host
// instance.
type ResponsiveChangedEvent struct {
	Target     HostTarget `json:"target"`
	Responsive bool       `json:"responsive"`
}

// HostLifecycleEvent is the payload of the started, stopped and restarted
// host events.
type HostLifecycleEvent struct {
	Generation uint64 `json:"generation"`
}

// HostCrashedEvent is the payload of EventTypeHostCrashed, emitted when the
// extension runtime exits without the host asking it to.
type HostCrashedEvent struct {
	Generation uint64 `json:"generation"`
	Reason     string `json:"reason,omitempty"`
}
