package exthost

import (
	"context"
	"sync"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
)

// observerEntry holds information about a registered observer.
type observerEntry struct {
	observer     Observer
	eventTypes   map[string]bool // set of event types this observer is interested in
	registeredAt time.Time
}

// wants reports whether the entry subscribed to the given event type.
func (e *observerEntry) wants(eventType string) bool {
	return len(e.eventTypes) == 0 || e.eventTypes[eventType]
}

// observerList is the Subject engine used by the host. Observers are kept
// in registration order and notified synchronously, one after another, so
// an observer of a "will" event runs to completion before the operation it
// observes proceeds. Errors and panics in observers are logged and
// contained.
type observerList struct {
	mu      sync.RWMutex
	logger  Logger
	entries []*observerEntry
}

func newObserverList(logger Logger) *observerList {
	if logger == nil {
		logger = nopLogger{}
	}
	return &observerList{logger: logger}
}

// Register adds or replaces an observer. Replacement keeps the original
// registration position so dispatch order stays stable.
func (l *observerList) Register(observer Observer, eventTypes ...string) error {
	if observer == nil {
		return ErrObserverNil
	}

	eventTypeMap := make(map[string]bool, len(eventTypes))
	for _, eventType := range eventTypes {
		eventTypeMap[eventType] = true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	for _, entry := range l.entries {
		if entry.observer.ObserverID() == observer.ObserverID() {
			entry.observer = observer
			entry.eventTypes = eventTypeMap
			entry.registeredAt = time.Now()
			return nil
		}
	}
	l.entries = append(l.entries, &observerEntry{
		observer:     observer,
		eventTypes:   eventTypeMap,
		registeredAt: time.Now(),
	})
	return nil
}

// Unregister removes an observer by ID. Unknown observers are ignored.
func (l *observerList) Unregister(observer Observer) error {
	if observer == nil {
		return ErrObserverNil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	for i, entry := range l.entries {
		if entry.observer.ObserverID() == observer.ObserverID() {
			l.entries = append(l.entries[:i], l.entries[i+1:]...)
			return nil
		}
	}
	return nil
}

// Notify delivers the event to interested observers in registration order.
// Delivery is synchronous: Notify returns after the last observer has run.
func (l *observerList) Notify(ctx context.Context, event cloudevents.Event) error {
	if event.Time().IsZero() {
		event.SetTime(time.Now())
	}
	if err := ValidateCloudEvent(event); err != nil {
		l.logger.Error("Invalid CloudEvent", "eventType", event.Type(), "error", err)
		return err
	}

	// Snapshot under the read lock so observers may register or
	// unregister during delivery without deadlocking.
	l.mu.RLock()
	entries := make([]*observerEntry, len(l.entries))
	copy(entries, l.entries)
	l.mu.RUnlock()

	for _, entry := range entries {
		if !entry.wants(event.Type()) {
			continue
		}
		l.deliver(ctx, entry.observer, event)
	}
	return nil
}

func (l *observerList) deliver(ctx context.Context, observer Observer, event cloudevents.Event) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("Observer panicked", "observerID", observer.ObserverID(), "event", event.Type(), "panic", r)
		}
	}()

	if err := observer.OnEvent(ctx, event); err != nil {
		l.logger.Error("Observer error", "observerID", observer.ObserverID(), "event", event.Type(), "error", err)
	}
}

// Infos returns registered observer information in registration order.
func (l *observerList) Infos() []ObserverInfo {
	l.mu.RLock()
	defer l.mu.RUnlock()

	infos := make([]ObserverInfo, 0, len(l.entries))
	for _, entry := range l.entries {
		eventTypes := make([]string, 0, len(entry.eventTypes))
		for eventType := range entry.eventTypes {
			eventTypes = append(eventTypes, eventType)
		}
		infos = append(infos, ObserverInfo{
			ID:           entry.observer.ObserverID(),
			EventTypes:   eventTypes,
			RegisteredAt: entry.registeredAt,
		})
	}
	return infos
}
