package exthost

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/GoCodeAlone/exthost/registry"
)

// Severity classifies a status message.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityError
)

// String implements fmt.Stringer.
func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// MarshalText renders the severity as its string form in JSON output.
func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// StatusMessage is one diagnostic produced while loading, activating or
// processing contributions of an extension.
type StatusMessage struct {
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`

	// ExtensionPoint names the contribution point the message originated
	// from, empty for messages outside extension point processing.
	ExtensionPoint string `json:"extensionPoint,omitempty"`

	RecordedAt time.Time `json:"recordedAt"`
}

// ExtensionStatus aggregates everything known about one extension's health:
// diagnostics, runtime errors and activation timings. Entries grow until
// the host starts a new generation, which clears them.
type ExtensionStatus struct {
	ID              string           `json:"id"`
	Messages        []StatusMessage  `json:"messages,omitempty"`
	RuntimeErrors   []string         `json:"runtimeErrors,omitempty"`
	ActivationTimes *ActivationTimes `json:"activationTimes,omitempty"`
}

func (s *ExtensionStatus) clone() ExtensionStatus {
	out := ExtensionStatus{ID: s.ID}
	if len(s.Messages) > 0 {
		out.Messages = make([]StatusMessage, len(s.Messages))
		copy(out.Messages, s.Messages)
	}
	if len(s.RuntimeErrors) > 0 {
		out.RuntimeErrors = make([]string, len(s.RuntimeErrors))
		copy(out.RuntimeErrors, s.RuntimeErrors)
	}
	if s.ActivationTimes != nil {
		times := *s.ActivationTimes
		out.ActivationTimes = &times
	}
	return out
}

// StatusBatch collects status mutations that belong to one logical update.
// Mutations are buffered and applied together when the batch commits, so
// observers see a single status-changed event for the whole batch no matter
// how many extensions or messages it touches. A batch is not safe for
// concurrent use; it belongs to the goroutine that opened it.
type StatusBatch struct {
	ops []statusOp
}

type statusOp struct {
	extensionID string
	apply       func(entry *ExtensionStatus)
}

// AddMessage appends a diagnostic message for an extension.
func (b *StatusBatch) AddMessage(extensionID string, severity Severity, extensionPoint, message string) {
	msg := StatusMessage{
		Severity:       severity,
		Message:        message,
		ExtensionPoint: extensionPoint,
		RecordedAt:     time.Now(),
	}
	b.ops = append(b.ops, statusOp{
		extensionID: registry.CanonicalID(extensionID),
		apply: func(entry *ExtensionStatus) {
			entry.Messages = append(entry.Messages, msg)
		},
	})
}

// AddRuntimeError appends an error the extension raised while running.
func (b *StatusBatch) AddRuntimeError(extensionID string, err error) {
	if err == nil {
		return
	}
	text := err.Error()
	b.ops = append(b.ops, statusOp{
		extensionID: registry.CanonicalID(extensionID),
		apply: func(entry *ExtensionStatus) {
			entry.RuntimeErrors = append(entry.RuntimeErrors, text)
		},
	})
}

// SetActivationTimes records the extension's activation timings.
func (b *StatusBatch) SetActivationTimes(extensionID string, times ActivationTimes) {
	b.ops = append(b.ops, statusOp{
		extensionID: registry.CanonicalID(extensionID),
		apply: func(entry *ExtensionStatus) {
			entry.ActivationTimes = &times
		},
	})
}

// StatusAggregator owns per-extension status entries. Reads return deep
// snapshots and never mutate; every mutation fires one batched
// status-changed event through the attached Subject.
type StatusAggregator struct {
	logger Logger
	source string

	mu      sync.RWMutex
	entries map[string]*ExtensionStatus

	subjectMu sync.RWMutex
	subject   Subject
}

// NewStatusAggregator creates an empty aggregator. source names the host in
// emitted events.
func NewStatusAggregator(logger Logger, source string) *StatusAggregator {
	if logger == nil {
		logger = nopLogger{}
	}
	return &StatusAggregator{
		logger:  logger,
		source:  source,
		entries: make(map[string]*ExtensionStatus),
	}
}

// SetEventSubject attaches the subject used to emit status-changed events.
func (a *StatusAggregator) SetEventSubject(subject Subject) {
	a.subjectMu.Lock()
	a.subject = subject
	a.subjectMu.Unlock()
}

// entryLocked returns the mutable entry for id, creating it on first use.
// Callers must hold a.mu.
func (a *StatusAggregator) entryLocked(id string) *ExtensionStatus {
	entry, ok := a.entries[id]
	if !ok {
		entry = &ExtensionStatus{ID: id}
		a.entries[id] = entry
	}
	return entry
}

// Batch runs fn with a collector of status mutations, applies them in one
// critical section and emits a single status-changed event naming every
// extension fn touched. fn runs without the aggregator lock, so it may
// query status freely.
func (a *StatusAggregator) Batch(fn func(b *StatusBatch)) {
	batch := &StatusBatch{}
	fn(batch)
	if len(batch.ops) == 0 {
		return
	}

	changed := make(map[string]bool, len(batch.ops))
	a.mu.Lock()
	for _, op := range batch.ops {
		op.apply(a.entryLocked(op.extensionID))
		changed[op.extensionID] = true
	}
	a.mu.Unlock()

	a.notifyChanged(changed)
}

// AddMessage appends one diagnostic message as its own logical update.
func (a *StatusAggregator) AddMessage(extensionID string, severity Severity, extensionPoint, message string) {
	a.Batch(func(b *StatusBatch) {
		b.AddMessage(extensionID, severity, extensionPoint, message)
	})
}

// AddRuntimeError appends one runtime error as its own logical update.
func (a *StatusAggregator) AddRuntimeError(extensionID string, err error) {
	a.Batch(func(b *StatusBatch) {
		b.AddRuntimeError(extensionID, err)
	})
}

// SetActivationTimes records activation timings as its own logical update.
func (a *StatusAggregator) SetActivationTimes(extensionID string, times ActivationTimes) {
	a.Batch(func(b *StatusBatch) {
		b.SetActivationTimes(extensionID, times)
	})
}

// ExtensionsStatus returns a deep snapshot of every entry, keyed by
// canonical extension identifier.
func (a *StatusAggregator) ExtensionsStatus() map[string]ExtensionStatus {
	a.mu.RLock()
	defer a.mu.RUnlock()

	out := make(map[string]ExtensionStatus, len(a.entries))
	for id, entry := range a.entries {
		out[id] = entry.clone()
	}
	return out
}

// Status returns a deep snapshot of one extension's entry. The second
// return is false when nothing has been recorded for the identifier.
func (a *StatusAggregator) Status(extensionID string) (ExtensionStatus, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	entry, ok := a.entries[registry.CanonicalID(extensionID)]
	if !ok {
		return ExtensionStatus{}, false
	}
	return entry.clone(), true
}

// Clear drops every entry, emitting one status-changed event naming the
// extensions that had state. Used when the host starts a new generation.
func (a *StatusAggregator) Clear() {
	a.mu.Lock()
	changed := make(map[string]bool, len(a.entries))
	for id := range a.entries {
		changed[id] = true
	}
	a.entries = make(map[string]*ExtensionStatus)
	a.mu.Unlock()

	a.notifyChanged(changed)
}

// notifyChanged emits one status-changed event for the given identifiers.
// Called without holding a.mu so observers may query status during
// delivery.
func (a *StatusAggregator) notifyChanged(changed map[string]bool) {
	if len(changed) == 0 {
		return
	}

	a.subjectMu.RLock()
	subject := a.subject
	a.subjectMu.RUnlock()
	if subject == nil {
		return
	}

	ids := make([]string, 0, len(changed))
	for id := range changed {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	event := NewCloudEvent(EventTypeStatusChanged, a.source, StatusChangedEvent{ExtensionIDs: ids}, nil)
	if err := subject.NotifyObservers(context.Background(), event); err != nil {
		a.logger.Debug("Failed to notify status change", "error", err)
	}
}
