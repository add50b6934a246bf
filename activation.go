package exthost

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	cmap "github.com/orcaman/concurrent-map/v2"

	"github.com/GoCodeAlone/exthost/history"
	"github.com/GoCodeAlone/exthost/registry"
)

// ActivationState is the lifecycle position of one extension's activation.
type ActivationState int

const (
	// ActivationStateNotActivated means no activation has been attempted.
	// Extensions without a record are in this state implicitly.
	ActivationStateNotActivated ActivationState = iota

	// ActivationStateActivating means an activation is in flight.
	ActivationStateActivating

	// ActivationStateActivated is terminal: the extension activated.
	ActivationStateActivated

	// ActivationStateFailed is terminal: activation failed and is not
	// retried within this host generation.
	ActivationStateFailed
)

// String implements fmt.Stringer.
func (s ActivationState) String() string {
	switch s {
	case ActivationStateNotActivated:
		return "not-activated"
	case ActivationStateActivating:
		return "activating"
	case ActivationStateActivated:
		return "activated"
	case ActivationStateFailed:
		return "failed"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// MarshalText renders the state as its string form in JSON output.
func (s ActivationState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ActivationTimes records when and how long an extension's activation took.
type ActivationTimes struct {
	// Startup reports whether activation happened as part of host startup
	// rather than on demand.
	Startup bool `json:"startup"`

	// ActivationEvent is the event name that triggered the activation.
	ActivationEvent string `json:"activationEvent"`

	// CodeLoading, ActivateCall and ActivateResolved are the per-phase
	// durations reported by the runtime.
	CodeLoading      time.Duration `json:"codeLoadingTime"`
	ActivateCall     time.Duration `json:"codeActivationCallTime"`
	ActivateResolved time.Duration `json:"activationResolvedTime"`
}

// ActivationRecord is a point-in-time snapshot of one extension's
// activation state.
type ActivationRecord struct {
	ExtensionID         string          `json:"extensionId"`
	State               ActivationState `json:"state"`
	Times               ActivationTimes `json:"times"`
	FailureReason       string          `json:"failureReason,omitempty"`
	MissingDependencies []string        `json:"missingDependencies,omitempty"`
	Generation          uint64          `json:"generation"`
}

// MissingDependenciesError reports that an extension cannot activate
// because dependencies it declares are unmet. Missing preserves the
// manifest's declaration order.
type MissingDependenciesError struct {
	ExtensionID string
	Missing     []string
}

// Error implements error.
func (e *MissingDependenciesError) Error() string {
	return fmt.Sprintf("extension %s cannot be activated: missing dependencies %s",
		e.ExtensionID, strings.Join(e.Missing, ", "))
}

// MissingDependencies returns the ordered unmet dependency identifiers.
func (e *MissingDependenciesError) MissingDependencies() []string {
	return e.Missing
}

// MissingDependenciesOf extracts the ordered unmet dependency list from an
// activation error chain. The second return is false when the chain carries
// no dependency information.
func MissingDependenciesOf(err error) ([]string, bool) {
	var target interface{ MissingDependencies() []string }
	if errors.As(err, &target) {
		return target.MissingDependencies(), true
	}
	return nil, false
}

// activationRecord is the tracker's internal mutable record. Its gate
// closes exactly once, when the activation settles.
type activationRecord struct {
	extensionID string
	generation  uint64
	gate        chan struct{}

	mu      sync.Mutex
	state   ActivationState
	times   ActivationTimes
	failure error
}

func (r *activationRecord) snapshot() ActivationRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec := ActivationRecord{
		ExtensionID: r.extensionID,
		State:       r.state,
		Times:       r.times,
		Generation:  r.generation,
	}
	if r.failure != nil {
		rec.FailureReason = r.failure.Error()
		if missing, ok := MissingDependenciesOf(r.failure); ok {
			rec.MissingDependencies = missing
		}
	}
	return rec
}

// ActivationTracker owns the per-extension activation state machine. It
// guarantees at-most-one real activation per extension per host generation:
// concurrent callers for the same extension share one in-flight activation,
// and settled records answer immediately without re-running anything.
//
// Activation failures are recorded, not returned: Activate reports an error
// only for contract violations (nil, null or unregistered descriptors) and
// for callers whose context ends while they wait. Once started, an
// activation runs to completion regardless of caller cancellation.
type ActivationTracker struct {
	logger  Logger
	runtime Runtime
	reg     registry.ExtensionRegistry
	status  *StatusAggregator

	historyMu sync.RWMutex
	history   history.Sink

	metrics atomic.Pointer[Metrics]

	generation atomic.Uint64
	records    cmap.ConcurrentMap[string, *activationRecord]
}

// NewActivationTracker creates a tracker over the given collaborators.
// runtime and reg must be non-nil; status may be nil when no diagnostics
// surface is wanted.
func NewActivationTracker(logger Logger, runtime Runtime, reg registry.ExtensionRegistry, status *StatusAggregator) *ActivationTracker {
	if logger == nil {
		logger = nopLogger{}
	}
	return &ActivationTracker{
		logger:  logger,
		runtime: runtime,
		reg:     reg,
		status:  status,
		history: history.NopSink{},
		records: cmap.New[*activationRecord](),
	}
}

// SetHistorySink routes settled activations into a durable history. A nil
// sink disables history.
func (t *ActivationTracker) SetHistorySink(sink history.Sink) {
	if sink == nil {
		sink = history.NopSink{}
	}
	t.historyMu.Lock()
	t.history = sink
	t.historyMu.Unlock()
}

// SetMetrics attaches activation metrics collection.
func (t *ActivationTracker) SetMetrics(m *Metrics) {
	t.metrics.Store(m)
}

// Generation returns the current host generation tag. Records carry the
// generation they were created under; records from earlier generations are
// never reused.
func (t *ActivationTracker) Generation() uint64 {
	return t.generation.Load()
}

// Reset discards every record and starts a new generation, returning its
// tag. In-flight activations from the old generation still settle their
// waiters but no longer touch status, history or metrics.
func (t *ActivationTracker) Reset() uint64 {
	gen := t.generation.Add(1)
	t.records.Clear()
	return gen
}

// Activate drives the extension through its activation state machine and
// waits for it to settle. It is idempotent: an Activated or Failed record
// resolves immediately, an Activating record shares the in-flight work.
//
// The returned error is nil even when the activation itself failed; consult
// Record or the status aggregator for the outcome. Errors are returned only
// for nil, null or unregistered descriptors and for ctx ending before the
// activation settles.
func (t *ActivationTracker) Activate(ctx context.Context, d *registry.ExtensionDescriptor, event string, startup bool) error {
	if d == nil {
		return ErrExtensionNil
	}
	if registry.SameExtension(d.ID, registry.NullExtensionID) {
		return ErrNullExtension
	}
	id := d.Identifier()
	if _, ok := t.reg.Extension(id); !ok {
		return fmt.Errorf("%w: %s", ErrExtensionUnknown, d.ID)
	}
	if d.RequiresProposedAPI() {
		if err := EnsureProposedAPI(d); err != nil {
			if t.status != nil {
				t.status.AddMessage(id, SeverityError, "", err.Error())
			}
			return err
		}
	}

	gen := t.generation.Load()
	fresh := &activationRecord{
		extensionID: id,
		generation:  gen,
		gate:        make(chan struct{}),
		state:       ActivationStateActivating,
		times: ActivationTimes{
			Startup:         startup,
			ActivationEvent: event,
		},
	}
	rec := t.records.Upsert(id, fresh, func(exist bool, current, incoming *activationRecord) *activationRecord {
		if exist && current.generation == gen {
			return current
		}
		return incoming
	})

	if rec == fresh {
		// This call owns the activation. The work runs detached from the
		// caller's context: once started, activation is not cancellable.
		go t.run(context.WithoutCancel(ctx), rec, d)
	}

	select {
	case <-rec.gate:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Record returns the activation snapshot for an extension identifier. The
// second return is false when no activation was ever attempted.
func (t *ActivationTracker) Record(id string) (ActivationRecord, bool) {
	rec, ok := t.records.Get(registry.CanonicalID(id))
	if !ok {
		return ActivationRecord{}, false
	}
	return rec.snapshot(), true
}

// Snapshot returns the activation records of every extension that has been
// activated or attempted, keyed by canonical identifier.
func (t *ActivationTracker) Snapshot() map[string]ActivationRecord {
	out := make(map[string]ActivationRecord, t.records.Count())
	for id, rec := range t.records.Items() {
		out[id] = rec.snapshot()
	}
	return out
}

// run performs one activation and settles the record. ctx is detached from
// the triggering caller and never cancels.
//
// Status and metrics apply before the gate opens, so a caller that saw the
// activation settle also sees its outcome aggregated. History is written
// after: it is best-effort I/O and must not delay waiters.
func (t *ActivationTracker) run(ctx context.Context, rec *activationRecord, d *registry.ExtensionDescriptor) {
	started := time.Now()

	outcome, err := t.performActivation(ctx, d, rec.times.ActivationEvent)

	rec.mu.Lock()
	if err == nil {
		rec.state = ActivationStateActivated
		rec.times.CodeLoading = outcome.CodeLoading
		rec.times.ActivateCall = outcome.ActivateCall
		rec.times.ActivateResolved = outcome.ActivateResolved
	} else {
		rec.state = ActivationStateFailed
		rec.failure = err
	}
	times := rec.times
	rec.mu.Unlock()

	stale := rec.generation != t.generation.Load()
	if !stale {
		if err == nil {
			if t.status != nil {
				t.status.SetActivationTimes(rec.extensionID, times)
			}
			t.metrics.Load().ActivationSettled("activated", times.ActivateResolved)
			t.logger.Info("Extension activated",
				"extension", rec.extensionID,
				"event", times.ActivationEvent,
				"startup", times.Startup,
				"codeLoading", times.CodeLoading,
				"activateResolved", times.ActivateResolved)
		} else {
			if t.status != nil {
				t.status.AddMessage(rec.extensionID, SeverityError, "", err.Error())
			}
			t.metrics.Load().ActivationSettled("failed", time.Since(started))
			t.logger.Warn("Extension activation failed",
				"extension", rec.extensionID,
				"event", times.ActivationEvent,
				"error", err)
		}
	}
	close(rec.gate)

	if stale {
		t.logger.Debug("Discarding stale activation result",
			"extension", rec.extensionID, "generation", rec.generation)
		return
	}
	t.recordHistory(ctx, rec, err, time.Since(started))
}

// performActivation verifies declared dependencies and hands the extension
// to the runtime. A dependency is unmet when it is not registered or its
// own activation already failed in this generation.
func (t *ActivationTracker) performActivation(ctx context.Context, d *registry.ExtensionDescriptor, event string) (ActivationOutcome, error) {
	var missing []string
	for _, dep := range d.ExtensionDependencies {
		depID := registry.CanonicalID(dep)
		if _, ok := t.reg.Extension(depID); !ok {
			missing = append(missing, dep)
			continue
		}
		if depRec, ok := t.records.Get(depID); ok {
			if snap := depRec.snapshot(); snap.State == ActivationStateFailed {
				missing = append(missing, dep)
			}
		}
	}
	if len(missing) > 0 {
		return ActivationOutcome{}, &MissingDependenciesError{ExtensionID: d.ID, Missing: missing}
	}

	outcome, err := t.runtime.LoadAndActivate(ctx, d, event)
	if err != nil {
		return outcome, fmt.Errorf("activating %s: %w", d.ID, err)
	}
	return outcome, nil
}

func (t *ActivationTracker) recordHistory(ctx context.Context, rec *activationRecord, actErr error, duration time.Duration) {
	t.historyMu.RLock()
	sink := t.history
	t.historyMu.RUnlock()

	ev := history.Event{
		Kind:            history.KindActivation,
		ExtensionID:     rec.extensionID,
		ActivationEvent: rec.times.ActivationEvent,
		Generation:      rec.generation,
		Success:         actErr == nil,
		Duration:        duration,
		OccurredAt:      time.Now(),
	}
	if actErr != nil {
		ev.Reason = actErr.Error()
	}
	if err := sink.Send(ctx, ev); err != nil {
		t.logger.Error("Failed to record activation history",
			"extension", rec.extensionID, "error", err)
	}
}
