package exthost

import (
	"context"
	"errors"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/errgroup"

	"github.com/GoCodeAlone/exthost/registry"
)

// closedSettled is the pre-closed channel returned for events with no
// dispatch in flight.
var closedSettled = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

// readyGate is a re-armable latch. Wait blocks until Open; Rearm closes the
// latch again for the next host generation.
type readyGate struct {
	mu sync.Mutex
	ch chan struct{}
}

func newReadyGate() *readyGate {
	return &readyGate{ch: make(chan struct{})}
}

func (g *readyGate) Open() {
	g.mu.Lock()
	defer g.mu.Unlock()
	select {
	case <-g.ch:
		// already open
	default:
		close(g.ch)
	}
}

func (g *readyGate) Rearm() {
	g.mu.Lock()
	defer g.mu.Unlock()
	select {
	case <-g.ch:
		g.ch = make(chan struct{})
	default:
		// still armed
	}
}

func (g *readyGate) IsOpen() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	select {
	case <-g.ch:
		return true
	default:
		return false
	}
}

func (g *readyGate) Wait(ctx context.Context) error {
	g.mu.Lock()
	ch := g.ch
	g.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// eventGate tracks the in-flight dispatches of one activation event. Its
// channel closes when the last of them settles.
type eventGate struct {
	ch    chan struct{}
	count int
}

// cachedParticipants is one resolved participant set, tagged with the
// registry version it was computed from. A version mismatch on lookup means
// the catalog changed and the set must be recomputed.
type cachedParticipants struct {
	version      uint64
	participants []*registry.ExtensionDescriptor
}

// ActivationEventRouter turns activation event names into the activations
// they require. Dispatch never fails because an individual extension fails:
// those outcomes are recorded by the tracker, and ActivateByEvent returns an
// error only when the caller's context ends first.
type ActivationEventRouter struct {
	logger  Logger
	tracker *ActivationTracker
	reg     registry.ExtensionRegistry
	source  string

	subjectMu sync.RWMutex
	subject   Subject

	registered *readyGate

	mu       sync.Mutex
	inflight map[string]*eventGate

	cache *lru.Cache[string, cachedParticipants]
}

// NewActivationEventRouter creates a router over the tracker and registry.
// source names the host in emitted events; cacheSize bounds the per-event
// participant cache, with values below one selecting the default.
func NewActivationEventRouter(logger Logger, tracker *ActivationTracker, reg registry.ExtensionRegistry, source string, cacheSize int) (*ActivationEventRouter, error) {
	if logger == nil {
		logger = nopLogger{}
	}
	if reg == nil {
		return nil, ErrRegistryRequired
	}
	if cacheSize < 1 {
		cacheSize = DefaultHostConfig().ParticipantCacheSize
	}
	cache, err := lru.New[string, cachedParticipants](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("creating participant cache: %w", err)
	}
	return &ActivationEventRouter{
		logger:     logger,
		tracker:    tracker,
		reg:        reg,
		source:     source,
		registered: newReadyGate(),
		inflight:   make(map[string]*eventGate),
		cache:      cache,
	}, nil
}

// SetEventSubject attaches the subject used to emit will-activate events.
func (r *ActivationEventRouter) SetEventSubject(subject Subject) {
	r.subjectMu.Lock()
	r.subject = subject
	r.subjectMu.Unlock()
}

// ActivateByEvent activates every extension whose manifest declares
// interest in the given event and returns once all of them have settled,
// successfully or not. Individual failures are recorded in status, never
// returned; the only error a caller sees is its own context ending.
//
// The will-activate event fires synchronously before any activation starts,
// even while the installed extension set is still being registered; dispatch
// then waits for registration so late-discovered extensions participate.
func (r *ActivationEventRouter) ActivateByEvent(ctx context.Context, event string) error {
	return r.dispatch(ctx, event, false)
}

// ActivateStartupExtensions runs the host startup activation sequence:
// extensions declaring "*" first, then those declaring "onStartupFinished".
// Their records carry the startup flag.
func (r *ActivationEventRouter) ActivateStartupExtensions(ctx context.Context) error {
	if err := r.dispatch(ctx, registry.GlobalActivation, true); err != nil {
		return err
	}
	return r.dispatch(ctx, registry.StartupFinishedActivation, true)
}

func (r *ActivationEventRouter) dispatch(ctx context.Context, event string, startup bool) error {
	r.beginDispatch(event)
	defer r.endDispatch(event)

	r.emitWillActivate(ctx, event)

	if err := r.registered.Wait(ctx); err != nil {
		return err
	}

	participants := r.participants(event)
	if len(participants) == 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, d := range participants {
		g.Go(func() error {
			err := r.tracker.Activate(gctx, d, event, startup)
			if err == nil {
				return nil
			}
			if errors.Is(err, ErrExtensionUnknown) {
				// Deregistered between participant resolution and
				// activation; not this dispatch's problem.
				r.logger.Debug("Skipping activation of deregistered extension",
					"extension", d.ID, "event", event)
				return nil
			}
			if errors.Is(err, ErrProposedAPIDisabled) {
				// Already recorded in the extension's status; the rest of
				// the dispatch proceeds.
				r.logger.Warn("Skipping activation without proposed API access",
					"extension", d.ID, "event", event)
				return nil
			}
			return err
		})
	}
	return g.Wait()
}

// WhenInstalledExtensionsRegistered blocks until the current generation's
// installed extension set has been discovered and its extension points
// processed, then reports true. A host restart re-arms the wait for the new
// generation.
func (r *ActivationEventRouter) WhenInstalledExtensionsRegistered(ctx context.Context) (bool, error) {
	if err := r.registered.Wait(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// ExtensionsRegistered opens the registration gate: pending and future
// WhenInstalledExtensionsRegistered calls resolve and dispatches proceed.
func (r *ActivationEventRouter) ExtensionsRegistered() {
	r.registered.Open()
}

// Rearm closes the registration gate for a new host generation and drops
// the cached participant sets.
func (r *ActivationEventRouter) Rearm() {
	r.registered.Rearm()
	r.cache.Purge()
}

// Registered reports whether the registration gate is currently open.
func (r *ActivationEventRouter) Registered() bool {
	return r.registered.IsOpen()
}

// InvalidateParticipants drops the cached per-event participant sets.
// Callers use it after registry deltas; the version tag on each cached set
// already protects correctness, this just frees the dead entries.
func (r *ActivationEventRouter) InvalidateParticipants() {
	r.cache.Purge()
}

// Settled returns a channel that closes once every dispatch of the given
// event that is currently in flight has settled. With no dispatch in
// flight, the returned channel is already closed. Will-activate observers
// call this during delivery to follow the dispatch they were told about.
func (r *ActivationEventRouter) Settled(event string) <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	if g, ok := r.inflight[event]; ok {
		return g.ch
	}
	return closedSettled
}

func (r *ActivationEventRouter) beginDispatch(event string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	g, ok := r.inflight[event]
	if !ok {
		g = &eventGate{ch: make(chan struct{})}
		r.inflight[event] = g
	}
	g.count++
}

func (r *ActivationEventRouter) endDispatch(event string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	g, ok := r.inflight[event]
	if !ok {
		return
	}
	g.count--
	if g.count <= 0 {
		close(g.ch)
		delete(r.inflight, event)
	}
}

// participants resolves the extensions declaring the event, serving from
// the cache while the registry version matches.
func (r *ActivationEventRouter) participants(event string) []*registry.ExtensionDescriptor {
	version := r.reg.Version()
	if entry, ok := r.cache.Get(event); ok && entry.version == version {
		return entry.participants
	}

	parts := r.reg.ByActivationEvent(event)
	r.cache.Add(event, cachedParticipants{version: version, participants: parts})
	return parts
}

func (r *ActivationEventRouter) emitWillActivate(ctx context.Context, event string) {
	r.subjectMu.RLock()
	subject := r.subject
	r.subjectMu.RUnlock()
	if subject == nil {
		return
	}

	ev := NewCloudEvent(EventTypeWillActivate, r.source, WillActivateEvent{Event: event}, nil)
	if err := subject.NotifyObservers(ctx, ev); err != nil {
		r.logger.Debug("Failed to notify will-activate", "event", event, "error", err)
	}
}
