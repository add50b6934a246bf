// Package exthost coordinates the lifecycle and activation of extensions
// running against a host process. It decides, on demand, which installed
// extensions must be loaded in response to activation events, guarantees
// each extension activates at most once per host generation, aggregates
// per-extension status and timings, manages CPU profiling sessions and
// responsiveness probing of the extension runtime, and exposes restart,
// start and stop transitions. A single extension's failure or slowness
// never destabilizes the host itself.
//
// Basic usage:
//
//	runtime := exthost.NewInProcessRuntime(logger, 0)
//	runtime.RegisterActivator("acme.tools", activateAcmeTools)
//
//	host, err := exthost.New(
//		exthost.WithLogger(logger),
//		exthost.WithRuntime(runtime),
//		exthost.WithExtensions(descriptors...),
//	)
//	if err != nil {
//		log.Fatal(err)
//	}
//	if err := host.Start(ctx); err != nil {
//		log.Fatal(err)
//	}
//	defer host.Close()
//
//	_ = host.ActivateByEvent(ctx, "onLanguage:rust")
package exthost

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/GoCodeAlone/exthost/history"
	"github.com/GoCodeAlone/exthost/profiling"
	"github.com/GoCodeAlone/exthost/registry"
)

// EnsureProposedAPI verifies that the extension has been granted access to
// proposed API surfaces. Callers on code paths that require the capability
// must abort immediately on a non-nil return; this is a programming
// contract violation, not a recoverable runtime condition.
func EnsureProposedAPI(d *registry.ExtensionDescriptor) error {
	if d == nil {
		return ErrExtensionNil
	}
	if !d.EnableProposedAPI {
		return fmt.Errorf("%w: %s", ErrProposedAPIDisabled, d.ID)
	}
	return nil
}

// Discovery supplies the installed extension set for each host generation.
// The host runs a discovery cycle on every start and restart.
type Discovery interface {
	// DiscoverExtensions returns the descriptors to register, in the
	// order they should be registered.
	DiscoverExtensions(ctx context.Context) ([]*registry.ExtensionDescriptor, error)
}

// StaticDiscovery serves a fixed descriptor list on every cycle.
type StaticDiscovery []*registry.ExtensionDescriptor

// DiscoverExtensions implements Discovery.
func (s StaticDiscovery) DiscoverExtensions(ctx context.Context) ([]*registry.ExtensionDescriptor, error) {
	return s, nil
}

// ExtensionService is the complete contract of an extension host
// coordinator. StdExtensionService is the working implementation;
// NullExtensionService satisfies the same contract for hosts with
// extensions disabled.
type ExtensionService interface {
	Subject

	// Start brings the host up: runtime start, extension discovery,
	// extension point processing, startup activation. Starting a started
	// host is a no-op.
	Start(ctx context.Context) error

	// Stop tears the host down. Stopping a stopped host is a no-op.
	Stop(ctx context.Context) error

	// Restart tears down the current host instance, discards all
	// activation and status state tied to it, and brings up a fresh
	// generation with a new discovery cycle.
	Restart(ctx context.Context) error

	// Started reports whether the host is currently up.
	Started() bool

	// ActivateByEvent activates every extension interested in the event
	// and returns once all of them settled. Individual failures are
	// recorded, never returned.
	ActivateByEvent(ctx context.Context, event string) error

	// WhenInstalledExtensionsRegistered blocks until the current
	// generation's installed extension set has been registered, then
	// reports true.
	WhenInstalledExtensionsRegistered(ctx context.Context) (bool, error)

	// Settled returns a channel that closes when every in-flight dispatch
	// of the event has settled; already closed when none is in flight.
	Settled(event string) <-chan struct{}

	// Extensions returns the registered descriptors in registration order.
	Extensions() []*registry.ExtensionDescriptor

	// Extension looks up one descriptor by identifier.
	Extension(id string) (*registry.ExtensionDescriptor, bool)

	// ExtensionsStatus returns a deep snapshot of per-extension status.
	ExtensionsStatus() map[string]ExtensionStatus

	// ActivationRecord returns the activation snapshot for one extension.
	ActivationRecord(id string) (ActivationRecord, bool)

	// ReadExtensionPointContributions returns the ordered contributions
	// for one extension point, waiting for registration first.
	ReadExtensionPointContributions(ctx context.Context, pointID string) ([]registry.Contribution, error)

	// InspectPort returns the runtime's debug port, 0 when unavailable.
	InspectPort() int

	// Responsive reports the last observed responsiveness of the host.
	Responsive() bool

	// CanAddExtension reports whether the descriptor could be added to
	// the running host. Pure predicate; never mutates.
	CanAddExtension(d *registry.ExtensionDescriptor) bool

	// CanRemoveExtension reports whether the extension could be removed
	// from the running host. Pure predicate; never mutates.
	CanRemoveExtension(d *registry.ExtensionDescriptor) bool

	// DeltaExtensions adds and removes extensions on a running host,
	// honoring the policy predicates.
	DeltaExtensions(ctx context.Context, toAdd []*registry.ExtensionDescriptor, toRemove []string) (*registry.ExtensionDelta, error)

	// CanProfileExtensionHost reports whether a profiling session could
	// be started. False when no capable profile source is configured.
	CanProfileExtensionHost() bool

	// StartExtensionHostProfile begins the exclusive profiling session.
	StartExtensionHostProfile(ctx context.Context) (*profiling.Session, error)
}

// hostPhase is the lifecycle position of the host.
type hostPhase int32

const (
	phaseStopped hostPhase = iota
	phaseStarted
)

// StdExtensionService is the standard extension host coordinator. Construct
// it with New; the zero value is not usable.
type StdExtensionService struct {
	logger    Logger
	cfg       HostConfig
	runtime   Runtime
	reg       registry.ExtensionRegistry
	discovery Discovery
	points    []ExtensionPoint

	observers *observerList
	status    *StatusAggregator
	tracker   *ActivationTracker
	router    *ActivationEventRouter
	profiler  *profiling.SessionManager
	monitor   *ResponsivenessMonitor
	reloader  *DevelopmentReloader

	historySink history.Sink
	ownsHistory bool
	metrics     *Metrics

	// lifecycleMu serializes Start, Stop and Restart transitions end to
	// end; queries read phase and generation without it.
	lifecycleMu sync.Mutex
	phase       atomic.Int32
	generation  atomic.Uint64

	// expectingExit marks the window in which a runtime exit is a
	// requested stop rather than a crash.
	expectingExit atomic.Bool

	crashMu      sync.Mutex
	crashTimes   []time.Time
	crashBackoff *backoff.ExponentialBackOff
}

// Start brings the host up: the runtime starts, a discovery cycle registers
// the installed extensions and processes extension points, the registration
// gate opens, responsiveness probing begins and, when configured, startup
// activation runs in the background. Starting a started host is a no-op.
func (s *StdExtensionService) Start(ctx context.Context) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	if s.loadPhase() == phaseStarted {
		return nil
	}
	if err := s.bringUp(ctx); err != nil {
		return err
	}
	s.phase.Store(int32(phaseStarted))
	return nil
}

// Stop tears the host down. Activation records and status entries of the
// stopped generation stay queryable until the next start. Stopping a
// stopped host is a no-op.
func (s *StdExtensionService) Stop(ctx context.Context) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	if s.loadPhase() != phaseStarted {
		return nil
	}
	err := s.tearDown(ctx)
	s.phase.Store(int32(phaseStopped))
	return err
}

// Restart tears down the current host instance and brings up a fresh
// generation: activation records, status entries and any live profiling
// session of the old instance are discarded, discovery and extension point
// registration run again, and the registration gate re-arms until the new
// cycle completes. On a stopped host, Restart is equivalent to Start.
func (s *StdExtensionService) Restart(ctx context.Context) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	if s.loadPhase() == phaseStarted {
		if err := s.tearDown(ctx); err != nil {
			s.logger.Warn("Teardown during restart reported an error", "error", err)
		}
		s.phase.Store(int32(phaseStopped))
	}

	if err := s.bringUp(ctx); err != nil {
		return err
	}
	s.phase.Store(int32(phaseStarted))

	gen := s.generation.Load()
	s.metrics.HostRestarted()
	s.emitEvent(ctx, EventTypeHostRestarted, HostLifecycleEvent{Generation: gen})
	s.recordHistory(ctx, history.KindHostRestart, gen, true, "")
	s.logger.Info("Extension host restarted", "generation", gen)
	return nil
}

// Close stops the host and releases resources the builder opened on its
// behalf, such as a history database.
func (s *StdExtensionService) Close() error {
	if s.reloader != nil {
		s.reloader.Stop()
	}
	err := s.Stop(context.Background())
	if s.ownsHistory && s.historySink != nil {
		if cerr := s.historySink.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// Started reports whether the host is currently up.
func (s *StdExtensionService) Started() bool {
	return s.loadPhase() == phaseStarted
}

// Generation returns the tag of the current host generation. It increases
// on every start and restart.
func (s *StdExtensionService) Generation() uint64 {
	return s.generation.Load()
}

func (s *StdExtensionService) loadPhase() hostPhase {
	return hostPhase(s.phase.Load())
}

// bringUp runs one full registration cycle for a new generation. Callers
// hold lifecycleMu.
func (s *StdExtensionService) bringUp(ctx context.Context) error {
	gen := s.tracker.Reset()
	s.generation.Store(gen)
	s.router.Rearm()
	s.status.Clear()
	s.profiler.Reset()

	if err := s.runtime.Start(ctx); err != nil {
		return fmt.Errorf("starting extension runtime: %w", err)
	}

	ids, err := s.registerInstalledExtensions(ctx)
	if err != nil {
		s.expectingExit.Store(true)
		if serr := s.runtime.Stop(ctx); serr != nil {
			s.logger.Error("Failed to stop runtime after aborted start", "error", serr)
		}
		s.expectingExit.Store(false)
		return err
	}

	s.processExtensionPoints(ctx)
	s.router.ExtensionsRegistered()
	s.metrics.SetExtensionsRegistered(len(ids))

	if s.monitor != nil {
		target := HostTarget{Generation: gen, PID: s.runtime.PID()}
		if err := s.monitor.Start(target); err != nil {
			s.logger.Error("Failed to start responsiveness monitor", "error", err)
		}
	}
	if s.reloader != nil {
		if err := s.reloader.SetPaths(s.developmentPaths()); err != nil {
			s.logger.Warn("Failed to watch development extensions", "error", err)
		}
	}

	s.emitEvent(ctx, EventTypeExtensionsRegistered, ExtensionsRegisteredEvent{Generation: gen, ExtensionIDs: ids})
	s.emitEvent(ctx, EventTypeHostStarted, HostLifecycleEvent{Generation: gen})
	s.recordHistory(ctx, history.KindHostStart, gen, true, "")
	s.logger.Info("Extension host started", "generation", gen, "extensions", len(ids))

	if s.cfg.ActivateOnStartup {
		bg := context.WithoutCancel(ctx)
		go func() {
			if err := s.router.ActivateStartupExtensions(bg); err != nil {
				s.logger.Error("Startup activation did not complete", "error", err)
			}
		}()
	}
	return nil
}

// tearDown stops the running instance. Callers hold lifecycleMu.
func (s *StdExtensionService) tearDown(ctx context.Context) error {
	gen := s.generation.Load()

	if s.monitor != nil {
		s.monitor.Stop()
	}

	s.expectingExit.Store(true)
	err := s.runtime.Stop(ctx)
	s.expectingExit.Store(false)
	if err != nil {
		err = fmt.Errorf("stopping extension runtime: %w", err)
	}

	s.emitEvent(ctx, EventTypeHostStopped, HostLifecycleEvent{Generation: gen})
	s.recordHistory(ctx, history.KindHostStop, gen, err == nil, "")
	s.logger.Info("Extension host stopped", "generation", gen)
	return err
}

// registerInstalledExtensions empties the catalog and registers the freshly
// discovered set. Descriptors that fail validation are skipped and logged,
// never fatal.
func (s *StdExtensionService) registerInstalledExtensions(ctx context.Context) ([]string, error) {
	var discovered []*registry.ExtensionDescriptor
	if s.discovery != nil {
		var err error
		discovered, err = s.discovery.DiscoverExtensions(ctx)
		if err != nil {
			return nil, fmt.Errorf("discovering extensions: %w", err)
		}
	}

	if current := s.reg.Extensions(); len(current) > 0 {
		stale := make([]string, 0, len(current))
		for _, d := range current {
			stale = append(stale, d.ID)
		}
		if _, err := s.reg.Delta(ctx, nil, stale); err != nil {
			return nil, fmt.Errorf("clearing extension catalog: %w", err)
		}
	}

	ids := make([]string, 0, len(discovered))
	for _, d := range discovered {
		if err := s.reg.Register(ctx, d); err != nil {
			s.logger.Warn("Skipping extension", "extension", descriptorID(d), "error", err)
			continue
		}
		ids = append(ids, d.Identifier())
	}
	return ids, nil
}

// processExtensionPoints hands each point's current contributions to its
// handler. All diagnostics from one cycle land in a single status update.
func (s *StdExtensionService) processExtensionPoints(ctx context.Context) {
	if len(s.points) == 0 {
		return
	}
	s.status.Batch(func(b *StatusBatch) {
		for _, point := range s.points {
			if point.Handler == nil {
				continue
			}
			collector := NewMessageCollector(b, point.ID)
			if err := point.Handler(ctx, s.reg.ContributionsFor(point.ID), collector); err != nil {
				s.logger.Error("Extension point handler failed", "point", point.ID, "error", err)
			}
		}
	})
}

// developmentPaths collects the install locations of under-development
// extensions for the file watcher.
func (s *StdExtensionService) developmentPaths() []string {
	var paths []string
	for _, d := range s.reg.Extensions() {
		if d.IsUnderDevelopment && d.Path != "" {
			paths = append(paths, d.Path)
		}
	}
	return paths
}

// handleRuntimeExit reacts to unexpected runtime termination: the host
// transitions to stopped, the crash is recorded and, policy permitting, a
// restart is scheduled with exponential backoff. Crashes past the
// configured threshold inside the crash window leave the host stopped.
func (s *StdExtensionService) handleRuntimeExit(cause error) {
	if s.expectingExit.Load() {
		return
	}

	s.lifecycleMu.Lock()
	if s.loadPhase() != phaseStarted {
		s.lifecycleMu.Unlock()
		return
	}
	s.phase.Store(int32(phaseStopped))
	s.lifecycleMu.Unlock()

	gen := s.generation.Load()
	reason := ""
	if cause != nil {
		reason = cause.Error()
	}
	s.logger.Error("Extension runtime exited unexpectedly", "generation", gen, "error", cause)
	s.metrics.HostCrashed()

	if s.monitor != nil {
		s.monitor.Stop()
	}

	ctx := context.Background()
	s.emitEvent(ctx, EventTypeHostCrashed, HostCrashedEvent{Generation: gen, Reason: reason})
	s.recordHistory(ctx, history.KindHostCrash, gen, false, reason)

	if !s.cfg.RestartOnCrash {
		s.logger.Warn("Automatic restart disabled; extension host stays stopped")
		return
	}

	delay, ok := s.recordCrash(time.Now())
	if !ok {
		s.logger.Error("Crash threshold exceeded; extension host stays stopped",
			"threshold", s.cfg.CrashThreshold, "window", s.cfg.CrashWindow.Std())
		return
	}

	s.logger.Warn("Scheduling extension host restart", "delay", delay)
	time.AfterFunc(delay, func() {
		if err := s.Restart(context.Background()); err != nil {
			s.logger.Error("Crash-triggered restart failed", "error", err)
		}
	})
}

// recordCrash updates the crash window bookkeeping and returns the backoff
// delay for the next restart. ok is false when the crash threshold within
// the window has been exceeded.
func (s *StdExtensionService) recordCrash(now time.Time) (time.Duration, bool) {
	s.crashMu.Lock()
	defer s.crashMu.Unlock()

	window := s.cfg.CrashWindow.Std()
	recent := s.crashTimes[:0]
	for _, t := range s.crashTimes {
		if now.Sub(t) <= window {
			recent = append(recent, t)
		}
	}
	if len(recent) == 0 {
		// First crash of a fresh burst: restart the backoff progression.
		s.crashBackoff.Reset()
	}
	recent = append(recent, now)
	s.crashTimes = recent

	if len(recent) > s.cfg.CrashThreshold {
		return 0, false
	}
	delay := s.crashBackoff.NextBackOff()
	if delay == backoff.Stop {
		return 0, false
	}
	return delay, true
}

// ActivateByEvent dispatches one activation event. See
// ActivationEventRouter.ActivateByEvent for the full contract.
func (s *StdExtensionService) ActivateByEvent(ctx context.Context, event string) error {
	if s.loadPhase() != phaseStarted {
		return ErrHostNotStarted
	}
	return s.router.ActivateByEvent(ctx, event)
}

// WhenInstalledExtensionsRegistered blocks until the current generation's
// installed extension set has been registered and its extension points
// processed, then reports true. A restart re-arms the wait.
func (s *StdExtensionService) WhenInstalledExtensionsRegistered(ctx context.Context) (bool, error) {
	return s.router.WhenInstalledExtensionsRegistered(ctx)
}

// Settled returns a channel that closes when every in-flight dispatch of
// the event has settled.
func (s *StdExtensionService) Settled(event string) <-chan struct{} {
	return s.router.Settled(event)
}

// Extensions returns the registered descriptors in registration order. The
// catalog of a stopped host reflects its last completed generation.
func (s *StdExtensionService) Extensions() []*registry.ExtensionDescriptor {
	return s.reg.Extensions()
}

// Extension looks up one descriptor by identifier.
func (s *StdExtensionService) Extension(id string) (*registry.ExtensionDescriptor, bool) {
	return s.reg.Extension(id)
}

// ExtensionsStatus returns a deep snapshot of per-extension status.
func (s *StdExtensionService) ExtensionsStatus() map[string]ExtensionStatus {
	return s.status.ExtensionsStatus()
}

// ActivationRecord returns the activation snapshot for one extension.
func (s *StdExtensionService) ActivationRecord(id string) (ActivationRecord, bool) {
	return s.tracker.Record(id)
}

// ReadExtensionPointContributions waits for the current generation's
// registration to complete, then returns the ordered contributions for the
// extension point.
func (s *StdExtensionService) ReadExtensionPointContributions(ctx context.Context, pointID string) ([]registry.Contribution, error) {
	if _, err := s.WhenInstalledExtensionsRegistered(ctx); err != nil {
		return nil, err
	}
	return s.reg.ContributionsFor(pointID), nil
}

// InspectPort returns the runtime's debug port. A stopped host reports 0.
func (s *StdExtensionService) InspectPort() int {
	if s.loadPhase() != phaseStarted {
		return 0
	}
	return s.runtime.InspectPort()
}

// Responsive reports the last observed responsiveness of the host.
func (s *StdExtensionService) Responsive() bool {
	if s.monitor == nil {
		return s.loadPhase() == phaseStarted
	}
	return s.monitor.Responsive()
}

// CanAddExtension reports whether the descriptor could join the running
// host: it must be valid, not builtin, not already registered, and the host
// must be started.
func (s *StdExtensionService) CanAddExtension(d *registry.ExtensionDescriptor) bool {
	if d == nil || d.Validate() != nil {
		return false
	}
	if d.IsBuiltin {
		return false
	}
	if s.loadPhase() != phaseStarted {
		return false
	}
	_, exists := s.reg.Extension(d.ID)
	return !exists
}

// CanRemoveExtension reports whether the extension could leave the running
// host: it must be registered, not builtin, and its code must not have been
// loaded in this generation.
func (s *StdExtensionService) CanRemoveExtension(d *registry.ExtensionDescriptor) bool {
	if d == nil {
		return false
	}
	if s.loadPhase() != phaseStarted {
		return false
	}
	current, exists := s.reg.Extension(d.ID)
	if !exists || current.IsBuiltin {
		return false
	}
	if rec, ok := s.tracker.Record(d.ID); ok && rec.State != ActivationStateNotActivated {
		return false
	}
	return true
}

// DeltaExtensions applies runtime additions and removals to the extension
// set. Candidates failing the policy predicates are skipped and logged; the
// returned delta reports what actually changed. Extension points are
// reprocessed and a delta event fires when anything changed.
func (s *StdExtensionService) DeltaExtensions(ctx context.Context, toAdd []*registry.ExtensionDescriptor, toRemove []string) (*registry.ExtensionDelta, error) {
	if s.loadPhase() != phaseStarted {
		return nil, ErrHostNotStarted
	}

	adds := make([]*registry.ExtensionDescriptor, 0, len(toAdd))
	for _, d := range toAdd {
		if !s.CanAddExtension(d) {
			s.logger.Warn("Skipping extension addition", "extension", descriptorID(d))
			continue
		}
		adds = append(adds, d)
	}
	removes := make([]string, 0, len(toRemove))
	for _, id := range toRemove {
		d, ok := s.reg.Extension(id)
		if !ok || !s.CanRemoveExtension(d) {
			s.logger.Warn("Skipping extension removal", "extension", id)
			continue
		}
		removes = append(removes, id)
	}

	delta, err := s.reg.Delta(ctx, adds, removes)
	if err != nil {
		return nil, fmt.Errorf("applying extension delta: %w", err)
	}
	if delta.Empty() {
		return delta, nil
	}

	s.router.InvalidateParticipants()
	s.processExtensionPoints(ctx)
	s.metrics.SetExtensionsRegistered(s.reg.Count())
	s.emitEvent(ctx, EventTypeExtensionsDelta, ExtensionsDeltaEvent{
		Added:   descriptorIDs(delta.Added),
		Removed: descriptorIDs(delta.Removed),
	})
	s.logger.Info("Extension set changed",
		"added", len(delta.Added), "removed", len(delta.Removed))
	return delta, nil
}

// CanProfileExtensionHost reports whether a profiling session could be
// started right now.
func (s *StdExtensionService) CanProfileExtensionHost() bool {
	return s.profiler.Supported()
}

// StartExtensionHostProfile begins the exclusive CPU profiling session. It
// fails when profiling is unsupported or a session is already active; stop
// the returned session to collect the profile.
func (s *StdExtensionService) StartExtensionHostProfile(ctx context.Context) (*profiling.Session, error) {
	session, err := s.profiler.Start(ctx)
	if err != nil {
		return nil, err
	}
	gen := s.generation.Load()
	s.metrics.ProfileSessionStarted()
	s.recordHistory(ctx, history.KindProfile, gen, true, "")
	s.logger.Info("Profiling session started", "generation", gen)
	return session, nil
}

// RegisterObserver implements Subject.
func (s *StdExtensionService) RegisterObserver(observer Observer, eventTypes ...string) error {
	return s.observers.Register(observer, eventTypes...)
}

// UnregisterObserver implements Subject.
func (s *StdExtensionService) UnregisterObserver(observer Observer) error {
	return s.observers.Unregister(observer)
}

// NotifyObservers implements Subject.
func (s *StdExtensionService) NotifyObservers(ctx context.Context, event CloudEvent) error {
	return s.observers.Notify(ctx, event)
}

// GetObservers implements Subject.
func (s *StdExtensionService) GetObservers() []ObserverInfo {
	return s.observers.Infos()
}

func (s *StdExtensionService) emitEvent(ctx context.Context, eventType string, payload any) {
	event := NewCloudEvent(eventType, s.cfg.Name, payload, nil)
	if err := s.observers.Notify(ctx, event); err != nil {
		s.logger.Debug("Failed to emit event", "type", eventType, "error", err)
	}
}

func (s *StdExtensionService) recordHistory(ctx context.Context, kind history.Kind, gen uint64, success bool, reason string) {
	if s.historySink == nil {
		return
	}
	ev := history.Event{
		Kind:       kind,
		Generation: gen,
		Success:    success,
		Reason:     reason,
		OccurredAt: time.Now(),
	}
	if err := s.historySink.Send(ctx, ev); err != nil {
		s.logger.Error("Failed to record history", "kind", kind, "error", err)
	}
}

func descriptorID(d *registry.ExtensionDescriptor) string {
	if d == nil {
		return "<nil>"
	}
	return d.ID
}

func descriptorIDs(ds []*registry.ExtensionDescriptor) []string {
	if len(ds) == 0 {
		return nil
	}
	ids := make([]string, 0, len(ds))
	for _, d := range ds {
		ids = append(ids, d.Identifier())
	}
	return ids
}

var _ ExtensionService = (*StdExtensionService)(nil)
