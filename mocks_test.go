package exthost

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"

	"github.com/GoCodeAlone/exthost/history"
	"github.com/GoCodeAlone/exthost/registry"
)

// testLogger returns a Logger that discards everything. Detached activation
// goroutines may outlive their test, so logging through testing.T is not an
// option here.
func testLogger() Logger {
	return NewSlogLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func testDescriptor(id string, events ...string) *registry.ExtensionDescriptor {
	return &registry.ExtensionDescriptor{
		ID: id,
		ExtensionManifest: registry.ExtensionManifest{
			Version:          "1.0.0",
			ActivationEvents: events,
		},
	}
}

type activationCall struct {
	ID    string
	Event string
}

// fakeRuntime is a controllable Runtime for tests: activations can be made
// to fail or block per extension, and Kill simulates a crash.
type fakeRuntime struct {
	mu       sync.Mutex
	started  bool
	startErr error
	stopErr  error
	pingErr  error
	port     int
	pid      int
	failWith map[string]error
	blockOn  map[string]chan struct{}
	calls    []activationCall
	exitFns  []func(error)
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{
		failWith: make(map[string]error),
		blockOn:  make(map[string]chan struct{}),
		pid:      1234,
	}
}

func (r *fakeRuntime) failActivation(id string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failWith[registry.CanonicalID(id)] = err
}

// blockActivation makes the extension's activation hang until the returned
// channel is closed.
func (r *fakeRuntime) blockActivation(id string) chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch := make(chan struct{})
	r.blockOn[registry.CanonicalID(id)] = ch
	return ch
}

func (r *fakeRuntime) callCount(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.calls {
		if c.ID == registry.CanonicalID(id) {
			n++
		}
	}
	return n
}

func (r *fakeRuntime) callLog() []activationCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]activationCall, len(r.calls))
	copy(out, r.calls)
	return out
}

func (r *fakeRuntime) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.startErr != nil {
		return r.startErr
	}
	r.started = true
	return nil
}

func (r *fakeRuntime) Stop(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = false
	return r.stopErr
}

func (r *fakeRuntime) Kill(cause error) {
	r.mu.Lock()
	r.started = false
	fns := make([]func(error), len(r.exitFns))
	copy(fns, r.exitFns)
	r.mu.Unlock()
	for _, fn := range fns {
		fn(cause)
	}
}

func (r *fakeRuntime) LoadAndActivate(ctx context.Context, d *registry.ExtensionDescriptor, event string) (ActivationOutcome, error) {
	id := d.Identifier()
	r.mu.Lock()
	r.calls = append(r.calls, activationCall{ID: id, Event: event})
	block := r.blockOn[id]
	failErr := r.failWith[id]
	r.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ActivationOutcome{}, ctx.Err()
		}
	}
	if failErr != nil {
		return ActivationOutcome{}, failErr
	}
	return ActivationOutcome{
		CodeLoading:      time.Millisecond,
		ActivateCall:     2 * time.Millisecond,
		ActivateResolved: 2 * time.Millisecond,
	}, nil
}

func (r *fakeRuntime) Ping(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.started {
		return ErrRuntimeNotStarted
	}
	return r.pingErr
}

func (r *fakeRuntime) InspectPort() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.port
}

func (r *fakeRuntime) PID() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pid
}

func (r *fakeRuntime) OnExit(fn func(err error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.exitFns = append(r.exitFns, fn)
}

var _ Runtime = (*fakeRuntime)(nil)

// recordingSubject collects every event emitted through it.
type recordingSubject struct {
	mu     sync.Mutex
	events []cloudevents.Event
}

func (s *recordingSubject) RegisterObserver(observer Observer, eventTypes ...string) error {
	return nil
}

func (s *recordingSubject) UnregisterObserver(observer Observer) error { return nil }

func (s *recordingSubject) NotifyObservers(ctx context.Context, event cloudevents.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

func (s *recordingSubject) GetObservers() []ObserverInfo { return nil }

func (s *recordingSubject) byType(eventType string) []cloudevents.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []cloudevents.Event
	for _, ev := range s.events {
		if ev.Type() == eventType {
			out = append(out, ev)
		}
	}
	return out
}

func (s *recordingSubject) types() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.events))
	for _, ev := range s.events {
		out = append(out, ev.Type())
	}
	return out
}

var _ Subject = (*recordingSubject)(nil)

// recordingObserver collects the events delivered to it, optionally
// running a hook during delivery.
type recordingObserver struct {
	id     string
	onEach func(event cloudevents.Event)

	mu     sync.Mutex
	events []cloudevents.Event
}

func (o *recordingObserver) OnEvent(ctx context.Context, event cloudevents.Event) error {
	o.mu.Lock()
	o.events = append(o.events, event)
	o.mu.Unlock()
	if o.onEach != nil {
		o.onEach(event)
	}
	return nil
}

func (o *recordingObserver) ObserverID() string { return o.id }

func (o *recordingObserver) count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.events)
}

func (o *recordingObserver) typesSeen() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]string, 0, len(o.events))
	for _, ev := range o.events {
		out = append(out, ev.Type())
	}
	return out
}

// fakeProber answers probes with a settable error.
type fakeProber struct {
	mu     sync.Mutex
	err    error
	probes int
}

func (p *fakeProber) setErr(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

func (p *fakeProber) probeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.probes
}

func (p *fakeProber) Probe(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.probes++
	return p.err
}

func (p *fakeProber) Describe() string { return "fake probe" }

var _ Prober = (*fakeProber)(nil)

// fakeSink records history events in memory.
type fakeSink struct {
	mu      sync.Mutex
	events  []history.Event
	sendErr error
	closed  bool
}

func (s *fakeSink) Send(ctx context.Context, ev history.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil {
		return s.sendErr
	}
	s.events = append(s.events, ev)
	return nil
}

func (s *fakeSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSink) kinds() []history.Kind {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]history.Kind, 0, len(s.events))
	for _, ev := range s.events {
		out = append(out, ev.Kind)
	}
	return out
}

func (s *fakeSink) wasClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

var _ history.Sink = (*fakeSink)(nil)
