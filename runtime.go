package exthost

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"

	"github.com/GoCodeAlone/exthost/registry"
)

// DefaultActivationPoolSize is the worker pool size InProcessRuntime uses
// when the caller does not specify one.
const DefaultActivationPoolSize = 32

// ActivationOutcome reports per-phase timings of one successful or failed
// load-and-activate call: how long loading the extension's code took, how
// long the activation entry point ran before returning, and how long until
// activation fully settled.
type ActivationOutcome struct {
	CodeLoading      time.Duration `json:"codeLoadingTime"`
	ActivateCall     time.Duration `json:"codeActivationCallTime"`
	ActivateResolved time.Duration `json:"activationResolvedTime"`
}

// Runtime is the execution backend that actually runs extension code. The
// host treats it as an asynchronous, possibly failing black box: how code
// is sandboxed, serialized to, or spawned is entirely the runtime's
// business.
//
// A runtime must support repeated Start/Stop cycles on the same instance;
// the host restarts by stopping and starting its one runtime.
type Runtime interface {
	// Start brings the runtime up. Starting an already-started runtime is
	// a no-op.
	Start(ctx context.Context) error

	// Stop tears the runtime down and releases its resources. Exit
	// callbacks registered with OnExit do not run for a requested stop.
	Stop(ctx context.Context) error

	// LoadAndActivate loads the extension's code and runs its activation
	// entry point, reporting per-phase timings. Errors whose chain
	// implements MissingDependencies() []string are classified as
	// dependency failures by the host.
	LoadAndActivate(ctx context.Context, d *registry.ExtensionDescriptor, event string) (ActivationOutcome, error)

	// Ping checks that the runtime currently answers. A nil return means
	// responsive.
	Ping(ctx context.Context) error

	// InspectPort returns the runtime's debug port, or 0 when no debugger
	// can attach. 0 is a sentinel, not an error.
	InspectPort() int

	// PID returns the operating system process id running extension code,
	// or 0 when there is no dedicated process.
	PID() int

	// OnExit registers fn to run once per unexpected runtime termination,
	// with the cause. Callbacks persist across Start/Stop cycles.
	OnExit(fn func(err error))
}

// Activator is the entry point of an extension hosted by InProcessRuntime.
// It corresponds to the activate function an out-of-process extension would
// export.
type Activator func(ctx context.Context) error

// InProcessRuntime executes extension entry points on a shared goroutine
// pool inside the host's own process. It serves single-binary deployments
// and tests; production hosts typically place an out-of-process runtime
// behind the same interface.
type InProcessRuntime struct {
	logger   Logger
	poolSize int

	mu         sync.Mutex
	pool       *ants.Pool
	started    bool
	activators map[string]Activator
	exitFns    []func(error)
}

// NewInProcessRuntime creates a stopped in-process runtime. size bounds the
// number of concurrently running activators; values below one select
// DefaultActivationPoolSize.
func NewInProcessRuntime(logger Logger, size int) *InProcessRuntime {
	if logger == nil {
		logger = nopLogger{}
	}
	if size < 1 {
		size = DefaultActivationPoolSize
	}
	return &InProcessRuntime{
		logger:     logger,
		poolSize:   size,
		activators: make(map[string]Activator),
	}
}

// RegisterActivator installs the entry point for one extension identifier.
// Registration survives Stop/Start cycles, so a restarted host re-runs the
// same activators.
func (r *InProcessRuntime) RegisterActivator(id string, fn Activator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.activators[registry.CanonicalID(id)] = fn
}

// Start creates the worker pool. Starting a started runtime is a no-op.
func (r *InProcessRuntime) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.started {
		return nil
	}

	// Blocking submission: a burst of activations queues for workers
	// instead of failing extensions outright.
	pool, err := ants.NewPool(r.poolSize)
	if err != nil {
		return fmt.Errorf("creating activation pool: %w", err)
	}
	r.pool = pool
	r.started = true
	r.logger.Debug("In-process runtime started", "poolSize", r.poolSize)
	return nil
}

// Stop releases the worker pool. Stopping a stopped runtime is a no-op and
// exit callbacks do not run.
func (r *InProcessRuntime) Stop(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.started {
		return nil
	}
	r.pool.Release()
	r.pool = nil
	r.started = false
	r.logger.Debug("In-process runtime stopped")
	return nil
}

// Kill simulates abnormal runtime termination: the pool is torn down and
// every exit callback runs with the given cause.
func (r *InProcessRuntime) Kill(cause error) {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return
	}
	r.pool.Release()
	r.pool = nil
	r.started = false
	fns := make([]func(error), len(r.exitFns))
	copy(fns, r.exitFns)
	r.mu.Unlock()

	r.logger.Warn("In-process runtime killed", "cause", cause)
	for _, fn := range fns {
		fn(cause)
	}
}

// LoadAndActivate runs the extension's registered activator on the pool.
// The code-loading phase covers activator lookup and pool scheduling; the
// call and resolved phases both measure the activator's execution, which is
// single-phase for in-process extensions.
func (r *InProcessRuntime) LoadAndActivate(ctx context.Context, d *registry.ExtensionDescriptor, event string) (ActivationOutcome, error) {
	if d == nil {
		return ActivationOutcome{}, ErrExtensionNil
	}
	loadStart := time.Now()

	r.mu.Lock()
	started := r.started
	pool := r.pool
	fn, ok := r.activators[d.Identifier()]
	r.mu.Unlock()

	if !started {
		return ActivationOutcome{}, ErrRuntimeNotStarted
	}
	if !ok {
		return ActivationOutcome{}, fmt.Errorf("%w: %s", ErrActivatorMissing, d.ID)
	}

	type result struct {
		call time.Duration
		err  error
	}
	resCh := make(chan result, 1)
	task := func() {
		callStart := time.Now()
		err := runActivator(ctx, fn)
		resCh <- result{call: time.Since(callStart), err: err}
	}
	// Submit only fails once the pool has been released, i.e. the runtime
	// stopped while this activation was waiting for a worker.
	if err := pool.Submit(task); err != nil {
		return ActivationOutcome{}, fmt.Errorf("%w: %v", ErrActivatorPoolBusy, err)
	}

	outcome := ActivationOutcome{CodeLoading: time.Since(loadStart)}
	select {
	case res := <-resCh:
		outcome.ActivateCall = res.call
		outcome.ActivateResolved = res.call
		return outcome, res.err
	case <-ctx.Done():
		return outcome, ctx.Err()
	}
}

// runActivator contains activator panics so extension code cannot take the
// host down.
func runActivator(ctx context.Context, fn Activator) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("extension activator panicked: %v", rec)
		}
	}()
	return fn(ctx)
}

// Ping reports whether the runtime is up.
func (r *InProcessRuntime) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.started {
		return ErrRuntimeNotStarted
	}
	return nil
}

// InspectPort returns 0: in-process extensions share the host's debugger.
func (r *InProcessRuntime) InspectPort() int { return 0 }

// PID returns the host's own process id while the runtime is started.
func (r *InProcessRuntime) PID() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.started {
		return 0
	}
	return os.Getpid()
}

// OnExit registers a callback for abnormal termination.
func (r *InProcessRuntime) OnExit(fn func(err error)) {
	if fn == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.exitFns = append(r.exitFns, fn)
}

var _ Runtime = (*InProcessRuntime)(nil)
