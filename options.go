package exthost

import (
	"fmt"

	"github.com/cenkalti/backoff/v4"

	"github.com/GoCodeAlone/exthost/history"
	"github.com/GoCodeAlone/exthost/history/sqlite"
	"github.com/GoCodeAlone/exthost/profiling"
	"github.com/GoCodeAlone/exthost/registry"
)

// Option represents a functional option for configuring an extension host.
type Option func(*HostBuilder) error

// HostBuilder assembles a StdExtensionService step by step. Most callers
// use New; the builder is exposed for code that configures hosts in
// stages.
type HostBuilder struct {
	logger        Logger
	cfg           *HostConfig
	runtime       Runtime
	reg           registry.ExtensionRegistry
	discovery     Discovery
	points        []ExtensionPoint
	profileSource profiling.Source
	historySink   history.Sink
	metrics       *Metrics
	prober        Prober
	devReload     bool
	observers     []ObserverFunc
}

// NewHostBuilder creates an empty builder.
func NewHostBuilder() *HostBuilder {
	return &HostBuilder{}
}

// New creates a new extension host with the provided options. A Logger and
// a Runtime are required; everything else has working defaults.
func New(opts ...Option) (*StdExtensionService, error) {
	builder := NewHostBuilder()
	for _, opt := range opts {
		if err := opt(builder); err != nil {
			return nil, err
		}
	}
	return builder.Build()
}

// Build constructs the host from the accumulated options.
func (b *HostBuilder) Build() (*StdExtensionService, error) {
	var cfg HostConfig
	if b.cfg != nil {
		cfg = *b.cfg
		cfg.Normalize()
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	} else {
		cfg = DefaultHostConfig()
	}

	if b.logger == nil {
		return nil, ErrLoggerNotSet
	}
	if b.runtime == nil {
		return nil, ErrRuntimeRequired
	}

	reg := b.reg
	if reg == nil {
		reg = registry.NewStdRegistry()
	}
	metrics := b.metrics
	if metrics == nil {
		metrics = NewMetrics()
	}

	historySink := b.historySink
	ownsHistory := false
	if historySink == nil && cfg.HistoryPath != "" {
		sink, err := sqlite.Open(cfg.HistoryPath)
		if err != nil {
			return nil, fmt.Errorf("opening history store: %w", err)
		}
		historySink = sink
		ownsHistory = true
	}

	crashBackoff := backoff.NewExponentialBackOff()
	crashBackoff.InitialInterval = cfg.CrashBackoffInitial.Std()
	// Crash restarts keep backing off for as long as the window allows.
	crashBackoff.MaxElapsedTime = 0

	status := NewStatusAggregator(b.logger, cfg.Name)
	tracker := NewActivationTracker(b.logger, b.runtime, reg, status)
	tracker.SetMetrics(metrics)
	tracker.SetHistorySink(historySink)

	router, err := NewActivationEventRouter(b.logger, tracker, reg, cfg.Name, cfg.ParticipantCacheSize)
	if err != nil {
		return nil, err
	}

	prober := b.prober
	if prober == nil {
		prober = NewRuntimePinger(b.runtime)
	}
	monitor, err := NewResponsivenessMonitor(b.logger, prober, cfg.Name, cfg.ProbeSchedule, cfg.ProbeTimeout.Std())
	if err != nil {
		return nil, err
	}
	monitor.SetMetrics(metrics)

	svc := &StdExtensionService{
		logger:       b.logger,
		cfg:          cfg,
		runtime:      b.runtime,
		reg:          reg,
		discovery:    b.discovery,
		points:       b.points,
		observers:    newObserverList(b.logger),
		status:       status,
		tracker:      tracker,
		router:       router,
		profiler:     profiling.NewSessionManager(b.profileSource),
		monitor:      monitor,
		historySink:  historySink,
		ownsHistory:  ownsHistory,
		metrics:      metrics,
		crashBackoff: crashBackoff,
	}

	status.SetEventSubject(svc)
	router.SetEventSubject(svc)
	monitor.SetEventSubject(svc)
	b.runtime.OnExit(svc.handleRuntimeExit)

	if b.devReload {
		svc.reloader = NewDevelopmentReloader(b.logger, svc, cfg.DevReloadDebounce.Std())
	}

	for i, fn := range b.observers {
		id := fmt.Sprintf("observer-%d-%s", i, generateEventID())
		if err := svc.observers.Register(NewFunctionalObserver(id, fn)); err != nil {
			return nil, err
		}
	}

	return svc, nil
}

// WithLogger sets the logger for the host.
func WithLogger(logger Logger) Option {
	return func(b *HostBuilder) error {
		b.logger = logger
		return nil
	}
}

// WithConfig sets the host configuration. It is normalized and validated
// during Build.
func WithConfig(cfg HostConfig) Option {
	return func(b *HostBuilder) error {
		b.cfg = &cfg
		return nil
	}
}

// WithConfigFile loads the host configuration from a TOML or YAML file,
// applying environment overrides. The file is read when the option is
// applied, so a broken file fails New immediately.
func WithConfigFile(path string) Option {
	return func(b *HostBuilder) error {
		cfg, err := LoadHostConfig(path)
		if err != nil {
			return err
		}
		b.cfg = &cfg
		return nil
	}
}

// WithRuntime sets the extension runtime. Required.
func WithRuntime(runtime Runtime) Option {
	return func(b *HostBuilder) error {
		b.runtime = runtime
		return nil
	}
}

// WithRegistry sets the extension registry. Defaults to an in-memory
// registry.
func WithRegistry(reg registry.ExtensionRegistry) Option {
	return func(b *HostBuilder) error {
		b.reg = reg
		return nil
	}
}

// WithDiscovery sets the discovery that supplies the installed extension
// set on every start and restart.
func WithDiscovery(discovery Discovery) Option {
	return func(b *HostBuilder) error {
		b.discovery = discovery
		return nil
	}
}

// WithExtensions registers a fixed extension set, a shorthand for
// WithDiscovery(StaticDiscovery(descriptors)).
func WithExtensions(descriptors ...*registry.ExtensionDescriptor) Option {
	return func(b *HostBuilder) error {
		b.discovery = StaticDiscovery(descriptors)
		return nil
	}
}

// WithExtensionPoints adds extension points whose handlers run after each
// registration cycle and after every extension delta.
func WithExtensionPoints(points ...ExtensionPoint) Option {
	return func(b *HostBuilder) error {
		b.points = append(b.points, points...)
		return nil
	}
}

// WithProfileSource sets the CPU profile source. Without one, profiling is
// reported as unsupported.
func WithProfileSource(source profiling.Source) Option {
	return func(b *HostBuilder) error {
		b.profileSource = source
		return nil
	}
}

// WithHistorySink sets the lifecycle history sink. It takes precedence over
// the HistoryPath config field and its lifetime stays with the caller.
func WithHistorySink(sink history.Sink) Option {
	return func(b *HostBuilder) error {
		b.historySink = sink
		return nil
	}
}

// WithMetrics sets the metrics collectors. Defaults to a fresh unregistered
// set; call Metrics().Register to expose them.
func WithMetrics(m *Metrics) Option {
	return func(b *HostBuilder) error {
		b.metrics = m
		return nil
	}
}

// WithProber sets the responsiveness prober. Defaults to pinging the
// runtime.
func WithProber(prober Prober) Option {
	return func(b *HostBuilder) error {
		b.prober = prober
		return nil
	}
}

// WithDevelopmentReload enables watching under-development extension paths
// and restarting the host when their files change.
func WithDevelopmentReload() Option {
	return func(b *HostBuilder) error {
		b.devReload = true
		return nil
	}
}

// WithObserver registers observer functions for all host events.
func WithObserver(observers ...ObserverFunc) Option {
	return func(b *HostBuilder) error {
		b.observers = append(b.observers, observers...)
		return nil
	}
}

// Metrics returns the host's metrics collectors for registration with a
// Prometheus registry.
func (s *StdExtensionService) Metrics() *Metrics {
	return s.metrics
}

// Config returns the host's effective configuration.
func (s *StdExtensionService) Config() HostConfig {
	return s.cfg
}
