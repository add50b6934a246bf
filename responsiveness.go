package exthost

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/shirou/gopsutil/v3/process"
)

// HostTarget identifies one concrete host instance: the generation the
// lifecycle controller assigned to it and the process id running extension
// code (0 for in-process hosts). Responsiveness always refers to a target,
// since a restart changes which instance the state describes.
type HostTarget struct {
	Generation uint64 `json:"generation"`
	PID        int    `json:"pid"`
}

// Prober answers whether the extension host currently responds. Probes
// must respect ctx; the monitor bounds each probe with its configured
// timeout.
type Prober interface {
	// Probe returns nil when the host answered in time.
	Probe(ctx context.Context) error

	// Describe names the probe strategy for logs.
	Describe() string
}

// RuntimePinger probes responsiveness through the runtime's own Ping.
type RuntimePinger struct {
	runtime Runtime
}

// NewRuntimePinger creates a prober over the given runtime.
func NewRuntimePinger(runtime Runtime) *RuntimePinger {
	return &RuntimePinger{runtime: runtime}
}

// Probe implements Prober.
func (p *RuntimePinger) Probe(ctx context.Context) error {
	return p.runtime.Ping(ctx)
}

// Describe implements Prober.
func (p *RuntimePinger) Describe() string { return "runtime ping" }

// ProcessProber reports a process responsive while it exists and is not a
// zombie. It suits out-of-process hosts where liveness of the pid is the
// best cheap signal available.
type ProcessProber struct {
	pid int32
}

// NewProcessProber creates a prober for the given process id.
func NewProcessProber(pid int) *ProcessProber {
	return &ProcessProber{pid: int32(pid)}
}

// Probe implements Prober.
func (p *ProcessProber) Probe(ctx context.Context) error {
	exists, err := process.PidExistsWithContext(ctx, p.pid)
	if err != nil {
		return fmt.Errorf("checking process %d: %w", p.pid, err)
	}
	if !exists {
		return fmt.Errorf("process %d is not running", p.pid)
	}

	proc, err := process.NewProcessWithContext(ctx, p.pid)
	if err != nil {
		return fmt.Errorf("inspecting process %d: %w", p.pid, err)
	}
	statuses, err := proc.StatusWithContext(ctx)
	if err != nil {
		return fmt.Errorf("reading status of process %d: %w", p.pid, err)
	}
	for _, status := range statuses {
		if status == process.Zombie {
			return fmt.Errorf("process %d is a zombie", p.pid)
		}
	}
	return nil
}

// Describe implements Prober.
func (p *ProcessProber) Describe() string {
	return fmt.Sprintf("process %d liveness", p.pid)
}

// ResponsivenessMonitor probes the extension host on a schedule and reports
// responsiveness strictly as transitions: observers hear about a change of
// state, never about a repeat of the same state. A freshly started monitor
// assumes the target is responsive, so the first event it can emit is the
// transition to unresponsive.
type ResponsivenessMonitor struct {
	logger   Logger
	prober   Prober
	source   string
	schedule string
	timeout  time.Duration

	subjectMu sync.RWMutex
	subject   Subject

	metricsMu sync.RWMutex
	metrics   *Metrics

	// probeMu serializes probes so overlapping checks cannot race the
	// transition bookkeeping.
	probeMu sync.Mutex

	mu         sync.Mutex
	cron       *cron.Cron
	running    bool
	target     HostTarget
	responsive bool
}

// NewResponsivenessMonitor creates a monitor that runs the prober on the
// given cron schedule (an "@every" descriptor in the common case). timeout
// bounds each probe; values below one select the default.
func NewResponsivenessMonitor(logger Logger, prober Prober, source, schedule string, timeout time.Duration) (*ResponsivenessMonitor, error) {
	if logger == nil {
		logger = nopLogger{}
	}
	if timeout <= 0 {
		timeout = DefaultHostConfig().ProbeTimeout.Std()
	}
	if _, err := cron.ParseStandard(schedule); err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrProbeScheduleInvalid, schedule, err)
	}
	return &ResponsivenessMonitor{
		logger:   logger,
		prober:   prober,
		source:   source,
		schedule: schedule,
		timeout:  timeout,
	}, nil
}

// SetEventSubject attaches the subject used to emit responsive-changed
// events.
func (m *ResponsivenessMonitor) SetEventSubject(subject Subject) {
	m.subjectMu.Lock()
	m.subject = subject
	m.subjectMu.Unlock()
}

// SetMetrics attaches responsiveness gauge collection.
func (m *ResponsivenessMonitor) SetMetrics(metrics *Metrics) {
	m.metricsMu.Lock()
	m.metrics = metrics
	m.metricsMu.Unlock()
}

// Start begins scheduled probing of the given target, re-baselining the
// state to responsive. Starting a running monitor retargets it: the old
// schedule stops and probing continues against the new target.
func (m *ResponsivenessMonitor) Start(target HostTarget) error {
	m.Stop()

	m.mu.Lock()
	m.target = target
	m.responsive = true
	runner := cron.New()
	if _, err := runner.AddFunc(m.schedule, func() {
		m.CheckNow(context.Background())
	}); err != nil {
		m.mu.Unlock()
		return fmt.Errorf("%w: %q: %v", ErrProbeScheduleInvalid, m.schedule, err)
	}
	m.cron = runner
	m.running = true
	m.mu.Unlock()

	runner.Start()
	m.logger.Debug("Responsiveness monitor started",
		"target", fmt.Sprintf("gen=%d pid=%d", target.Generation, target.PID),
		"probe", m.prober.Describe(),
		"schedule", m.schedule)
	return nil
}

// Stop ends scheduled probing and waits for an in-flight probe to finish.
// Stopping a stopped monitor is a no-op.
func (m *ResponsivenessMonitor) Stop() {
	m.mu.Lock()
	runner := m.cron
	m.cron = nil
	m.running = false
	m.mu.Unlock()

	if runner != nil {
		<-runner.Stop().Done()
	}
}

// Responsive returns the last observed state of the current target.
func (m *ResponsivenessMonitor) Responsive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.responsive
}

// Target returns the host instance the monitor currently describes.
func (m *ResponsivenessMonitor) Target() HostTarget {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.target
}

// CheckNow probes the target once, outside the schedule, and returns the
// resulting state. On a stopped monitor it returns the last known state
// without probing.
func (m *ResponsivenessMonitor) CheckNow(ctx context.Context) bool {
	m.probeMu.Lock()
	defer m.probeMu.Unlock()

	m.mu.Lock()
	running := m.running
	target := m.target
	m.mu.Unlock()
	if !running {
		return m.Responsive()
	}

	probeCtx, cancel := context.WithTimeout(ctx, m.timeout)
	err := m.prober.Probe(probeCtx)
	cancel()
	responsive := err == nil

	m.mu.Lock()
	// A retarget while this probe ran makes the result stale.
	if m.target != target || !m.running {
		m.mu.Unlock()
		return m.Responsive()
	}
	changed := m.responsive != responsive
	m.responsive = responsive
	m.mu.Unlock()

	if changed {
		m.onTransition(ctx, target, responsive, err)
	}
	return responsive
}

func (m *ResponsivenessMonitor) onTransition(ctx context.Context, target HostTarget, responsive bool, probeErr error) {
	if responsive {
		m.logger.Info("Extension host became responsive",
			"generation", target.Generation, "pid", target.PID)
	} else {
		m.logger.Warn("Extension host became unresponsive",
			"generation", target.Generation, "pid", target.PID, "error", probeErr)
	}

	m.metricsMu.RLock()
	metrics := m.metrics
	m.metricsMu.RUnlock()
	metrics.SetResponsive(responsive)

	m.subjectMu.RLock()
	subject := m.subject
	m.subjectMu.RUnlock()
	if subject == nil {
		return
	}

	ev := NewCloudEvent(EventTypeResponsiveChanged, m.source,
		ResponsiveChangedEvent{Target: target, Responsive: responsive}, nil)
	if err := subject.NotifyObservers(ctx, ev); err != nil {
		m.logger.Debug("Failed to notify responsiveness change", "error", err)
	}
}
