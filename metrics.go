package exthost

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the host's Prometheus collectors. Construct with NewMetrics
// and attach to a host via WithMetrics or the component setters; a nil
// *Metrics is valid everywhere and records nothing, so instrumentation is
// strictly opt-in.
type Metrics struct {
	activations          *prometheus.CounterVec
	activationDuration   prometheus.Histogram
	responsive           prometheus.Gauge
	extensionsRegistered prometheus.Gauge
	profileSessions      prometheus.Counter
	restarts             prometheus.Counter
	crashes              prometheus.Counter
}

// NewMetrics creates the host collectors. They record nothing until
// registered with a prometheus.Registerer.
func NewMetrics() *Metrics {
	return &Metrics{
		activations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "exthost",
				Subsystem: "activation",
				Name:      "settled_total",
				Help:      "Number of settled extension activations by outcome.",
			}, []string{"outcome"},
		),
		activationDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "exthost",
				Subsystem: "activation",
				Name:      "duration_seconds",
				Help:      "Wall time from activation start to settled.",
				Buckets:   prometheus.DefBuckets,
			},
		),
		responsive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "exthost",
				Subsystem: "host",
				Name:      "responsive",
				Help:      "Whether the extension host currently answers probes (1 = responsive).",
			},
		),
		extensionsRegistered: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "exthost",
				Subsystem: "host",
				Name:      "extensions_registered",
				Help:      "Number of extensions registered in the current generation.",
			},
		),
		profileSessions: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "exthost",
				Subsystem: "profile",
				Name:      "sessions_total",
				Help:      "Number of profiling sessions started.",
			},
		),
		restarts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "exthost",
				Subsystem: "host",
				Name:      "restarts_total",
				Help:      "Number of host restarts, requested or crash-triggered.",
			},
		),
		crashes: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "exthost",
				Subsystem: "host",
				Name:      "crashes_total",
				Help:      "Number of unexpected extension runtime exits.",
			},
		),
	}
}

// Register registers every collector with r. Collectors that are already
// registered are left in place, so registering twice against the default
// registerer is safe.
func (m *Metrics) Register(r prometheus.Registerer) error {
	if m == nil {
		return nil
	}
	collectors := []prometheus.Collector{
		m.activations,
		m.activationDuration,
		m.responsive,
		m.extensionsRegistered,
		m.profileSessions,
		m.restarts,
		m.crashes,
	}
	for _, c := range collectors {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}

// ActivationSettled records one settled activation with its outcome label
// ("activated" or "failed") and total duration.
func (m *Metrics) ActivationSettled(outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.activations.WithLabelValues(outcome).Inc()
	m.activationDuration.Observe(duration.Seconds())
}

// SetResponsive records the host's responsiveness state.
func (m *Metrics) SetResponsive(responsive bool) {
	if m == nil {
		return
	}
	if responsive {
		m.responsive.Set(1)
	} else {
		m.responsive.Set(0)
	}
}

// SetExtensionsRegistered records the size of the registered extension set.
func (m *Metrics) SetExtensionsRegistered(n int) {
	if m == nil {
		return
	}
	m.extensionsRegistered.Set(float64(n))
}

// ProfileSessionStarted counts one started profiling session.
func (m *Metrics) ProfileSessionStarted() {
	if m == nil {
		return
	}
	m.profileSessions.Inc()
}

// HostRestarted counts one host restart.
func (m *Metrics) HostRestarted() {
	if m == nil {
		return
	}
	m.restarts.Inc()
}

// HostCrashed counts one unexpected runtime exit.
func (m *Metrics) HostCrashed() {
	if m == nil {
		return
	}
	m.crashes.Inc()
}

// MetricsHandler returns an http.Handler serving the default Prometheus
// gatherer. Callers wire it into their own mux.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
