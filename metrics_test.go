package exthost

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsCounters(t *testing.T) {
	t.Parallel()

	m := NewMetrics()

	m.ActivationSettled("activated", 10*time.Millisecond)
	m.ActivationSettled("activated", 20*time.Millisecond)
	m.ActivationSettled("failed", 5*time.Millisecond)

	assert.Equal(t, float64(2), testutil.ToFloat64(m.activations.WithLabelValues("activated")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.activations.WithLabelValues("failed")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.activationDuration))

	m.SetResponsive(false)
	assert.Equal(t, float64(0), testutil.ToFloat64(m.responsive))
	m.SetResponsive(true)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.responsive))

	m.SetExtensionsRegistered(17)
	assert.Equal(t, float64(17), testutil.ToFloat64(m.extensionsRegistered))

	m.ProfileSessionStarted()
	m.HostRestarted()
	m.HostRestarted()
	m.HostCrashed()
	assert.Equal(t, float64(1), testutil.ToFloat64(m.profileSessions))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.restarts))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.crashes))
}

func TestMetricsRegisterTwice(t *testing.T) {
	t.Parallel()

	m := NewMetrics()
	reg := prometheus.NewRegistry()

	require.NoError(t, m.Register(reg))
	require.NoError(t, m.Register(reg), "re-registering the same collectors is tolerated")

	m.ActivationSettled("activated", time.Millisecond)
	families, err := reg.Gather()
	require.NoError(t, err)

	names := make([]string, 0, len(families))
	for _, mf := range families {
		names = append(names, mf.GetName())
	}
	assert.Contains(t, names, "exthost_activation_settled_total")
	assert.Contains(t, names, "exthost_activation_duration_seconds")
	assert.Contains(t, names, "exthost_host_responsive")
	assert.Contains(t, names, "exthost_host_extensions_registered")
	assert.Contains(t, names, "exthost_profile_sessions_total")
	assert.Contains(t, names, "exthost_host_restarts_total")
	assert.Contains(t, names, "exthost_host_crashes_total")
}

func TestMetricsNilIsInert(t *testing.T) {
	t.Parallel()

	var m *Metrics
	assert.NoError(t, m.Register(prometheus.NewRegistry()))
	m.ActivationSettled("activated", time.Second)
	m.SetResponsive(true)
	m.SetExtensionsRegistered(3)
	m.ProfileSessionStarted()
	m.HostRestarted()
	m.HostCrashed()
}

func TestHostRecordsMetrics(t *testing.T) {
	t.Parallel()

	m := NewMetrics()
	svc, runtime := newTestHost(t, testHostConfig(),
		WithExtensions(
			testDescriptor("publisher.good", "onCommand:run"),
			testDescriptor("publisher.bad", "onCommand:run"),
		),
		WithMetrics(m),
	)
	runtime.failActivation("publisher.bad", assert.AnError)

	require.NoError(t, svc.Start(context.Background()))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.extensionsRegistered))

	require.NoError(t, svc.ActivateByEvent(context.Background(), "onCommand:run"))

	assert.Equal(t, float64(1), testutil.ToFloat64(m.activations.WithLabelValues("activated")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.activations.WithLabelValues("failed")))

	require.NoError(t, svc.Restart(context.Background()))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.restarts))
}

func TestMetricsHandlerServesDefaultRegistry(t *testing.T) {
	t.Parallel()

	m := NewMetrics()
	require.NoError(t, m.Register(prometheus.DefaultRegisterer))
	m.SetExtensionsRegistered(5)

	server := httptest.NewServer(MetricsHandler())
	defer server.Close()

	resp, err := http.Get(server.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "exthost_host_extensions_registered")
}
