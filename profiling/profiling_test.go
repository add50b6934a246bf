package profiling

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProfileValidate(t *testing.T) {
	t.Parallel()

	ok := &Profile{Deltas: []int64{1, 2}, IDs: []SegmentID{SegmentIdle, SegmentProgram}}
	assert.NoError(t, ok.Validate())

	empty := &Profile{}
	assert.NoError(t, empty.Validate())

	bad := &Profile{Deltas: []int64{1}, IDs: nil}
	assert.ErrorIs(t, bad.Validate(), ErrSamplePairMismatch)
}

func TestProfileDuration(t *testing.T) {
	t.Parallel()

	p := &Profile{StartedAt: 1_000_000, StoppedAt: 3_500_000}
	assert.Equal(t, 2500*time.Millisecond, p.Duration())

	inverted := &Profile{StartedAt: 10, StoppedAt: 5}
	assert.Zero(t, inverted.Duration())
}

func TestProfileAggregate(t *testing.T) {
	t.Parallel()

	p := &Profile{
		Deltas: []int64{100, 50, 100, 25, 300},
		IDs:    []SegmentID{SegmentProgram, SegmentGC, SegmentProgram, SegmentSelf, SegmentIdle},
	}

	agg := p.Aggregate()
	assert.Equal(t, 200*time.Microsecond, agg[SegmentProgram])
	assert.Equal(t, 50*time.Microsecond, agg[SegmentGC])
	assert.Equal(t, 25*time.Microsecond, agg[SegmentSelf])
	assert.Equal(t, 300*time.Microsecond, agg[SegmentIdle])
}

func TestPprofSourceCapture(t *testing.T) {
	// Not parallel: the runtime allows one CPU profile at a time per process.
	src := NewPprofSource()
	require.True(t, src.Supported())
	ctx := context.Background()

	require.NoError(t, src.Start(ctx))
	assert.ErrorIs(t, src.Start(ctx), ErrSessionActive)

	// Burn a little CPU so the profile window is non-trivial.
	deadline := time.Now().Add(20 * time.Millisecond)
	for time.Now().Before(deadline) {
	}

	profile, err := src.Stop(ctx)
	require.NoError(t, err)
	require.NoError(t, profile.Validate())
	assert.NotEmpty(t, profile.Data)
	assert.Equal(t, []SegmentID{SegmentProgram}, profile.IDs)
	assert.GreaterOrEqual(t, profile.StoppedAt, profile.StartedAt)

	_, err = src.Stop(ctx)
	assert.ErrorIs(t, err, ErrSessionStopped)
}

func TestPprofSourceWithManager(t *testing.T) {
	// Not parallel: shares the process-wide CPU profiler.
	mgr := NewSessionManager(NewPprofSource())
	ctx := context.Background()

	session, err := mgr.Start(ctx)
	require.NoError(t, err)

	profile, err := session.Stop(ctx)
	require.NoError(t, err)
	assert.Positive(t, len(profile.Data))
}
