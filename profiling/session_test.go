package profiling

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSource scripts profile captures for tests.
type fakeSource struct {
	supported bool
	profile   *Profile
	startErr  error
	stopErr   error
	starts    int
	stops     int
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		supported: true,
		profile: &Profile{
			StartedAt: 1000,
			StoppedAt: 5000,
			Deltas:    []int64{1500, 500, 1800, 200},
			IDs:       []SegmentID{SegmentProgram, SegmentGC, SegmentIdle, SegmentSelf},
		},
	}
}

func (f *fakeSource) Supported() bool { return f.supported }

func (f *fakeSource) Start(ctx context.Context) error {
	f.starts++
	return f.startErr
}

func (f *fakeSource) Stop(ctx context.Context) (*Profile, error) {
	f.stops++
	if f.stopErr != nil {
		return nil, f.stopErr
	}
	return f.profile, nil
}

func TestStartStopSession(t *testing.T) {
	t.Parallel()

	src := newFakeSource()
	mgr := NewSessionManager(src)
	ctx := context.Background()

	require.True(t, mgr.Supported())

	session, err := mgr.Start(ctx)
	require.NoError(t, err)
	require.NotNil(t, session)
	assert.True(t, session.Running())
	assert.Same(t, session, mgr.Active())

	profile, err := session.Stop(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), profile.StartedAt)
	assert.False(t, session.Running())
	assert.Nil(t, mgr.Active())
	assert.Equal(t, 1, src.starts)
	assert.Equal(t, 1, src.stops)
}

func TestSecondStartWhileActive(t *testing.T) {
	t.Parallel()

	mgr := NewSessionManager(newFakeSource())
	ctx := context.Background()

	_, err := mgr.Start(ctx)
	require.NoError(t, err)

	_, err = mgr.Start(ctx)
	assert.ErrorIs(t, err, ErrSessionActive)
}

func TestDoubleStop(t *testing.T) {
	t.Parallel()

	mgr := NewSessionManager(newFakeSource())
	ctx := context.Background()

	session, err := mgr.Start(ctx)
	require.NoError(t, err)

	_, err = session.Stop(ctx)
	require.NoError(t, err)

	_, err = session.Stop(ctx)
	assert.ErrorIs(t, err, ErrSessionStopped)
}

func TestUnsupportedSource(t *testing.T) {
	t.Parallel()

	src := newFakeSource()
	src.supported = false
	mgr := NewSessionManager(src)

	assert.False(t, mgr.Supported())
	_, err := mgr.Start(context.Background())
	assert.ErrorIs(t, err, ErrUnsupported)

	nilMgr := NewSessionManager(nil)
	assert.False(t, nilMgr.Supported())
	_, err = nilMgr.Start(context.Background())
	assert.ErrorIs(t, err, ErrUnsupported)
}

func TestResetDiscardsActiveSession(t *testing.T) {
	t.Parallel()

	src := newFakeSource()
	mgr := NewSessionManager(src)
	ctx := context.Background()

	session, err := mgr.Start(ctx)
	require.NoError(t, err)

	mgr.Reset()
	assert.Nil(t, mgr.Active())
	assert.False(t, session.Running())

	_, err = session.Stop(ctx)
	assert.ErrorIs(t, err, ErrSessionDiscarded)
	assert.Zero(t, src.stops)

	// The slot is free again after a reset.
	again, err := mgr.Start(ctx)
	require.NoError(t, err)
	assert.True(t, again.Running())
}

func TestResetWithoutActiveSession(t *testing.T) {
	t.Parallel()

	mgr := NewSessionManager(newFakeSource())
	mgr.Reset()
	assert.Nil(t, mgr.Active())
}

func TestStartErrorPropagates(t *testing.T) {
	t.Parallel()

	src := newFakeSource()
	src.startErr = errors.New("inspector refused")
	mgr := NewSessionManager(src)

	_, err := mgr.Start(context.Background())
	require.Error(t, err)
	assert.ErrorContains(t, err, "inspector refused")
	assert.Nil(t, mgr.Active())
}

func TestStopErrorPropagates(t *testing.T) {
	t.Parallel()

	src := newFakeSource()
	src.stopErr = errors.New("capture lost")
	mgr := NewSessionManager(src)
	ctx := context.Background()

	session, err := mgr.Start(ctx)
	require.NoError(t, err)

	_, err = session.Stop(ctx)
	require.Error(t, err)
	assert.ErrorContains(t, err, "capture lost")
	assert.Nil(t, mgr.Active())
}

func TestStopRejectsMismatchedProfile(t *testing.T) {
	t.Parallel()

	src := newFakeSource()
	src.profile = &Profile{
		StartedAt: 0,
		StoppedAt: 100,
		Deltas:    []int64{10, 20},
		IDs:       []SegmentID{SegmentProgram},
	}
	mgr := NewSessionManager(src)
	ctx := context.Background()

	session, err := mgr.Start(ctx)
	require.NoError(t, err)

	_, err = session.Stop(ctx)
	assert.ErrorIs(t, err, ErrSamplePairMismatch)
}

func TestSessionStartedAt(t *testing.T) {
	t.Parallel()

	mgr := NewSessionManager(newFakeSource())
	before := time.Now()
	session, err := mgr.Start(context.Background())
	require.NoError(t, err)
	assert.False(t, session.StartedAt().Before(before))
}
