package profiling

import (
	"context"
	"fmt"
	"runtime/pprof"
	"time"

	"github.com/valyala/bytebufferpool"
)

// PprofSource captures CPU profiles of the current process with the Go
// runtime profiler. The resulting timeline is coarse: one "program" segment
// spanning the capture window, with the raw pprof blob attached for offline
// analysis. Hosts running extensions out of process supply their own Source
// speaking the runtime's inspector protocol instead.
type PprofSource struct {
	buf       *bytebufferpool.ByteBuffer
	startedAt time.Time
}

// NewPprofSource creates a source that profiles the current process.
func NewPprofSource() *PprofSource {
	return &PprofSource{}
}

// Supported always reports true; the Go runtime profiler is always present.
func (s *PprofSource) Supported() bool {
	return true
}

// Start begins a CPU profile capture.
func (s *PprofSource) Start(ctx context.Context) error {
	if s.buf != nil {
		return ErrSessionActive
	}

	buf := bytebufferpool.Get()
	if err := pprof.StartCPUProfile(buf); err != nil {
		bytebufferpool.Put(buf)
		return fmt.Errorf("starting cpu profile: %w", err)
	}
	s.buf = buf
	s.startedAt = time.Now()
	return nil
}

// Stop ends the capture and packages the result.
func (s *PprofSource) Stop(ctx context.Context) (*Profile, error) {
	if s.buf == nil {
		return nil, ErrSessionStopped
	}

	pprof.StopCPUProfile()
	stoppedAt := time.Now()

	data := make([]byte, len(s.buf.B))
	copy(data, s.buf.B)
	bytebufferpool.Put(s.buf)
	s.buf = nil

	started := s.startedAt.UnixMicro()
	stopped := stoppedAt.UnixMicro()
	return &Profile{
		StartedAt: started,
		StoppedAt: stopped,
		Deltas:    []int64{stopped - started},
		IDs:       []SegmentID{SegmentProgram},
		Data:      data,
	}, nil
}

var _ Source = (*PprofSource)(nil)
