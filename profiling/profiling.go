// Package profiling manages CPU profiling sessions against a running
// extension host. A Source captures the raw profile; the SessionManager
// enforces the single-session rule and hands out Session handles whose Stop
// returns the captured Profile.
package profiling

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Static errors for profiling package
var (
	ErrUnsupported        = errors.New("profiling not supported by this host")
	ErrSessionActive      = errors.New("a profiling session is already running")
	ErrSessionStopped     = errors.New("profiling session already stopped")
	ErrSessionDiscarded   = errors.New("profiling session discarded by host restart")
	ErrSamplePairMismatch = errors.New("profile deltas and segment ids must pair up")
	ErrSourceNil          = errors.New("profiling source is nil")
)

// SegmentID classifies what the host was doing during one sampled slice of a
// profile timeline.
type SegmentID string

const (
	// SegmentIdle marks time the host spent waiting for work.
	SegmentIdle SegmentID = "idle"

	// SegmentProgram marks time spent running extension code.
	SegmentProgram SegmentID = "program"

	// SegmentGC marks time spent in garbage collection.
	SegmentGC SegmentID = "gc"

	// SegmentSelf marks time the profiler itself consumed.
	SegmentSelf SegmentID = "self"
)

// Profile is a captured CPU profile. Timestamps are in microseconds since
// the Unix epoch and Deltas holds per-sample durations in microseconds.
// Deltas[i] is classified by IDs[i]; the two slices always pair up.
type Profile struct {
	StartedAt int64       `json:"startTime"`
	StoppedAt int64       `json:"endTime"`
	Deltas    []int64     `json:"deltas"`
	IDs       []SegmentID `json:"ids"`

	// Data optionally carries the raw profile blob in the source's native
	// encoding, for offline analysis.
	Data []byte `json:"-"`
}

// Validate checks the pairing invariant between Deltas and IDs.
func (p *Profile) Validate() error {
	if len(p.Deltas) != len(p.IDs) {
		return fmt.Errorf("%w: %d deltas, %d ids", ErrSamplePairMismatch, len(p.Deltas), len(p.IDs))
	}
	return nil
}

// Duration returns the wall-clock span the profile covers.
func (p *Profile) Duration() time.Duration {
	if p.StoppedAt <= p.StartedAt {
		return 0
	}
	return time.Duration(p.StoppedAt-p.StartedAt) * time.Microsecond
}

// Aggregate sums the sampled time per segment.
func (p *Profile) Aggregate() map[SegmentID]time.Duration {
	out := make(map[SegmentID]time.Duration, 4)
	for i, delta := range p.Deltas {
		if i >= len(p.IDs) {
			break
		}
		out[p.IDs[i]] += time.Duration(delta) * time.Microsecond
	}
	return out
}

// Source captures raw profiles from a concrete host runtime. Implementations
// do not need to be safe for concurrent use; the SessionManager serializes
// access.
type Source interface {
	// Supported reports whether this source can profile at all. Managers
	// consult it before every session.
	Supported() bool

	// Start begins capturing. A second Start without an intervening Stop
	// is a programming error and sources may reject it.
	Start(ctx context.Context) error

	// Stop ends capturing and returns what was recorded.
	Stop(ctx context.Context) (*Profile, error)
}
