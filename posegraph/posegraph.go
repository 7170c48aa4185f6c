// Package posegraph maintains the catalogue of time-indexed correction
// sections and diffuses rigid correction transforms forward through
// keyframes that were not part of the optimization that produced them.
package posegraph

import (
	"sort"
	"sync"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"

	"github.com/vilo-slam/vilo/frame"
	"github.com/vilo-slam/vilo/spatialmath"
)

// Section is a three-timestamp marker. For a submap record, A is the time of
// the pre-loop pose, B the loop start, C the loop end and Pose the original
// pose at A before correction. For a turn/straight record, A is the turn
// start, B the turn end and C the straight-segment end.
type Section struct {
	A, B, C float64
	Pose    spatialmath.SE3
}

// Atlas is an ordered catalogue of sections keyed by time. Keys are strictly
// increasing; lookups are by time range.
type Atlas map[float64]*Section

// SortedTimes returns the catalogue keys in ascending order.
func (a Atlas) SortedTimes() []float64 {
	out := make([]float64, 0, len(a))
	for t := range a {
		out = append(out, t)
	}
	sort.Float64s(out)
	return out
}

// PoseGraph owns the submap and section atlases and performs forward
// propagation. It is mutated only by the backend worker; accessors are safe
// to call from other goroutines.
type PoseGraph struct {
	mu     sync.Mutex
	logger golog.Logger
	m      *frame.Map

	// submaps records completed loop corrections, keyed by loop end time.
	submaps Atlas
	// sections records the turn/straight decomposition, keyed by turn start.
	sections Atlas

	// settled is the newest propagation start seen; propagation must never
	// reach behind it.
	settled float64
}

// New returns an empty pose graph over the shared map.
func New(m *frame.Map, logger golog.Logger) *PoseGraph {
	return &PoseGraph{
		logger:   logger,
		m:        m,
		submaps:  Atlas{},
		sections: Atlas{},
	}
}

// AddSubMap inserts and returns a submap record for a corrected loop; the
// caller fills in Pose with the pre-correction pose at oldTime.
func (pg *PoseGraph) AddSubMap(oldTime, startTime, endTime float64) *Section {
	pg.mu.Lock()
	defer pg.mu.Unlock()
	s := &Section{A: oldTime, B: startTime, C: endTime}
	pg.submaps[endTime] = s
	return s
}

// AddSection inserts a turn/straight section keyed by its start time.
func (pg *PoseGraph) AddSection(a, b, c float64) *Section {
	pg.mu.Lock()
	defer pg.mu.Unlock()
	s := &Section{A: a, B: b, C: c}
	pg.sections[a] = s
	return s
}

// GetSections returns the sections whose key lies in [start, end].
func (pg *PoseGraph) GetSections(start, end float64) Atlas {
	pg.mu.Lock()
	defer pg.mu.Unlock()
	out := Atlas{}
	for t, s := range pg.sections {
		if t >= start && t <= end {
			out[t] = s
		}
	}
	return out
}

// GetActiveSections returns the sections overlapping [startTime, +inf),
// extends the window backward to the nearest section boundary so a
// loop-closure optimization has enough context, and reports the earliest
// relevant time.
func (pg *PoseGraph) GetActiveSections(window frame.Window, startTime float64) (frame.Window, float64, Atlas) {
	pg.mu.Lock()
	active := Atlas{}
	oldTime := startTime
	for t, s := range pg.sections {
		if s.C >= startTime {
			active[t] = s
			if s.A < oldTime {
				oldTime = s.A
			}
		}
	}
	pg.mu.Unlock()

	if oldTime < startTime {
		extra := pg.m.GetKeyFramesIn(oldTime-1e-9, startTime)
		extended := make(frame.Window, 0, len(extra)+len(window))
		for _, kf := range extra {
			if !window.Empty() && kf.Time >= window.First().Time {
				continue
			}
			extended = append(extended, kf)
		}
		window = append(extended, window...)
	}
	return window, oldTime, active
}

// ForwardPropagate applies the correction transform to every keyframe
// strictly newer than startTime. Calling it with a start older than an
// already-settled propagation is a programming error and panics.
func (pg *PoseGraph) ForwardPropagate(transform spatialmath.SE3, startTime float64) {
	pg.mu.Lock()
	if startTime < pg.settled {
		pg.mu.Unlock()
		panic(errors.Errorf(
			"forward propagation start %f is behind settled history %f", startTime, pg.settled))
	}
	pg.settled = startTime
	pg.mu.Unlock()

	pg.Propagate(transform, pg.m.GetKeyFrames(startTime))
	pg.UpdateSections(startTime)
}

// ForwardPropagateSection applies the transform to the keyframes strictly
// inside (start, end), leaving both boundary frames alone. Relax uses it to
// carry each boundary's correction through the plain frames of its section.
func (pg *PoseGraph) ForwardPropagateSection(transform spatialmath.SE3, start, end float64) {
	span := pg.m.GetKeyFramesIn(start, end)
	interior := make(frame.Window, 0, len(span))
	for _, f := range span {
		if f.Time < end {
			interior = append(interior, f)
		}
	}
	pg.Propagate(transform, interior)
}

// Propagate applies the transform to each keyframe in ascending time order.
// Inside a submap's [B, C] span the correction is blended in linearly on
// time so the trajectory fades into the corrected frame instead of snapping;
// keyframes at or after C receive the full transform.
func (pg *PoseGraph) Propagate(transform spatialmath.SE3, forward frame.Window) {
	// exact identity must leave poses bit-for-bit untouched
	if transform.R.Real == 1 && transform.R.Imag == 0 && transform.R.Jmag == 0 && transform.R.Kmag == 0 &&
		transform.T.X == 0 && transform.T.Y == 0 && transform.T.Z == 0 {
		return
	}

	ident := spatialmath.NewZeroSE3()
	for _, kf := range forward {
		w := pg.blendWeight(kf.Time)
		applied := transform
		if w < 1 {
			applied = spatialmath.Interpolate(ident, transform, w)
		}
		kf.SetPose(applied.Mul(kf.Pose()))
		kf.SetVelocity(applied.RotatePoint(kf.Velocity()))
	}
}

// blendWeight returns how much of a correction a keyframe at time t should
// receive given the recorded submaps.
func (pg *PoseGraph) blendWeight(t float64) float64 {
	pg.mu.Lock()
	defer pg.mu.Unlock()
	for _, s := range pg.submaps {
		if t >= s.B && t < s.C && s.C > s.B {
			return (t - s.B) / (s.C - s.B)
		}
	}
	return 1
}

// UpdateSections trims section records whose span lies fully behind the
// low-water mark, bounding catalogue growth.
func (pg *PoseGraph) UpdateSections(time float64) {
	pg.mu.Lock()
	defer pg.mu.Unlock()
	for t, s := range pg.sections {
		if s.C < time {
			delete(pg.sections, t)
		}
	}
	for t, s := range pg.submaps {
		if s.C < time {
			delete(pg.submaps, t)
		}
	}
}
