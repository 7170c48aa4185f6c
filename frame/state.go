package frame

import (
	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"

	"github.com/vilo-slam/vilo/spatialmath"
)

// KeyframeState is a solver-side copy of one keyframe's mutable state. The
// backend snapshots a window under the map mutex, lets the solver mutate the
// copies in place, and commits the result back under the same mutex, so a
// concurrently tracking frontend never observes a half-updated frame and the
// live frame can keep gaining observations in the middle of a solve.
type KeyframeState struct {
	KF *Keyframe

	Pose []float64
	Vel  []float64
	BA   []float64
	BG   []float64

	// Observations is a point-in-time copy; structural changes still go
	// through the Map.
	Observations map[uint64]r2.Point
}

// PoseSE3 returns the snapshot pose as a transform.
func (s *KeyframeState) PoseSE3() spatialmath.SE3 {
	return spatialmath.NewSE3FromParams(s.Pose)
}

// SetPose overwrites the snapshot pose.
func (s *KeyframeState) SetPose(p spatialmath.SE3) {
	p.PutParams(s.Pose)
}

// Velocity returns the snapshot velocity.
func (s *KeyframeState) Velocity() r3.Vector {
	return r3.Vector{X: s.Vel[0], Y: s.Vel[1], Z: s.Vel[2]}
}

// SetVelocity overwrites the snapshot velocity.
func (s *KeyframeState) SetVelocity(v r3.Vector) {
	s.Vel[0], s.Vel[1], s.Vel[2] = v.X, v.Y, v.Z
}

// SnapshotWindow copies each keyframe's numeric state and observation set
// under the map mutex. The copies are what the backend hands to the solver;
// CommitWindow publishes them back.
func (m *Map) SnapshotWindow(w Window) []*KeyframeState {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*KeyframeState, 0, len(w))
	for _, kf := range w {
		obs := make(map[uint64]r2.Point, len(kf.Observations))
		for id, px := range kf.Observations {
			obs[id] = px
		}
		out = append(out, &KeyframeState{
			KF:           kf,
			Pose:         append([]float64(nil), kf.pose...),
			Vel:          append([]float64(nil), kf.vel...),
			BA:           append([]float64(nil), kf.ba...),
			BG:           append([]float64(nil), kf.bg...),
			Observations: obs,
		})
	}
	return out
}

// CommitWindow writes solved snapshot state back to the keyframes under the
// map mutex.
func (m *Map) CommitWindow(states []*KeyframeState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range states {
		copy(s.KF.pose, s.Pose)
		copy(s.KF.vel, s.Vel)
		copy(s.KF.ba, s.BA)
		copy(s.KF.bg, s.BG)
	}
}

// AddObservation records, under the map mutex, that kf observed the landmark
// at px and adds kf to the landmark's observer list. This is the entry point
// for frames already shared with the backend; Keyframe.AddObservation is only
// safe before insertion.
func (m *Map) AddObservation(kf *Keyframe, lmID uint64, px r2.Point) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kf.Observations[lmID] = px
	if l, ok := m.landmarks[lmID]; ok {
		l.AddObserver(kf.ID)
	}
}

// RemoveObservation drops kf's observation of the landmark and kf from the
// landmark's observer list, returning how many observers remain.
func (m *Map) RemoveObservation(kf *Keyframe, lmID uint64) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(kf.Observations, lmID)
	l, ok := m.landmarks[lmID]
	if !ok {
		return 0
	}
	l.RemoveObserver(kf.ID)
	return l.NumObservers()
}
