package frame

import (
	"sort"
	"sync"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
)

// Map is the shared keyframe and landmark store. The frontend inserts, the
// backend reads windows and writes optimized state, and the pose graph walks
// it during propagation. Access is serialized by an internal mutex; the
// backend solves against SnapshotWindow copies and publishes the result with
// CommitWindow so a solve never holds the lock.
type Map struct {
	mu     sync.Mutex
	logger golog.Logger

	byTime map[float64]*Keyframe
	byID   map[uint64]*Keyframe
	times  []float64

	landmarks map[uint64]*Landmark

	nextKeyframeID uint64
	nextLandmarkID uint64

	// liveFrameID is the id of the frame the frontend is still tracking
	// against; its landmarks are spared from pruning.
	liveFrameID uint64

	dirty bool
}

// NewMap returns an empty map.
func NewMap(logger golog.Logger) *Map {
	return &Map{
		logger:    logger,
		byTime:    map[float64]*Keyframe{},
		byID:      map[uint64]*Keyframe{},
		landmarks: map[uint64]*Landmark{},
	}
}

// NewKeyframe allocates a keyframe with the next free id. It is not yet part
// of the map.
func (m *Map) NewKeyframe(time float64) *Keyframe {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextKeyframeID++
	return NewKeyframe(m.nextKeyframeID, time)
}

// InsertKeyFrame adds a keyframe, links it to the previous newest keyframe
// and marks the map dirty. Inserting two keyframes at the same timestamp is
// a contract violation.
func (m *Map) InsertKeyFrame(kf *Keyframe) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byTime[kf.Time]; ok {
		return errors.Errorf("keyframe at time %f already exists", kf.Time)
	}
	if kf.LastKeyframe == nil && len(m.times) > 0 {
		kf.LastKeyframe = m.byTime[m.times[len(m.times)-1]]
	}
	m.byTime[kf.Time] = kf
	m.byID[kf.ID] = kf
	i := sort.SearchFloat64s(m.times, kf.Time)
	m.times = append(m.times, 0)
	copy(m.times[i+1:], m.times[i:])
	m.times[i] = kf.Time
	m.dirty = true
	return nil
}

// GetKeyFrames returns all keyframes strictly newer than start, ascending.
func (m *Map) GetKeyFrames(start float64) Window {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := sort.Search(len(m.times), func(i int) bool { return m.times[i] > start })
	return m.window(m.times[i:])
}

// GetKeyFramesIn returns all keyframes with time in (start, end], ascending.
func (m *Map) GetKeyFramesIn(start, end float64) Window {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := sort.Search(len(m.times), func(i int) bool { return m.times[i] > start })
	j := sort.Search(len(m.times), func(j int) bool { return m.times[j] > end })
	return m.window(m.times[i:j])
}

// OldestKeyFrames returns up to n of the oldest keyframes with time before
// end, ascending.
func (m *Map) OldestKeyFrames(end float64, n int) Window {
	m.mu.Lock()
	defer m.mu.Unlock()
	j := sort.Search(len(m.times), func(j int) bool { return m.times[j] >= end })
	if j > n {
		j = n
	}
	return m.window(m.times[:j])
}

func (m *Map) window(times []float64) Window {
	out := make(Window, 0, len(times))
	for _, t := range times {
		out = append(out, m.byTime[t])
	}
	return out
}

// Keyframe returns the keyframe at exactly the given time.
func (m *Map) Keyframe(time float64) (*Keyframe, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kf, ok := m.byTime[time]
	return kf, ok
}

// InsertLandmark adds a landmark, assigning it an id when it has none.
func (m *Map) InsertLandmark(l *Landmark) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l.ID == 0 {
		m.nextLandmarkID++
		l.ID = m.nextLandmarkID
	}
	m.landmarks[l.ID] = l
}

// Landmark looks a landmark up by id.
func (m *Map) Landmark(id uint64) (*Landmark, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.landmarks[id]
	return l, ok
}

// RemoveLandmark drops a landmark and every keyframe observation of it.
func (m *Map) RemoveLandmark(id uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.landmarks[id]; !ok {
		return
	}
	delete(m.landmarks, id)
	for _, kf := range m.byTime {
		delete(kf.Observations, id)
	}
}

// LandmarkWorld returns the landmark's position in the world frame, resolved
// through its anchor keyframe.
func (m *Map) LandmarkWorld(l *Landmark) (r3.Vector, bool) {
	anchorID, ok := l.Anchor()
	if !ok {
		return r3.Vector{}, false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	kf, present := m.byID[anchorID]
	if !present {
		return r3.Vector{}, false
	}
	return kf.Pose().TransformPoint(l.Position), true
}

// KeyframeByID looks a keyframe up by id.
func (m *Map) KeyframeByID(id uint64) (*Keyframe, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kf, ok := m.byID[id]
	return kf, ok
}

// SetLiveFrameID records which frame the frontend is still tracking against.
func (m *Map) SetLiveFrameID(id uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.liveFrameID = id
}

// LiveFrameID returns the id of the frame still accumulating observations.
func (m *Map) LiveFrameID() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.liveFrameID
}

// Dirty reports whether the map changed since the last ClearDirty.
func (m *Map) Dirty() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dirty
}

// ClearDirty resets the dirty flag; the backend calls it after a pass.
func (m *Map) ClearDirty() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dirty = false
}
