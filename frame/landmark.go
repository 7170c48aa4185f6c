package frame

import (
	"github.com/golang/geo/r3"
)

// Landmark is a triangulated map point. Its position is expressed in the
// camera frame of its anchor keyframe, the first keyframe that observed it.
// Observers are stored as keyframe ids rather than pointers so frames and
// landmarks never form reference cycles.
type Landmark struct {
	ID       uint64
	Position r3.Vector

	// Observers lists observing keyframe ids; the first entry is the anchor.
	Observers []uint64
}

// Anchor returns the id of the anchor keyframe, or false when the landmark
// has no observers left.
func (l *Landmark) Anchor() (uint64, bool) {
	if len(l.Observers) == 0 {
		return 0, false
	}
	return l.Observers[0], true
}

// NumObservers returns how many keyframes observe the landmark.
func (l *Landmark) NumObservers() int { return len(l.Observers) }

// AddObserver appends a keyframe id if not already present.
func (l *Landmark) AddObserver(kfID uint64) {
	for _, id := range l.Observers {
		if id == kfID {
			return
		}
	}
	l.Observers = append(l.Observers, kfID)
}

// RemoveObserver drops a keyframe id. The anchor may only be removed when it
// is the last observer.
func (l *Landmark) RemoveObserver(kfID uint64) {
	for i, id := range l.Observers {
		if id == kfID {
			l.Observers = append(l.Observers[:i], l.Observers[i+1:]...)
			return
		}
	}
}
