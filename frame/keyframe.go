// Package frame holds the shared estimation state: keyframes, landmarks and
// the time-ordered map both the tracking frontend and the optimization
// backend operate on.
package frame

import (
	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"

	"github.com/vilo-slam/vilo/imu"
	"github.com/vilo-slam/vilo/spatialmath"
)

// Keyframe is a frame retained for optimization. Pose, velocity and bias live
// in flat backing arrays so the solver can treat them as parameter blocks and
// mutate them in place.
//
// Structural fields (observations, chain links) are guarded by the owning
// Map's mutex; the numeric state is written by the backend worker, under the
// same mutex once the frame is shared (see Map.SnapshotWindow and
// Map.CommitWindow).
type Keyframe struct {
	ID   uint64
	Time float64

	pose []float64 // [qx qy qz qw tx ty tz], world-from-body
	vel  []float64
	ba   []float64
	bg   []float64

	// Preintegration summarizes IMU motion since LastKeyframe.
	Preintegration *imu.Preintegration
	// TrustedIMU marks frames whose inertial state survived initialization.
	TrustedIMU bool
	// LastKeyframe links the temporal chain, oldest to newest.
	LastKeyframe *Keyframe

	// Observations maps landmark id to the observed pixel.
	Observations map[uint64]r2.Point
}

// NewKeyframe returns a keyframe at the identity pose with zero velocity and
// bias.
func NewKeyframe(id uint64, time float64) *Keyframe {
	return &Keyframe{
		ID:           id,
		Time:         time,
		pose:         spatialmath.NewZeroSE3().Params(),
		vel:          make([]float64, 3),
		ba:           make([]float64, 3),
		bg:           make([]float64, 3),
		Observations: map[uint64]r2.Point{},
	}
}

// Pose returns the world-from-body transform.
func (k *Keyframe) Pose() spatialmath.SE3 {
	return spatialmath.NewSE3FromParams(k.pose)
}

// SetPose overwrites the pose.
func (k *Keyframe) SetPose(p spatialmath.SE3) {
	p.PutParams(k.pose)
}

// PoseParams exposes the pose backing array as a solver parameter block.
func (k *Keyframe) PoseParams() []float64 { return k.pose }

// Velocity returns the linear velocity in the world frame.
func (k *Keyframe) Velocity() r3.Vector {
	return r3.Vector{X: k.vel[0], Y: k.vel[1], Z: k.vel[2]}
}

// SetVelocity overwrites the velocity.
func (k *Keyframe) SetVelocity(v r3.Vector) {
	k.vel[0], k.vel[1], k.vel[2] = v.X, v.Y, v.Z
}

// VelocityParams exposes the velocity backing array as a solver parameter
// block.
func (k *Keyframe) VelocityParams() []float64 { return k.vel }

// Bias returns the current IMU bias estimate.
func (k *Keyframe) Bias() imu.Bias {
	return imu.Bias{
		Accel: r3.Vector{X: k.ba[0], Y: k.ba[1], Z: k.ba[2]},
		Gyro:  r3.Vector{X: k.bg[0], Y: k.bg[1], Z: k.bg[2]},
	}
}

// SetNewBias overwrites the bias and re-linearizes the attached
// pre-integration summary around it.
func (k *Keyframe) SetNewBias(b imu.Bias) {
	k.ba[0], k.ba[1], k.ba[2] = b.Accel.X, b.Accel.Y, b.Accel.Z
	k.bg[0], k.bg[1], k.bg[2] = b.Gyro.X, b.Gyro.Y, b.Gyro.Z
	if k.Preintegration != nil {
		k.Preintegration.SetNewBias(b)
	}
}

// AccelBiasParams exposes the accelerometer bias backing array as a solver
// parameter block.
func (k *Keyframe) AccelBiasParams() []float64 { return k.ba }

// GyroBiasParams exposes the gyroscope bias backing array as a solver
// parameter block.
func (k *Keyframe) GyroBiasParams() []float64 { return k.bg }

// AddObservation records that this keyframe observed the landmark at px.
// Safe only while the frame is still private to its builder; shared frames
// go through Map.AddObservation.
func (k *Keyframe) AddObservation(landmarkID uint64, px r2.Point) {
	k.Observations[landmarkID] = px
}

// RemoveObservation drops the observation of the landmark, if any.
func (k *Keyframe) RemoveObservation(landmarkID uint64) {
	delete(k.Observations, landmarkID)
}

// EligibleForIMU reports whether this keyframe can anchor an IMU residual:
// it is chained, pre-integrated and flagged trustworthy.
func (k *Keyframe) EligibleForIMU() bool {
	return k.TrustedIMU && k.LastKeyframe != nil && k.Preintegration != nil
}

// Window is a contiguous, time-ascending run of keyframes.
type Window []*Keyframe

// Empty reports whether the window holds no keyframes.
func (w Window) Empty() bool { return len(w) == 0 }

// First returns the oldest keyframe; nil when empty.
func (w Window) First() *Keyframe {
	if len(w) == 0 {
		return nil
	}
	return w[0]
}

// Last returns the newest keyframe; nil when empty.
func (w Window) Last() *Keyframe {
	if len(w) == 0 {
		return nil
	}
	return w[len(w)-1]
}
