// Package initializer estimates IMU bias, gravity direction and per-keyframe
// velocity from a fixed-size window of keyframes, and owns the staged
// re-initialization policy that loosens the bias priors as more data
// accumulates.
package initializer

import (
	"context"
	"sync"
	"time"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r3"

	"github.com/vilo-slam/vilo/factors"
	"github.com/vilo-slam/vilo/frame"
	"github.com/vilo-slam/vilo/imu"
	"github.com/vilo-slam/vilo/solver"
	"github.com/vilo-slam/vilo/spatialmath"
)

// solveBudget bounds a single initialization solve.
const solveBudget = 100 * time.Millisecond

// Initializer runs the small bias-gravity-velocity least squares over a
// window of keyframes.
type Initializer struct {
	// NumFrames is the window size required to attempt initialization.
	NumFrames int

	logger golog.Logger

	mu          sync.Mutex
	initialized bool
	reinit      bool
}

// New returns an initializer requiring numFrames keyframes per attempt.
func New(numFrames int, logger golog.Logger) *Initializer {
	return &Initializer{NumFrames: numFrames, logger: logger}
}

// Initialized reports whether IMU state is currently trustworthy.
func (in *Initializer) Initialized() bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.initialized
}

// SetInitialized records the trustworthy flag; the backend sets it after a
// successful attempt.
func (in *Initializer) SetInitialized(v bool) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.initialized = v
}

// ReinitRequested reports whether a re-initialization with fresh priors is
// pending.
func (in *Initializer) ReinitRequested() bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.reinit
}

// RequestReinit asks for one more initialization pass.
func (in *Initializer) RequestReinit() {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.reinit = true
}

// ClearReinit acknowledges a completed re-initialization pass.
func (in *Initializer) ClearReinit() {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.reinit = false
}

// InitializeIMU estimates shared gyro/accel bias and per-keyframe velocity
// over the window, holding the gravity-direction rotation fixed at identity
// and the first velocity constant to remove gauge freedom. On success the
// recovered bias is written into every keyframe. Frames without a chain link
// or pre-integration are skipped, never fatal.
func (in *Initializer) InitializeIMU(ctx context.Context, window frame.Window, priorAccel, priorGyro float64) bool {
	if window.Empty() {
		return false
	}

	gyroBias := window.First().GyroBiasParams()
	accelBias := window.First().AccelBiasParams()

	problem := solver.NewProblem()
	problem.AddParameterBlock(gyroBias, solver.Euclidean{N: 3})
	problem.AddParameterBlock(accelBias, solver.Euclidean{N: 3})

	rwg := spatialmath.NewZeroSE3().Params()[:4]
	problem.AddParameterBlock(rwg, solver.Quaternion{})
	// gravity direction held fixed in the current design
	problem.SetParameterBlockConstant(rwg)

	if priorAccel > 0 {
		problem.AddResidualBlock(solver.KindPrior, factors.BiasPrior(priorAccel), factors.BiasPriorDim, nil, accelBias)
	}
	if priorGyro > 0 {
		problem.AddResidualBlock(solver.KindPrior, factors.BiasPrior(priorGyro), factors.BiasPriorDim, nil, gyroBias)
	}

	var last *frame.Keyframe
	edges := 0
	first := true
	for _, cur := range window {
		if cur.LastKeyframe == nil || cur.Preintegration == nil {
			last = cur
			continue
		}
		problem.AddParameterBlock(cur.VelocityParams(), solver.Euclidean{N: 3})
		if last != nil {
			if first {
				problem.AddParameterBlock(last.VelocityParams(), solver.Euclidean{N: 3})
				problem.SetParameterBlockConstant(last.VelocityParams())
				first = false
			}
			problem.AddResidualBlock(
				solver.KindInertial,
				factors.Inertial(cur.Preintegration, last.Pose(), cur.Pose()),
				factors.InertialDim, nil,
				last.VelocityParams(), accelBias, gyroBias, cur.VelocityParams(), rwg,
			)
			edges++
		}
		last = cur
	}
	if edges == 0 {
		in.logger.Debug("no chained pre-integrated keyframes in initialization window")
		return false
	}

	opts := solver.DefaultOptions()
	opts.MaxTime = solveBudget
	summary := problem.Solve(ctx, opts)
	in.logger.Debugw("inertial initialization solve",
		"edges", edges,
		"initial_cost", summary.InitialCost,
		"final_cost", summary.FinalCost,
		"iterations", summary.Iterations,
		"message", summary.Message,
	)

	bias := imu.Bias{
		Accel: r3.Vector{X: accelBias[0], Y: accelBias[1], Z: accelBias[2]},
		Gyro:  r3.Vector{X: gyroBias[0], Y: gyroBias[1], Z: gyroBias[2]},
	}
	for _, kf := range window {
		kf.SetNewBias(bias)
	}
	return true
}
