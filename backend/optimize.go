package backend

import (
	"context"
	"time"

	"github.com/vilo-slam/vilo/factors"
	"github.com/vilo-slam/vilo/frame"
	"github.com/vilo-slam/vilo/imu"
	"github.com/vilo-slam/vilo/initializer"
	"github.com/vilo-slam/vilo/solver"
	"github.com/vilo-slam/vilo/spatialmath"
)

// optimize runs one windowed pass: bring up the IMU if needed, solve the
// window against a snapshot of its state, realign yaw drift, commit and
// reject outliers, then propagate the correction to keyframes beyond the
// window and advance the settled watermark.
func (b *Backend) optimize(ctx context.Context) {
	if b.init != nil {
		b.bringUpIMU(ctx)
	}

	window := b.m.GetKeyFrames(b.Finished())
	if window.Empty() {
		return
	}
	// the solver works on copies so the frontend can keep reading poses and
	// growing the live frame's observations mid-solve
	states := b.m.SnapshotWindow(window)
	last := states[len(states)-1]
	lastTime := last.KF.Time
	oldLast := last.PoseSE3()
	oldFirst := states[0].PoseSE3()

	problem := b.buildProblem(states)
	if b.window != nil {
		b.window.AugmentProblem(problem, window)
	}

	opts := solver.DefaultOptions()
	opts.MaxTime = time.Duration(b.cfg.SolveBudgetFactor * b.cfg.WindowSize * float64(time.Second))
	opts.Clock = b.clk
	summary := problem.Solve(ctx, opts)
	b.logger.Debugw("window solve",
		"frames", len(window),
		"residuals", problem.NumResiduals(),
		"initial_cost", summary.InitialCost,
		"final_cost", summary.FinalCost,
		"iterations", summary.Iterations,
		"message", summary.Message,
	)

	if b.init != nil && b.init.Initialized() {
		b.realign(states, oldFirst)
	}
	b.m.CommitWindow(states)
	removed := b.rejectOutliers(states)
	if removed > 0 {
		b.logger.Debugw("rejected reprojection outliers", "count", removed)
	}

	transform := last.PoseSE3().Mul(oldLast.Inverse())
	b.graph.ForwardPropagate(transform, lastTime+timeEpsilon)

	b.mu.Lock()
	b.finished = lastTime + timeEpsilon - b.cfg.WindowSize
	b.mu.Unlock()

	if b.absolute != nil {
		if start := b.absolute.Optimize(ctx, lastTime); start != 0 {
			for _, kf := range b.m.GetKeyFrames(start - timeEpsilon) {
				b.absolute.ToWorld(kf)
			}
		}
	}
	b.frontend.UpdateCache()
	b.m.ClearDirty()
}

// buildProblem assembles the windowed bundle over the snapshot state: pose
// blocks on the pose manifold, Huber-robust visual residuals, and the IMU
// chain once bring-up has succeeded. Landmarks anchored before the window
// contribute pose-only residuals against their fixed world position;
// landmarks anchored inside it couple the anchor and observer poses.
func (b *Backend) buildProblem(states []*frame.KeyframeState) *solver.Problem {
	problem := solver.NewProblem()
	huber := solver.HuberLoss{Delta: b.cfg.HuberDelta}

	byID := make(map[uint64]*frame.KeyframeState, len(states))
	for _, s := range states {
		problem.AddParameterBlock(s.Pose, solver.Pose{})
		byID[s.KF.ID] = s
	}
	imuUp := b.init != nil && b.init.Initialized()
	// visual-only solves pin the oldest pose as the gauge; with the IMU up,
	// gravity makes the window start's roll and pitch observable, so every
	// pose stays free and realign restores the yaw and position gauge after
	// the solve
	if !imuUp {
		problem.SetParameterBlockConstant(states[0].Pose)
	}

	for _, s := range states {
		for lmID, ob := range s.Observations {
			lm, ok := b.m.Landmark(lmID)
			if !ok {
				continue
			}
			anchorID, ok := lm.Anchor()
			if !ok || anchorID == s.KF.ID {
				continue
			}
			if anchor, inWindow := byID[anchorID]; inWindow {
				problem.AddResidualBlock(solver.KindReprojection,
					factors.TwoFrameReprojection(lm.Position, ob, b.cam, 1),
					factors.ReprojectionDim, huber, anchor.Pose, s.Pose)
			} else {
				pw, ok := b.m.LandmarkWorld(lm)
				if !ok {
					continue
				}
				problem.AddResidualBlock(solver.KindPoseOnlyReprojection,
					factors.PoseOnlyReprojection(ob, pw, b.cam, 1),
					factors.ReprojectionDim, huber, s.Pose)
			}
		}
	}

	if imuUp {
		for _, s := range states {
			kf := s.KF
			if !kf.EligibleForIMU() {
				continue
			}
			prev, ok := byID[kf.LastKeyframe.ID]
			if !ok || !kf.LastKeyframe.TrustedIMU {
				continue
			}
			problem.AddResidualBlock(solver.KindIMU,
				factors.IMU(kf.Preintegration), factors.IMUDim, nil,
				prev.Pose, prev.Vel, prev.BA, prev.BG,
				s.Pose, s.Vel, s.BA, s.BG)
		}
	}
	return problem
}

// realign removes the yaw drift a windowed solve introduces on the first
// frame: gravity pins roll and pitch, so only the yaw difference is undone,
// re-anchoring the window at the first frame's pre-solve pose. Near the
// pitch singularity the yaw decomposition is unreliable and the full
// rotation difference is used instead.
func (b *Backend) realign(states []*frame.KeyframeState, oldFirst spatialmath.SE3) {
	newFirst := states[0].PoseSE3()
	oldYaw, oldPitch, _ := oldFirst.YPR()
	newYaw, newPitch, _ := newFirst.YPR()

	oldRot := spatialmath.SE3{R: oldFirst.R}
	newRot := spatialmath.SE3{R: newFirst.R}
	rot := spatialmath.SE3{R: spatialmath.QuatFromYPR(oldYaw-newYaw, 0, 0)}
	if spatialmath.NearPitchSingularity(oldPitch) || spatialmath.NearPitchSingularity(newPitch) {
		rot = oldRot.Mul(newRot.Inverse())
	}

	for _, s := range states {
		p := s.PoseSE3()
		np := rot.Mul(spatialmath.SE3{R: p.R})
		np.T = rot.RotatePoint(p.T.Sub(newFirst.T)).Add(oldFirst.T)
		s.SetPose(np)
		s.SetVelocity(rot.RotatePoint(s.Velocity()))
	}
}

// rejectOutliers drops observations whose reprojection error exceeds the
// threshold after a solve, working off the snapshot's observation set so the
// frontend can append concurrently. The anchor frame's own observation is
// never dropped, and a landmark left with at most one observer is removed
// from the map unless the frontend is still tracking against that frame.
func (b *Backend) rejectOutliers(states []*frame.KeyframeState) int {
	liveID := b.m.LiveFrameID()
	removed := 0
	for _, s := range states {
		kf := s.KF
		pose := s.PoseSE3()
		for lmID, ob := range s.Observations {
			lm, ok := b.m.Landmark(lmID)
			if !ok {
				b.m.RemoveObservation(kf, lmID)
				continue
			}
			anchorID, ok := lm.Anchor()
			if !ok || anchorID == kf.ID {
				continue
			}
			pw, ok := b.m.LandmarkWorld(lm)
			if !ok {
				continue
			}
			if factors.ReprojectionError(ob, pw, pose, b.cam) <= b.cfg.OutlierThresholdPx {
				continue
			}
			left := b.m.RemoveObservation(kf, lmID)
			removed++
			if left <= 1 && kf.ID != liveID {
				b.m.RemoveLandmark(lmID)
			}
		}
	}
	return removed
}

// bringUpIMU drives the staged initialization: the first successful solve
// flips the frontend to good tracking, and later stages re-run the solve
// with progressively looser bias priors as trajectory accumulates.
func (b *Backend) bringUpIMU(ctx context.Context) {
	newest := b.m.GetKeyFrames(b.Finished())
	if newest.Empty() {
		return
	}
	now := newest.Last().Time

	if b.init.ReinitRequested() {
		b.init.SetInitialized(false)
		b.init.ClearReinit()
	}

	if !b.init.Initialized() {
		win := b.initWindow(now)
		if win == nil {
			return
		}
		p := initializer.DefaultPriors
		if !b.init.InitializeIMU(ctx, win, p.Accel, p.Gyro) {
			return
		}
		b.init.SetInitialized(true)
		b.staging.MarkInitialized(win.Last().Time)
		b.markTrusted(win.Last().Time)
		b.repropagate(win.Last())
		b.frontend.SetTrackingStatus(TrackingGood)
		b.logger.Infow("imu initialized", "at", win.Last().Time)
		return
	}

	if priors, due := b.staging.Advance(now); due {
		win := b.initWindow(now)
		if win == nil {
			return
		}
		if b.init.InitializeIMU(ctx, win, priors.Accel, priors.Gyro) {
			b.markTrusted(win.Last().Time)
			b.repropagate(win.Last())
			b.logger.Infow("imu re-initialized",
				"stage", int(b.staging.Stage()),
				"prior_accel", priors.Accel,
				"prior_gyro", priors.Gyro)
		}
	}
}

// initWindow collects the oldest fully-buffered keyframes for an
// initialization attempt, or nil when too few have accumulated or the
// earliest candidate has no pre-integration summary yet.
func (b *Backend) initWindow(now float64) frame.Window {
	candidates := b.m.GetKeyFramesIn(b.frontend.ValidSince()-timeEpsilon, now)
	if len(candidates) < b.init.NumFrames {
		return nil
	}
	win := candidates[:b.init.NumFrames]
	if win.First().Preintegration == nil {
		return nil
	}
	return win
}

// markTrusted flags every keyframe up to and including t as carrying usable
// IMU state.
func (b *Backend) markTrusted(t float64) {
	for _, kf := range b.m.GetKeyFramesIn(-1, t) {
		if kf.Preintegration != nil {
			kf.TrustedIMU = true
		}
	}
}

// repropagate re-predicts pose and velocity for keyframes newer than the
// initialization window from the freshly estimated bias and gravity, walking
// each pre-integration forward from its predecessor.
func (b *Backend) repropagate(from *frame.Keyframe) {
	bias := from.Bias()
	for _, kf := range b.m.GetKeyFrames(from.Time) {
		prev := kf.LastKeyframe
		if prev == nil || kf.Preintegration == nil {
			continue
		}
		kf.SetNewBias(bias)
		p := kf.Preintegration
		prevPose := prev.Pose()
		dt := p.DT
		g := imu.Gravity()

		rot := spatialmath.SE3{R: prevPose.R}
		newR := rot.Mul(spatialmath.SE3{R: p.DeltaRotation(bias)})
		newT := prevPose.T.
			Add(prev.Velocity().Mul(dt)).
			Add(g.Mul(0.5 * dt * dt)).
			Add(rot.RotatePoint(p.DeltaPosition(bias)))
		newV := prev.Velocity().
			Add(g.Mul(dt)).
			Add(rot.RotatePoint(p.DeltaVelocity(bias)))

		kf.SetPose(spatialmath.NewSE3(newR.R, newT))
		kf.SetVelocity(newV)
		kf.TrustedIMU = true
	}
}
