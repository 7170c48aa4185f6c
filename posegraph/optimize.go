package posegraph

import (
	"context"
	"time"

	"github.com/vilo-slam/vilo/factors"
	"github.com/vilo-slam/vilo/frame"
	"github.com/vilo-slam/vilo/solver"
	"github.com/vilo-slam/vilo/spatialmath"
)

const (
	groundAnchorWeight = 100.0
	planarAnchorWeight = 0.1
	relativeEdgeWeight = 1.0
	loopAnchorWeight   = 10.0

	relaxBudget = 500 * time.Millisecond
)

// eulerBlocks is a boundary pose broken into the six scalar parameter blocks
// the ground-alignment anchors operate on.
type eulerBlocks struct {
	yaw, roll, pitch, x, y, z []float64
}

func newEulerBlocks(e factors.EulerPose) eulerBlocks {
	return eulerBlocks{
		yaw: []float64{e.Yaw}, roll: []float64{e.Roll}, pitch: []float64{e.Pitch},
		x: []float64{e.X}, y: []float64{e.Y}, z: []float64{e.Z},
	}
}

func (b eulerBlocks) all() [][]float64 {
	return [][]float64{b.yaw, b.roll, b.pitch, b.x, b.y, b.z}
}

func (b eulerBlocks) pose() factors.EulerPose {
	return factors.EulerPose{
		Yaw: b.yaw[0], Roll: b.roll[0], Pitch: b.pitch[0],
		X: b.x[0], Y: b.y[0], Z: b.z[0],
	}
}

// Relax redistributes a loop-closure correction across the section boundary
// keyframes between the submap's old pose and the loop frame. The map still
// holds the uncorrected odometry chain; corrected is the relocated pose for
// the loop frame at submap.C. Boundary poses are decomposed into euler
// blocks chained by relative odometry edges; roll, pitch and height are
// anchored hard so relaxation stays in the ground plane, while yaw and
// planar position are anchored only weakly and absorb the correction.
func (pg *PoseGraph) Relax(ctx context.Context, active Atlas, submap *Section, corrected spatialmath.SE3) {
	boundaries := pg.boundaryFrames(active, submap)
	if len(boundaries) < 2 {
		return
	}

	problem := solver.NewProblem()
	old := make([]spatialmath.SE3, len(boundaries))
	odo := make([]factors.EulerPose, len(boundaries))
	blocks := make([]eulerBlocks, len(boundaries))
	last := len(boundaries) - 1
	target := factors.NewEulerPose(corrected)

	for i, kf := range boundaries {
		old[i] = kf.Pose()
		odo[i] = factors.NewEulerPose(old[i])
		blocks[i] = newEulerBlocks(odo[i])
		anchor := odo[i]
		yawWeight := planarAnchorWeight
		if i == last {
			anchor = target
			yawWeight = loopAnchorWeight
		}
		problem.AddResidualBlock(solver.KindPoseGraph,
			factors.RollPitchZ(anchor, groundAnchorWeight), factors.FixedAxesDim, nil,
			blocks[i].roll, blocks[i].pitch, blocks[i].z)
		problem.AddResidualBlock(solver.KindPoseGraph,
			factors.YawXY(anchor, yawWeight), factors.FixedAxesDim, nil,
			blocks[i].yaw, blocks[i].x, blocks[i].y)
	}

	for i := 1; i < len(boundaries); i++ {
		args := append(blocks[i-1].all(), blocks[i].all()...)
		problem.AddResidualBlock(solver.KindPoseGraph,
			factors.RelativeEuler(odo[i-1], odo[i], relativeEdgeWeight),
			factors.RelativeEulerDim, nil, args...)
	}

	// the first boundary stays put
	for _, b := range blocks[0].all() {
		problem.SetParameterBlockConstant(b)
	}

	opts := solver.DefaultOptions()
	opts.MaxTime = relaxBudget
	summary := problem.Solve(ctx, opts)
	pg.logger.Debugw("pose graph relaxed",
		"boundaries", len(boundaries),
		"initial_cost", summary.InitialCost,
		"final_cost", summary.FinalCost)

	// carry each boundary's correction through the plain keyframes that
	// follow it, up to the next boundary
	for i, kf := range boundaries {
		relaxed := blocks[i].pose().SE3()
		tf := relaxed.Mul(old[i].Inverse())
		kf.SetPose(relaxed)
		end := submap.C
		if i+1 < len(boundaries) {
			end = boundaries[i+1].Time
		}
		pg.ForwardPropagateSection(tf, kf.Time, end)
	}
}

// YawCorrection solves for the yaw-dominant rotation taking an unrelocated
// pose onto its relocated counterpart; the caller composes it into the
// corrected pose handed to Relax and ForwardPropagate.
func YawCorrection(ctx context.Context, relocated, unrelocated spatialmath.SE3) spatialmath.SE3 {
	q := spatialmath.NewZeroSE3().Params()[:4]
	problem := solver.NewProblem()
	problem.AddParameterBlock(q, solver.Quaternion{})
	problem.AddResidualBlock(solver.KindPoseGraph,
		factors.RelocateRotation(relocated, unrelocated),
		factors.RelocateRotationDim, nil, q)
	opts := solver.DefaultOptions()
	opts.MaxTime = relaxBudget
	problem.Solve(ctx, opts)
	return spatialmath.NewSE3FromParams(append(append(make([]float64, 0, 7), q...), 0, 0, 0))
}

// boundaryFrames collects the keyframes sitting at section starts between
// the submap's old time and its loop end, in ascending order.
func (pg *PoseGraph) boundaryFrames(active Atlas, submap *Section) frame.Window {
	out := frame.Window{}
	if kf, ok := pg.m.Keyframe(submap.A); ok {
		out = append(out, kf)
	}
	for _, t := range active.SortedTimes() {
		if t <= submap.A || t > submap.C {
			continue
		}
		if kf, ok := pg.m.Keyframe(t); ok {
			out = append(out, kf)
		}
	}
	if kf, ok := pg.m.Keyframe(submap.C); ok && (out.Empty() || out.Last() != kf) {
		out = append(out, kf)
	}
	return out
}
