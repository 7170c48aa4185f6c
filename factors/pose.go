// Package factors is the residual model library: pure functions mapping
// parameter blocks to residual vectors for pose-graph edges, pose anchors,
// reprojection and IMU pre-integration. Every factor captures its reference
// values at construction and is stateless afterwards.
package factors

import (
	"github.com/golang/geo/r3"

	"github.com/vilo-slam/vilo/solver"
	"github.com/vilo-slam/vilo/spatialmath"
)

// Residual dimensions per factor.
const (
	RelativePoseDim        = 7
	RelativeTranslationDim = 3
	AbsolutePoseDim        = 7
	RotationOnlyDim        = 4
	TranslationOnlyDim     = 3
	FixedAxesDim           = 3
	RelativeEulerDim       = 7
	RelocateRotationDim    = 7
)

// RelativePose constrains the relative transform between two pose blocks to
// the relative transform between the two captured poses. 7 residuals
// (4 rotation + 3 translation), blocks: pose1, pose2.
func RelativePose(last, cur spatialmath.SE3, weight float64) solver.ResidualFunc {
	measured := last.Inverse().Mul(cur).Params()
	return func(params [][]float64, residuals []float64) {
		p1 := spatialmath.NewSE3FromParams(params[0])
		p2 := spatialmath.NewSE3FromParams(params[1])
		predicted := p1.Inverse().Mul(p2).Params()
		for i := 0; i < RelativePoseDim; i++ {
			residuals[i] = weight * (measured[i] - predicted[i])
		}
	}
}

// RelativeTranslation is the translation-only slice of RelativePose.
// 3 residuals, blocks: pose1, pose2.
func RelativeTranslation(last, cur spatialmath.SE3, weight float64) solver.ResidualFunc {
	measured := last.Inverse().Mul(cur).Params()
	return func(params [][]float64, residuals []float64) {
		p1 := spatialmath.NewSE3FromParams(params[0])
		p2 := spatialmath.NewSE3FromParams(params[1])
		predicted := p1.Inverse().Mul(p2).Params()
		for i := 0; i < RelativeTranslationDim; i++ {
			residuals[i] = weight * (measured[4+i] - predicted[4+i])
		}
	}
}

// AbsolutePose anchors a pose block to the captured pose. 7 residuals,
// blocks: pose.
func AbsolutePose(ref spatialmath.SE3, weight float64) solver.ResidualFunc {
	measured := ref.Params()
	return func(params [][]float64, residuals []float64) {
		for i := 0; i < AbsolutePoseDim; i++ {
			residuals[i] = weight * (params[0][i] - measured[i])
		}
	}
}

// RotationOnly anchors only the quaternion part of a pose block. 4 residuals,
// blocks: pose.
func RotationOnly(ref spatialmath.SE3) solver.ResidualFunc {
	measured := ref.Params()
	return func(params [][]float64, residuals []float64) {
		for i := 0; i < RotationOnlyDim; i++ {
			residuals[i] = params[0][i] - measured[i]
		}
	}
}

// TranslationOnly anchors only the translation part of a pose block.
// 3 residuals, blocks: pose.
func TranslationOnly(ref spatialmath.SE3, weight float64) solver.ResidualFunc {
	measured := ref.Params()
	return func(params [][]float64, residuals []float64) {
		for i := 0; i < TranslationOnlyDim; i++ {
			residuals[i] = weight * (params[0][i+4] - measured[i+4])
		}
	}
}

// EulerPose is a pose decomposed into yaw/roll/pitch (degrees) and position,
// the scalar-block form the ground-alignment anchors operate on.
type EulerPose struct {
	Yaw, Roll, Pitch float64
	X, Y, Z          float64
}

// NewEulerPose decomposes a transform.
func NewEulerPose(p spatialmath.SE3) EulerPose {
	y, pitch, r := p.YPR()
	return EulerPose{Yaw: y, Roll: r, Pitch: pitch, X: p.T.X, Y: p.T.Y, Z: p.T.Z}
}

// SE3 recomposes the transform.
func (e EulerPose) SE3() spatialmath.SE3 {
	return spatialmath.SE3{
		R: spatialmath.QuatFromYPR(e.Yaw, e.Pitch, e.Roll),
		T: r3.Vector{X: e.X, Y: e.Y, Z: e.Z},
	}
}

// RollPitchZ anchors the roll, pitch and z scalar blocks so ground alignment
// can hold the gravity-observable axes while yaw/x/y vary. 3 residuals,
// blocks: roll, pitch, z (one scalar each).
func RollPitchZ(ref EulerPose, weight float64) solver.ResidualFunc {
	return func(params [][]float64, residuals []float64) {
		residuals[0] = weight * (params[0][0] - ref.Roll)
		residuals[1] = weight * (params[1][0] - ref.Pitch)
		residuals[2] = weight * (params[2][0] - ref.Z)
	}
}

// YawXY anchors the yaw, x and y scalar blocks, the axes a loop closure is
// allowed to move. 3 residuals, blocks: yaw, x, y (one scalar each).
func YawXY(ref EulerPose, weight float64) solver.ResidualFunc {
	return func(params [][]float64, residuals []float64) {
		residuals[0] = weight * (params[0][0] - ref.Yaw)
		residuals[1] = weight * (params[1][0] - ref.X)
		residuals[2] = weight * (params[2][0] - ref.Y)
	}
}

// RelativeEuler constrains the relative transform between two euler-block
// poses to the relative transform between the captured poses. 7 residuals,
// blocks: yaw1, roll1, pitch1, x1, y1, z1, yaw2, roll2, pitch2, x2, y2, z2
// (one scalar each).
func RelativeEuler(last, cur EulerPose, weight float64) solver.ResidualFunc {
	measured := last.SE3().Inverse().Mul(cur.SE3()).Params()
	return func(params [][]float64, residuals []float64) {
		p1 := eulerFromBlocks(params[0:6]).SE3()
		p2 := eulerFromBlocks(params[6:12]).SE3()
		predicted := p1.Inverse().Mul(p2).Params()
		for i := 0; i < RelativeEulerDim; i++ {
			residuals[i] = weight * (measured[i] - predicted[i])
		}
	}
}

func eulerFromBlocks(blocks [][]float64) EulerPose {
	return EulerPose{
		Yaw: blocks[0][0], Roll: blocks[1][0], Pitch: blocks[2][0],
		X: blocks[3][0], Y: blocks[4][0], Z: blocks[5][0],
	}
}

// RelocateRotation solves for the single yaw-only rotation that maps the
// unrelocated pose onto the relocated one. 7 residuals, blocks: rotation
// (4-parameter quaternion under the Quaternion manifold).
func RelocateRotation(relocated, unrelocated spatialmath.SE3) solver.ResidualFunc {
	target := relocated.Params()
	return func(params [][]float64, residuals []float64) {
		rot := spatialmath.NewSE3FromParams([]float64{
			params[0][0], params[0][1], params[0][2], params[0][3], 0, 0, 0,
		})
		predicted := rot.Mul(unrelocated).Params()
		for i := 0; i < RelocateRotationDim; i++ {
			residuals[i] = target[i] - predicted[i]
		}
	}
}
