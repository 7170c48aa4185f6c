package factors

import (
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/num/quat"

	"github.com/vilo-slam/vilo/imu"
	"github.com/vilo-slam/vilo/solver"
	"github.com/vilo-slam/vilo/spatialmath"
)

// Dimensions of the inertial factors.
const (
	IMUDim       = imu.ResidualDim
	InertialDim  = 9
	BiasPriorDim = 3
)

// IMU is the full pre-integration factor chaining two keyframes' pose,
// velocity and bias states. 15 residuals, blocks: pose_i, v_i, ba_i, bg_i,
// pose_j, v_j, ba_j, bg_j.
func IMU(p *imu.Preintegration) solver.ResidualFunc {
	return func(params [][]float64, residuals []float64) {
		pi := spatialmath.NewSE3FromParams(params[0])
		vi := vec3(params[1])
		bi := imu.Bias{Accel: vec3(params[2]), Gyro: vec3(params[3])}
		pj := spatialmath.NewSE3FromParams(params[4])
		vj := vec3(params[5])
		bj := imu.Bias{Accel: vec3(params[6]), Gyro: vec3(params[7])}
		copy(residuals, p.Evaluate(pi, vi, bi, pj, vj, bj))
	}
}

// Inertial is the initialization-time pre-integration factor: poses are
// captured as constants and the residual couples velocities, the shared
// biases and the gravity-direction rotation. 9 residuals (rotation,
// velocity, position), blocks: v_i, ba, bg, v_j, rwg (4-parameter quaternion
// under the Quaternion manifold).
func Inertial(p *imu.Preintegration, poseI, poseJ spatialmath.SE3) solver.ResidualFunc {
	qiInv := quat.Conj(poseI.R)
	dt := p.DT
	info := p.InfoSqrtDiag()
	return func(params [][]float64, residuals []float64) {
		vi := vec3(params[0])
		b := imu.Bias{Accel: vec3(params[1]), Gyro: vec3(params[2])}
		vj := vec3(params[3])
		rwg := spatialmath.Normalize(quat.Number{
			Real: params[4][3], Imag: params[4][0], Jmag: params[4][1], Kmag: params[4][2],
		})
		g := rotate(rwg, imu.Gravity())

		// rotation
		dR := p.DeltaRotation(b)
		qErr := quat.Mul(quat.Conj(dR), quat.Mul(qiInv, poseJ.R))
		if qErr.Real < 0 {
			qErr = quat.Number{Real: -qErr.Real, Imag: -qErr.Imag, Jmag: -qErr.Jmag, Kmag: -qErr.Kmag}
		}
		residuals[0] = info[3] * 2 * qErr.Imag
		residuals[1] = info[4] * 2 * qErr.Jmag
		residuals[2] = info[5] * 2 * qErr.Kmag

		// velocity
		rv := rotate(qiInv, vj.Sub(vi).Sub(g.Mul(dt))).Sub(p.DeltaVelocity(b))
		residuals[3] = info[6] * rv.X
		residuals[4] = info[7] * rv.Y
		residuals[5] = info[8] * rv.Z

		// position
		pTerm := poseJ.T.Sub(poseI.T).Sub(vi.Mul(dt)).Sub(g.Mul(0.5 * dt * dt))
		rp := rotate(qiInv, pTerm).Sub(p.DeltaPosition(b))
		residuals[6] = info[0] * rp.X
		residuals[7] = info[1] * rp.Y
		residuals[8] = info[2] * rp.Z
	}
}

// BiasPrior pulls a 3-vector bias block toward zero with the given weight;
// the staged priors of IMU initialization. 3 residuals, blocks: bias.
func BiasPrior(weight float64) solver.ResidualFunc {
	return func(params [][]float64, residuals []float64) {
		residuals[0] = weight * params[0][0]
		residuals[1] = weight * params[0][1]
		residuals[2] = weight * params[0][2]
	}
}

func vec3(p []float64) r3.Vector {
	return r3.Vector{X: p[0], Y: p[1], Z: p[2]}
}

func rotate(q quat.Number, v r3.Vector) r3.Vector {
	vq := quat.Number{Imag: v.X, Jmag: v.Y, Kmag: v.Z}
	r := quat.Mul(quat.Mul(q, vq), quat.Conj(q))
	return r3.Vector{X: r.Imag, Y: r.Jmag, Z: r.Kmag}
}
