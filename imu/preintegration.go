package imu

import (
	"math"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"

	"github.com/vilo-slam/vilo/spatialmath"
)

// ResidualDim is the dimension of the full pre-integration residual:
// position, rotation, velocity, accel bias and gyro bias, three each.
const ResidualDim = 15

// BiasDriftThreshold is how far the bias estimate may drift from the
// linearization point before the first-order delta correction is considered
// stale and the summary is reintegrated from its buffered measurements.
const BiasDriftThreshold = 0.02

// Default continuous-time noise densities. Owned here rather than by config
// because the estimation core never reads raw IMU data; the frontend
// overrides these when it constructs summaries from a calibrated sensor.
const (
	defaultAccelNoise = 1e-2
	defaultGyroNoise  = 1e-3
	defaultAccelWalk  = 1e-4
	defaultGyroWalk   = 1e-5
)

type measurement struct {
	acc  r3.Vector
	gyro r3.Vector
	dt   float64
}

// Preintegration is a compact IMU delta between two keyframes: relative
// rotation, velocity and position changes with their covariance, all
// linearized around a specific bias estimate.
type Preintegration struct {
	DT float64

	dR quat.Number
	dV r3.Vector
	dP r3.Vector

	// Jacobians of the deltas with respect to the linearization bias.
	jRg, jVg, jVa, jPg, jPa mgl64.Mat3

	cov *mat.SymDense

	lin Bias
	cur Bias

	accelNoise, gyroNoise float64
	accelWalk, gyroWalk   float64

	meas []measurement
}

// NewPreintegration returns an empty summary linearized around the given
// bias.
func NewPreintegration(b Bias) *Preintegration {
	p := &Preintegration{
		accelNoise: defaultAccelNoise,
		gyroNoise:  defaultGyroNoise,
		accelWalk:  defaultAccelWalk,
		gyroWalk:   defaultGyroWalk,
	}
	p.reset(b)
	return p
}

func (p *Preintegration) reset(b Bias) {
	p.DT = 0
	p.dR = quat.Number{Real: 1}
	p.dV = r3.Vector{}
	p.dP = r3.Vector{}
	zero := mgl64.Mat3{}
	p.jRg, p.jVg, p.jVa, p.jPg, p.jPa = zero, zero, zero, zero, zero
	p.cov = mat.NewSymDense(ResidualDim, nil)
	// small floor keeps the information matrix finite on an empty summary
	for i := 0; i < ResidualDim; i++ {
		p.cov.SetSym(i, i, 1e-12)
	}
	p.lin = b
	p.cur = b
}

// LinearizedBias returns the bias the deltas are linearized around.
func (p *Preintegration) LinearizedBias() Bias { return p.lin }

// CurrentBias returns the latest bias estimate attached to this summary.
func (p *Preintegration) CurrentBias() Bias { return p.cur }

// IntegrateMeasurement folds one IMU sample into the summary. Measurements
// are buffered so the summary can be reintegrated if the bias drifts too far
// from the linearization point.
func (p *Preintegration) IntegrateMeasurement(acc, gyro r3.Vector, dt float64) {
	p.meas = append(p.meas, measurement{acc: acc, gyro: gyro, dt: dt})
	p.integrate(acc, gyro, dt)
}

func (p *Preintegration) integrate(acc, gyro r3.Vector, dt float64) {
	a := acc.Sub(p.lin.Accel)
	w := gyro.Sub(p.lin.Gyro)

	rot := spatialmath.QuatToMat3(p.dR)

	// position and velocity first, using the pre-update rotation
	p.dP = p.dP.Add(p.dV.Mul(dt)).Add(rotVec(rot, a).Mul(0.5 * dt * dt))
	p.dV = p.dV.Add(rotVec(rot, a).Mul(dt))

	hatA := hat(a)
	p.jPa = p.jPa.Add(p.jVa.Mul(dt)).Sub(rot.Mul(0.5 * dt * dt))
	p.jPg = p.jPg.Add(p.jVg.Mul(dt)).Sub(rot.Mul3(hatA).Mul3(p.jRg).Mul(0.5 * dt * dt))
	p.jVa = p.jVa.Sub(rot.Mul(dt))
	p.jVg = p.jVg.Sub(rot.Mul3(hatA).Mul3(p.jRg).Mul(dt))

	dq := spatialmath.ExpMap(w.Mul(dt))
	dRot := spatialmath.QuatToMat3(dq)
	p.jRg = dRot.Transpose().Mul3(p.jRg).Sub(rightJacobian(w.Mul(dt)).Mul(dt))
	p.dR = spatialmath.Normalize(quat.Mul(p.dR, dq))

	p.propagateCovariance(dt)
	p.DT += dt
}

// First-order diagonal propagation. The off-diagonal coupling is dominated
// by the diagonal terms over the short spans a window covers.
func (p *Preintegration) propagateCovariance(dt float64) {
	gn := p.gyroNoise * p.gyroNoise * dt
	an := p.accelNoise * p.accelNoise * dt
	for i := 0; i < 3; i++ {
		vv := p.cov.At(6+i, 6+i) + an
		p.cov.SetSym(i, i, p.cov.At(i, i)+vv*dt*dt)
		p.cov.SetSym(3+i, 3+i, p.cov.At(3+i, 3+i)+gn)
		p.cov.SetSym(6+i, 6+i, vv)
		p.cov.SetSym(9+i, 9+i, p.cov.At(9+i, 9+i)+p.accelWalk*p.accelWalk*dt)
		p.cov.SetSym(12+i, 12+i, p.cov.At(12+i, 12+i)+p.gyroWalk*p.gyroWalk*dt)
	}
}

// SetNewBias attaches a new bias estimate. If the estimate has drifted beyond
// BiasDriftThreshold from the linearization point, the summary is
// reintegrated from its buffered measurements around the new bias.
func (p *Preintegration) SetNewBias(b Bias) {
	p.cur = b
	if b.Sub(p.lin).Norm() > BiasDriftThreshold {
		meas := p.meas
		p.reset(b)
		for _, m := range meas {
			p.integrate(m.acc, m.gyro, m.dt)
		}
		p.meas = meas
	}
}

// DeltaRotation returns the rotation delta corrected to the given bias.
func (p *Preintegration) DeltaRotation(b Bias) quat.Number {
	dbg := b.Gyro.Sub(p.lin.Gyro)
	return spatialmath.Normalize(quat.Mul(p.dR, spatialmath.ExpMap(mulVec(p.jRg, dbg))))
}

// DeltaVelocity returns the velocity delta corrected to the given bias.
func (p *Preintegration) DeltaVelocity(b Bias) r3.Vector {
	dba := b.Accel.Sub(p.lin.Accel)
	dbg := b.Gyro.Sub(p.lin.Gyro)
	return p.dV.Add(mulVec(p.jVa, dba)).Add(mulVec(p.jVg, dbg))
}

// DeltaPosition returns the position delta corrected to the given bias.
func (p *Preintegration) DeltaPosition(b Bias) r3.Vector {
	dba := b.Accel.Sub(p.lin.Accel)
	dbg := b.Gyro.Sub(p.lin.Gyro)
	return p.dP.Add(mulVec(p.jPa, dba)).Add(mulVec(p.jPg, dbg))
}

// SqrtInformation returns the transposed Cholesky factor of the inverse
// covariance, the whitening matrix applied to the raw residual.
func (p *Preintegration) SqrtInformation() *mat.Dense {
	out := mat.NewDense(ResidualDim, ResidualDim, nil)
	var chol mat.Cholesky
	if ok := chol.Factorize(p.cov); !ok {
		identityTo(out)
		return out
	}
	var info mat.SymDense
	if err := chol.InverseTo(&info); err != nil {
		identityTo(out)
		return out
	}
	var cholInfo mat.Cholesky
	if ok := cholInfo.Factorize(&info); !ok {
		identityTo(out)
		return out
	}
	var l mat.TriDense
	cholInfo.LTo(&l)
	out.Copy(l.T())
	return out
}

// InfoSqrtDiag returns the square roots of the diagonal information entries,
// the per-component whitening the initialization factor applies when the
// full 15x15 factor is not in play.
func (p *Preintegration) InfoSqrtDiag() [ResidualDim]float64 {
	var out [ResidualDim]float64
	for i := 0; i < ResidualDim; i++ {
		c := p.cov.At(i, i)
		if c < 1e-12 {
			c = 1e-12
		}
		out[i] = 1 / math.Sqrt(c)
	}
	return out
}

func identityTo(d *mat.Dense) {
	for i := 0; i < ResidualDim; i++ {
		d.Set(i, i, 1)
	}
}

// Evaluate computes the whitened 15-dimensional residual between the states
// of two keyframes and this summary. Poses are world-from-body transforms.
func (p *Preintegration) Evaluate(
	pi spatialmath.SE3, vi r3.Vector, bi Bias,
	pj spatialmath.SE3, vj r3.Vector, bj Bias,
) []float64 {
	dt := p.DT
	g := Gravity()
	qiInv := quat.Conj(pi.R)

	// position
	pTerm := pj.T.Sub(pi.T).Sub(vi.Mul(dt)).Sub(g.Mul(0.5 * dt * dt))
	rp := rotQuatVec(qiInv, pTerm).Sub(p.DeltaPosition(bi))

	// rotation
	dRCorr := p.DeltaRotation(bi)
	qErr := quat.Mul(quat.Conj(dRCorr), quat.Mul(qiInv, pj.R))
	if qErr.Real < 0 {
		qErr = quat.Number{Real: -qErr.Real, Imag: -qErr.Imag, Jmag: -qErr.Jmag, Kmag: -qErr.Kmag}
	}
	rq := r3.Vector{X: 2 * qErr.Imag, Y: 2 * qErr.Jmag, Z: 2 * qErr.Kmag}

	// velocity
	vTerm := vj.Sub(vi).Sub(g.Mul(dt))
	rv := rotQuatVec(qiInv, vTerm).Sub(p.DeltaVelocity(bi))

	rba := bj.Accel.Sub(bi.Accel)
	rbg := bj.Gyro.Sub(bi.Gyro)

	raw := mat.NewVecDense(ResidualDim, []float64{
		rp.X, rp.Y, rp.Z,
		rq.X, rq.Y, rq.Z,
		rv.X, rv.Y, rv.Z,
		rba.X, rba.Y, rba.Z,
		rbg.X, rbg.Y, rbg.Z,
	})

	var whitened mat.VecDense
	whitened.MulVec(p.SqrtInformation(), raw)
	out := make([]float64, ResidualDim)
	copy(out, whitened.RawVector().Data)
	return out
}

func rotVec(m mgl64.Mat3, v r3.Vector) r3.Vector {
	out := m.Mul3x1(mgl64.Vec3{v.X, v.Y, v.Z})
	return r3.Vector{X: out[0], Y: out[1], Z: out[2]}
}

func mulVec(m mgl64.Mat3, v r3.Vector) r3.Vector {
	return rotVec(m, v)
}

func rotQuatVec(q quat.Number, v r3.Vector) r3.Vector {
	vq := quat.Number{Imag: v.X, Jmag: v.Y, Kmag: v.Z}
	r := quat.Mul(quat.Mul(q, vq), quat.Conj(q))
	return r3.Vector{X: r.Imag, Y: r.Jmag, Z: r.Kmag}
}

func hat(v r3.Vector) mgl64.Mat3 {
	// column-major
	return mgl64.Mat3{
		0, v.Z, -v.Y,
		-v.Z, 0, v.X,
		v.Y, -v.X, 0,
	}
}

func rightJacobian(theta r3.Vector) mgl64.Mat3 {
	n := theta.Norm()
	if n < 1e-9 {
		return mgl64.Ident3()
	}
	h := hat(theta)
	h2 := h.Mul3(h)
	a := (1 - math.Cos(n)) / (n * n)
	b := (n - math.Sin(n)) / (n * n * n)
	return mgl64.Ident3().Sub(h.Mul(a)).Add(h2.Mul(b))
}
