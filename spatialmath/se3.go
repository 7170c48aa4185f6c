// Package spatialmath implements the SE(3) pose algebra used by the
// estimation core.
//
// Poses are stored as a unit rotation quaternion plus a translation and can
// be flattened to the 7-double parameter layout [qx qy qz qw tx ty tz] that
// the least-squares solver and the residual models operate on.
package spatialmath

import (
	"math"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/num/quat"
)

// NumParams is the length of a flattened pose parameter block.
const NumParams = 7

const radToDeg = 180 / math.Pi
const degToRad = math.Pi / 180

// PitchSingularityDeg is how close (in degrees) the pitch Euler angle may get
// to ±90° before yaw extraction from a rotation matrix is considered
// ill-defined and callers must fall back to full-rotation alignment.
const PitchSingularityDeg = 1.0

// SE3 is a rigid transform in 3D space.
type SE3 struct {
	R quat.Number
	T r3.Vector
}

// NewZeroSE3 returns the identity transform.
func NewZeroSE3() SE3 {
	return SE3{R: quat.Number{Real: 1}}
}

// NewSE3 returns a transform with the given rotation and translation. The
// rotation is normalized.
func NewSE3(r quat.Number, t r3.Vector) SE3 {
	return SE3{R: Normalize(r), T: t}
}

// NewSE3FromParams reads a transform out of a [qx qy qz qw tx ty tz] block.
func NewSE3FromParams(p []float64) SE3 {
	return SE3{
		R: Normalize(quat.Number{Real: p[3], Imag: p[0], Jmag: p[1], Kmag: p[2]}),
		T: r3.Vector{X: p[4], Y: p[5], Z: p[6]},
	}
}

// Params flattens the transform to a fresh [qx qy qz qw tx ty tz] slice.
func (p SE3) Params() []float64 {
	out := make([]float64, NumParams)
	p.PutParams(out)
	return out
}

// PutParams flattens the transform into dst, which must have length 7.
func (p SE3) PutParams(dst []float64) {
	dst[0] = p.R.Imag
	dst[1] = p.R.Jmag
	dst[2] = p.R.Kmag
	dst[3] = p.R.Real
	dst[4] = p.T.X
	dst[5] = p.T.Y
	dst[6] = p.T.Z
}

// Mul composes two transforms.
func (p SE3) Mul(o SE3) SE3 {
	return SE3{
		R: Normalize(quat.Mul(p.R, o.R)),
		T: p.TransformPoint(o.T),
	}
}

// Inverse returns the inverse transform.
func (p SE3) Inverse() SE3 {
	rInv := quat.Conj(p.R)
	t := rotateVec(rInv, p.T)
	return SE3{R: rInv, T: r3.Vector{X: -t.X, Y: -t.Y, Z: -t.Z}}
}

// TransformPoint applies the transform to a point.
func (p SE3) TransformPoint(v r3.Vector) r3.Vector {
	return rotateVec(p.R, v).Add(p.T)
}

// RotatePoint applies only the rotation part of the transform.
func (p SE3) RotatePoint(v r3.Vector) r3.Vector {
	return rotateVec(p.R, v)
}

// RotationMatrix returns the rotation part as a 3x3 matrix.
func (p SE3) RotationMatrix() mgl64.Mat3 {
	return QuatToMat3(p.R)
}

func rotateVec(q quat.Number, v r3.Vector) r3.Vector {
	vq := quat.Number{Imag: v.X, Jmag: v.Y, Kmag: v.Z}
	r := quat.Mul(quat.Mul(q, vq), quat.Conj(q))
	return r3.Vector{X: r.Imag, Y: r.Jmag, Z: r.Kmag}
}

// Normalize scales a quaternion to unit norm. The zero quaternion maps to
// identity rather than NaN.
func Normalize(q quat.Number) quat.Number {
	n := math.Sqrt(q.Real*q.Real + q.Imag*q.Imag + q.Jmag*q.Jmag + q.Kmag*q.Kmag)
	if n == 0 {
		return quat.Number{Real: 1}
	}
	return quat.Number{Real: q.Real / n, Imag: q.Imag / n, Jmag: q.Jmag / n, Kmag: q.Kmag / n}
}

// ExpMap maps a rotation vector in the tangent space to a unit quaternion.
func ExpMap(w r3.Vector) quat.Number {
	return quat.Exp(quat.Number{Imag: w.X / 2, Jmag: w.Y / 2, Kmag: w.Z / 2})
}

// QuatToMat3 converts a unit quaternion to a rotation matrix.
func QuatToMat3(q quat.Number) mgl64.Mat3 {
	w, x, y, z := q.Real, q.Imag, q.Jmag, q.Kmag
	// mgl64 matrices are column-major
	return mgl64.Mat3{
		1 - 2*(y*y+z*z), 2 * (x*y + w*z), 2 * (x*z - w*y),
		2 * (x*y - w*z), 1 - 2*(x*x+z*z), 2 * (y*z + w*x),
		2 * (x*z + w*y), 2 * (y*z - w*x), 1 - 2*(x*x+y*y),
	}
}

// Mat3ToQuat converts a rotation matrix to a unit quaternion.
func Mat3ToQuat(m mgl64.Mat3) quat.Number {
	q := mgl64.Mat4ToQuat(m.Mat4())
	return Normalize(quat.Number{Real: q.W, Imag: q.X(), Jmag: q.Y(), Kmag: q.Z()})
}

// YPR extracts yaw, pitch and roll in degrees from the rotation part of the
// transform. The decomposition follows the Z-Y-X convention.
func (p SE3) YPR() (yaw, pitch, roll float64) {
	m := p.RotationMatrix()
	// column vectors of the rotation matrix
	n := r3.Vector{X: m.At(0, 0), Y: m.At(1, 0), Z: m.At(2, 0)}
	o := r3.Vector{X: m.At(0, 1), Y: m.At(1, 1), Z: m.At(2, 1)}
	a := r3.Vector{X: m.At(0, 2), Y: m.At(1, 2), Z: m.At(2, 2)}

	y := math.Atan2(n.Y, n.X)
	pch := math.Atan2(-n.Z, n.X*math.Cos(y)+n.Y*math.Sin(y))
	r := math.Atan2(a.X*math.Sin(y)-a.Y*math.Cos(y), -o.X*math.Sin(y)+o.Y*math.Cos(y))
	return y * radToDeg, pch * radToDeg, r * radToDeg
}

// QuatFromYPR builds a rotation quaternion from yaw, pitch and roll given in
// degrees, applying them in Z-Y-X order.
func QuatFromYPR(yaw, pitch, roll float64) quat.Number {
	y, pch, r := yaw*degToRad, pitch*degToRad, roll*degToRad
	qz := quat.Number{Real: math.Cos(y / 2), Kmag: math.Sin(y / 2)}
	qy := quat.Number{Real: math.Cos(pch / 2), Jmag: math.Sin(pch / 2)}
	qx := quat.Number{Real: math.Cos(r / 2), Imag: math.Sin(r / 2)}
	return Normalize(quat.Mul(quat.Mul(qz, qy), qx))
}

// NearPitchSingularity reports whether a pitch angle in degrees is within
// PitchSingularityDeg of ±90°.
func NearPitchSingularity(pitchDeg float64) bool {
	return math.Abs(math.Abs(pitchDeg)-90) < PitchSingularityDeg
}

// Interpolate returns the transform a fraction t of the way from a to b,
// with t in [0, 1]. Translation is interpolated linearly and rotation
// spherically.
func Interpolate(a, b SE3, t float64) SE3 {
	return SE3{
		R: slerp(a.R, b.R, t),
		T: a.T.Mul(1 - t).Add(b.T.Mul(t)),
	}
}

func slerp(a, b quat.Number, t float64) quat.Number {
	dot := a.Real*b.Real + a.Imag*b.Imag + a.Jmag*b.Jmag + a.Kmag*b.Kmag
	if dot < 0 {
		b = quat.Number{Real: -b.Real, Imag: -b.Imag, Jmag: -b.Jmag, Kmag: -b.Kmag}
		dot = -dot
	}
	if dot > 1-1e-9 {
		// nearly parallel, lerp and renormalize
		return Normalize(quat.Number{
			Real: a.Real + t*(b.Real-a.Real),
			Imag: a.Imag + t*(b.Imag-a.Imag),
			Jmag: a.Jmag + t*(b.Jmag-a.Jmag),
			Kmag: a.Kmag + t*(b.Kmag-a.Kmag),
		})
	}
	theta := math.Acos(dot)
	sa := math.Sin((1 - t) * theta)
	sb := math.Sin(t * theta)
	s := math.Sin(theta)
	return Normalize(quat.Number{
		Real: (sa*a.Real + sb*b.Real) / s,
		Imag: (sa*a.Imag + sb*b.Imag) / s,
		Jmag: (sa*a.Jmag + sb*b.Jmag) / s,
		Kmag: (sa*a.Kmag + sb*b.Kmag) / s,
	})
}

// AlmostEqual reports whether two transforms agree to within tol in every
// quaternion and translation component, treating q and -q as equal.
func (p SE3) AlmostEqual(o SE3, tol float64) bool {
	q1, q2 := p.R, o.R
	if q1.Real*q2.Real+q1.Imag*q2.Imag+q1.Jmag*q2.Jmag+q1.Kmag*q2.Kmag < 0 {
		q2 = quat.Number{Real: -q2.Real, Imag: -q2.Imag, Jmag: -q2.Jmag, Kmag: -q2.Kmag}
	}
	return math.Abs(q1.Real-q2.Real) < tol &&
		math.Abs(q1.Imag-q2.Imag) < tol &&
		math.Abs(q1.Jmag-q2.Jmag) < tol &&
		math.Abs(q1.Kmag-q2.Kmag) < tol &&
		math.Abs(p.T.X-o.T.X) < tol &&
		math.Abs(p.T.Y-o.T.Y) < tol &&
		math.Abs(p.T.Z-o.T.Z) < tol
}
