// Package solver implements the dense nonlinear least-squares capability the
// estimation core builds its window problems on: parameter blocks with
// optional manifolds, tagged residual blocks with robust losses, and a
// Levenberg-Marquardt trust-region solve under a wall-clock budget.
package solver

import (
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/num/quat"

	"github.com/vilo-slam/vilo/spatialmath"
)

// Manifold maps tangent-space increments onto a parameter block. Blocks with
// an over-parameterized representation (unit quaternions) step in a lower
// dimensional tangent space and are retracted back onto the manifold.
type Manifold interface {
	// AmbientDim is the length of the parameter block.
	AmbientDim() int
	// TangentDim is the number of free coordinates.
	TangentDim() int
	// Plus applies a tangent increment to x in place.
	Plus(x, delta []float64)
}

// Euclidean is the trivial manifold for an unconstrained block.
type Euclidean struct {
	N int
}

// AmbientDim returns the block length.
func (m Euclidean) AmbientDim() int { return m.N }

// TangentDim returns the block length.
func (m Euclidean) TangentDim() int { return m.N }

// Plus adds delta to x.
func (m Euclidean) Plus(x, delta []float64) {
	for i := range x {
		x[i] += delta[i]
	}
}

// Pose is the product manifold of a unit quaternion and a translation over a
// 7-double [qx qy qz qw tx ty tz] block; increments are
// [dθx dθy dθz dtx dty dtz].
type Pose struct{}

// AmbientDim returns 7.
func (Pose) AmbientDim() int { return spatialmath.NumParams }

// TangentDim returns 6.
func (Pose) TangentDim() int { return 6 }

// Plus right-multiplies the rotation by the exponential of the angular
// increment and adds the translational increment.
func (Pose) Plus(x, delta []float64) {
	q := quat.Number{Real: x[3], Imag: x[0], Jmag: x[1], Kmag: x[2]}
	q = spatialmath.Normalize(quat.Mul(q, spatialmath.ExpMap(r3.Vector{X: delta[0], Y: delta[1], Z: delta[2]})))
	x[0], x[1], x[2], x[3] = q.Imag, q.Jmag, q.Kmag, q.Real
	x[4] += delta[3]
	x[5] += delta[4]
	x[6] += delta[5]
}

// Quaternion is the unit-quaternion manifold over a 4-double
// [qx qy qz qw] block.
type Quaternion struct{}

// AmbientDim returns 4.
func (Quaternion) AmbientDim() int { return 4 }

// TangentDim returns 3.
func (Quaternion) TangentDim() int { return 3 }

// Plus right-multiplies by the exponential of the angular increment.
func (Quaternion) Plus(x, delta []float64) {
	q := quat.Number{Real: x[3], Imag: x[0], Jmag: x[1], Kmag: x[2]}
	q = spatialmath.Normalize(quat.Mul(q, spatialmath.ExpMap(r3.Vector{X: delta[0], Y: delta[1], Z: delta[2]})))
	x[0], x[1], x[2], x[3] = q.Imag, q.Jmag, q.Kmag, q.Real
}
