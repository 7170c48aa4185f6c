package spatialmath

import (
	"math"
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/test"
	"gonum.org/v1/gonum/num/quat"
)

var q45z = quat.Number{Real: math.Cos(math.Pi / 8), Kmag: math.Sin(math.Pi / 8)}

func TestComposeInverse(t *testing.T) {
	p := NewSE3(q45z, r3.Vector{X: 1, Y: 2, Z: 3})
	ident := p.Mul(p.Inverse())
	test.That(t, ident.AlmostEqual(NewZeroSE3(), 1e-12), test.ShouldBeTrue)

	// composing with identity is a no-op
	test.That(t, p.Mul(NewZeroSE3()).AlmostEqual(p, 1e-12), test.ShouldBeTrue)
	test.That(t, NewZeroSE3().Mul(p).AlmostEqual(p, 1e-12), test.ShouldBeTrue)
}

func TestParamsRoundTrip(t *testing.T) {
	p := NewSE3(q45z, r3.Vector{X: -4, Y: 0.5, Z: 9})
	back := NewSE3FromParams(p.Params())
	test.That(t, back.AlmostEqual(p, 1e-12), test.ShouldBeTrue)
}

func TestTransformPoint(t *testing.T) {
	// rotate (1,0,0) by 90° about z, then translate
	q90z := quat.Number{Real: math.Cos(math.Pi / 4), Kmag: math.Sin(math.Pi / 4)}
	p := NewSE3(q90z, r3.Vector{X: 10, Y: 0, Z: 0})
	out := p.TransformPoint(r3.Vector{X: 1, Y: 0, Z: 0})
	test.That(t, out.X, test.ShouldAlmostEqual, 10, 1e-12)
	test.That(t, out.Y, test.ShouldAlmostEqual, 1, 1e-12)
	test.That(t, out.Z, test.ShouldAlmostEqual, 0, 1e-12)
}

func TestYPRRoundTrip(t *testing.T) {
	for _, tc := range []struct{ y, p, r float64 }{
		{30, 10, -20},
		{-120, 45, 5},
		{179, -60, 90},
	} {
		pose := NewSE3(QuatFromYPR(tc.y, tc.p, tc.r), r3.Vector{})
		y, p, r := pose.YPR()
		test.That(t, y, test.ShouldAlmostEqual, tc.y, 1e-9)
		test.That(t, p, test.ShouldAlmostEqual, tc.p, 1e-9)
		test.That(t, r, test.ShouldAlmostEqual, tc.r, 1e-9)
	}
}

func TestNearPitchSingularity(t *testing.T) {
	test.That(t, NearPitchSingularity(89.5), test.ShouldBeTrue)
	test.That(t, NearPitchSingularity(-90.2), test.ShouldBeTrue)
	test.That(t, NearPitchSingularity(88.9), test.ShouldBeFalse)
	test.That(t, NearPitchSingularity(0), test.ShouldBeFalse)
}

func TestExpMap(t *testing.T) {
	// exp of a z rotation vector of magnitude pi/2 is a 90° z rotation
	q := ExpMap(r3.Vector{Z: math.Pi / 2})
	test.That(t, q.Real, test.ShouldAlmostEqual, math.Cos(math.Pi/4), 1e-12)
	test.That(t, q.Kmag, test.ShouldAlmostEqual, math.Sin(math.Pi/4), 1e-12)

	// zero maps to identity
	qz := ExpMap(r3.Vector{})
	test.That(t, qz.Real, test.ShouldAlmostEqual, 1, 1e-12)
}

func TestInterpolate(t *testing.T) {
	a := NewZeroSE3()
	q90z := quat.Number{Real: math.Cos(math.Pi / 4), Kmag: math.Sin(math.Pi / 4)}
	b := NewSE3(q90z, r3.Vector{X: 2})

	mid := Interpolate(a, b, 0.5)
	test.That(t, mid.T.X, test.ShouldAlmostEqual, 1, 1e-12)
	y, _, _ := mid.YPR()
	test.That(t, y, test.ShouldAlmostEqual, 45, 1e-9)

	test.That(t, Interpolate(a, b, 0).AlmostEqual(a, 1e-12), test.ShouldBeTrue)
	test.That(t, Interpolate(a, b, 1).AlmostEqual(b, 1e-12), test.ShouldBeTrue)
}

func TestMat3QuatRoundTrip(t *testing.T) {
	q := Normalize(quat.Number{Real: 0.4, Imag: -0.3, Jmag: 0.85, Kmag: 0.1})
	back := Mat3ToQuat(QuatToMat3(q))
	p1 := NewSE3(q, r3.Vector{})
	p2 := NewSE3(back, r3.Vector{})
	test.That(t, p1.AlmostEqual(p2, 1e-9), test.ShouldBeTrue)
}
