// Package imu implements the inertial types shared by the estimation core:
// accelerometer/gyroscope bias and the keyframe-to-keyframe pre-integration
// summary consumed by the IMU residual models.
package imu

import (
	"math"

	"github.com/golang/geo/r3"
)

// GravityMagnitude is the assumed magnitude of gravity in m/s².
const GravityMagnitude = 9.81007

// Gravity returns the world gravity vector, pointing along -z.
func Gravity() r3.Vector {
	return r3.Vector{Z: -GravityMagnitude}
}

// Bias holds accelerometer and gyroscope biases.
type Bias struct {
	Accel r3.Vector
	Gyro  r3.Vector
}

// Sub returns the component-wise difference of two biases.
func (b Bias) Sub(o Bias) Bias {
	return Bias{Accel: b.Accel.Sub(o.Accel), Gyro: b.Gyro.Sub(o.Gyro)}
}

// Norm returns the Euclidean norm over all six components.
func (b Bias) Norm() float64 {
	return math.Sqrt(b.Accel.Norm2() + b.Gyro.Norm2())
}
