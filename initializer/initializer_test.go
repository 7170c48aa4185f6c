package initializer

import (
	"context"
	"testing"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r3"
	"go.viam.com/test"

	"github.com/vilo-slam/vilo/frame"
	"github.com/vilo-slam/vilo/imu"
	"github.com/vilo-slam/vilo/spatialmath"
)

// build a stationary window whose IMU stream carries a constant gyro bias.
func biasedStationaryWindow(t *testing.T, n int, gyroBias r3.Vector) frame.Window {
	t.Helper()
	m := frame.NewMap(golog.NewTestLogger(t))
	window := make(frame.Window, 0, n)
	for i := 0; i < n; i++ {
		kf := m.NewKeyframe(float64(i))
		kf.SetPose(spatialmath.NewZeroSE3())
		if i > 0 {
			p := imu.NewPreintegration(imu.Bias{})
			for s := 0; s < 100; s++ {
				p.IntegrateMeasurement(
					r3.Vector{Z: imu.GravityMagnitude},
					gyroBias, // a stationary body should read zero rotation
					0.01,
				)
			}
			kf.Preintegration = p
		}
		test.That(t, m.InsertKeyFrame(kf), test.ShouldBeNil)
		window = append(window, kf)
	}
	return window
}

func TestInitializeIMURecoversGyroBias(t *testing.T) {
	logger := golog.NewTestLogger(t)
	trueBias := r3.Vector{X: 0.004, Y: -0.003, Z: 0.002}
	window := biasedStationaryWindow(t, 5, trueBias)

	in := New(5, logger)
	ok := in.InitializeIMU(context.Background(), window, 1e3, 1e1)
	test.That(t, ok, test.ShouldBeTrue)

	got := window.First().Bias().Gyro
	test.That(t, got.X, test.ShouldAlmostEqual, trueBias.X, 1e-3)
	test.That(t, got.Y, test.ShouldAlmostEqual, trueBias.Y, 1e-3)
	test.That(t, got.Z, test.ShouldAlmostEqual, trueBias.Z, 1e-3)

	// every keyframe in the window received the recovered bias
	for _, kf := range window {
		test.That(t, kf.Bias(), test.ShouldResemble, window.First().Bias())
	}
}

func TestInitializeIMUNeedsChainedFrames(t *testing.T) {
	logger := golog.NewTestLogger(t)
	m := frame.NewMap(logger)
	var window frame.Window
	for i := 0; i < 3; i++ {
		kf := m.NewKeyframe(float64(i))
		test.That(t, m.InsertKeyFrame(kf), test.ShouldBeNil)
		window = append(window, kf)
	}
	// no preintegrations anywhere: attempt is skipped, not fatal
	in := New(3, logger)
	test.That(t, in.InitializeIMU(context.Background(), window, 1e3, 1e1), test.ShouldBeFalse)
	test.That(t, in.InitializeIMU(context.Background(), nil, 1e3, 1e1), test.ShouldBeFalse)
}

func TestReinitFlag(t *testing.T) {
	in := New(5, golog.NewTestLogger(t))
	test.That(t, in.ReinitRequested(), test.ShouldBeFalse)
	in.RequestReinit()
	test.That(t, in.ReinitRequested(), test.ShouldBeTrue)
	in.ClearReinit()
	test.That(t, in.ReinitRequested(), test.ShouldBeFalse)
}

func TestStagingThresholds(t *testing.T) {
	s := NewStaging()
	test.That(t, s.Stage(), test.ShouldEqual, StageUninitialized)

	// nothing staged before the first success
	_, due := s.Advance(100)
	test.That(t, due, test.ShouldBeFalse)

	s.MarkInitialized(10)
	test.That(t, s.Stage(), test.ShouldEqual, StageOnePending)

	// dt=4: too early
	_, due = s.Advance(14)
	test.That(t, due, test.ShouldBeFalse)

	// dt=6: stage one fires with the strong accel prior
	priors, due := s.Advance(16)
	test.That(t, due, test.ShouldBeTrue)
	test.That(t, priors.Accel, test.ShouldEqual, 1e4)
	test.That(t, priors.Gyro, test.ShouldEqual, 1e1)
	test.That(t, s.Stage(), test.ShouldEqual, StageOneDone)

	// dt=14: stage two not yet due
	_, due = s.Advance(24)
	test.That(t, due, test.ShouldBeFalse)

	// dt=16: stage two fires with zero priors
	priors, due = s.Advance(26)
	test.That(t, due, test.ShouldBeTrue)
	test.That(t, priors.Accel, test.ShouldEqual, 0)
	test.That(t, priors.Gyro, test.ShouldEqual, 0)
	test.That(t, s.Stage(), test.ShouldEqual, StageTwoPending)

	// settles into converged, no further requests
	_, due = s.Advance(1000)
	test.That(t, due, test.ShouldBeFalse)
	test.That(t, s.Stage(), test.ShouldEqual, StageConverged)
	_, due = s.Advance(2000)
	test.That(t, due, test.ShouldBeFalse)
}

func TestMarkInitializedOnlyOnce(t *testing.T) {
	s := NewStaging()
	s.MarkInitialized(10)
	s.MarkInitialized(50)
	test.That(t, s.FirstInitTime(), test.ShouldEqual, 10.0)
}
