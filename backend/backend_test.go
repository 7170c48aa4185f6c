package backend

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"go.viam.com/test"

	"github.com/vilo-slam/vilo/camera"
	"github.com/vilo-slam/vilo/frame"
	"github.com/vilo-slam/vilo/imu"
	"github.com/vilo-slam/vilo/posegraph"
	"github.com/vilo-slam/vilo/spatialmath"
)

type fakeFrontend struct {
	mu         sync.Mutex
	status     TrackingStatus
	updates    int
	validSince float64
}

func (f *fakeFrontend) UpdateCache() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates++
}

func (f *fakeFrontend) Updates() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.updates
}

func (f *fakeFrontend) TrackingStatus() TrackingStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *fakeFrontend) SetTrackingStatus(s TrackingStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status = s
}

func (f *fakeFrontend) ValidSince() float64 { return f.validSince }

func testCamera() *camera.Pinhole {
	return &camera.Pinhole{Fx: 500, Fy: 500, Ppx: 320, Ppy: 240}
}

func worldPoints() []r3.Vector {
	pts := make([]r3.Vector, 0, 9)
	for _, x := range []float64{-2, 0, 2} {
		for _, y := range []float64{-1.5, 0, 1.5} {
			pts = append(pts, r3.Vector{X: x, Y: y, Z: 10 + x/2 + y/3})
		}
	}
	return pts
}

// visualScene builds five keyframes sliding along x with every world point
// observed perfectly from every frame, anchored at the first frame.
func visualScene(t *testing.T, logger golog.Logger) (*frame.Map, []spatialmath.SE3, []uint64) {
	t.Helper()
	cam := testCamera()
	m := frame.NewMap(logger)

	truth := make([]spatialmath.SE3, 5)
	kfs := make([]*frame.Keyframe, 5)
	for i := range truth {
		truth[i] = spatialmath.NewSE3(spatialmath.NewZeroSE3().R, r3.Vector{X: 0.125 * float64(i)})
		kfs[i] = m.NewKeyframe(float64(i))
		kfs[i].SetPose(truth[i])
		test.That(t, m.InsertKeyFrame(kfs[i]), test.ShouldBeNil)
	}

	var ids []uint64
	for _, pw := range worldPoints() {
		lm := &frame.Landmark{Position: truth[0].Inverse().TransformPoint(pw)}
		m.InsertLandmark(lm)
		for i, kf := range kfs {
			px := cam.Project(truth[i].Inverse().TransformPoint(pw))
			lm.AddObserver(kf.ID)
			kf.AddObservation(lm.ID, px)
		}
		ids = append(ids, lm.ID)
	}
	return m, truth, ids
}

func newTestBackend(t *testing.T, cfg Config, m *frame.Map, f *fakeFrontend, opts ...Option) *Backend {
	t.Helper()
	logger := golog.NewTestLogger(t)
	b, err := New(cfg, testCamera(), m, posegraph.New(m, logger), f, logger, opts...)
	test.That(t, err, test.ShouldBeNil)
	t.Cleanup(func() { test.That(t, b.Close(), test.ShouldBeNil) })
	return b
}

func TestWindowSolveRecoversPerturbedPoses(t *testing.T) {
	logger := golog.NewTestLogger(t)
	m, truth, ids := visualScene(t, logger)

	window := m.GetKeyFrames(-1)
	for i, kf := range window {
		if i == 0 {
			continue
		}
		p := truth[i]
		p.R = spatialmath.Normalize(spatialmath.QuatFromYPR(
			0.2*float64(i), -0.1*float64(i), 0.15*float64(i)))
		p.T = p.T.Add(r3.Vector{X: 0.02, Y: -0.015, Z: 0.01})
		kf.SetPose(p)
	}

	f := &fakeFrontend{}
	b := newTestBackend(t, DefaultConfig(), m, f)
	b.optimize(context.Background())

	for i, kf := range m.GetKeyFrames(-1) {
		test.That(t, kf.Pose().AlmostEqual(truth[i], 1e-6), test.ShouldBeTrue)
	}
	// clean data: nothing rejected, every landmark still fully observed
	for _, id := range ids {
		lm, ok := m.Landmark(id)
		test.That(t, ok, test.ShouldBeTrue)
		test.That(t, lm.NumObservers(), test.ShouldEqual, 5)
	}
	test.That(t, f.Updates(), test.ShouldEqual, 1)
}

func TestOutlierObservationIsRemoved(t *testing.T) {
	logger := golog.NewTestLogger(t)
	m, truth, ids := visualScene(t, logger)
	cam := testCamera()

	kfs := m.GetKeyFrames(-1)
	pw := r3.Vector{X: 0.5, Y: 0.5, Z: 9}
	bad := &frame.Landmark{Position: truth[0].Inverse().TransformPoint(pw)}
	m.InsertLandmark(bad)
	bad.AddObserver(kfs[0].ID)
	kfs[0].AddObservation(bad.ID, cam.Project(truth[0].Inverse().TransformPoint(pw)))
	bad.AddObserver(kfs[1].ID)
	off := cam.Project(truth[1].Inverse().TransformPoint(pw))
	kfs[1].AddObservation(bad.ID, r2.Point{X: off.X + 50, Y: off.Y})

	f := &fakeFrontend{}
	b := newTestBackend(t, DefaultConfig(), m, f)
	b.optimize(context.Background())

	// the corrupted landmark lost its only healthy pairing and was dropped
	_, ok := m.Landmark(bad.ID)
	test.That(t, ok, test.ShouldBeFalse)
	_, stillObserved := kfs[1].Observations[bad.ID]
	test.That(t, stillObserved, test.ShouldBeFalse)
	for _, id := range ids {
		_, ok := m.Landmark(id)
		test.That(t, ok, test.ShouldBeTrue)
	}
}

func TestOutlierThresholdIsStrict(t *testing.T) {
	logger := golog.NewTestLogger(t)
	m, truth, _ := visualScene(t, logger)
	cam := testCamera()
	kfs := m.GetKeyFrames(-1)

	addPair := func(pw r3.Vector, offset float64) *frame.Landmark {
		lm := &frame.Landmark{Position: truth[0].Inverse().TransformPoint(pw)}
		m.InsertLandmark(lm)
		lm.AddObserver(kfs[0].ID)
		kfs[0].AddObservation(lm.ID, cam.Project(truth[0].Inverse().TransformPoint(pw)))
		lm.AddObserver(kfs[1].ID)
		px := cam.Project(truth[1].Inverse().TransformPoint(pw))
		kfs[1].AddObservation(lm.ID, r2.Point{X: px.X + offset, Y: px.Y})
		return lm
	}
	// power-of-two coordinates keep the projected pixels and the 10px offset
	// exact, so the at-limit error is 10.0 to the last bit
	atLimit := addPair(r3.Vector{X: 2.625, Y: -1.25, Z: 8}, 10.0)
	pastLimit := addPair(r3.Vector{X: -1.375, Y: 1.25, Z: 8}, 10.0000001)

	f := &fakeFrontend{}
	b := newTestBackend(t, DefaultConfig(), m, f)
	removed := b.rejectOutliers(m.SnapshotWindow(m.GetKeyFrames(-1)))

	test.That(t, removed, test.ShouldEqual, 1)
	_, ok := m.Landmark(atLimit.ID)
	test.That(t, ok, test.ShouldBeTrue)
	_, stillObserved := kfs[1].Observations[atLimit.ID]
	test.That(t, stillObserved, test.ShouldBeTrue)
	_, ok = m.Landmark(pastLimit.ID)
	test.That(t, ok, test.ShouldBeFalse)
}

func TestPauseBlocksOptimization(t *testing.T) {
	logger := golog.NewTestLogger(t)
	m := frame.NewMap(logger)
	kf := m.NewKeyframe(1)
	kf.SetPose(spatialmath.NewZeroSE3())
	test.That(t, m.InsertKeyFrame(kf), test.ShouldBeNil)

	f := &fakeFrontend{}
	b := newTestBackend(t, DefaultConfig(), m, f)

	b.Pause()

	// notifications while paused are remembered but must not start a pass
	b.UpdateMap()
	time.Sleep(100 * time.Millisecond)
	test.That(t, f.Updates(), test.ShouldEqual, 0)

	b.Continue()
	deadline := time.Now().Add(5 * time.Second)
	for f.Updates() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	test.That(t, f.Updates(), test.ShouldEqual, 1)

	// a second pause round-trips cleanly from idle
	b.Pause()
	b.Continue()
}

func TestIMUBringUp(t *testing.T) {
	logger := golog.NewTestLogger(t)
	m := frame.NewMap(logger)
	addStationaryFrames(t, m, 10, 0)

	cfg := DefaultConfig()
	cfg.UseIMU = true
	cfg.InitFrames = 5
	f := &fakeFrontend{}
	b := newTestBackend(t, cfg, m, f)
	b.optimize(context.Background())

	test.That(t, f.TrackingStatus(), test.ShouldEqual, TrackingGood)
	for _, kf := range m.GetKeyFrames(0) {
		test.That(t, kf.TrustedIMU, test.ShouldBeTrue)
		test.That(t, kf.Velocity().Norm(), test.ShouldAlmostEqual, 0, 1e-6)
	}
}

// addStationaryFrames inserts n keyframes at the identity pose one second
// apart; frames with index >= withPreintFrom carry a stationary
// pre-integration summary.
func addStationaryFrames(t *testing.T, m *frame.Map, n, withPreintFrom int) {
	t.Helper()
	for i := 0; i < n; i++ {
		kf := m.NewKeyframe(float64(i))
		kf.SetPose(spatialmath.NewZeroSE3())
		if i >= withPreintFrom {
			p := imu.NewPreintegration(imu.Bias{})
			for s := 0; s < 100; s++ {
				p.IntegrateMeasurement(r3.Vector{Z: imu.GravityMagnitude}, r3.Vector{}, 0.01)
			}
			kf.Preintegration = p
		}
		test.That(t, m.InsertKeyFrame(kf), test.ShouldBeNil)
	}
}

func TestIMUBringUpWaitsForLeadingPreintegration(t *testing.T) {
	logger := golog.NewTestLogger(t)
	m := frame.NewMap(logger)
	// the earliest candidate frame has no pre-integration summary yet
	addStationaryFrames(t, m, 10, 1)

	cfg := DefaultConfig()
	cfg.UseIMU = true
	cfg.InitFrames = 5
	f := &fakeFrontend{}
	b := newTestBackend(t, cfg, m, f)
	b.optimize(context.Background())

	test.That(t, f.TrackingStatus(), test.ShouldEqual, TrackingInit)
	test.That(t, b.init.Initialized(), test.ShouldBeFalse)
	for _, kf := range m.GetKeyFrames(-1) {
		test.That(t, kf.TrustedIMU, test.ShouldBeFalse)
	}
}

func TestRealignRestoresYawAndPosition(t *testing.T) {
	logger := golog.NewTestLogger(t)
	m := frame.NewMap(logger)
	oldFirst := spatialmath.NewSE3(
		spatialmath.Normalize(spatialmath.QuatFromYPR(30, 0, 0)),
		r3.Vector{X: 1, Y: 2, Z: 0.5},
	)
	for i := 0; i < 2; i++ {
		kf := m.NewKeyframe(float64(i))
		kf.SetPose(oldFirst)
		test.That(t, m.InsertKeyFrame(kf), test.ShouldBeNil)
	}

	f := &fakeFrontend{}
	b := newTestBackend(t, DefaultConfig(), m, f)

	// simulate a solve that drifted the whole window by 10 degrees of yaw
	// while correcting the first frame's pitch
	states := m.SnapshotWindow(m.GetKeyFrames(-1))
	states[0].SetPose(spatialmath.NewSE3(
		spatialmath.Normalize(spatialmath.QuatFromYPR(40, 5, 0)),
		r3.Vector{X: 1.5, Y: 2.2, Z: 0.6},
	))
	states[1].SetPose(spatialmath.NewSE3(
		spatialmath.Normalize(spatialmath.QuatFromYPR(40, 0, 0)),
		r3.Vector{X: 2.5, Y: 2.2, Z: 0.6},
	))
	states[1].SetVelocity(r3.Vector{X: 1})

	b.realign(states, oldFirst)

	// the first frame is back at its pre-solve yaw and position while the
	// gravity-observable pitch correction survives
	first := states[0].PoseSE3()
	yaw, pitch, _ := first.YPR()
	test.That(t, yaw, test.ShouldAlmostEqual, 30, 1e-9)
	test.That(t, pitch, test.ShouldAlmostEqual, 5, 1e-9)
	test.That(t, first.T.X, test.ShouldAlmostEqual, 1, 1e-12)
	test.That(t, first.T.Y, test.ShouldAlmostEqual, 2, 1e-12)
	test.That(t, first.T.Z, test.ShouldAlmostEqual, 0.5, 1e-12)

	// the second frame moved rigidly with the window
	second := states[1].PoseSE3()
	yaw2, _, _ := second.YPR()
	test.That(t, yaw2, test.ShouldAlmostEqual, 30, 1e-9)
	c, s := math.Cos(10*math.Pi/180), math.Sin(-10*math.Pi/180)
	test.That(t, second.T.X, test.ShouldAlmostEqual, 1+c, 1e-9)
	test.That(t, second.T.Y, test.ShouldAlmostEqual, 2+s, 1e-9)
	v := states[1].Velocity()
	test.That(t, v.X, test.ShouldAlmostEqual, c, 1e-9)
	test.That(t, v.Y, test.ShouldAlmostEqual, s, 1e-9)
}

func TestRealignPitchSingularityFallsBackToFullRotation(t *testing.T) {
	logger := golog.NewTestLogger(t)
	m := frame.NewMap(logger)
	oldFirst := spatialmath.NewSE3(
		spatialmath.Normalize(spatialmath.QuatFromYPR(20, 89.5, 0)),
		r3.Vector{X: 3, Y: -1, Z: 2},
	)
	kf := m.NewKeyframe(0)
	kf.SetPose(oldFirst)
	test.That(t, m.InsertKeyFrame(kf), test.ShouldBeNil)

	f := &fakeFrontend{}
	b := newTestBackend(t, DefaultConfig(), m, f)

	states := m.SnapshotWindow(m.GetKeyFrames(-1))
	states[0].SetPose(spatialmath.NewSE3(
		spatialmath.Normalize(spatialmath.QuatFromYPR(50, 85, 3)),
		r3.Vector{X: 3.1, Y: -0.8, Z: 2.2},
	))

	b.realign(states, oldFirst)

	// near the singularity the yaw decomposition is abandoned and the first
	// frame's full pre-solve rotation is restored
	test.That(t, states[0].PoseSE3().AlmostEqual(oldFirst, 1e-9), test.ShouldBeTrue)
}

type fakeAbsolute struct {
	mu      sync.Mutex
	start   float64
	endSeen float64
	toWorld []float64
}

func (a *fakeAbsolute) Optimize(ctx context.Context, endTime float64) float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.endSeen = endTime
	return a.start
}

func (a *fakeAbsolute) ToWorld(kf *frame.Keyframe) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.toWorld = append(a.toWorld, kf.Time)
}

func TestAbsoluteCorrectionDiffusesToNewerFrames(t *testing.T) {
	logger := golog.NewTestLogger(t)
	m, _, _ := visualScene(t, logger)

	abs := &fakeAbsolute{start: 2}
	f := &fakeFrontend{}
	b := newTestBackend(t, DefaultConfig(), m, f, WithAbsoluteOptimizer(abs))
	b.optimize(context.Background())

	abs.mu.Lock()
	defer abs.mu.Unlock()
	test.That(t, abs.endSeen, test.ShouldEqual, 4)
	test.That(t, abs.toWorld, test.ShouldResemble, []float64{2, 3, 4})
}

func TestAbsoluteZeroStartSkipsDiffusion(t *testing.T) {
	logger := golog.NewTestLogger(t)
	m, _, _ := visualScene(t, logger)

	abs := &fakeAbsolute{}
	f := &fakeFrontend{}
	b := newTestBackend(t, DefaultConfig(), m, f, WithAbsoluteOptimizer(abs))
	b.optimize(context.Background())

	abs.mu.Lock()
	defer abs.mu.Unlock()
	test.That(t, abs.endSeen, test.ShouldEqual, 4)
	test.That(t, len(abs.toWorld), test.ShouldEqual, 0)
}

func TestLiveFrameGainsObservationsDuringSolve(t *testing.T) {
	logger := golog.NewTestLogger(t)
	m, truth, _ := visualScene(t, logger)
	cam := testCamera()
	kfs := m.GetKeyFrames(-1)
	live := kfs[len(kfs)-1]
	m.SetLiveFrameID(live.ID)

	f := &fakeFrontend{}
	b := newTestBackend(t, DefaultConfig(), m, f)

	done := make(chan struct{})
	go func() {
		defer close(done)
		pw := r3.Vector{X: 0.25, Y: 0.25, Z: 9}
		px := cam.Project(truth[4].Inverse().TransformPoint(pw))
		for i := 0; i < 200; i++ {
			lm := &frame.Landmark{Position: truth[4].Inverse().TransformPoint(pw)}
			m.InsertLandmark(lm)
			m.AddObservation(live, lm.ID, px)
		}
	}()
	for i := 0; i < 10; i++ {
		b.optimize(context.Background())
	}
	<-done

	test.That(t, f.Updates(), test.ShouldEqual, 10)
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	test.That(t, cfg.Validate("backend"), test.ShouldBeNil)

	bad := cfg
	bad.WindowSize = 0
	test.That(t, bad.Validate("backend"), test.ShouldNotBeNil)

	bad = cfg
	bad.SolveBudgetFactor = 1.5
	test.That(t, bad.Validate("backend"), test.ShouldNotBeNil)

	bad = cfg
	bad.UseIMU = true
	bad.InitFrames = 1
	test.That(t, bad.Validate("backend"), test.ShouldNotBeNil)
}
