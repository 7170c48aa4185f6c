// Package backend runs the sliding-window optimization worker: it coalesces
// map-update notifications, solves the windowed bundle over poses, landmarks
// and IMU states, rejects reprojection outliers, and hands the resulting
// correction to the pose graph for forward propagation.
package backend

import (
	"context"
	"math"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	goutils "go.viam.com/utils"

	"github.com/vilo-slam/vilo/camera"
	"github.com/vilo-slam/vilo/frame"
	"github.com/vilo-slam/vilo/initializer"
	"github.com/vilo-slam/vilo/posegraph"
	"github.com/vilo-slam/vilo/solver"
)

// Status is the worker's pause handshake state.
type Status int32

// Worker states. Pause moves the worker RUNNING -> TO_PAUSE, the worker
// acknowledges by entering PAUSING, and Continue returns it to RUNNING.
const (
	StatusRunning Status = iota
	StatusToPause
	StatusPausing
)

// TrackingStatus mirrors the frontend's notion of tracking health.
type TrackingStatus int

// Frontend tracking states.
const (
	TrackingInit TrackingStatus = iota
	TrackingGood
	TrackingBad
	TrackingLost
)

// Frontend is the tracking side the backend reports back to.
type Frontend interface {
	// UpdateCache refreshes the frontend's cached copies of optimized state.
	UpdateCache()
	// TrackingStatus returns the current tracking health.
	TrackingStatus() TrackingStatus
	// SetTrackingStatus is called by the backend when IMU bring-up succeeds.
	SetTrackingStatus(TrackingStatus)
	// ValidSince returns the earliest keyframe time whose raw sensor data is
	// still buffered; initialization windows must not reach behind it.
	ValidSince() float64
}

// WindowOptimizer contributes extra residual blocks to the windowed problem,
// the hook a lidar or wheel-odometry module plugs into.
type WindowOptimizer interface {
	AugmentProblem(problem *solver.Problem, window frame.Window)
}

// AbsoluteOptimizer corrects the trajectory against an absolute reference
// such as GNSS fixes, e.g. a global mapping module.
type AbsoluteOptimizer interface {
	// Optimize refines absolute measurements up to the window end time and
	// returns the earliest keyframe time whose correction must be diffused
	// back into the map; zero means nothing changed.
	Optimize(ctx context.Context, endTime float64) float64
	// ToWorld re-expresses one keyframe in the corrected world frame.
	ToWorld(kf *frame.Keyframe)
}

// Config holds the backend tuning knobs.
type Config struct {
	// WindowSize is the optimization window span in seconds of keyframe time.
	WindowSize float64 `json:"window_size"`
	// InitFrames is how many keyframes an IMU initialization attempt needs.
	InitFrames int `json:"init_frames"`
	// OutlierThresholdPx is the reprojection distance beyond which an
	// observation is discarded after a solve.
	OutlierThresholdPx float64 `json:"outlier_threshold_px"`
	// HuberDelta is the robust-loss scale applied to visual residuals.
	HuberDelta float64 `json:"huber_delta"`
	// SolveBudgetFactor scales WindowSize into the wall-clock solve budget.
	SolveBudgetFactor float64 `json:"solve_budget_factor"`
	// UseIMU enables inertial factors and the bring-up state machine.
	UseIMU bool `json:"use_imu"`
}

// DefaultConfig returns the tuning the stack ships with.
func DefaultConfig() Config {
	return Config{
		WindowSize:         3,
		InitFrames:         10,
		OutlierThresholdPx: 10,
		HuberDelta:         1,
		SolveBudgetFactor:  0.6,
	}
}

// Validate ensures all parts of the config are valid.
func (c *Config) Validate(path string) error {
	if c.WindowSize <= 0 {
		return errors.Errorf("error validating %q: window_size must be positive", path)
	}
	if c.OutlierThresholdPx <= 0 {
		return errors.Errorf("error validating %q: outlier_threshold_px must be positive", path)
	}
	if c.HuberDelta <= 0 {
		return errors.Errorf("error validating %q: huber_delta must be positive", path)
	}
	if c.SolveBudgetFactor <= 0 || c.SolveBudgetFactor > 1 {
		return errors.Errorf("error validating %q: solve_budget_factor must be in (0, 1]", path)
	}
	if c.UseIMU && c.InitFrames < 2 {
		return errors.Errorf("error validating %q: init_frames must be at least 2", path)
	}
	return nil
}

// timeEpsilon separates a propagation start from the last optimized keyframe
// so the keyframe itself is never re-propagated.
const timeEpsilon = 1e-6

// Backend owns the optimization worker goroutine.
type Backend struct {
	logger golog.Logger
	clk    clock.Clock
	cfg    Config
	cam    *camera.Pinhole

	m        *frame.Map
	graph    *posegraph.PoseGraph
	frontend Frontend
	init     *initializer.Initializer
	staging  *initializer.Staging

	window   WindowOptimizer
	absolute AbsoluteOptimizer

	mu       sync.Mutex
	cond     *sync.Cond
	status   Status
	pending  bool
	finished float64

	cancelCtx               context.Context
	cancel                  func()
	activeBackgroundWorkers sync.WaitGroup
}

// Option configures optional collaborators before the worker starts.
type Option func(*Backend)

// WithClock substitutes the wall clock, for tests.
func WithClock(c clock.Clock) Option {
	return func(b *Backend) { b.clk = c }
}

// WithWindowOptimizer plugs in an extra residual contributor.
func WithWindowOptimizer(w WindowOptimizer) Option {
	return func(b *Backend) { b.window = w }
}

// WithAbsoluteOptimizer plugs in a settled-trajectory optimizer.
func WithAbsoluteOptimizer(a AbsoluteOptimizer) Option {
	return func(b *Backend) { b.absolute = a }
}

// New validates the config and starts the worker goroutine.
func New(
	cfg Config,
	cam *camera.Pinhole,
	m *frame.Map,
	graph *posegraph.PoseGraph,
	frontend Frontend,
	logger golog.Logger,
	opts ...Option,
) (*Backend, error) {
	if err := cfg.Validate("backend"); err != nil {
		return nil, err
	}
	if err := cam.Validate("backend.camera"); err != nil {
		return nil, err
	}

	cancelCtx, cancel := context.WithCancel(context.Background())
	b := &Backend{
		logger: logger,
		clk:    clock.New(),
		cfg:    cfg,
		cam:    cam,
		m:      m,
		graph:  graph,
		// nothing is settled until a first pass completes
		finished:  math.Inf(-1),
		frontend:  frontend,
		cancelCtx: cancelCtx,
		cancel:    cancel,
	}
	if cfg.UseIMU {
		b.init = initializer.New(cfg.InitFrames, logger)
		b.staging = initializer.NewStaging()
	}
	for _, opt := range opts {
		opt(b)
	}
	b.cond = sync.NewCond(&b.mu)

	b.activeBackgroundWorkers.Add(1)
	goutils.ManagedGo(b.loop, b.activeBackgroundWorkers.Done)
	return b, nil
}

// UpdateMap notifies the worker that the map changed. Notifications coalesce:
// any number of calls before the next pass trigger exactly one pass.
func (b *Backend) UpdateMap() {
	b.mu.Lock()
	b.pending = true
	b.mu.Unlock()
	b.cond.Broadcast()
}

// Pause asks the worker to stop optimizing and blocks until it has
// acknowledged, even if a solve is in flight.
func (b *Backend) Pause() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.status != StatusRunning {
		return
	}
	b.status = StatusToPause
	b.cond.Broadcast()
	for b.status == StatusToPause {
		b.cond.Wait()
	}
}

// Continue resumes a paused worker.
func (b *Backend) Continue() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.status != StatusPausing {
		return
	}
	b.status = StatusRunning
	b.cond.Broadcast()
}

// Finished returns the settled-trajectory watermark: keyframes at or before
// it are no longer touched by the window.
func (b *Backend) Finished() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.finished
}

// Close stops the worker and waits for it to exit.
func (b *Backend) Close() error {
	b.cancel()
	b.cond.Broadcast()
	b.activeBackgroundWorkers.Wait()
	return nil
}

func (b *Backend) loop() {
	for {
		b.mu.Lock()
		for b.cancelCtx.Err() == nil && b.status != StatusToPause && !b.pending {
			b.cond.Wait()
		}
		if b.cancelCtx.Err() != nil {
			b.mu.Unlock()
			return
		}
		if b.status == StatusToPause {
			b.status = StatusPausing
			b.cond.Broadcast()
			for b.status == StatusPausing && b.cancelCtx.Err() == nil {
				b.cond.Wait()
			}
			b.mu.Unlock()
			continue
		}
		b.pending = false
		b.mu.Unlock()

		started := b.clk.Now()
		b.optimize(b.cancelCtx)
		b.logger.Debugw("optimization pass done", "took", b.clk.Since(started).String())
	}
}
