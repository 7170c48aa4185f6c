package initializer

// Stage tracks how far the staged IMU bring-up has progressed. Early
// attempts pull the bias estimate hard toward zero; once enough trajectory
// has accumulated the priors are dropped entirely.
type Stage int

// Bring-up stages, in order.
const (
	StageUninitialized Stage = iota
	StageOnePending
	StageOneDone
	StageTwoPending
	StageConverged
)

// Priors are the zero-bias pull weights for one initialization attempt.
type Priors struct {
	Accel float64
	Gyro  float64
}

// DefaultPriors are used for the very first attempt.
var DefaultPriors = Priors{Accel: 1e3, Gyro: 1e1}

// Stage thresholds in seconds of keyframe time since the first successful
// initialization.
const (
	stageOneElapsed = 5.0
	stageTwoElapsed = 15.0
)

var stageOnePriors = Priors{Accel: 1e4, Gyro: 1e1}
var stageTwoPriors = Priors{}

// Staging is the finite-state machine replacing the original global
// mutable flags: it owns the first-initialization timestamp and decides when
// a re-initialization with which priors is due.
type Staging struct {
	stage     Stage
	firstInit float64
}

// NewStaging starts uninitialized.
func NewStaging() *Staging {
	return &Staging{stage: StageUninitialized}
}

// Stage returns the current stage.
func (s *Staging) Stage() Stage { return s.stage }

// FirstInitTime returns the keyframe time of the first successful
// initialization; meaningless before StageOnePending.
func (s *Staging) FirstInitTime() float64 { return s.firstInit }

// MarkInitialized records the first successful initialization at keyframe
// time t.
func (s *Staging) MarkInitialized(t float64) {
	if s.stage == StageUninitialized {
		s.stage = StageOnePending
		s.firstInit = t
	}
}

// Advance inspects the newest keyframe time and reports whether a
// re-initialization is due and with which priors. It transitions at most one
// stage per call.
func (s *Staging) Advance(now float64) (Priors, bool) {
	switch s.stage {
	case StageOnePending:
		if now-s.firstInit > stageOneElapsed {
			s.stage = StageOneDone
			return stageOnePriors, true
		}
	case StageOneDone:
		if now-s.firstInit > stageTwoElapsed {
			s.stage = StageTwoPending
			return stageTwoPriors, true
		}
	case StageTwoPending:
		s.stage = StageConverged
	}
	return DefaultPriors, false
}
