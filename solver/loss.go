package solver

import "math"

// Loss reshapes the squared norm of a residual block so outliers do not
// dominate the solve.
type Loss interface {
	// Cost returns rho(s) for squared norm s.
	Cost(s float64) float64
	// Weight returns sqrt(rho'(s)), the factor applied to the residual and
	// its Jacobian rows.
	Weight(s float64) float64
}

// TrivialLoss leaves residuals untouched.
type TrivialLoss struct{}

// Cost returns s.
func (TrivialLoss) Cost(s float64) float64 { return s }

// Weight returns 1.
func (TrivialLoss) Weight(float64) float64 { return 1 }

// HuberLoss is quadratic near zero and linear past Delta.
type HuberLoss struct {
	Delta float64
}

// Cost returns the Huber cost of squared norm s.
func (l HuberLoss) Cost(s float64) float64 {
	d2 := l.Delta * l.Delta
	if s <= d2 {
		return s
	}
	return 2*l.Delta*math.Sqrt(s) - d2
}

// Weight returns sqrt(rho'(s)).
func (l HuberLoss) Weight(s float64) float64 {
	d2 := l.Delta * l.Delta
	if s <= d2 {
		return 1
	}
	return math.Sqrt(l.Delta / math.Sqrt(s))
}
