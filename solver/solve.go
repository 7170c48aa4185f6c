package solver

import (
	"context"
	"math"
	"runtime"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Options bound a single solve.
type Options struct {
	// MaxIterations caps the number of accepted trust-region steps.
	MaxIterations int
	// MaxTime is the wall-clock budget; zero means unbounded.
	MaxTime time.Duration
	// Clock supplies the wall time MaxTime is measured against; nil means
	// the system clock.
	Clock clock.Clock
	// NumThreads bounds parallel residual and Jacobian evaluation.
	NumThreads int
	// GradientTolerance stops the solve once the max-norm of the gradient
	// falls below it.
	GradientTolerance float64
	// CostTolerance stops the solve once the relative cost decrease of a
	// step falls below it.
	CostTolerance float64
}

// DefaultOptions returns the options the backend starts from.
func DefaultOptions() Options {
	return Options{
		MaxIterations:     50,
		NumThreads:        runtime.NumCPU(),
		GradientTolerance: 1e-10,
		CostTolerance:     1e-9,
		Clock:             clock.New(),
	}
}

// Summary reports how a solve went.
type Summary struct {
	InitialCost float64
	FinalCost   float64
	Iterations  int
	Converged   bool
	Message     string
}

const (
	jacobianStep  = 1e-6
	initialLambda = 1e-4
	minLambda     = 1e-12
	maxStepTries  = 6
)

// Solve runs Levenberg-Marquardt over the free parameter blocks, mutating
// them in place. Rank-deficient normal equations are handled by raising the
// damping rather than failing, so Schur-style ill-conditioning degrades to
// slow progress instead of an error.
func (p *Problem) Solve(ctx context.Context, opts Options) Summary {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	start := opts.Clock.Now()
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = DefaultOptions().MaxIterations
	}
	if opts.NumThreads <= 0 {
		opts.NumThreads = runtime.NumCPU()
	}
	if opts.GradientTolerance == 0 {
		opts.GradientTolerance = DefaultOptions().GradientTolerance
	}
	if opts.CostTolerance == 0 {
		opts.CostTolerance = DefaultOptions().CostTolerance
	}

	free, n := p.layout()
	m := p.NumResiduals()
	if n == 0 || m == 0 {
		return Summary{Converged: true, Message: "nothing to optimize"}
	}

	res := mat.NewVecDense(m, nil)
	cost := p.evaluateAll(res)
	summary := Summary{InitialCost: cost}

	lambda := initialLambda
	jac := mat.NewDense(m, n, nil)
	for iter := 0; iter < opts.MaxIterations; iter++ {
		if opts.MaxTime > 0 && opts.Clock.Since(start) > opts.MaxTime {
			summary.Message = "wall-clock budget exhausted"
			break
		}
		if ctx.Err() != nil {
			summary.Message = "context cancelled"
			break
		}

		p.numericJacobian(jac, opts.NumThreads)

		var grad mat.VecDense
		grad.MulVec(jac.T(), res)
		if mat.Norm(&grad, math.Inf(1)) < opts.GradientTolerance {
			summary.Converged = true
			summary.Message = "gradient tolerance reached"
			break
		}

		var jtj mat.Dense
		jtj.Mul(jac.T(), jac)

		accepted := false
		for try := 0; try < maxStepTries; try++ {
			step, ok := dampedSolve(&jtj, &grad, lambda, n)
			if !ok {
				lambda *= 10
				continue
			}

			snapshot := saveBlocks(free)
			applyStep(free, step)
			newCost := p.evaluateAll(nil)
			if newCost < cost {
				decrease := cost - newCost
				cost = newCost
				p.evaluateAll(res)
				lambda = math.Max(lambda*0.5, minLambda)
				accepted = true
				summary.Iterations++
				if decrease < opts.CostTolerance*math.Max(cost, 1e-12) {
					summary.Converged = true
					summary.Message = "cost tolerance reached"
				}
				break
			}
			restoreBlocks(free, snapshot)
			lambda *= 4
		}
		if summary.Converged {
			break
		}
		if !accepted {
			summary.Message = "no step found that decreases cost"
			break
		}
	}
	summary.FinalCost = cost
	if summary.Message == "" {
		summary.Message = "iteration limit reached"
	}
	return summary
}

// layout assigns tangent offsets to free blocks and residual row offsets,
// returning the free blocks and the total tangent dimension.
func (p *Problem) layout() ([]*paramBlock, int) {
	var free []*paramBlock
	n := 0
	for _, b := range p.order {
		if b.fixed {
			b.offset = -1
			continue
		}
		b.offset = n
		n += b.manifold.TangentDim()
		free = append(free, b)
	}
	row := 0
	for _, r := range p.residuals {
		r.row = row
		row += r.dim
	}
	return free, n
}

// evaluateAll computes the total robustified cost and, when dst is non-nil,
// fills it with the loss-scaled residual vector.
func (p *Problem) evaluateAll(dst *mat.VecDense) float64 {
	total := 0.0
	buf := make([]float64, 0, 32)
	params := make([][]float64, 0, 8)
	for _, r := range p.residuals {
		buf = buf[:0]
		for i := 0; i < r.dim; i++ {
			buf = append(buf, 0)
		}
		params = params[:0]
		for _, b := range r.blocks {
			params = append(params, b.values)
		}
		r.fn(params, buf)
		s := sqNorm(buf)
		total += 0.5 * r.loss.Cost(s)
		if dst != nil {
			w := r.loss.Weight(s)
			for i, v := range buf {
				dst.SetVec(r.row+i, w*v)
			}
		}
	}
	return total
}

// numericJacobian fills jac with central-difference derivatives on the
// tangent space. Residual blocks are evaluated in parallel; each writes only
// its own rows, and perturbed block values are passed as copies so shared
// blocks are never mutated.
func (p *Problem) numericJacobian(jac *mat.Dense, threads int) {
	var eg errgroup.Group
	eg.SetLimit(threads)
	for _, r := range p.residuals {
		r := r
		eg.Go(func() error {
			base := make([]float64, r.dim)
			params := make([][]float64, len(r.blocks))
			for i, b := range r.blocks {
				params[i] = b.values
			}
			r.fn(params, base)
			w := r.loss.Weight(sqNorm(base))

			plus := make([]float64, r.dim)
			minus := make([]float64, r.dim)
			for bi, b := range r.blocks {
				if b.offset < 0 {
					continue
				}
				td := b.manifold.TangentDim()
				delta := make([]float64, td)
				perturbed := make([]float64, len(b.values))
				for k := 0; k < td; k++ {
					delta[k] = jacobianStep
					copy(perturbed, b.values)
					b.manifold.Plus(perturbed, delta)
					params[bi] = perturbed
					for i := range plus {
						plus[i] = 0
					}
					r.fn(params, plus)

					delta[k] = -jacobianStep
					copy(perturbed, b.values)
					b.manifold.Plus(perturbed, delta)
					for i := range minus {
						minus[i] = 0
					}
					r.fn(params, minus)
					delta[k] = 0

					col := b.offset + k
					for i := 0; i < r.dim; i++ {
						jac.Set(r.row+i, col, w*(plus[i]-minus[i])/(2*jacobianStep))
					}
				}
				params[bi] = b.values
			}
			return nil
		})
	}
	// residual funcs cannot fail
	_ = eg.Wait()
}

// dampedSolve solves (JtJ + lambda*diag(JtJ)) dx = -g.
func dampedSolve(jtj *mat.Dense, grad *mat.VecDense, lambda float64, n int) ([]float64, bool) {
	a := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		d := jtj.At(i, i)
		a.SetSym(i, i, d+lambda*math.Max(d, 1e-12))
		for j := i + 1; j < n; j++ {
			a.SetSym(i, j, jtj.At(i, j))
		}
	}
	var chol mat.Cholesky
	if ok := chol.Factorize(a); !ok {
		return nil, false
	}
	neg := mat.NewVecDense(n, nil)
	neg.ScaleVec(-1, grad)
	var dx mat.VecDense
	if err := chol.SolveVecTo(&dx, neg); err != nil {
		return nil, false
	}
	out := make([]float64, n)
	copy(out, dx.RawVector().Data)
	return out, true
}

func saveBlocks(free []*paramBlock) [][]float64 {
	snap := make([][]float64, len(free))
	for i, b := range free {
		snap[i] = append([]float64(nil), b.values...)
	}
	return snap
}

func restoreBlocks(free []*paramBlock, snap [][]float64) {
	for i, b := range free {
		copy(b.values, snap[i])
	}
}

func applyStep(free []*paramBlock, step []float64) {
	for _, b := range free {
		td := b.manifold.TangentDim()
		b.manifold.Plus(b.values, step[b.offset:b.offset+td])
	}
}

func sqNorm(v []float64) float64 {
	return floats.Dot(v, v)
}
