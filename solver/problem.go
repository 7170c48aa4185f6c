package solver

import (
	"github.com/pkg/errors"
)

// Kind tags a residual block with the model that produced it so adapters can
// apply model-specific handling without runtime type inspection.
type Kind int

// The residual kinds the estimation core registers.
const (
	KindGeneric Kind = iota
	KindReprojection
	KindPoseOnlyReprojection
	KindIMU
	KindInertial
	KindPoseGraph
	KindPrior
)

// ResidualFunc evaluates a residual vector from the current values of its
// parameter blocks. Implementations must be pure: no side effects, output
// depending only on params.
type ResidualFunc func(params [][]float64, residuals []float64)

type paramBlock struct {
	values   []float64
	manifold Manifold
	fixed    bool

	// assigned at solve time
	offset int
}

type residualBlock struct {
	kind   Kind
	fn     ResidualFunc
	dim    int
	loss   Loss
	blocks []*paramBlock

	// assigned at solve time
	row int
}

// Problem is an incrementally constructed least-squares problem. Parameter
// block identity follows the backing array, so the same slice added twice is
// the same block.
type Problem struct {
	index     map[*float64]*paramBlock
	order     []*paramBlock
	residuals []*residualBlock
}

// NewProblem returns an empty problem.
func NewProblem() *Problem {
	return &Problem{index: map[*float64]*paramBlock{}}
}

func blockKey(values []float64) *float64 {
	return &values[0]
}

// AddParameterBlock registers a parameter block under the given manifold.
// Re-adding a known block is a no-op so callers can add defensively.
func (p *Problem) AddParameterBlock(values []float64, m Manifold) {
	if len(values) == 0 || len(values) != m.AmbientDim() {
		panic(errors.Errorf("parameter block of length %d does not fit manifold of ambient dimension %d",
			len(values), m.AmbientDim()))
	}
	if _, ok := p.index[blockKey(values)]; ok {
		return
	}
	b := &paramBlock{values: values, manifold: m}
	p.index[blockKey(values)] = b
	p.order = append(p.order, b)
}

// SetParameterBlockConstant holds a block fixed during the solve.
func (p *Problem) SetParameterBlockConstant(values []float64) {
	b, ok := p.index[blockKey(values)]
	if !ok {
		panic(errors.New("cannot fix a parameter block that was never added"))
	}
	b.fixed = true
}

// AddResidualBlock appends a residual of the given kind and dimension over
// the listed parameter blocks. Blocks not yet registered are added with a
// Euclidean manifold. A nil loss means no robustification.
func (p *Problem) AddResidualBlock(kind Kind, fn ResidualFunc, dim int, loss Loss, blocks ...[]float64) {
	if loss == nil {
		loss = TrivialLoss{}
	}
	rb := &residualBlock{kind: kind, fn: fn, dim: dim, loss: loss}
	for _, values := range blocks {
		b, ok := p.index[blockKey(values)]
		if !ok {
			p.AddParameterBlock(values, Euclidean{N: len(values)})
			b = p.index[blockKey(values)]
		}
		rb.blocks = append(rb.blocks, b)
	}
	p.residuals = append(p.residuals, rb)
}

// NumParameterBlocks returns how many parameter blocks are registered.
func (p *Problem) NumParameterBlocks() int { return len(p.order) }

// NumResidualBlocks returns how many residual blocks are registered.
func (p *Problem) NumResidualBlocks() int { return len(p.residuals) }

// NumResiduals returns the total residual dimension.
func (p *Problem) NumResiduals() int {
	n := 0
	for _, r := range p.residuals {
		n += r.dim
	}
	return n
}
