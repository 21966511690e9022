// Package gradsearch implements a deterministic gradient hill-climber with an
// adaptive step size.
//
// Every step estimates the gradient of the utility function by finite
// differences, proposes a move along the descent (or ascent) direction and
// keeps it only if the utility strictly improves. Accepted moves grow the
// step size, rejected ones shrink it. The search can stall on plateaus and
// saddle points.
//
// A GradSearch is not safe for concurrent use.
package gradsearch

import (
	"fmt"
	"io"
	"math"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/floats"

	"github.com/copyleftdev/gradsearch/internal/optimization"
)

const component = "gradsearch"

var _ optimization.Optimizer = (*GradSearch[any])(nil)

// Stats counts step outcomes.
type Stats struct {
	Accepted  int
	Rejected  int
	NonFinite int
}

// GradSearch is a gradient search over a vector of fixed dimension. The
// payload P is handed to the utility function unchanged on every call.
type GradSearch[P any] struct {
	payload   P
	fn        optimization.UtilityFunction[P]
	direction optimization.Direction
	settings  Settings
	logger    *zap.Logger

	vector []float64
	*workspace

	stepSize     float64
	iterations   int
	lastUtility  float64
	lastAccepted bool
	stats        Stats
	history      []optimization.Evaluation
	destroyed    bool
}

// New creates a gradient search starting at a copy of initial.
func New[P any](payload P, initial []float64, fn optimization.UtilityFunction[P], dir optimization.Direction, opts ...Option) (*GradSearch[P], error) {
	if len(initial) == 0 {
		return nil, optimization.WrapError(optimization.ErrInvalidDimension, "initial vector is empty").
			WithOperation("create").WithComponent(component)
	}
	if fn == nil {
		return nil, optimization.NewError("utility function is required").
			WithOperation("create").WithComponent(component)
	}
	if !dir.Valid() {
		return nil, optimization.NewErrorf("invalid direction %v", dir).
			WithOperation("create").WithComponent(component)
	}

	settings := DefaultSettings()
	for _, opt := range opts {
		opt(&settings)
	}
	if err := settings.validate(); err != nil {
		return nil, optimization.WrapError(err, "invalid settings").
			WithOperation("create").WithComponent(component)
	}

	logger := settings.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	n := len(initial)
	gs := &GradSearch[P]{
		payload:     payload,
		fn:          fn,
		direction:   dir,
		settings:    settings,
		logger:      logger.With(zap.String("component", component), zap.Int("dimension", n)),
		vector:      append([]float64(nil), initial...),
		workspace:   workspaces.get(n),
		stepSize:    math.Max(settings.StepSize, settings.MinStepSize),
		lastUtility: math.NaN(),
	}
	return gs, nil
}

// Step runs one propose-evaluate-accept cycle and returns the utility of the
// vector before the step was applied.
func (gs *GradSearch[P]) Step() float64 {
	gs.mustBeAlive("step")

	u0 := gs.eval(gs.vector)
	stepSize := gs.stepSize

	var record []float64
	if gs.settings.RecordHistory {
		record = append([]float64(nil), gs.vector...)
	}

	accepted, err := gs.advance(u0)

	gs.iterations++
	gs.lastAccepted = accepted
	switch {
	case accepted:
		gs.stats.Accepted++
	case err != nil:
		gs.stats.Rejected++
		gs.stats.NonFinite++
		gs.lastUtility = u0
	default:
		gs.stats.Rejected++
		gs.lastUtility = u0
	}

	if gs.settings.RecordHistory {
		gs.history = append(gs.history, optimization.Evaluation{
			Iteration: gs.iterations - 1,
			Solution:  &optimization.Solution{Parameters: record, Value: u0},
			StepSize:  stepSize,
			Accepted:  accepted,
			Error:     err,
		})
	}

	if ce := gs.logger.Check(zap.DebugLevel, "step"); ce != nil {
		ce.Write(
			zap.Int("iteration", gs.iterations),
			zap.Float64("utility", u0),
			zap.Float64("step_size", gs.stepSize),
			zap.Bool("accepted", accepted),
			zap.Error(err),
		)
	}

	return u0
}

// advance moves the vector if the proposed candidate improves on u0. A
// non-nil error means the step was rejected on a non-finite utility or
// gradient; the vector is never touched in that case.
func (gs *GradSearch[P]) advance(u0 float64) (bool, error) {
	if !optimization.IsFinite(u0) {
		gs.shrink()
		return false, gs.nonFinite("baseline utility", u0)
	}

	fd.Gradient(gs.gradient, gs.eval, gs.vector, &fd.Settings{
		Formula:     gs.settings.Formula.stencil(),
		Step:        gs.settings.GradientStep,
		OriginKnown: true,
		OriginValue: u0,
		Concurrent:  gs.settings.ConcurrentGradient,
	})
	if !optimization.AllFinite(gs.gradient) {
		gs.shrink()
		return false, gs.nonFinite("gradient", math.NaN())
	}

	// Norm sums in index order, independent of how the gradient was computed.
	floats.ScaleTo(gs.search, gs.direction.Sign(), gs.gradient)
	if norm := floats.Norm(gs.search, 2); norm > gs.settings.NormThreshold {
		floats.Scale(1/norm, gs.search)
	}
	floats.AddScaledTo(gs.candidate, gs.vector, gs.stepSize, gs.search)

	uc := gs.eval(gs.candidate)
	if !optimization.IsFinite(uc) {
		gs.shrink()
		return false, gs.nonFinite("candidate utility", uc)
	}
	if !gs.direction.Better(uc, u0) {
		gs.shrink()
		return false, nil
	}

	copy(gs.vector, gs.candidate)
	gs.lastUtility = uc
	if next := gs.stepSize * gs.settings.Growth; optimization.IsFinite(next) {
		gs.stepSize = next
	}
	return true, nil
}

func (gs *GradSearch[P]) shrink() {
	gs.stepSize = math.Max(gs.stepSize*gs.settings.Decay, gs.settings.MinStepSize)
}

func (gs *GradSearch[P]) nonFinite(what string, v float64) error {
	return optimization.WrapErrorf(optimization.ErrNonFiniteUtility, "%s is %v", what, v).
		WithOperation("step").WithComponent(component)
}

// Run repeats Step up to maxIterations times. It stops early once an
// accepted step improves the utility by less than minImprovement; a
// negative threshold disables the early stop. Run returns the utility at the
// current vector.
func (gs *GradSearch[P]) Run(maxIterations int, minImprovement float64) float64 {
	gs.mustBeAlive("run")

	if maxIterations <= 0 {
		gs.lastUtility = gs.eval(gs.vector)
		return gs.lastUtility
	}

	for i := 0; i < maxIterations; i++ {
		u0 := gs.Step()
		if gs.lastAccepted && math.Abs(gs.lastUtility-u0) < minImprovement {
			gs.logger.Debug("converged",
				zap.Int("iteration", gs.iterations),
				zap.Float64("utility", gs.lastUtility))
			break
		}
	}
	return gs.lastUtility
}

// Print writes the iteration count, step size, last utility and vector.
func (gs *GradSearch[P]) Print(w io.Writer) {
	gs.mustBeAlive("print")

	fmt.Fprintf(w, "gradsearch [%s] iteration %6d, u = %12.4e, step = %10.4e, v = [",
		gs.direction, gs.iterations, gs.lastUtility, gs.stepSize)
	for _, v := range gs.vector {
		fmt.Fprintf(w, " %10.6f", v)
	}
	fmt.Fprintln(w, " ]")
}

// Destroy returns the scratch buffers to a shared pool. Any further call to Step, Run or
// Print panics. The payload and utility function are only dropped, never
// closed.
func (gs *GradSearch[P]) Destroy() {
	if gs.destroyed {
		return
	}
	var zero P
	gs.payload = zero
	gs.fn = nil
	gs.vector = nil
	workspaces.put(gs.workspace)
	gs.workspace = nil
	gs.history = nil
	gs.destroyed = true
}

// Destroyed reports whether Destroy has been called.
func (gs *GradSearch[P]) Destroyed() bool {
	return gs.destroyed
}

// Vector returns a copy of the current candidate.
func (gs *GradSearch[P]) Vector() []float64 {
	return append([]float64(nil), gs.vector...)
}

// Dimension returns the length of the candidate vector.
func (gs *GradSearch[P]) Dimension() int {
	return len(gs.vector)
}

// Direction returns the optimization sense fixed at creation.
func (gs *GradSearch[P]) Direction() optimization.Direction {
	return gs.direction
}

// StepSize returns the current trial displacement.
func (gs *GradSearch[P]) StepSize() float64 {
	return gs.stepSize
}

// Iterations returns the number of completed steps.
func (gs *GradSearch[P]) Iterations() int {
	return gs.iterations
}

// LastUtility returns the utility at the current vector as of the last
// step, or NaN before the first step.
func (gs *GradSearch[P]) LastUtility() float64 {
	return gs.lastUtility
}

// Stats returns the step outcome counters.
func (gs *GradSearch[P]) Stats() Stats {
	return gs.stats
}

// Solution returns the current candidate and its last known utility.
func (gs *GradSearch[P]) Solution() *optimization.Solution {
	return &optimization.Solution{
		Parameters: gs.Vector(),
		Value:      gs.lastUtility,
	}
}

// History returns the recorded steps. It is empty unless history recording
// was enabled.
func (gs *GradSearch[P]) History() []optimization.Evaluation {
	return gs.history
}

func (gs *GradSearch[P]) eval(x []float64) float64 {
	return gs.fn(gs.payload, x)
}

func (gs *GradSearch[P]) mustBeAlive(op string) {
	if gs == nil || gs.destroyed {
		panic(optimization.WrapError(optimization.ErrInvalidState, "optimizer has been destroyed").
			WithOperation(op).WithComponent(component))
	}
}
