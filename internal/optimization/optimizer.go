package optimization

import (
	"fmt"
	"io"
	"math"
	"strings"
)

// Direction selects whether an optimizer searches for lower or higher utility.
type Direction int

const (
	// Minimize searches for lower utility values.
	Minimize Direction = iota
	// Maximize searches for higher utility values.
	Maximize
)

// String returns the lower-case name of the direction.
func (d Direction) String() string {
	switch d {
	case Minimize:
		return "minimize"
	case Maximize:
		return "maximize"
	default:
		return fmt.Sprintf("direction(%d)", int(d))
	}
}

// Valid reports whether d is one of the known directions.
func (d Direction) Valid() bool {
	return d == Minimize || d == Maximize
}

// Better reports whether candidate is strictly better than reference under d.
// Non-finite operands are never better.
func (d Direction) Better(candidate, reference float64) bool {
	if !IsFinite(candidate) || !IsFinite(reference) {
		return false
	}
	if d == Maximize {
		return candidate > reference
	}
	return candidate < reference
}

// Sign is -1 for Minimize and +1 for Maximize: the factor applied to the
// gradient to obtain the search direction.
func (d Direction) Sign() float64 {
	if d == Maximize {
		return 1
	}
	return -1
}

// ParseDirection parses "min", "minimize", "max" or "maximize".
func ParseDirection(s string) (Direction, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "min", "minimize", "":
		return Minimize, nil
	case "max", "maximize":
		return Maximize, nil
	default:
		return Minimize, NewErrorf("unknown direction %q", s).WithOperation("parse")
	}
}

// UtilityFunction is the scalar objective evaluated by an optimizer. The
// payload is passed through unchanged on every call and is never inspected
// by the optimizer.
type UtilityFunction[P any] func(payload P, x []float64) float64

// Optimizer is implemented by step-wise local optimizers.
type Optimizer interface {
	// Step runs a single iteration and returns the utility at the
	// vector as it was before the step.
	Step() float64

	// Run steps until maxIterations is reached or an accepted step
	// improves utility by less than minImprovement.
	Run(maxIterations int, minImprovement float64) float64

	// Solution returns the current candidate and its last known utility.
	Solution() *Solution

	// History returns the recorded step evaluations.
	History() []Evaluation

	// Print writes a diagnostic summary of the optimizer state.
	Print(w io.Writer)

	// Destroy releases the optimizer's internal storage.
	Destroy()
}

// Solution represents a solution in the optimization space
type Solution struct {
	Parameters []float64
	Value      float64
}

// Evaluation records the outcome of a single optimizer step.
type Evaluation struct {
	Iteration int
	Solution  *Solution
	StepSize  float64
	Accepted  bool
	Error     error
}

// IsFinite reports whether v is neither NaN nor infinite.
func IsFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// AllFinite reports whether every element of x is finite.
func AllFinite(x []float64) bool {
	for _, v := range x {
		if !IsFinite(v) {
			return false
		}
	}
	return true
}
