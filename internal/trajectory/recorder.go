// Package trajectory records the sequence of points visited by an optimizer
// and exports it as a plain-text table.
package trajectory

import (
	"bufio"
	"fmt"
	"io"
	"math"

	"github.com/copyleftdev/gradsearch/internal/optimization"
)

// Point is a single recorded (vector, utility) pair.
type Point struct {
	Index   int
	Vector  []float64
	Utility float64
}

// Recorder accumulates trajectory points. The zero value is ready to use.
type Recorder struct {
	points []Point
}

// NewRecorder creates a recorder with room for n points.
func NewRecorder(n int) *Recorder {
	return &Recorder{points: make([]Point, 0, max(n, 0))}
}

// Record appends a copy of vector with its utility.
func (r *Recorder) Record(index int, vector []float64, utility float64) {
	r.points = append(r.points, Point{
		Index:   index,
		Vector:  append([]float64(nil), vector...),
		Utility: utility,
	})
}

// Len returns the number of recorded points.
func (r *Recorder) Len() int {
	return len(r.points)
}

// Points returns the recorded points in order.
func (r *Recorder) Points() []Point {
	return r.points
}

// Best returns the point with the best finite utility under dir.
func (r *Recorder) Best(dir optimization.Direction) (Point, bool) {
	var best Point
	found := false
	for _, p := range r.points {
		if !optimization.IsFinite(p.Utility) {
			continue
		}
		if !found || dir.Better(p.Utility, best.Utility) {
			best = p
			found = true
		}
	}
	return best, found
}

// FromHistory builds a recorder from an optimizer's step history.
func FromHistory(history []optimization.Evaluation) *Recorder {
	r := NewRecorder(len(history))
	for _, eval := range history {
		if eval.Solution == nil {
			continue
		}
		r.Record(eval.Iteration, eval.Solution.Parameters, eval.Solution.Value)
	}
	return r
}

// WriteTable writes the trajectory as whitespace separated columns,
// index, one column per coordinate and utility, under a '#' header.
func (r *Recorder) WriteTable(w io.Writer) error {
	bw := bufio.NewWriter(w)

	dim := 0
	if len(r.points) > 0 {
		dim = len(r.points[0].Vector)
	}

	fmt.Fprintf(bw, "# %12s", "index")
	for i := 0; i < dim; i++ {
		fmt.Fprintf(bw, " %12s", columnName(i, dim))
	}
	fmt.Fprintf(bw, " %12s\n", "utility")

	for _, p := range r.points {
		fmt.Fprintf(bw, "  %12d", p.Index)
		for _, v := range p.Vector {
			fmt.Fprintf(bw, " %12.8f", v)
		}
		if math.IsNaN(p.Utility) {
			fmt.Fprintf(bw, " %12s\n", "nan")
			continue
		}
		fmt.Fprintf(bw, " %12.4e\n", p.Utility)
	}
	return bw.Flush()
}

func columnName(i, dim int) string {
	if dim <= 3 {
		return string("xyz"[i])
	}
	return fmt.Sprintf("v[%d]", i)
}

// Drive runs the record-then-step loop: the current point is recorded
// before every step, and the optimizer state is printed to w every
// printEvery iterations (never if printEvery <= 0 or w is nil).
func Drive(opt optimization.Optimizer, iterations, printEvery int, w io.Writer) *Recorder {
	r := NewRecorder(iterations)
	for i := 0; i < iterations; i++ {
		current := opt.Solution().Parameters
		u := opt.Step()
		r.Record(i, current, u)

		if w != nil && printEvery > 0 && (i+1)%printEvery == 0 {
			opt.Print(w)
		}
	}
	return r
}
