package trajectory

import (
	"bufio"
	"fmt"
	"io"
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/copyleftdev/gradsearch/internal/optimization"
)

// Grid is a rectangular sampling of the first two coordinates.
type Grid struct {
	XMin, XMax float64
	YMin, YMax float64
	// Steps is the number of samples along each axis, at least 2.
	Steps int
}

// DefaultGrid covers the Rosenbrock valley around its minimum at (1, 1).
func DefaultGrid() Grid {
	return Grid{XMin: -1.5, XMax: 1.5, YMin: -0.5, YMax: 1.5, Steps: 50}
}

// WriteSurface evaluates fn on every grid point and writes x, y and utility
// rows. Each run of constant x is followed by a blank line, the block layout
// gnuplot's splot expects.
func WriteSurface[P any](w io.Writer, g Grid, payload P, fn optimization.UtilityFunction[P]) error {
	if g.Steps < 2 {
		return fmt.Errorf("surface grid needs at least 2 steps, got %d", g.Steps)
	}
	if !(g.XMin < g.XMax) || !(g.YMin < g.YMax) {
		return fmt.Errorf("surface grid bounds are empty: [%v, %v] x [%v, %v]", g.XMin, g.XMax, g.YMin, g.YMax)
	}

	xs := floats.Span(make([]float64, g.Steps), g.XMin, g.XMax)
	ys := floats.Span(make([]float64, g.Steps), g.YMin, g.YMax)

	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "# %-12s %-12s %-12s\n", "x", "y", "utility")

	v := make([]float64, 2)
	for _, x := range xs {
		for _, y := range ys {
			v[0], v[1] = x, y
			u := fn(payload, v)
			if math.IsNaN(u) {
				fmt.Fprintf(bw, "  %12.8f %12.8f %12s\n", x, y, "nan")
				continue
			}
			fmt.Fprintf(bw, "  %12.8f %12.8f %12.4e\n", x, y, u)
		}
		fmt.Fprintln(bw)
	}
	return bw.Flush()
}
