package gradsearch

import (
	"math"
	"testing"

	"gonum.org/v1/gonum/floats"
)

// sphere is a simple quadratic objective for testing
func sphere(_ any, x []float64) float64 {
	sum := 0.0
	for _, v := range x {
		sum += v * v
	}
	return sum
}

// constant ignores its input entirely
func constant(_ any, _ []float64) float64 {
	return 3.5
}

// countingPayload counts utility evaluations through the payload
type countingPayload struct {
	calls int
}

func countingSphere(p *countingPayload, x []float64) float64 {
	p.calls++
	return sphere(nil, x)
}

// assertFloat64SlicesEqual checks if two float64 slices are approximately equal
func assertFloat64SlicesEqual(t *testing.T, got, want []float64, tol float64) {
	t.Helper()

	if len(got) != len(want) {
		t.Fatalf("length mismatch: got %d, want %d", len(got), len(want))
	}

	for i := range got {
		if math.Abs(got[i]-want[i]) > tol {
			t.Fatalf("at index %d: got %v, want %v (tolerance %v)", i, got[i], want[i], tol)
		}
	}
}

// distance returns the Euclidean distance between two points
func distance(a, b []float64) float64 {
	return floats.Distance(a, b, 2)
}
