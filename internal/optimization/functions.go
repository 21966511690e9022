package optimization

import (
	"math"
	"sort"
)

// Rosenbrock is the generalized Rosenbrock valley,
//
//	f(x) = sum_{i<n-1} (1-x_i)^2 + 100(x_{i+1}-x_i^2)^2
//
// with its global minimum of 0 at (1, ..., 1). For n == 1 it reduces to (1-x_0)^2.
func Rosenbrock(_ any, x []float64) float64 {
	if len(x) == 1 {
		return (1 - x[0]) * (1 - x[0])
	}
	var u float64
	for i := 0; i < len(x)-1; i++ {
		t0 := 1 - x[i]
		t1 := x[i+1] - x[i]*x[i]
		u += t0*t0 + 100*t1*t1
	}
	return u
}

// InvGauss is an inverted Gaussian bowl, 1 - exp(-|x|^2), bounded in [0, 1)
// with its minimum at the origin.
func InvGauss(_ any, x []float64) float64 {
	var t float64
	for _, v := range x {
		t += v * v
	}
	return 1 - math.Exp(-t)
}

// Multimodal has a global minimum of 0 at the origin surrounded by local
// minima near every integer lattice point.
func Multimodal(_ any, x []float64) float64 {
	const sigma = 1.0
	p := 1.0
	for _, v := range x {
		c := math.Cos(math.Pi * v)
		p *= c * c * math.Exp(-v*v/(2*sigma*sigma))
	}
	return 1 - p
}

// Spiral is a valley winding around the origin in the first two
// coordinates. Remaining coordinates contribute a plain quadratic.
// The minimum is 0 at the origin.
func Spiral(_ any, x []float64) float64 {
	if len(x) == 0 {
		return 0
	}
	var px, py float64
	px = x[0]
	if len(x) > 1 {
		py = x[1]
	}
	r := math.Hypot(px, py)
	theta := math.Atan2(py, px)
	u := r * (1.5 - math.Cos(theta-2*math.Pi*r))
	for _, v := range x[min(2, len(x)):] {
		u += v * v
	}
	return u
}

// Sphere is the paraboloid sum x_i^2.
func Sphere(_ any, x []float64) float64 {
	var u float64
	for _, v := range x {
		u += v * v
	}
	return u
}

var registry = map[string]UtilityFunction[any]{
	"rosenbrock": Rosenbrock,
	"invgauss":   InvGauss,
	"multimodal": Multimodal,
	"spiral":     Spiral,
	"sphere":     Sphere,
}

// Lookup returns the registered utility function with the given name.
func Lookup(name string) (UtilityFunction[any], error) {
	fn, ok := registry[name]
	if !ok {
		return nil, WrapErrorf(ErrUnknownFunction, "%q", name).WithOperation("lookup")
	}
	return fn, nil
}

// FunctionNames returns the registered utility names in sorted order.
func FunctionNames() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
