package gradsearch

import (
	"bytes"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"go.uber.org/zap/zapcore"

	"github.com/copyleftdev/gradsearch/internal/optimization"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		initial []float64
		fn      optimization.UtilityFunction[any]
		dir     optimization.Direction
		opts    []Option
		wantErr error
		errMsg  string
	}{
		{
			name:    "valid configuration",
			initial: []float64{1, 2},
			fn:      sphere,
			dir:     optimization.Minimize,
		},
		{
			name:    "empty vector",
			initial: nil,
			fn:      sphere,
			dir:     optimization.Minimize,
			wantErr: optimization.ErrInvalidDimension,
		},
		{
			name:    "no utility function",
			initial: []float64{1},
			fn:      nil,
			dir:     optimization.Minimize,
			errMsg:  "utility function is required",
		},
		{
			name:    "unknown direction",
			initial: []float64{1},
			fn:      sphere,
			dir:     optimization.Direction(7),
			errMsg:  "invalid direction",
		},
		{
			name:    "zero step size",
			initial: []float64{1},
			fn:      sphere,
			opts:    []Option{WithStepSize(0)},
			errMsg:  "step size must be positive",
		},
		{
			name:    "growth not above one",
			initial: []float64{1},
			fn:      sphere,
			opts:    []Option{WithGrowth(1)},
			errMsg:  "growth factor",
		},
		{
			name:    "decay out of range",
			initial: []float64{1},
			fn:      sphere,
			opts:    []Option{WithDecay(1.5)},
			errMsg:  "decay factor",
		},
		{
			name:    "NaN gradient step",
			initial: []float64{1},
			fn:      sphere,
			opts:    []Option{WithGradientStep(math.NaN())},
			errMsg:  "gradient step",
		},
		{
			name:    "unknown formula",
			initial: []float64{1},
			fn:      sphere,
			opts:    []Option{WithGradientFormula(Formula(9))},
			errMsg:  "unknown gradient formula",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gs, err := New[any](nil, tt.initial, tt.fn, tt.dir, tt.opts...)
			if tt.wantErr == nil && tt.errMsg == "" {
				require.NoError(t, err)
				require.NotNil(t, gs)
				assert.Equal(t, len(tt.initial), gs.Dimension())
				assert.Equal(t, DefaultStepSize, gs.StepSize())
				assert.Equal(t, 0, gs.Iterations())
				assert.True(t, math.IsNaN(gs.LastUtility()))
				return
			}

			require.Error(t, err)
			assert.Nil(t, gs)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			}
			if tt.errMsg != "" {
				assert.Contains(t, err.Error(), tt.errMsg)
			}
			optErr, ok := optimization.IsOptimizationError(err)
			require.True(t, ok)
			assert.Equal(t, "create", optErr.Op)
		})
	}
}

func TestNewCopiesInitialVector(t *testing.T) {
	initial := []float64{1, -2}
	gs, err := New[any](nil, initial, sphere, optimization.Minimize)
	require.NoError(t, err)

	initial[0] = 100
	assert.Equal(t, []float64{1, -2}, gs.Vector())

	v := gs.Vector()
	v[1] = 42
	assert.Equal(t, []float64{1, -2}, gs.Vector(), "Vector must return a copy")
}

func TestCreateDestroy(t *testing.T) {
	for n := 1; n <= 8; n++ {
		gs, err := New[any](nil, make([]float64, n), sphere, optimization.Minimize)
		require.NoError(t, err)
		assert.Equal(t, n, gs.Dimension())

		gs.Destroy()
		assert.True(t, gs.Destroyed())
		assert.Equal(t, 0, gs.Dimension())
		assert.Empty(t, gs.History())

		// Destroy is idempotent
		assert.NotPanics(t, gs.Destroy)
	}
}

func TestUseAfterDestroyPanics(t *testing.T) {
	gs, err := New[any](nil, []float64{1}, sphere, optimization.Minimize)
	require.NoError(t, err)
	gs.Destroy()

	calls := map[string]func(){
		"step":  func() { gs.Step() },
		"run":   func() { gs.Run(10, -1) },
		"print": func() { gs.Print(&bytes.Buffer{}) },
	}
	for name, call := range calls {
		t.Run(name, func(t *testing.T) {
			defer func() {
				rec := recover()
				require.NotNil(t, rec, "expected panic")
				err, ok := rec.(error)
				require.True(t, ok)
				assert.True(t, errors.Is(err, optimization.ErrInvalidState))
			}()
			call()
		})
	}
}

func TestStepReturnsUtilityBeforeStep(t *testing.T) {
	start := []float64{1, -2, 0.5}
	gs, err := New[any](nil, start, sphere, optimization.Minimize)
	require.NoError(t, err)

	u := gs.Step()
	assert.Equal(t, sphere(nil, start), u)
	assert.Equal(t, 1, gs.Iterations())
	assert.Less(t, gs.LastUtility(), u, "first step on a paraboloid should improve")
	assert.InDelta(t, DefaultStepSize*DefaultGrowth, gs.StepSize(), 1e-15)

	// The next step reports the utility at the accepted vector
	assert.Equal(t, gs.LastUtility(), gs.Step())
}

func TestSphereConverges(t *testing.T) {
	start := []float64{1, -2, 0.5}
	gs, err := New[any](nil, start, sphere, optimization.Minimize, WithHistory(true))
	require.NoError(t, err)

	u := gs.Run(2000, -1)

	assert.Equal(t, 2000, gs.Iterations())
	assert.Less(t, u, 1e-12)
	assertFloat64SlicesEqual(t, gs.Vector(), []float64{0, 0, 0}, 1e-6)

	// Utility never increases between accepted steps
	history := gs.History()
	require.Len(t, history, 2000)
	prev := math.Inf(1)
	for _, eval := range history {
		assert.LessOrEqual(t, eval.Solution.Value, prev, "iteration %d", eval.Iteration)
		prev = eval.Solution.Value
	}
	assert.Equal(t, sphere(nil, start), history[0].Solution.Value)
	assert.Equal(t, start, history[0].Solution.Parameters)
}

func TestMaximize(t *testing.T) {
	peak := func(_ any, x []float64) float64 {
		dx, dy := x[0]-2, x[1]+1
		return -(dx*dx + dy*dy)
	}

	gs, err := New[any](nil, []float64{0, 0}, peak, optimization.Maximize)
	require.NoError(t, err)

	u := gs.Run(1000, -1)
	assert.InDelta(t, 0, u, 1e-10)
	assertFloat64SlicesEqual(t, gs.Vector(), []float64{2, -1}, 1e-5)
	assert.Equal(t, optimization.Maximize, gs.Direction())
}

func TestForwardFormulaConverges(t *testing.T) {
	gs, err := New[any](nil, []float64{1, -2, 0.5}, sphere, optimization.Minimize,
		WithGradientFormula(Forward))
	require.NoError(t, err)

	gs.Run(2000, -1)
	assertFloat64SlicesEqual(t, gs.Vector(), []float64{0, 0, 0}, 1e-4)
}

func TestEvaluationCount(t *testing.T) {
	tests := []struct {
		name    string
		formula Formula
		// baseline + stencil + candidate
		want int
	}{
		{"central", Central, 1 + 2*3 + 1},
		{"forward", Forward, 1 + 3 + 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload := &countingPayload{}
			gs, err := New(payload, []float64{1, 2, 3}, countingSphere, optimization.Minimize,
				WithGradientFormula(tt.formula))
			require.NoError(t, err)

			gs.Step()
			assert.Equal(t, tt.want, payload.calls)
		})
	}
}

func TestConcurrentGradient(t *testing.T) {
	start := []float64{-0.1, 1.4}
	seq, err := New[any](nil, start, optimization.Rosenbrock, optimization.Minimize)
	require.NoError(t, err)
	con, err := New[any](nil, start, optimization.Rosenbrock, optimization.Minimize,
		WithConcurrentGradient(true))
	require.NoError(t, err)

	for i := 0; i < 20; i++ {
		assert.InDelta(t, seq.Step(), con.Step(), 1e-9)
	}
	assertFloat64SlicesEqual(t, con.Vector(), seq.Vector(), 1e-9)
	assert.Equal(t, seq.Stats(), con.Stats())
}

func TestConstantUtilityShrinksStep(t *testing.T) {
	const steps = 10
	start := []float64{0.25, -4, 9}
	gs, err := New[any](nil, start, constant, optimization.Minimize)
	require.NoError(t, err)

	for i := 0; i < steps; i++ {
		assert.Equal(t, 3.5, gs.Step())
		assert.Equal(t, start, gs.Vector())
	}

	assert.InDelta(t, DefaultStepSize*math.Pow(DefaultDecay, steps), gs.StepSize(), 1e-18)
	assert.Equal(t, Stats{Rejected: steps}, gs.Stats())
}

func TestStepSizeFloor(t *testing.T) {
	gs, err := New[any](nil, []float64{1}, constant, optimization.Minimize, WithMinStepSize(1e-3))
	require.NoError(t, err)

	for i := 0; i < 50; i++ {
		gs.Step()
		assert.Greater(t, gs.StepSize(), 0.0)
	}
	assert.Equal(t, 1e-3, gs.StepSize())
}

func TestNonFiniteUtility(t *testing.T) {
	t.Run("always NaN", func(t *testing.T) {
		nan := func(_ any, _ []float64) float64 { return math.NaN() }
		gs, err := New[any](nil, []float64{1, 2}, nan, optimization.Minimize, WithHistory(true))
		require.NoError(t, err)

		for i := 0; i < 5; i++ {
			gs.Step()
		}
		assert.Equal(t, []float64{1, 2}, gs.Vector())
		assert.InDelta(t, DefaultStepSize*math.Pow(DefaultDecay, 5), gs.StepSize(), 1e-18)
		assert.Equal(t, Stats{Rejected: 5, NonFinite: 5}, gs.Stats())
		for _, eval := range gs.History() {
			assert.ErrorIs(t, eval.Error, optimization.ErrNonFiniteUtility)
			assert.False(t, eval.Accepted)
		}
	})

	t.Run("NaN at candidate", func(t *testing.T) {
		// finite only near the start, so the first proposals are NaN
		cliff := func(_ any, x []float64) float64 {
			if x[0] < 0.93 {
				return math.NaN()
			}
			return x[0] * x[0]
		}
		gs, err := New[any](nil, []float64{1}, cliff, optimization.Minimize, WithHistory(true))
		require.NoError(t, err)

		gs.Step()
		assert.Equal(t, []float64{1}, gs.Vector())
		assert.InDelta(t, 0.05, gs.StepSize(), 1e-15)
		assert.ErrorIs(t, gs.History()[0].Error, optimization.ErrNonFiniteUtility)

		gs.Step()
		gs.Step()
		assert.InDelta(t, 0.95, gs.Vector()[0], 1e-9)
		assert.Equal(t, Stats{Accepted: 1, Rejected: 2, NonFinite: 2}, gs.Stats())
		assert.NoError(t, gs.History()[2].Error)
	})

	t.Run("infinite gradient component", func(t *testing.T) {
		wall := func(_ any, x []float64) float64 {
			if x[1] != 2 {
				return math.Inf(1)
			}
			return x[0]
		}
		gs, err := New[any](nil, []float64{1, 2}, wall, optimization.Minimize)
		require.NoError(t, err)

		assert.Equal(t, 1.0, gs.Step())
		assert.Equal(t, []float64{1, 2}, gs.Vector())
		assert.Equal(t, 1, gs.Stats().NonFinite)
		for _, v := range gs.Vector() {
			assert.False(t, math.IsNaN(v))
		}
	})
}

func TestRunEarlyStop(t *testing.T) {
	gs, err := New[any](nil, []float64{1, -2, 0.5}, sphere, optimization.Minimize)
	require.NoError(t, err)

	u := gs.Run(1000, 1e-3)
	assert.Less(t, gs.Iterations(), 1000)
	assert.Equal(t, gs.LastUtility(), u)
	assert.Equal(t, sphere(nil, gs.Vector()), u)
}

func TestRunWithoutIterations(t *testing.T) {
	gs, err := New[any](nil, []float64{3, 4}, sphere, optimization.Minimize)
	require.NoError(t, err)

	assert.Equal(t, 25.0, gs.Run(0, -1))
	assert.Equal(t, 0, gs.Iterations())
	assert.Equal(t, []float64{3, 4}, gs.Vector())
}

func TestRosenbrockScenario(t *testing.T) {
	start := []float64{-0.1, 1.4}
	optimum := []float64{1, 1}

	gs, err := New[any](nil, start, optimization.Rosenbrock, optimization.Minimize)
	require.NoError(t, err)

	initial := optimization.Rosenbrock(nil, start)
	var u float64
	for i := 0; i < 500; i++ {
		u = gs.Step()
	}
	final := optimization.Rosenbrock(nil, gs.Vector())

	assert.LessOrEqual(t, final, u)
	assert.Less(t, final, initial)
	assert.Less(t, distance(gs.Vector(), optimum), distance(start, optimum))
}

func TestPrint(t *testing.T) {
	gs, err := New[any](nil, []float64{-0.1, 1.4}, optimization.Rosenbrock, optimization.Minimize)
	require.NoError(t, err)
	gs.Step()

	before := gs.Vector()
	var buf bytes.Buffer
	gs.Print(&buf)

	out := buf.String()
	assert.Contains(t, out, "gradsearch [minimize]")
	assert.Contains(t, out, "iteration      1")
	assert.Contains(t, out, "step =")
	assert.Equal(t, before, gs.Vector())
	assert.Equal(t, 1, gs.Iterations())
}

func TestSolution(t *testing.T) {
	gs, err := New[any](nil, []float64{3, 4}, sphere, optimization.Minimize)
	require.NoError(t, err)
	gs.Step()

	sol := gs.Solution()
	assert.Equal(t, gs.Vector(), sol.Parameters)
	assert.Equal(t, sphere(nil, sol.Parameters), sol.Value)
}

func TestStepLogging(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	gs, err := New[any](nil, []float64{1}, sphere, optimization.Minimize, WithLogger(zap.New(core)))
	require.NoError(t, err)

	gs.Step()
	gs.Step()

	entries := logs.FilterMessage("step").All()
	require.Len(t, entries, 2)
	fields := entries[1].ContextMap()
	assert.Equal(t, int64(2), fields["iteration"])
	assert.Equal(t, "gradsearch", fields["component"])
	assert.Equal(t, true, fields["accepted"])
}
