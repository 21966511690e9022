package gradsearch

import (
	"math"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/diff/fd"

	"github.com/copyleftdev/gradsearch/internal/optimization"
)

const (
	// DefaultStepSize is the initial trial displacement.
	DefaultStepSize = 0.1
	// DefaultGrowth multiplies the step size after an accepted step.
	DefaultGrowth = 1.1
	// DefaultDecay multiplies the step size after a rejected step.
	DefaultDecay = 0.5
	// DefaultMinStepSize is the floor the step size is clamped to.
	DefaultMinStepSize = 1e-12
	// DefaultGradientStep is the finite-difference epsilon. It is a fixed
	// constant rather than a fraction of the step size, so gradient bias
	// does not grow while the search accelerates.
	DefaultGradientStep = 1e-6
	// DefaultNormThreshold is the gradient norm above which the search
	// direction is normalized to unit length.
	DefaultNormThreshold = 10.0
)

// Formula selects the finite-difference stencil used for the gradient.
type Formula int

const (
	// Central evaluates f(x+h) and f(x-h) for every coordinate.
	Central Formula = iota
	// Forward evaluates f(x+h) and reuses the baseline utility f(x).
	Forward
)

func (f Formula) String() string {
	switch f {
	case Central:
		return "central"
	case Forward:
		return "forward"
	default:
		return "unknown"
	}
}

func (f Formula) stencil() fd.Formula {
	if f == Forward {
		return fd.Forward
	}
	return fd.Central
}

// Settings holds the tunable constants of a gradient search.
type Settings struct {
	StepSize      float64
	Growth        float64
	Decay         float64
	MinStepSize   float64
	GradientStep  float64
	NormThreshold float64
	Formula       Formula

	// ConcurrentGradient evaluates the finite-difference stencil in
	// parallel. Each partial derivative is computed independently, so the
	// result is identical to sequential evaluation.
	ConcurrentGradient bool

	// RecordHistory keeps an Evaluation for every step.
	RecordHistory bool

	Logger *zap.Logger
}

// DefaultSettings returns the default search constants.
func DefaultSettings() Settings {
	return Settings{
		StepSize:      DefaultStepSize,
		Growth:        DefaultGrowth,
		Decay:         DefaultDecay,
		MinStepSize:   DefaultMinStepSize,
		GradientStep:  DefaultGradientStep,
		NormThreshold: DefaultNormThreshold,
		Formula:       Central,
	}
}

func (s Settings) validate() error {
	switch {
	case !positive(s.StepSize):
		return optimization.NewErrorf("step size must be positive, got %v", s.StepSize)
	case !optimization.IsFinite(s.Growth) || s.Growth <= 1:
		return optimization.NewErrorf("growth factor must be greater than 1, got %v", s.Growth)
	case !(s.Decay > 0 && s.Decay < 1):
		return optimization.NewErrorf("decay factor must be in (0, 1), got %v", s.Decay)
	case !positive(s.MinStepSize):
		return optimization.NewErrorf("minimum step size must be positive, got %v", s.MinStepSize)
	case !positive(s.GradientStep):
		return optimization.NewErrorf("gradient step must be positive, got %v", s.GradientStep)
	case !(s.NormThreshold > 0) || math.IsNaN(s.NormThreshold):
		return optimization.NewErrorf("norm threshold must be positive, got %v", s.NormThreshold)
	case s.Formula != Central && s.Formula != Forward:
		return optimization.NewErrorf("unknown gradient formula %d", int(s.Formula))
	}
	return nil
}

func positive(v float64) bool {
	return v > 0 && optimization.IsFinite(v)
}

// Option customizes the Settings used by New.
type Option func(*Settings)

// WithSettings replaces all settings at once.
func WithSettings(s Settings) Option {
	return func(dst *Settings) { *dst = s }
}

// WithStepSize sets the initial step size.
func WithStepSize(v float64) Option {
	return func(s *Settings) { s.StepSize = v }
}

// WithGrowth sets the factor applied after an accepted step.
func WithGrowth(v float64) Option {
	return func(s *Settings) { s.Growth = v }
}

// WithDecay sets the factor applied after a rejected step.
func WithDecay(v float64) Option {
	return func(s *Settings) { s.Decay = v }
}

// WithMinStepSize sets the step size floor.
func WithMinStepSize(v float64) Option {
	return func(s *Settings) { s.MinStepSize = v }
}

// WithGradientStep sets the finite-difference epsilon.
func WithGradientStep(v float64) Option {
	return func(s *Settings) { s.GradientStep = v }
}

// WithGradientFormula selects central or forward differences.
func WithGradientFormula(f Formula) Option {
	return func(s *Settings) { s.Formula = f }
}

// WithNormThreshold sets the gradient norm above which the direction is normalized.
func WithNormThreshold(v float64) Option {
	return func(s *Settings) { s.NormThreshold = v }
}

// WithConcurrentGradient enables parallel finite-difference evaluation.
func WithConcurrentGradient(enabled bool) Option {
	return func(s *Settings) { s.ConcurrentGradient = enabled }
}

// WithHistory enables per-step history recording.
func WithHistory(enabled bool) Option {
	return func(s *Settings) { s.RecordHistory = enabled }
}

// WithLogger sets the logger used for debug-level step traces.
func WithLogger(l *zap.Logger) Option {
	return func(s *Settings) { s.Logger = l }
}
