package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/copyleftdev/gradsearch/internal/optimization"
)

// Job describes a single gradient search run.
type Job struct {
	Function           string    `yaml:"function" json:"function"`
	Direction          string    `yaml:"direction" json:"direction"`
	Start              []float64 `yaml:"start" json:"start"`
	Iterations         int       `yaml:"iterations" json:"max_iterations"`
	MinImprovement     *float64  `yaml:"min_improvement,omitempty" json:"min_improvement,omitempty"`
	StepSize           float64   `yaml:"step_size,omitempty" json:"step_size,omitempty"`
	Gradient           string    `yaml:"gradient,omitempty" json:"gradient,omitempty"`
	ConcurrentGradient bool      `yaml:"concurrent_gradient,omitempty" json:"concurrent_gradient,omitempty"`
	PrintEvery         int       `yaml:"print_every,omitempty" json:"print_every,omitempty"`
}

// DefaultJob is the Rosenbrock demonstration run.
func DefaultJob() *Job {
	return &Job{
		Function:   "rosenbrock",
		Direction:  "minimize",
		Start:      []float64{-0.1, 1.4},
		Iterations: 500,
		PrintEvery: 100,
	}
}

// ParseJobYAML parses a Job from YAML bytes and validates it.
func ParseJobYAML(data []byte) (*Job, error) {
	job := DefaultJob()
	if err := yaml.Unmarshal(data, job); err != nil {
		return nil, fmt.Errorf("failed to parse job yaml: %w", err)
	}

	if err := job.Validate(); err != nil {
		return nil, fmt.Errorf("invalid job: %w", err)
	}

	return job, nil
}

// LoadJob reads and parses a job file.
func LoadJob(path string) (*Job, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read job file: %w", err)
	}
	return ParseJobYAML(data)
}

// Validate checks that the job names a known function and a usable start.
func (j *Job) Validate() error {
	if _, err := optimization.Lookup(j.Function); err != nil {
		return err
	}
	if _, err := optimization.ParseDirection(j.Direction); err != nil {
		return err
	}
	if len(j.Start) == 0 {
		return optimization.ErrInvalidDimension
	}
	if !optimization.AllFinite(j.Start) {
		return fmt.Errorf("start vector must be finite")
	}
	if j.Iterations < 1 {
		return fmt.Errorf("iterations must be at least 1, got %d", j.Iterations)
	}
	if j.StepSize < 0 {
		return fmt.Errorf("step_size must be positive, got %v", j.StepSize)
	}
	switch j.Gradient {
	case "", "central", "forward":
	default:
		return fmt.Errorf("unknown gradient formula %q", j.Gradient)
	}
	return nil
}

// Improvement returns the early-stop threshold, falling back to def.
func (j *Job) Improvement(def float64) float64 {
	if j.MinImprovement == nil {
		return def
	}
	return *j.MinImprovement
}

// CheckLimits rejects jobs whose iteration budget or dimension exceeds the
// configured ceilings.
func (o Optimization) CheckLimits(j *Job) error {
	if j.Iterations > o.IterationLimit {
		return fmt.Errorf("max_iterations %d exceeds the limit of %d", j.Iterations, o.IterationLimit)
	}
	if len(j.Start) > o.MaxDimension {
		return fmt.Errorf("start has %d coordinates, the limit is %d", len(j.Start), o.MaxDimension)
	}
	return nil
}
