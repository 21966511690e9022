package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v10"
)

type Config struct {
	Environment string `env:"ENV" envDefault:"development"`
	HTTP        struct {
		Port            int           `env:"HTTP_PORT" envDefault:"8080"`
		ReadTimeout     time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"30s"`
		WriteTimeout    time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"30s"`
		IdleTimeout     time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"120s"`
		ShutdownTimeout time.Duration `env:"HTTP_SHUTDOWN_TIMEOUT" envDefault:"30s"`
	}
	Logging struct {
		Level  string `env:"LOG_LEVEL"`
		Format string `env:"LOG_FORMAT" envDefault:"json"`
		Output string `env:"LOG_OUTPUT" envDefault:"stderr"`
	}
	Optimization Optimization
}

// Optimization holds the defaults applied to gradient search jobs that do
// not set their own values.
type Optimization struct {
	StepSize       float64 `env:"GS_STEP_SIZE" envDefault:"0.1"`
	Growth         float64 `env:"GS_GROWTH" envDefault:"1.1"`
	Decay          float64 `env:"GS_DECAY" envDefault:"0.5"`
	MaxIterations  int     `env:"GS_MAX_ITERATIONS" envDefault:"500"`
	MinImprovement float64 `env:"GS_MIN_IMPROVEMENT" envDefault:"-1"`
	MaxJobs        int     `env:"GS_MAX_JOBS" envDefault:"10"`
	// ProgressEvery controls how often a running job logs its progress.
	ProgressEvery int `env:"GS_PROGRESS_EVERY" envDefault:"100"`
	// IterationLimit caps the budget a single job may request. Every step
	// of a job is retained until the server exits.
	IterationLimit int `env:"GS_ITERATION_LIMIT" envDefault:"20000"`
	// MaxDimension caps the length of a job's start vector.
	MaxDimension int `env:"GS_MAX_DIMENSION" envDefault:"64"`
}

func Load() (*Config, error) {
	cfg := &Config{}

	// Parse environment variables
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	// Set default logging level based on environment
	if cfg.Logging.Level == "" {
		if cfg.Environment == "development" {
			cfg.Logging.Level = "debug"
		} else {
			cfg.Logging.Level = "info"
		}
	}

	if err := cfg.Optimization.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the optimization defaults.
func (o Optimization) Validate() error {
	switch {
	case o.StepSize <= 0:
		return fmt.Errorf("GS_STEP_SIZE must be positive, got %v", o.StepSize)
	case o.Growth <= 1:
		return fmt.Errorf("GS_GROWTH must be greater than 1, got %v", o.Growth)
	case o.Decay <= 0 || o.Decay >= 1:
		return fmt.Errorf("GS_DECAY must be in (0, 1), got %v", o.Decay)
	case o.MaxIterations < 1:
		return fmt.Errorf("GS_MAX_ITERATIONS must be at least 1, got %d", o.MaxIterations)
	case o.MaxJobs < 1:
		return fmt.Errorf("GS_MAX_JOBS must be at least 1, got %d", o.MaxJobs)
	case o.IterationLimit < o.MaxIterations:
		return fmt.Errorf("GS_ITERATION_LIMIT must be at least GS_MAX_ITERATIONS (%d), got %d", o.MaxIterations, o.IterationLimit)
	case o.MaxDimension < 1:
		return fmt.Errorf("GS_MAX_DIMENSION must be at least 1, got %d", o.MaxDimension)
	}
	return nil
}
