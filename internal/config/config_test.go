package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/copyleftdev/gradsearch/internal/optimization"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "development", cfg.Environment)
	assert.Equal(t, 8080, cfg.HTTP.Port)
	assert.Equal(t, 120*time.Second, cfg.HTTP.IdleTimeout)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, 0.1, cfg.Optimization.StepSize)
	assert.Equal(t, 1.1, cfg.Optimization.Growth)
	assert.Equal(t, 0.5, cfg.Optimization.Decay)
	assert.Equal(t, 500, cfg.Optimization.MaxIterations)
	assert.Equal(t, -1.0, cfg.Optimization.MinImprovement)
	assert.Equal(t, 10, cfg.Optimization.MaxJobs)
	assert.Equal(t, 20000, cfg.Optimization.IterationLimit)
	assert.Equal(t, 64, cfg.Optimization.MaxDimension)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("ENV", "production")
	t.Setenv("HTTP_PORT", "9090")
	t.Setenv("GS_STEP_SIZE", "0.25")
	t.Setenv("GS_MAX_JOBS", "2")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.HTTP.Port)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, 0.25, cfg.Optimization.StepSize)
	assert.Equal(t, 2, cfg.Optimization.MaxJobs)
}

func TestLoadRejectsInvalidOptimization(t *testing.T) {
	tests := []struct {
		key, value, msg string
	}{
		{"GS_STEP_SIZE", "0", "GS_STEP_SIZE"},
		{"GS_GROWTH", "0.9", "GS_GROWTH"},
		{"GS_DECAY", "1", "GS_DECAY"},
		{"GS_MAX_ITERATIONS", "0", "GS_MAX_ITERATIONS"},
		{"GS_MAX_JOBS", "0", "GS_MAX_JOBS"},
		{"GS_ITERATION_LIMIT", "499", "GS_ITERATION_LIMIT"},
		{"GS_MAX_DIMENSION", "0", "GS_MAX_DIMENSION"},
		{"GS_DECAY", "half", "Decay"},
	}
	for _, tt := range tests {
		t.Run(tt.key+"="+tt.value, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			_, err := Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.msg)
		})
	}
}

func TestParseJobYAML(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
		check   func(t *testing.T, job *Job)
	}{
		{
			name: "defaults",
			yaml: "{}",
			check: func(t *testing.T, job *Job) {
				assert.Equal(t, DefaultJob(), job)
				assert.Equal(t, -1.0, job.Improvement(-1))
			},
		},
		{
			name: "full job",
			yaml: `
function: sphere
direction: max
start: [1, 2, 3]
iterations: 50
min_improvement: 0.001
step_size: 0.2
gradient: forward
concurrent_gradient: true
print_every: 10
`,
			check: func(t *testing.T, job *Job) {
				assert.Equal(t, "sphere", job.Function)
				assert.Equal(t, []float64{1, 2, 3}, job.Start)
				assert.Equal(t, 50, job.Iterations)
				assert.Equal(t, 0.001, job.Improvement(-1))
				assert.Equal(t, "forward", job.Gradient)
				assert.True(t, job.ConcurrentGradient)
			},
		},
		{name: "unknown function", yaml: "function: himmelblau", wantErr: "unknown utility function"},
		{name: "bad direction", yaml: "direction: up", wantErr: "unknown direction"},
		{name: "empty start", yaml: "start: []", wantErr: "invalid dimension"},
		{name: "zero iterations", yaml: "iterations: 0", wantErr: "iterations"},
		{name: "bad formula", yaml: "gradient: backward", wantErr: "gradient formula"},
		{name: "malformed", yaml: "start: [1, 2", wantErr: "failed to parse job yaml"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			job, err := ParseJobYAML([]byte(tt.yaml))
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			tt.check(t, job)
		})
	}
}

func TestParseJobYAMLEmptyStart(t *testing.T) {
	_, err := ParseJobYAML([]byte("start: []"))
	assert.ErrorIs(t, err, optimization.ErrInvalidDimension)
}

func TestLoadJob(t *testing.T) {
	path := filepath.Join(t.TempDir(), "job.yaml")
	require.NoError(t, os.WriteFile(path, []byte("function: spiral\nstart: [0.5, 0.5]\n"), 0o644))

	job, err := LoadJob(path)
	require.NoError(t, err)
	assert.Equal(t, "spiral", job.Function)

	_, err = LoadJob(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestCheckLimits(t *testing.T) {
	limits := Optimization{IterationLimit: 1000, MaxDimension: 3}

	tests := []struct {
		name       string
		iterations int
		dimension  int
		msg        string
	}{
		{"within limits", 1000, 3, ""},
		{"too many iterations", 1001, 2, "exceeds the limit of 1000"},
		{"too many coordinates", 10, 4, "start has 4 coordinates"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			job := DefaultJob()
			job.Iterations = tt.iterations
			job.Start = make([]float64, tt.dimension)

			err := limits.CheckLimits(job)
			if tt.msg == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.msg)
		})
	}
}
