package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserveStep(t *testing.T) {
	m := New(nil)

	m.ObserveStep("rosenbrock", true, false)
	m.ObserveStep("rosenbrock", true, false)
	m.ObserveStep("rosenbrock", false, false)
	m.ObserveStep("rosenbrock", false, true)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Steps.WithLabelValues("rosenbrock", OutcomeAccepted)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Steps.WithLabelValues("rosenbrock", OutcomeRejected)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Steps.WithLabelValues("rosenbrock", OutcomeNonFinite)))
}

func TestJobLifecycle(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.JobStarted()
	m.JobStarted()
	m.StepSize.WithLabelValues("opt_1").Set(0.2)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.ActiveJobs))

	m.JobFinished("opt_1", "sphere", "completed", 25*time.Millisecond)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ActiveJobs))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Jobs.WithLabelValues("completed")))
	assert.Equal(t, 0, testutil.CollectAndCount(m.StepSize))

	count, err := testutil.GatherAndCount(reg, "gradsearch_job_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}
