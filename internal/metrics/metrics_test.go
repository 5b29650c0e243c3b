package metrics

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRegistersCollectorsExposedOverHandler(t *testing.T) {
	m := New()

	m.JobsSubmitted.WithLabelValues("build").Inc()
	m.RunnerCurrentJobs.WithLabelValues("runner-1").Set(3)
	m.ApprovalsOpen.Set(2)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	m.Handler().ServeHTTP(rec, req)

	require.Equal(t, 200, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "opsctl_jobs_submitted_total")
	assert.Contains(t, body, `kind="build"`)
	assert.Contains(t, body, "opsctl_runner_current_jobs")
	assert.Contains(t, body, "opsctl_approvals_open 2")
}

func TestNewReturnsIndependentRegistriesPerCall(t *testing.T) {
	a := New()
	b := New()

	a.TasksRetried.Inc()

	recA := httptest.NewRecorder()
	a.Handler().ServeHTTP(recA, httptest.NewRequest("GET", "/metrics", nil))
	recB := httptest.NewRecorder()
	b.Handler().ServeHTTP(recB, httptest.NewRequest("GET", "/metrics", nil))

	assert.Contains(t, recA.Body.String(), "opsctl_tasks_retried_total 1")
	assert.Contains(t, recB.Body.String(), "opsctl_tasks_retried_total 0")
}
