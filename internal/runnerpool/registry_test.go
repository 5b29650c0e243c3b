package runnerpool

import (
	"testing"
	"time"

	"github.com/codepr/opsctl/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterIsIdempotentAndPreservesCurrentJobs(t *testing.T) {
	r := New(10*time.Second, nil)
	now := time.Now()

	r.Register(model.Runner{Name: "r1", Status: model.RunnerActive, MaxConcurrent: 4}, now)
	r.IncrementJobs("r1")
	r.IncrementJobs("r1")

	r.Register(model.Runner{Name: "r1", Status: model.RunnerMaintenance, MaxConcurrent: 8}, now.Add(time.Minute))

	rn, ok := r.Get("r1")
	require.True(t, ok)
	assert.Equal(t, model.RunnerMaintenance, rn.Status)
	assert.Equal(t, 8, rn.MaxConcurrent)
	assert.Equal(t, 2, rn.CurrentJobs)
}

func TestDecrementSuppressesDuplicateTerminal(t *testing.T) {
	r := New(10*time.Second, nil)
	now := time.Now()
	r.Register(model.Runner{Name: "r1", Status: model.RunnerActive, MaxConcurrent: 4}, now)
	r.IncrementJobs("r1")

	r.DecrementJobs("r1", model.TaskRunning)
	rn, _ := r.Get("r1")
	assert.Equal(t, 0, rn.CurrentJobs)

	// A second terminal message for the same task must not decrement again.
	r.DecrementJobs("r1", model.TaskSucceeded)
	rn, _ = r.Get("r1")
	assert.Equal(t, 0, rn.CurrentJobs)
}

func TestStaleRunnerIsIneligible(t *testing.T) {
	r := New(10*time.Second, nil)
	now := time.Now()
	r.Register(model.Runner{
		Name:          "r1",
		Status:        model.RunnerActive,
		MaxConcurrent: 4,
		Capabilities:  map[string]bool{"go": true},
	}, now)

	fresh := r.eligible("go", nil, now.Add(20*time.Second))
	assert.Len(t, fresh, 1)

	stale := r.eligible("go", nil, now.Add(31*time.Second))
	assert.Len(t, stale, 0)
}
