package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func activeRunner() *Runner {
	return &Runner{
		Name:          "runner-1",
		Capabilities:  map[string]bool{"docker": true, "gpu": true},
		MaxConcurrent: 2,
		CurrentJobs:   0,
		Status:        RunnerActive,
	}
}

func TestRunnerEligibleRequiresActiveStatus(t *testing.T) {
	r := activeRunner()
	r.Status = RunnerMaintenance
	assert.False(t, r.Eligible("docker", nil, false))
}

func TestRunnerEligibleRejectsStaleHeartbeat(t *testing.T) {
	r := activeRunner()
	assert.False(t, r.Eligible("docker", nil, true))
}

func TestRunnerEligibleRejectsWhenSaturated(t *testing.T) {
	r := activeRunner()
	r.CurrentJobs = r.MaxConcurrent
	assert.False(t, r.Eligible("docker", nil, false))
}

func TestRunnerEligibleRequiresBuildTypeCapability(t *testing.T) {
	r := activeRunner()
	assert.False(t, r.Eligible("lambda", nil, false))
}

func TestRunnerEligibleRequiresAllFilters(t *testing.T) {
	r := activeRunner()
	assert.True(t, r.Eligible("docker", []string{"gpu"}, false))
	assert.False(t, r.Eligible("docker", []string{"gpu", "arm"}, false))
}

func TestRunnerLoadRatio(t *testing.T) {
	r := activeRunner()
	r.CurrentJobs = 1
	assert.Equal(t, 0.5, r.LoadRatio())
}

func TestRunnerLoadRatioWithZeroCapacityIsFull(t *testing.T) {
	r := activeRunner()
	r.MaxConcurrent = 0
	assert.Equal(t, float64(1), r.LoadRatio())
}
