package runnerpool

import (
	"testing"
	"time"

	"github.com/codepr/opsctl/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSelectReturnsErrorWhenNoneEligible(t *testing.T) {
	r := New(10*time.Second, nil)
	s := NewScheduler(r)
	_, err := s.Select("go", nil, time.Now())
	require.Error(t, err)
	assert.Equal(t, model.KindNotFound, err.(*model.Error).Kind)
}

func TestSelectPrefersLowestCurrentJobs(t *testing.T) {
	r := New(10*time.Second, nil)
	now := time.Now()
	r.Register(model.Runner{Name: "busy", Status: model.RunnerActive, MaxConcurrent: 10, Capabilities: map[string]bool{"go": true}}, now)
	r.Register(model.Runner{Name: "idle", Status: model.RunnerActive, MaxConcurrent: 10, Capabilities: map[string]bool{"go": true}}, now)
	r.IncrementJobs("busy")
	r.IncrementJobs("busy")

	s := NewScheduler(r)
	picked, err := s.Select("go", nil, now)
	require.NoError(t, err)
	assert.Equal(t, "idle", picked.Name)
}

func TestSelectTieBreaksOnLoadRatio(t *testing.T) {
	r := New(10*time.Second, nil)
	now := time.Now()
	// Equal current-jobs (1 each) but different capacities, so the load
	// ratios differ (at 0 jobs both ratios would be 0).
	r.Register(model.Runner{Name: "big", Status: model.RunnerActive, MaxConcurrent: 100, Capabilities: map[string]bool{"go": true}}, now)
	r.Register(model.Runner{Name: "small", Status: model.RunnerActive, MaxConcurrent: 10, Capabilities: map[string]bool{"go": true}}, now)
	r.IncrementJobs("big")
	r.IncrementJobs("small")

	s := NewScheduler(r)
	picked, err := s.Select("go", nil, now)
	require.NoError(t, err)
	assert.Equal(t, "big", picked.Name, "big has the lower load ratio (1/100 < 1/10)")
}

func TestSelectRequiresAllCapabilityFilters(t *testing.T) {
	r := New(10*time.Second, nil)
	now := time.Now()
	r.Register(model.Runner{
		Name: "partial", Status: model.RunnerActive, MaxConcurrent: 10,
		Capabilities: map[string]bool{"go": true},
	}, now)
	r.Register(model.Runner{
		Name: "full", Status: model.RunnerActive, MaxConcurrent: 10,
		Capabilities: map[string]bool{"go": true, "docker": true},
	}, now)

	s := NewScheduler(r)
	picked, err := s.Select("go", []string{"docker"}, now)
	require.NoError(t, err)
	assert.Equal(t, "full", picked.Name)
}
