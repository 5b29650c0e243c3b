package runnerpool

import (
	"time"

	"github.com/codepr/opsctl/internal/model"
)

// Scheduler selects exactly one eligible runner for a build-type dispatch.
type Scheduler struct {
	registry *Registry
}

func NewScheduler(registry *Registry) *Scheduler {
	return &Scheduler{registry: registry}
}

// Select applies the eligibility predicate then the strict spec.md §4.F
// tie-break order: lowest current-jobs, then lowest load ratio, then
// most-recent heartbeat, then lexicographically smallest name.
func (s *Scheduler) Select(buildType string, filters []string, now time.Time) (model.Runner, error) {
	candidates := s.registry.eligible(buildType, filters, now)
	if len(candidates) == 0 {
		return model.Runner{}, model.NewError(model.KindNotFound, "no-runner-available", nil)
	}

	best := candidates[0]
	for _, c := range candidates[1:] {
		if better(c, best) {
			best = c
		}
	}
	return best, nil
}

func better(a, b model.Runner) bool {
	if a.CurrentJobs != b.CurrentJobs {
		return a.CurrentJobs < b.CurrentJobs
	}
	ra, rb := a.LoadRatio(), b.LoadRatio()
	if ra != rb {
		return ra < rb
	}
	if !a.LastHeartbeat.Equal(b.LastHeartbeat) {
		return a.LastHeartbeat.After(b.LastHeartbeat)
	}
	return a.Name < b.Name
}
