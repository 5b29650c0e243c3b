// BSD 2-Clause License
//
// Copyright (c) 2020, Andrea Giacomo Baldan
// All rights reserved.
//
// Redistribution and use in source and binary forms, with or without
// modification, are permitted provided that the following conditions are met:
//
// * Redistributions of source code must retain the above copyright notice, this
//   list of conditions and the following disclaimer.
//
// * Redistributions in binary form must reproduce the above copyright notice,
//   this list of conditions and the following disclaimer in the documentation
//   and/or other materials provided with the distribution.
//
// THIS SOFTWARE IS PROVIDED BY THE COPYRIGHT HOLDERS AND CONTRIBUTORS "AS IS"
// AND ANY EXPRESS OR IMPLIED WARRANTIES, INCLUDING, BUT NOT LIMITED TO, THE
// IMPLIED WARRANTIES OF MERCHANTABILITY AND FITNESS FOR A PARTICULAR PURPOSE ARE
// DISCLAIMED. IN NO EVENT SHALL THE COPYRIGHT HOLDER OR CONTRIBUTORS BE LIABLE
// FOR ANY DIRECT, INDIRECT, INCIDENTAL, SPECIAL, EXEMPLARY, OR CONSEQUENTIAL
// DAMAGES (INCLUDING, BUT NOT LIMITED TO, PROCUREMENT OF SUBSTITUTE GOODS OR
// SERVICES; LOSS OF USE, DATA, OR PROFITS; OR BUSINESS INTERRUPTION) HOWEVER
// CAUSED AND ON ANY THEORY OF LIABILITY, WHETHER IN CONTRACT, STRICT LIABILITY,
// OR TORT (INCLUDING NEGLIGENCE OR OTHERWISE) ARISING IN ANY WAY OUT OF THE USE
// OF THIS SOFTWARE, EVEN IF ADVISED OF THE POSSIBILITY OF SUCH DAMAGE.

// Package runnerpool keeps the central table of registered build runners
// (Runner Registry, spec.md §4.E) and picks one for dispatch (Runner
// Scheduler, §4.F). It replaces the teacher's round-robin RPC registry with
// a heartbeat-tracked, capability-aware one, kept behind the same single
// mutex.
package runnerpool

import (
	"sort"
	"sync"
	"time"

	"github.com/codepr/opsctl/internal/metrics"
	"github.com/codepr/opsctl/internal/model"
	"go.uber.org/zap"
)

// heartbeatStaleFactor is the multiplier in "now - last_heartbeat > N *
// heartbeat_interval" from spec.md §4.E.
const heartbeatStaleFactor = 3

// Registry is the mutex-guarded table of runners, keyed by name.
type Registry struct {
	mu                sync.Mutex
	runners           map[string]*model.Runner
	heartbeatInterval time.Duration
	metrics           *metrics.Metrics
	log               *zap.SugaredLogger
}

func New(heartbeatInterval time.Duration, log *zap.SugaredLogger) *Registry {
	return &Registry{
		runners:           make(map[string]*model.Runner),
		heartbeatInterval: heartbeatInterval,
		log:               log,
	}
}

// WithMetrics wires a prometheus collector bundle in after construction.
func (r *Registry) WithMetrics(m *metrics.Metrics) *Registry {
	r.metrics = m
	return r
}

func (r *Registry) reportGauge(name string, currentJobs int) {
	if r.metrics == nil {
		return
	}
	r.metrics.RunnerCurrentJobs.WithLabelValues(name).Set(float64(currentJobs))
}

// Register is idempotent: an existing name has its capabilities, limits,
// allow-list and status overwritten and last-heartbeat refreshed.
func (r *Registry) Register(runner model.Runner, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	runner.LastHeartbeat = now
	existing, ok := r.runners[runner.Name]
	if ok {
		runner.CurrentJobs = existing.CurrentJobs
	}
	r.runners[runner.Name] = &runner
}

// Heartbeat updates status, current-jobs and last-heartbeat for a known
// runner. It is a no-op if the runner was never registered.
func (r *Registry) Heartbeat(name string, status model.RunnerStatus, currentJobs int, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rn, ok := r.runners[name]
	if !ok {
		return
	}
	rn.Status = status
	rn.CurrentJobs = currentJobs
	rn.LastHeartbeat = now
}

// IncrementJobs is called by the caller immediately after a successful
// publish to a runner, per spec.md §4.F.
func (r *Registry) IncrementJobs(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rn, ok := r.runners[name]; ok {
		rn.CurrentJobs++
		r.reportGauge(name, rn.CurrentJobs)
	}
}

// DecrementJobs decrements current-jobs exactly once per task: it does
// nothing unless previousStatus was running or pending (duplicate
// terminal messages must not double-decrement).
func (r *Registry) DecrementJobs(name string, previousStatus model.TaskStatus) {
	if previousStatus != model.TaskRunning && previousStatus != model.TaskPending {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	rn, ok := r.runners[name]
	if !ok {
		return
	}
	if rn.CurrentJobs > 0 {
		rn.CurrentJobs--
	}
	r.reportGauge(name, rn.CurrentJobs)
}

// Get returns a copy of the named runner's state.
func (r *Registry) Get(name string) (model.Runner, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rn, ok := r.runners[name]
	if !ok {
		return model.Runner{}, false
	}
	return *rn, true
}

func (r *Registry) isStale(rn *model.Runner, now time.Time) bool {
	if r.heartbeatInterval <= 0 {
		return false
	}
	return now.Sub(rn.LastHeartbeat) > heartbeatStaleFactor*r.heartbeatInterval
}

// eligible snapshots the runners eligible for buildType+filters at now,
// used by the Scheduler without exposing the internal map.
func (r *Registry) eligible(buildType string, filters []string, now time.Time) []model.Runner {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.Runner
	for _, rn := range r.runners {
		if rn.Eligible(buildType, filters, r.isStale(rn, now)) {
			out = append(out, *rn)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
