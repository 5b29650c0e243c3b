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

// Package metrics holds the prometheus collectors every other component
// reports through, registered against one private Registry so /metrics
// never exposes the Go collector defaults unintentionally.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is the full set of collectors the core reports through.
type Metrics struct {
	registry *prometheus.Registry

	JobsSubmitted   *prometheus.CounterVec
	JobsTerminal    *prometheus.CounterVec
	TaskDuration    *prometheus.HistogramVec
	TasksRetried    prometheus.Counter
	ConcurrencyRejections *prometheus.CounterVec
	RunnerCurrentJobs *prometheus.GaugeVec
	ApprovalsOpen   prometheus.Gauge
}

// New registers every collector against a fresh Registry and returns
// the bundle.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		JobsSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "opsctl",
			Name:      "jobs_submitted_total",
			Help:      "Jobs submitted to the Job Engine, by kind.",
		}, []string{"kind"}),
		JobsTerminal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "opsctl",
			Name:      "jobs_terminal_total",
			Help:      "Jobs reaching a terminal status, by status.",
		}, []string{"status"}),
		TaskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "opsctl",
			Name:      "task_duration_seconds",
			Help:      "Task execution duration in seconds, by outcome.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"outcome"}),
		TasksRetried: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "opsctl",
			Name:      "tasks_retried_total",
			Help:      "Tasks re-attempted after a failed or timed-out run.",
		}),
		ConcurrencyRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "opsctl",
			Name:      "concurrency_rejections_total",
			Help:      "Acquire calls that failed under StrategyReject or timed out, by scope.",
		}, []string{"scope"}),
		RunnerCurrentJobs: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "opsctl",
			Name:      "runner_current_jobs",
			Help:      "In-flight build-kind jobs per runner, as tracked by the Registry.",
		}, []string{"runner"}),
		ApprovalsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "opsctl",
			Name:      "approvals_open",
			Help:      "Approval requests currently pending a decision.",
		}),
	}

	reg.MustRegister(
		m.JobsSubmitted, m.JobsTerminal, m.TaskDuration, m.TasksRetried,
		m.ConcurrencyRejections, m.RunnerCurrentJobs, m.ApprovalsOpen,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	return m
}

// Handler serves the /metrics endpoint chi mounts.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
