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

package httpapi

import (
	"net/http"
	"time"

	"github.com/codepr/opsctl/internal/model"
)

// rabbitmqHint tells a freshly-registered runner which exchange/queue it
// should bind to, mirroring internal/broker's actually-declared topology
// (ops.build topic exchange, routing keys build.<type>[.<runner>], shared
// status queue) so a runner never has to guess wire names.
type rabbitmqHint struct {
	Exchange          string `json:"exchange"`
	RoutingKeyPattern string `json:"routing_key_pattern"`
	QueueName         string `json:"queue_name"`
}

type registerRunnerRequest struct {
	Name              string   `json:"name"`
	Capabilities      []string `json:"capabilities"`
	DockerSupported   bool     `json:"docker_supported"`
	MaxConcurrentJobs int      `json:"max_concurrent_jobs"`
	OutboundAllowlist []string `json:"outbound_allowlist,omitempty"`
	OS                string   `json:"os,omitempty"`
	Arch              string   `json:"arch,omitempty"`
	Version           string   `json:"version,omitempty"`
	Hostname          string   `json:"hostname,omitempty"`
	IP                []string `json:"ip,omitempty"`
	Timestamp         string   `json:"timestamp,omitempty"`
}

type registerRunnerResponse struct {
	RunnerID              string       `json:"runner_id"`
	HeartbeatIntervalSecs int          `json:"heartbeat_interval_secs"`
	RabbitMQ              rabbitmqHint `json:"rabbitmq"`
	ServerTimestamp       string       `json:"server_timestamp"`
}

func (a *API) registerRunner(w http.ResponseWriter, r *http.Request) {
	var req registerRunnerRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, a.log, err)
		return
	}
	if req.Name == "" {
		writeError(w, a.log, model.NewError(model.KindValidation, "name is required", nil))
		return
	}

	caps := make(map[string]bool, len(req.Capabilities))
	for _, c := range req.Capabilities {
		caps[c] = true
	}
	now := time.Now()
	a.registry.Register(model.Runner{
		Name:            req.Name,
		Capabilities:    caps,
		DockerSupported: req.DockerSupported,
		MaxConcurrent:   req.MaxConcurrentJobs,
		Status:          model.RunnerActive,
		OutboundAllow:   req.OutboundAllowlist,
	}, now)

	a.mirrorRunnerAudit(r, req.Name)

	writeJSON(w, http.StatusOK, registerRunnerResponse{
		RunnerID:              req.Name,
		HeartbeatIntervalSecs: int(a.heartbeatInterval / time.Second),
		RabbitMQ: rabbitmqHint{
			Exchange:          "ops.build",
			RoutingKeyPattern: "build.<type>[.<runner>]",
			QueueName:         "build.status.queue",
		},
		ServerTimestamp: now.Format(timeLayout),
	})
}

// mirrorRunnerAudit upserts the registry's current view of name into the
// runners table; failures are logged and swallowed, matching AuditSink's
// own never-block-the-caller discipline (spec.md §4.K).
func (a *API) mirrorRunnerAudit(r *http.Request, name string) {
	if a.runnerAudit == nil {
		return
	}
	runner, ok := a.registry.Get(name)
	if !ok {
		return
	}
	if err := a.runnerAudit.Upsert(r.Context(), runner); err != nil && a.log != nil {
		a.log.Warnw("runner audit mirror failed", "runner", name, "error", err)
	}
}

type runnerSystemStats struct {
	CPUUsagePercent    float64 `json:"cpu_usage_percent"`
	MemoryUsagePercent float64 `json:"memory_usage_percent"`
	DiskUsagePercent   float64 `json:"disk_usage_percent"`
	AvailableMemoryMB  float64 `json:"available_memory_mb"`
	AvailableDiskGB    float64 `json:"available_disk_gb"`
}

type heartbeatRunnerRequest struct {
	Name        string            `json:"name"`
	Status      string            `json:"status"`
	CurrentJobs int               `json:"current_jobs"`
	LastError   string            `json:"last_error,omitempty"`
	System      runnerSystemStats `json:"system"`
	Timestamp   string            `json:"timestamp,omitempty"`
}

type heartbeatRunnerResponse struct {
	ConfigVersion   int    `json:"config_version,omitempty"`
	ServerTimestamp string `json:"server_timestamp"`
}

func (a *API) heartbeatRunner(w http.ResponseWriter, r *http.Request) {
	var req heartbeatRunnerRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, a.log, err)
		return
	}
	if req.Name == "" {
		writeError(w, a.log, model.NewError(model.KindValidation, "name is required", nil))
		return
	}
	now := time.Now()
	a.registry.Heartbeat(req.Name, model.RunnerStatus(req.Status), req.CurrentJobs, now)
	a.mirrorRunnerAudit(r, req.Name)

	writeJSON(w, http.StatusOK, heartbeatRunnerResponse{
		ServerTimestamp: now.Format(timeLayout),
	})
}
