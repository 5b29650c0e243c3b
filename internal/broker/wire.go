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

// Package broker is the AMQP gateway between the core and build runners:
// a topic build exchange for dispatch and replies, a direct runner
// exchange for ad-hoc signaling, and a declared-but-unrouted DLQ exchange.
// Wire schemas mirror spec.md §6 exactly.
package broker

// BuildDispatch is published on build.<type>[.<runner>].
type BuildDispatch struct {
	TaskID  string        `json:"task_id"`
	JobID   string        `json:"job_id"`
	Project ProjectInfo   `json:"project"`
	Build   BuildInfo     `json:"build"`
	Steps   []StepPayload `json:"steps"`

	PublishTarget string `json:"publish_target,omitempty"`
}

type ProjectInfo struct {
	Name          string `json:"name"`
	RepositoryURL string `json:"repository_url"`
	Branch        string `json:"branch"`
	Commit        string `json:"commit"`
	TriggeredBy   string `json:"triggered_by"`
}

type BuildInfo struct {
	BuildType  string            `json:"build_type"`
	EnvVars    map[string]string `json:"env_vars"`
	Parameters map[string]string `json:"parameters"`
}

type StepPayload struct {
	ID                string `json:"id"`
	Name              string `json:"name"`
	StepType          string `json:"step_type"`
	Command           string `json:"command,omitempty"`
	Script            string `json:"script,omitempty"`
	WorkingDir        string `json:"working_dir,omitempty"`
	TimeoutSecs       int    `json:"timeout_secs,omitempty"`
	ContinueOnFailure bool   `json:"continue_on_failure"`
	ProducesArtifact  bool   `json:"produces_artifact"`
	DockerImage       string `json:"docker_image,omitempty"`
}

// BuildStatus is consumed from build.status.<job>.<task>.
type BuildStatus struct {
	TaskID        string      `json:"task_id"`
	JobID         string      `json:"job_id"`
	RunnerName    string      `json:"runner_name"`
	Status        string      `json:"status"`
	StepStatus    *StepStatus `json:"step_status,omitempty"`
	Error         string      `json:"error,omitempty"`
	ErrorCategory string      `json:"error_category,omitempty"`
	Timestamp     string      `json:"timestamp"`
}

type StepStatus struct {
	StepID      string `json:"step_id"`
	Status      string `json:"status"`
	StartedAt   string `json:"started_at"`
	CompletedAt string `json:"completed_at,omitempty"`
	ExitCode    *int   `json:"exit_code,omitempty"`
	Artifact    string `json:"artifact,omitempty"`
}

// BuildLog is consumed from build.log.<job>.<task>.<step>.
type BuildLog struct {
	TaskID     string `json:"task_id"`
	JobID      string `json:"job_id"`
	StepID     string `json:"step_id"`
	RunnerName string `json:"runner_name"`
	Level      string `json:"level"`
	Content    string `json:"content"`
	Offset     int    `json:"offset"`
	IsFinal    bool   `json:"is_final"`
	Timestamp  string `json:"timestamp"`
}
