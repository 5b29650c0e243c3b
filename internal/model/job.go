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

// Package model holds the shared entities of the job execution core: jobs,
// tasks, builds, runners, approvals and the closed enumerations that gate
// their state machines.
package model

import (
	"time"

	"github.com/google/uuid"
)

// JobKind is the closed set of job payload shapes.
type JobKind string

const (
	JobKindCommand JobKind = "command"
	JobKindScript  JobKind = "script"
	JobKindBuild   JobKind = "build"
)

// JobStatus is the lifecycle of a Job.
type JobStatus string

const (
	JobPending             JobStatus = "pending"
	JobRunning             JobStatus = "running"
	JobCompleted           JobStatus = "completed"
	JobFailed              JobStatus = "failed"
	JobCancelled           JobStatus = "cancelled"
	JobPartiallySucceeded  JobStatus = "partially-succeeded"
)

// TaskStatus is the lifecycle of a single (host, job) execution unit.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskSucceeded TaskStatus = "succeeded"
	TaskFailed    TaskStatus = "failed"
	TaskTimeout   TaskStatus = "timeout"
	TaskCancelled TaskStatus = "cancelled"
)

// IsTerminal reports whether status admits no further transitions.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskSucceeded, TaskFailed, TaskTimeout, TaskCancelled:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether status admits no further transitions.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobCancelled, JobPartiallySucceeded:
		return true
	default:
		return false
	}
}

// FailureReason is the closed enumeration of why a Task ended badly.
type FailureReason string

const (
	FailureNetworkError       FailureReason = "network-error"
	FailureAuthFailed         FailureReason = "auth-failed"
	FailureConnectionTimeout  FailureReason = "connection-timeout"
	FailureHandshakeTimeout   FailureReason = "handshake-timeout"
	FailureCommandTimeout     FailureReason = "command-timeout"
	FailureCommandFailed      FailureReason = "command-failed"
	FailureUnknown            FailureReason = "unknown"
)

// ExecutionPolicy carries the knobs that govern how a Job's tasks run.
type ExecutionPolicy struct {
	ConcurrentLimit  int
	TaskTimeoutSecs  int
	RetryCount       int
	ExecuteAsUser    string
}

// Job is a single user intent to execute work against one or more targets.
type Job struct {
	ID             uuid.UUID
	IdempotencyKey string
	Kind           JobKind
	Command        string
	ScriptBody     string
	ScriptPath     string
	BuildSpec      *BuildSpec
	HostIDs        []uuid.UUID
	GroupIDs       []uuid.UUID
	Policy         ExecutionPolicy
	Status         JobStatus
	RequiresApproval  bool
	ApprovalRequestID *uuid.UUID
	TotalTasks     int
	Succeeded      int
	Failed         int
	TimedOut       int
	Cancelled      int
	Tags           []string
	CreatorID      uuid.UUID
	CreatedAt      time.Time
	StartedAt      *time.Time
	CompletedAt    *time.Time
}

// CountersConsistent checks the invariant from spec.md §8.1.
func (j *Job) CountersConsistent() bool {
	return j.Succeeded+j.Failed+j.TimedOut+j.Cancelled <= j.TotalTasks
}

// Task is one execution unit of a Job against exactly one host.
type Task struct {
	ID            uuid.UUID
	JobID         uuid.UUID
	HostID        uuid.UUID
	Status        TaskStatus
	ExitCode      *int
	StartedAt     *time.Time
	CompletedAt   *time.Time
	DurationSecs  float64
	RetryCount    int
	MaxRetries    int
	FailureReason FailureReason
	FailureMsg    string
	OutputSummary string
	OutputDetail  string
}

// BuildSpec is the build-kind payload of a Job, mirrored into a BuildJob row.
type BuildSpec struct {
	Repository string
	Branch     string
	Commit     string
	BuildType  string
	EnvVars    map[string]string
	Parameters map[string]string
	Steps      []BuildStepSpec
}

// BuildStepType is the closed set of step kinds a runner understands.
type BuildStepType string

const (
	StepCommand BuildStepType = "command"
	StepScript  BuildStepType = "script"
	StepInstall BuildStepType = "install"
	StepBuild   BuildStepType = "build"
	StepTest    BuildStepType = "test"
	StepPackage BuildStepType = "package"
	StepPublish BuildStepType = "publish"
)

// BuildStepSpec describes one ordered step of a build dispatch.
type BuildStepSpec struct {
	ID                string
	Name              string
	Type              BuildStepType
	Custom            string
	Command           string
	Script            string
	WorkingDir        string
	TimeoutSecs       int
	ContinueOnFailure bool
	ProducesArtifact  bool
	DockerImage       string
}
