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

// Package jobengine is the Job Engine (spec.md §4.J): submission, the
// async execution runner, per-task dispatch, cancellation, retry-of-
// finished-job and statistics. It is the heart of the core; every other
// component is a dependency injected here.
package jobengine

import (
	"context"

	"github.com/codepr/opsctl/internal/model"
	"github.com/google/uuid"
)

// Tx is the row-locked transactional view the engine needs from the
// Durable Store for one submit/transition call.
type Tx interface {
	FindJobByIdempotencyKey(ctx context.Context, key string) (*model.Job, bool, error)
	InsertJobWithTasks(ctx context.Context, job *model.Job, tasks []model.Task) error
	GetJob(ctx context.Context, id uuid.UUID) (*model.Job, error)
	LockJob(ctx context.Context, id uuid.UUID) (*model.Job, error)
	UpdateJob(ctx context.Context, job *model.Job) error
	ListTasks(ctx context.Context, jobID uuid.UUID) ([]model.Task, error)
	GetTask(ctx context.Context, id uuid.UUID) (*model.Task, error)
	UpdateTask(ctx context.Context, task *model.Task) error
}

// Store runs fn inside one transaction, committing on nil error.
type Store interface {
	WithTx(ctx context.Context, fn func(Tx) error) error
}

// HostResolver turns a Job's raw host/group ids into concrete, active
// hosts — group expansion considers active hosts only (spec.md §4.J.2).
type HostResolver interface {
	ResolveTargets(ctx context.Context, hostIDs, groupIDs []uuid.UUID) ([]model.Host, error)
}

// AuditSink records an audit entry; its own failures are logged and
// swallowed by the implementation, never surfaced to the caller
// (spec.md §4.K).
type AuditSink interface {
	Write(ctx context.Context, action string, jobID uuid.UUID, detail string)
}

// SSHRunner executes one task's command/script over SSH.
type SSHRunner interface {
	Execute(ctx context.Context, host model.Host, body string, progress func(chunk string, isFinal bool)) (exitCode int, stdout, stderr string, durationSecs float64, timedOut bool, reason model.FailureReason, err error)
}

// BuildDispatcher hands a build-kind task off to the Broker Gateway.
type BuildDispatcher interface {
	Dispatch(ctx context.Context, job *model.Job, task *model.Task, spec *model.BuildSpec, runnerName string) error
}

// CommitResolver fills in a BuildSpec's commit SHA when a submitter only
// supplied a branch. Optional: a nil CommitResolver leaves an empty
// commit as-is, same as if the feature were never wired in.
type CommitResolver interface {
	Head(repositoryURL, branch string) (string, error)
}
