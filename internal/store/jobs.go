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

package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/codepr/opsctl/internal/jobengine"
	"github.com/codepr/opsctl/internal/model"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pkg/errors"
)

// JobStore satisfies jobengine.Store against the jobs/tasks tables.
type JobStore struct {
	db *DB
}

func NewJobStore(db *DB) *JobStore {
	return &JobStore{db: db}
}

// WithTx opens one row-locking transaction for the duration of fn,
// committing on nil error and rolling back otherwise.
func (s *JobStore) WithTx(ctx context.Context, fn func(jobengine.Tx) error) error {
	tx, err := s.db.sql.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin tx")
	}
	if err := fn(&jobTx{tx: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	return errors.Wrap(tx.Commit(), "commit tx")
}

type jobTx struct {
	tx *sqlx.Tx
}

type jobRow struct {
	ID                string         `db:"id"`
	IdempotencyKey     sql.NullString `db:"idempotency_key"`
	Kind               string         `db:"kind"`
	Command            string         `db:"command"`
	ScriptBody         string         `db:"script_body"`
	ScriptPath         string         `db:"script_path"`
	HostIDs            pq.StringArray `db:"host_ids"`
	GroupIDs           pq.StringArray `db:"group_ids"`
	ConcurrentLimit    int            `db:"concurrent_limit"`
	TaskTimeoutSecs    int            `db:"task_timeout_secs"`
	RetryCount         int            `db:"retry_count"`
	ExecuteAsUser      string         `db:"execute_as_user"`
	Status             string         `db:"status"`
	RequiresApproval   bool           `db:"requires_approval"`
	ApprovalRequestID  sql.NullString `db:"approval_request_id"`
	TotalTasks         int            `db:"total_tasks"`
	Succeeded          int            `db:"succeeded"`
	Failed             int            `db:"failed"`
	TimedOut           int            `db:"timed_out"`
	Cancelled          int            `db:"cancelled"`
	Tags               pq.StringArray `db:"tags"`
	CreatorID          string         `db:"creator_id"`
	CreatedAt          time.Time      `db:"created_at"`
	StartedAt          sql.NullTime   `db:"started_at"`
	CompletedAt        sql.NullTime   `db:"completed_at"`
}

func (r *jobRow) toModel() (*model.Job, error) {
	id, err := uuid.Parse(r.ID)
	if err != nil {
		return nil, err
	}
	creator, err := uuid.Parse(r.CreatorID)
	if err != nil {
		return nil, err
	}
	hostIDs, err := stringsToUUIDs(r.HostIDs)
	if err != nil {
		return nil, err
	}
	groupIDs, err := stringsToUUIDs(r.GroupIDs)
	if err != nil {
		return nil, err
	}

	var approvalID *uuid.UUID
	if r.ApprovalRequestID.Valid {
		approvalID, err = parseNullableUUID(&r.ApprovalRequestID.String)
		if err != nil {
			return nil, err
		}
	}

	job := &model.Job{
		ID:               id,
		Kind:             model.JobKind(r.Kind),
		Command:          r.Command,
		ScriptBody:       r.ScriptBody,
		ScriptPath:       r.ScriptPath,
		HostIDs:          hostIDs,
		GroupIDs:         groupIDs,
		Policy: model.ExecutionPolicy{
			ConcurrentLimit: r.ConcurrentLimit,
			TaskTimeoutSecs: r.TaskTimeoutSecs,
			RetryCount:      r.RetryCount,
			ExecuteAsUser:   r.ExecuteAsUser,
		},
		Status:            model.JobStatus(r.Status),
		RequiresApproval:  r.RequiresApproval,
		ApprovalRequestID: approvalID,
		TotalTasks:        r.TotalTasks,
		Succeeded:         r.Succeeded,
		Failed:            r.Failed,
		TimedOut:          r.TimedOut,
		Cancelled:         r.Cancelled,
		Tags:              []string(r.Tags),
		CreatorID:         creator,
		CreatedAt:         r.CreatedAt,
	}
	if r.IdempotencyKey.Valid {
		job.IdempotencyKey = r.IdempotencyKey.String
	}
	if r.StartedAt.Valid {
		job.StartedAt = &r.StartedAt.Time
	}
	if r.CompletedAt.Valid {
		job.CompletedAt = &r.CompletedAt.Time
	}
	return job, nil
}

func (t *jobTx) FindJobByIdempotencyKey(ctx context.Context, key string) (*model.Job, bool, error) {
	var row jobRow
	err := t.tx.GetContext(ctx, &row, `SELECT * FROM jobs WHERE idempotency_key = $1`, key)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrap(err, "find job by idempotency key")
	}
	job, err := row.toModel()
	if err != nil {
		return nil, false, err
	}
	return job, true, nil
}

func (t *jobTx) InsertJobWithTasks(ctx context.Context, job *model.Job, tasks []model.Task) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO jobs (
			id, idempotency_key, kind, command, script_body, script_path,
			host_ids, group_ids, concurrent_limit, task_timeout_secs,
			retry_count, execute_as_user, status, requires_approval,
			approval_request_id, total_tasks, succeeded, failed, timed_out,
			cancelled, tags, creator_id, created_at
		) VALUES (
			$1, NULLIF($2, ''), $3, $4, $5, $6, $7, $8, $9, $10, $11, $12,
			$13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23
		)`,
		job.ID, job.IdempotencyKey, string(job.Kind), job.Command, job.ScriptBody, job.ScriptPath,
		pq.Array(uuidsToStrings(job.HostIDs)), pq.Array(uuidsToStrings(job.GroupIDs)),
		job.Policy.ConcurrentLimit, job.Policy.TaskTimeoutSecs, job.Policy.RetryCount, job.Policy.ExecuteAsUser,
		string(job.Status), job.RequiresApproval, nullableUUID(job.ApprovalRequestID),
		job.TotalTasks, job.Succeeded, job.Failed, job.TimedOut, job.Cancelled,
		pq.Array(job.Tags), job.CreatorID, job.CreatedAt,
	)
	if err != nil {
		return errors.Wrap(err, "insert job")
	}

	for _, task := range tasks {
		if err := t.insertTask(ctx, &task); err != nil {
			return err
		}
	}
	return nil
}

func (t *jobTx) insertTask(ctx context.Context, task *model.Task) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO tasks (
			id, job_id, host_id, status, retry_count, max_retries
		) VALUES ($1, $2, $3, $4, $5, $6)`,
		task.ID, task.JobID, task.HostID, string(task.Status), task.RetryCount, task.MaxRetries,
	)
	return errors.Wrap(err, "insert task")
}

func (t *jobTx) GetJob(ctx context.Context, id uuid.UUID) (*model.Job, error) {
	var row jobRow
	err := t.tx.GetContext(ctx, &row, `SELECT * FROM jobs WHERE id = $1`, id)
	if err == sql.ErrNoRows {
		return nil, model.NewError(model.KindNotFound, "job not found", nil)
	}
	if err != nil {
		return nil, errors.Wrap(err, "get job")
	}
	return row.toModel()
}

func (t *jobTx) LockJob(ctx context.Context, id uuid.UUID) (*model.Job, error) {
	var row jobRow
	err := t.tx.GetContext(ctx, &row, `SELECT * FROM jobs WHERE id = $1 FOR UPDATE`, id)
	if err == sql.ErrNoRows {
		return nil, model.NewError(model.KindNotFound, "job not found", nil)
	}
	if err != nil {
		return nil, errors.Wrap(err, "lock job")
	}
	return row.toModel()
}

func (t *jobTx) UpdateJob(ctx context.Context, job *model.Job) error {
	_, err := t.tx.ExecContext(ctx, `
		UPDATE jobs SET
			status = $2, requires_approval = $3, approval_request_id = $4,
			succeeded = $5, failed = $6, timed_out = $7, cancelled = $8,
			started_at = $9, completed_at = $10
		WHERE id = $1`,
		job.ID, string(job.Status), job.RequiresApproval, nullableUUID(job.ApprovalRequestID),
		job.Succeeded, job.Failed, job.TimedOut, job.Cancelled,
		job.StartedAt, job.CompletedAt,
	)
	return errors.Wrap(err, "update job")
}

type taskRow struct {
	ID            string         `db:"id"`
	JobID         string         `db:"job_id"`
	HostID        string         `db:"host_id"`
	Status        string         `db:"status"`
	ExitCode      sql.NullInt64  `db:"exit_code"`
	StartedAt     sql.NullTime   `db:"started_at"`
	CompletedAt   sql.NullTime   `db:"completed_at"`
	DurationSecs  float64        `db:"duration_secs"`
	RetryCount    int            `db:"retry_count"`
	MaxRetries    int            `db:"max_retries"`
	FailureReason string         `db:"failure_reason"`
	FailureMsg    string         `db:"failure_message"`
	OutputSummary string         `db:"output_summary"`
	OutputDetail  string         `db:"output_detail"`
	CreatedAt     time.Time      `db:"created_at"`
}

func (r *taskRow) toModel() (*model.Task, error) {
	id, err := uuid.Parse(r.ID)
	if err != nil {
		return nil, err
	}
	jobID, err := uuid.Parse(r.JobID)
	if err != nil {
		return nil, err
	}
	hostID, err := uuid.Parse(r.HostID)
	if err != nil {
		return nil, err
	}
	task := &model.Task{
		ID:            id,
		JobID:         jobID,
		HostID:        hostID,
		Status:        model.TaskStatus(r.Status),
		DurationSecs:  r.DurationSecs,
		RetryCount:    r.RetryCount,
		MaxRetries:    r.MaxRetries,
		FailureReason: model.FailureReason(r.FailureReason),
		FailureMsg:    r.FailureMsg,
		OutputSummary: r.OutputSummary,
		OutputDetail:  r.OutputDetail,
	}
	if r.ExitCode.Valid {
		code := int(r.ExitCode.Int64)
		task.ExitCode = &code
	}
	if r.StartedAt.Valid {
		task.StartedAt = &r.StartedAt.Time
	}
	if r.CompletedAt.Valid {
		task.CompletedAt = &r.CompletedAt.Time
	}
	return task, nil
}

func (t *jobTx) ListTasks(ctx context.Context, jobID uuid.UUID) ([]model.Task, error) {
	var rows []taskRow
	if err := t.tx.SelectContext(ctx, &rows, `SELECT * FROM tasks WHERE job_id = $1 ORDER BY created_at`, jobID); err != nil {
		return nil, errors.Wrap(err, "list tasks")
	}
	tasks := make([]model.Task, 0, len(rows))
	for i := range rows {
		m, err := rows[i].toModel()
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *m)
	}
	return tasks, nil
}

func (t *jobTx) GetTask(ctx context.Context, id uuid.UUID) (*model.Task, error) {
	var row taskRow
	err := t.tx.GetContext(ctx, &row, `SELECT * FROM tasks WHERE id = $1`, id)
	if err == sql.ErrNoRows {
		return nil, model.NewError(model.KindNotFound, "task not found", nil)
	}
	if err != nil {
		return nil, errors.Wrap(err, "get task")
	}
	return row.toModel()
}

// UpdateTask writes task's new state, but never over a row that has
// already reached a terminal status: a cancelled goroutine's own write
// can still land after Cancel's, and the terminal row must win.
func (t *jobTx) UpdateTask(ctx context.Context, task *model.Task) error {
	_, err := t.tx.ExecContext(ctx, `
		UPDATE tasks SET
			status = $2, exit_code = $3, started_at = $4, completed_at = $5,
			duration_secs = $6, retry_count = $7, failure_reason = $8,
			failure_message = $9, output_summary = $10, output_detail = $11
		WHERE id = $1 AND status NOT IN ('succeeded', 'failed', 'timeout', 'cancelled')`,
		task.ID, string(task.Status), task.ExitCode, task.StartedAt, task.CompletedAt,
		task.DurationSecs, task.RetryCount, string(task.FailureReason), task.FailureMsg,
		task.OutputSummary, task.OutputDetail,
	)
	return errors.Wrap(err, "update task")
}
