package jobengine

import (
	"context"
	"sync"
	"time"

	"github.com/codepr/opsctl/internal/archive"
	"github.com/codepr/opsctl/internal/eventbus"
	"github.com/codepr/opsctl/internal/model"
	"github.com/google/uuid"
)

// runExecution is the execution runner: one logical goroutine per Job. It
// performs the risk gate, the pending->running transition, fans out one
// task runner per pending Task bounded by a per-job semaphore, awaits
// them, then computes and persists the terminal status.
func (e *Engine) runExecution(ctx context.Context, jobID uuid.UUID) {
	defer e.clearCancel(jobID)
	now := time.Now

	var job *model.Job
	err := e.store.WithTx(ctx, func(tx Tx) error {
		var err error
		job, err = tx.LockJob(ctx, jobID)
		return err
	})
	if err != nil {
		if e.log != nil {
			e.log.Errorw("execution runner: lock job failed", "job_id", jobID, "error", err)
		}
		return
	}
	if job.Status != model.JobPending {
		return
	}

	if job.RequiresApproval && !e.approvalGranted(ctx, job) {
		// Stays in pending. main's bus subscriber calls ResumeApproved,
		// which re-drives this same entrypoint, once the Approval Engine's
		// Decide flips the linked request to approved.
		return
	}

	startedAt := now()
	oldStatus := job.Status
	job.Status = model.JobRunning
	job.StartedAt = &startedAt
	err = e.store.WithTx(ctx, func(tx Tx) error { return tx.UpdateJob(ctx, job) })
	if err != nil {
		if e.log != nil {
			e.log.Errorw("execution runner: transition to running failed", "job_id", jobID, "error", err)
		}
		return
	}
	e.publishJobStatus(jobID, oldStatus, model.JobRunning, startedAt)

	limit := job.Policy.ConcurrentLimit
	if limit <= 0 {
		limit = defaultConcurrentLimit
	}
	fanout := make(chan struct{}, limit)

	var tasks []model.Task
	err = e.store.WithTx(ctx, func(tx Tx) error {
		var err error
		tasks, err = tx.ListTasks(ctx, jobID)
		return err
	})
	if err != nil {
		if e.log != nil {
			e.log.Errorw("execution runner: list tasks failed", "job_id", jobID, "error", err)
		}
		return
	}

	var wg sync.WaitGroup
	for i := range tasks {
		t := tasks[i]
		if t.Status != model.TaskPending {
			continue
		}
		wg.Add(1)
		go func(task model.Task) {
			defer wg.Done()
			fanout <- struct{}{}
			defer func() { <-fanout }()
			e.runTask(ctx, job, task)
		}(t)
	}
	wg.Wait()

	e.finalizeJob(ctx, jobID, now())
}

// approvalGranted reports whether job's linked Approval Request has
// actually reached ApprovalApproved. ApprovalRequestID is set as soon as
// the request is opened, so its mere presence proves nothing by itself.
func (e *Engine) approvalGranted(ctx context.Context, job *model.Job) bool {
	if job.ApprovalRequestID == nil {
		return false
	}
	req, err := e.approvals.Get(ctx, *job.ApprovalRequestID)
	if err != nil {
		if e.log != nil {
			e.log.Errorw("execution runner: load approval request failed", "job_id", job.ID, "error", err)
		}
		return false
	}
	return req.Status == model.ApprovalApproved
}

// runTask acquires the Concurrency Controller permit, then performs
// either an SSH dispatch (command/script kinds) or a broker dispatch
// (build kind), applying retries per spec.md §4.J.
func (e *Engine) runTask(ctx context.Context, job *model.Job, task model.Task) {
	for {
		again := e.runTaskAttempt(ctx, job, task)
		if !again.retry {
			return
		}
		task = again.task
	}
}

type attemptResult struct {
	retry bool
	task  model.Task
}

// runTaskAttempt runs exactly one attempt and releases its concurrency
// permit before reporting whether a retry is owed, so a retry never holds
// two permits in the same scope at once.
func (e *Engine) runTaskAttempt(ctx context.Context, job *model.Job, task model.Task) attemptResult {
	hosts, err := e.hosts.ResolveTargets(ctx, []uuid.UUID{task.HostID}, nil)
	if err != nil || len(hosts) == 0 {
		return e.markTaskFailed(ctx, job, task, model.FailureUnknown, "host resolution failed", time.Now())
	}
	host := hosts[0]

	group := ""
	if len(job.GroupIDs) > 0 {
		group = job.GroupIDs[0].String()
	}

	permit, err := e.concurrent.Acquire(ctx, group, host.Environment)
	if err != nil {
		if e.metrics != nil {
			e.metrics.ConcurrencyRejections.WithLabelValues(host.Environment).Inc()
		}
		return e.markTaskFailed(ctx, job, task, model.FailureUnknown, err.Error(), time.Now())
	}

	now := time.Now()
	task.Status = model.TaskRunning
	task.StartedAt = &now
	_ = e.store.WithTx(ctx, func(tx Tx) error { return tx.UpdateTask(ctx, &task) })
	e.publishTaskStatus(job.ID, task.ID, model.TaskPending, model.TaskRunning, now)

	var result attemptResult
	switch job.Kind {
	case model.JobKindBuild:
		result = e.runBuildTask(ctx, job, task)
	default:
		result = e.runSSHTask(ctx, job, task, host)
	}
	permit.Release()
	return result
}

func (e *Engine) runSSHTask(ctx context.Context, job *model.Job, task model.Task, host model.Host) attemptResult {
	body := job.Command
	if job.Kind == model.JobKindScript {
		body = job.ScriptBody
	}

	progress := func(chunk string, isFinal bool) {
		if chunk == "" {
			return
		}
		e.bus.Publish(eventbus.Event{
			Type:        eventbus.TaskOutputUpdate,
			JobID:       job.ID,
			TaskID:      task.ID,
			Output:      chunk,
			OutputFinal: isFinal,
			At:          time.Now(),
		})
	}

	exitCode, stdout, stderr, duration, timedOut, reason, err := e.ssh.Execute(ctx, host, body, progress)

	completed := time.Now()
	task.CompletedAt = &completed
	task.ExitCode = &exitCode
	task.DurationSecs = duration
	task.OutputSummary, task.OutputDetail = archive.Summarize(archive.Redact(stdout + stderr))

	oldStatus := task.Status
	switch {
	case err == nil && exitCode == 0:
		task.Status = model.TaskSucceeded
	case timedOut:
		task.Status = model.TaskTimeout
		task.FailureReason = model.FailureCommandTimeout
	default:
		task.Status = model.TaskFailed
		task.FailureReason = reason
		if reason == "" {
			task.FailureReason = model.FailureCommandFailed
		}
		if err != nil {
			task.FailureMsg = err.Error()
		}
	}

	return e.finishTaskOrRetry(ctx, job, task, oldStatus, completed)
}

func (e *Engine) runBuildTask(ctx context.Context, job *model.Job, task model.Task) attemptResult {
	oldStatus := task.Status
	if job.BuildSpec == nil {
		return e.markTaskFailed(ctx, job, task, model.FailureUnknown, "build job missing build spec", time.Now())
	}

	runner, err := e.scheduler.Select(job.BuildSpec.BuildType, nil, time.Now())
	if err != nil {
		return e.markTaskFailed(ctx, job, task, model.FailureUnknown, err.Error(), time.Now())
	}

	if err := e.build.Dispatch(ctx, job, &task, job.BuildSpec, runner.Name); err != nil {
		return e.markTaskFailed(ctx, job, task, model.FailureUnknown, err.Error(), time.Now())
	}
	e.registry.IncrementJobs(runner.Name)

	// Terminal status for build-kind tasks arrives asynchronously through
	// the Broker Gateway's status consumer, which calls ApplyBuildStatus;
	// this attempt does not own the terminal transition, so it is not a
	// retry candidate here and the task stays "running".
	e.publishTaskStatus(job.ID, task.ID, oldStatus, task.Status, time.Now())
	return attemptResult{retry: false, task: task}
}

func (e *Engine) finishTaskOrRetry(ctx context.Context, job *model.Job, task model.Task, oldStatus model.TaskStatus, now time.Time) attemptResult {
	if (task.Status == model.TaskFailed || task.Status == model.TaskTimeout) && task.RetryCount < task.MaxRetries {
		task.RetryCount++
		task.Status = model.TaskPending
		task.ExitCode = nil
		task.StartedAt = nil
		task.CompletedAt = nil
		_ = e.store.WithTx(ctx, func(tx Tx) error { return tx.UpdateTask(ctx, &task) })
		if e.metrics != nil {
			e.metrics.TasksRetried.Inc()
		}
		return attemptResult{retry: true, task: task}
	}

	_ = e.store.WithTx(ctx, func(tx Tx) error { return tx.UpdateTask(ctx, &task) })
	e.publishTaskStatus(job.ID, task.ID, oldStatus, task.Status, now)
	if e.metrics != nil {
		e.metrics.TaskDuration.WithLabelValues(string(task.Status)).Observe(task.DurationSecs)
	}
	return attemptResult{retry: false, task: task}
}

func (e *Engine) markTaskFailed(ctx context.Context, job *model.Job, task model.Task, reason model.FailureReason, msg string, now time.Time) attemptResult {
	oldStatus := task.Status
	task.Status = model.TaskFailed
	task.FailureReason = reason
	task.FailureMsg = msg
	task.CompletedAt = &now
	return e.finishTaskOrRetry(ctx, job, task, oldStatus, now)
}

// ApplyBuildStatus is invoked by the Broker Gateway's status consumer to
// apply a runner-reported terminal status to a build-kind task.
func (e *Engine) ApplyBuildStatus(ctx context.Context, taskID uuid.UUID, status model.TaskStatus, reason model.FailureReason, errMsg, runnerName string, now time.Time) error {
	var job *model.Job
	var task *model.Task
	err := e.store.WithTx(ctx, func(tx Tx) error {
		var err error
		task, err = tx.GetTask(ctx, taskID)
		if err != nil {
			return err
		}
		job, err = tx.LockJob(ctx, task.JobID)
		return err
	})
	if err != nil {
		return err
	}

	previousStatus := task.Status
	if previousStatus.IsTerminal() {
		// Duplicate terminal message; the registry decrement is
		// intentionally suppressed below, nothing else to do.
		return nil
	}

	oldStatus := task.Status
	task.Status = status
	task.FailureReason = reason
	task.FailureMsg = errMsg
	task.CompletedAt = &now

	err = e.store.WithTx(ctx, func(tx Tx) error { return tx.UpdateTask(ctx, task) })
	if err != nil {
		return err
	}

	if runnerName != "" {
		e.registry.DecrementJobs(runnerName, previousStatus)
	}
	e.publishTaskStatus(job.ID, taskID, oldStatus, status, now)

	allTerminal, err := e.allTasksTerminal(ctx, job.ID)
	if err != nil {
		return err
	}
	if allTerminal {
		e.finalizeJob(ctx, job.ID, now)
	}
	return nil
}

func (e *Engine) allTasksTerminal(ctx context.Context, jobID uuid.UUID) (bool, error) {
	var tasks []model.Task
	err := e.store.WithTx(ctx, func(tx Tx) error {
		var err error
		tasks, err = tx.ListTasks(ctx, jobID)
		return err
	})
	if err != nil {
		return false, err
	}
	for _, t := range tasks {
		if !t.Status.IsTerminal() {
			return false, nil
		}
	}
	return true, nil
}

// finalizeJob computes the job's terminal status from its task counters
// per the rules in spec.md §4.J.5 and persists it.
func (e *Engine) finalizeJob(ctx context.Context, jobID uuid.UUID, now time.Time) {
	var job *model.Job
	var tasks []model.Task
	err := e.store.WithTx(ctx, func(tx Tx) error {
		var err error
		job, err = tx.LockJob(ctx, jobID)
		if err != nil {
			return err
		}
		tasks, err = tx.ListTasks(ctx, jobID)
		return err
	})
	if err != nil {
		if e.log != nil {
			e.log.Errorw("finalize job: load failed", "job_id", jobID, "error", err)
		}
		return
	}

	var succeeded, failed, timedOut, cancelled int
	for _, t := range tasks {
		switch t.Status {
		case model.TaskSucceeded:
			succeeded++
		case model.TaskFailed:
			failed++
		case model.TaskTimeout:
			timedOut++
		case model.TaskCancelled:
			cancelled++
		default:
			return // not every task is terminal yet
		}
	}

	oldStatus := job.Status
	total := len(tasks)
	switch {
	case succeeded == total:
		job.Status = model.JobCompleted
	case succeeded > 0 && succeeded < total:
		job.Status = model.JobPartiallySucceeded
	case succeeded == 0 && cancelled == total:
		job.Status = model.JobCancelled
	default:
		job.Status = model.JobFailed
	}

	job.Succeeded, job.Failed, job.TimedOut, job.Cancelled = succeeded, failed, timedOut, cancelled
	job.CompletedAt = &now

	err = e.store.WithTx(ctx, func(tx Tx) error { return tx.UpdateJob(ctx, job) })
	if err != nil {
		if e.log != nil {
			e.log.Errorw("finalize job: persist failed", "job_id", jobID, "error", err)
		}
		return
	}
	e.publishJobStatus(jobID, oldStatus, job.Status, now)
	if e.metrics != nil {
		e.metrics.JobsTerminal.WithLabelValues(string(job.Status)).Inc()
	}
}

func (e *Engine) publishJobStatus(jobID uuid.UUID, oldStatus, newStatus model.JobStatus, at time.Time) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(eventbus.Event{
		Type:      eventbus.JobStatusChanged,
		JobID:     jobID,
		OldStatus: string(oldStatus),
		NewStatus: string(newStatus),
		At:        at,
	})
}

func (e *Engine) publishTaskStatus(jobID, taskID uuid.UUID, oldStatus, newStatus model.TaskStatus, at time.Time) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(eventbus.Event{
		Type:      eventbus.TaskStatusChanged,
		JobID:     jobID,
		TaskID:    taskID,
		OldStatus: string(oldStatus),
		NewStatus: string(newStatus),
		At:        at,
	})
}
