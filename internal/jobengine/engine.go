package jobengine

import (
	"context"
	"sync"
	"time"

	"github.com/codepr/opsctl/internal/approval"
	"github.com/codepr/opsctl/internal/concurrency"
	"github.com/codepr/opsctl/internal/eventbus"
	"github.com/codepr/opsctl/internal/metrics"
	"github.com/codepr/opsctl/internal/model"
	"github.com/codepr/opsctl/internal/risk"
	"github.com/codepr/opsctl/internal/runnerpool"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const defaultConcurrentLimit = 10

// Engine wires the Job Engine to every other core component. It holds no
// job state of its own beyond what Store persists, except the live
// CancelFuncs of the execution runners it has launched.
type Engine struct {
	store      Store
	bus        *eventbus.Bus
	concurrent *concurrency.Controller
	scheduler  *runnerpool.Scheduler
	registry   *runnerpool.Registry
	hosts      HostResolver
	ssh        SSHRunner
	build      BuildDispatcher
	approvals  *approval.Engine
	riskCfg    risk.Config
	audit      AuditSink
	commits    CommitResolver
	metrics    *metrics.Metrics
	log        *zap.SugaredLogger

	mu      sync.Mutex
	cancels map[uuid.UUID]context.CancelFunc
}

func New(
	store Store,
	bus *eventbus.Bus,
	concurrent *concurrency.Controller,
	scheduler *runnerpool.Scheduler,
	registry *runnerpool.Registry,
	hosts HostResolver,
	ssh SSHRunner,
	build BuildDispatcher,
	approvals *approval.Engine,
	riskCfg risk.Config,
	audit AuditSink,
	log *zap.SugaredLogger,
) *Engine {
	return &Engine{
		store:      store,
		bus:        bus,
		concurrent: concurrent,
		scheduler:  scheduler,
		registry:   registry,
		hosts:      hosts,
		ssh:        ssh,
		build:      build,
		approvals:  approvals,
		riskCfg:    riskCfg,
		audit:      audit,
		log:        log,
		cancels:    make(map[uuid.UUID]context.CancelFunc),
	}
}

// WithCommitResolver wires a branch->commit resolver in after
// construction, keeping New's signature stable for callers that never
// submit build-kind jobs.
func (e *Engine) WithCommitResolver(commits CommitResolver) *Engine {
	e.commits = commits
	return e
}

// WithMetrics wires a prometheus collector bundle in after construction.
// Every recording site is nil-checked, so tests that build an Engine
// without metrics are unaffected.
func (e *Engine) WithMetrics(m *metrics.Metrics) *Engine {
	e.metrics = m
	return e
}

// SubmitInput is what a caller supplies to open a new Job.
type SubmitInput struct {
	IdempotencyKey    string
	Kind              model.JobKind
	Command           string
	ScriptBody        string
	ScriptPath        string
	BuildSpec         *model.BuildSpec
	HostIDs           []uuid.UUID
	GroupIDs          []uuid.UUID
	Policy            model.ExecutionPolicy
	Tags              []string
	CreatorID         uuid.UUID
	RequiredApprovers int
	ApprovalGroup     *uuid.UUID
}

// Submit implements spec.md §4.J's five-step submission, then hands off
// to the async execution runner.
func (e *Engine) Submit(ctx context.Context, in SubmitInput, now time.Time) (*model.Job, error) {
	if in.IdempotencyKey != "" {
		var existing *model.Job
		err := e.store.WithTx(ctx, func(tx Tx) error {
			job, found, err := tx.FindJobByIdempotencyKey(ctx, in.IdempotencyKey)
			if err != nil {
				return err
			}
			if found {
				existing = job
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return existing, nil
		}
	}

	targets, err := e.hosts.ResolveTargets(ctx, in.HostIDs, in.GroupIDs)
	if err != nil {
		return nil, err
	}
	if len(targets) == 0 {
		return nil, model.NewError(model.KindValidation, "no active targets resolved", nil)
	}

	requiresApproval, triggers := e.evaluateRisk(targets, in.Command)

	if in.BuildSpec != nil && in.BuildSpec.Commit == "" && e.commits != nil {
		sha, err := e.commits.Head(in.BuildSpec.Repository, in.BuildSpec.Branch)
		if err != nil {
			return nil, model.NewError(model.KindValidation, "could not resolve branch to commit", err)
		}
		spec := *in.BuildSpec
		spec.Commit = sha
		in.BuildSpec = &spec
	}

	job := &model.Job{
		ID:               uuid.New(),
		IdempotencyKey:   in.IdempotencyKey,
		Kind:             in.Kind,
		Command:          in.Command,
		ScriptBody:       in.ScriptBody,
		ScriptPath:       in.ScriptPath,
		BuildSpec:        in.BuildSpec,
		HostIDs:          in.HostIDs,
		GroupIDs:         in.GroupIDs,
		Policy:           in.Policy,
		Status:           model.JobPending,
		RequiresApproval: requiresApproval,
		TotalTasks:       len(targets),
		Tags:             in.Tags,
		CreatorID:        in.CreatorID,
		CreatedAt:        now,
	}

	maxRetries := in.Policy.RetryCount
	tasks := make([]model.Task, len(targets))
	for i, host := range targets {
		tasks[i] = model.Task{
			ID:         uuid.New(),
			JobID:      job.ID,
			HostID:     host.ID,
			Status:     model.TaskPending,
			MaxRetries: maxRetries,
		}
	}

	err = e.store.WithTx(ctx, func(tx Tx) error {
		return tx.InsertJobWithTasks(ctx, job, tasks)
	})
	if err != nil {
		return nil, err
	}

	e.audit.Write(ctx, "job.create", job.ID, string(job.Kind))

	if e.metrics != nil {
		e.metrics.JobsSubmitted.WithLabelValues(string(job.Kind)).Inc()
	}

	if requiresApproval {
		req, err := e.approvals.Create(ctx, approval.CreateInput{
			JobID:             &job.ID,
			Triggers:          triggers,
			RequiredApprovers: e.riskCfg.RequiredApprovers(in.RequiredApprovers),
			ApprovalGroup:     in.ApprovalGroup,
			Timeout:           e.riskCfg.DefaultApprovalTimeout,
			RequesterID:       in.CreatorID,
			Title:             "job " + job.ID.String(),
		}, now)
		if err != nil {
			return nil, err
		}
		job.ApprovalRequestID = &req.ID
		if err := e.store.WithTx(ctx, func(tx Tx) error { return tx.UpdateJob(ctx, job) }); err != nil {
			return nil, err
		}
		// Stays pending: ResumeApproved re-drives execution once the
		// Approval Engine's Decide flips this request to approved.
		return job, nil
	}

	e.startExecution(job.ID)

	return job, nil
}

// startExecution launches the execution runner for jobID under a fresh
// cancelable context and registers its CancelFunc so Cancel can interrupt
// any task goroutine it has already dispatched.
func (e *Engine) startExecution(jobID uuid.UUID) {
	ctx, cancel := context.WithCancel(context.Background())
	e.mu.Lock()
	e.cancels[jobID] = cancel
	e.mu.Unlock()
	go e.runExecution(ctx, jobID)
}

// clearCancel drops a job's CancelFunc once its execution runner returns,
// whether it ran to completion or exited early (lock failure, approval
// still pending).
func (e *Engine) clearCancel(jobID uuid.UUID) {
	e.mu.Lock()
	delete(e.cancels, jobID)
	e.mu.Unlock()
}

// cancelRunning interrupts jobID's in-flight execution runner, if any. A
// job with no registered CancelFunc (never started, or already finished)
// is a no-op.
func (e *Engine) cancelRunning(jobID uuid.UUID) {
	e.mu.Lock()
	cancel, ok := e.cancels[jobID]
	delete(e.cancels, jobID)
	e.mu.Unlock()
	if ok {
		cancel()
	}
}

// ResumeApproved re-drives the execution runner for jobID once its gating
// Approval Request reaches ApprovalApproved. The caller (main's bus
// subscriber) is responsible for only invoking this on that transition.
func (e *Engine) ResumeApproved(jobID uuid.UUID) {
	e.startExecution(jobID)
}

func (e *Engine) evaluateRisk(targets []model.Host, command string) (bool, []model.Trigger) {
	riskTargets := make([]risk.Target, len(targets))
	for i, h := range targets {
		riskTargets[i] = risk.Target{Environment: h.Environment, GroupCritical: h.GroupCritical}
	}
	return risk.Evaluate(e.riskCfg, riskTargets, command)
}

// Cancel implements the operator cancellation contract from spec.md §4.J.
// Already-dispatched SSH connections are torn down by interrupting the
// execution runner's context; already-dispatched build tasks are left to
// run, per spec.md §4.J's explicit carve-out.
func (e *Engine) Cancel(ctx context.Context, jobID uuid.UUID, now time.Time) error {
	err := e.store.WithTx(ctx, func(tx Tx) error {
		job, err := tx.LockJob(ctx, jobID)
		if err != nil {
			return err
		}
		if job.Status != model.JobPending && job.Status != model.JobRunning {
			return model.NewError(model.KindValidation, "job not cancellable", nil)
		}

		tasks, err := tx.ListTasks(ctx, jobID)
		if err != nil {
			return err
		}
		for _, task := range tasks {
			if task.Status.IsTerminal() {
				continue
			}
			task.Status = model.TaskCancelled
			task.CompletedAt = &now
			if err := tx.UpdateTask(ctx, &task); err != nil {
				return err
			}
		}

		job.Status = model.JobCancelled
		job.CompletedAt = &now
		if err := tx.UpdateJob(ctx, job); err != nil {
			return err
		}

		if e.bus != nil {
			e.bus.Publish(eventbus.Event{
				Type:      eventbus.JobStatusChanged,
				JobID:     jobID,
				OldStatus: string(model.JobRunning),
				NewStatus: string(model.JobCancelled),
				At:        now,
			})
		}
		return nil
	})
	if err != nil {
		return err
	}
	e.cancelRunning(jobID)
	return nil
}

// RetryInput scopes which finished tasks a retry resets.
type RetryInput struct {
	JobID      uuid.UUID
	FailedOnly bool
	TaskIDs    []uuid.UUID
}

// RetryFinishedJob resets the indicated tasks and re-enters the execution
// runner, only from spec.md §4.J's terminal retry-eligible states.
func (e *Engine) RetryFinishedJob(ctx context.Context, in RetryInput, now time.Time) error {
	err := e.store.WithTx(ctx, func(tx Tx) error {
		job, err := tx.LockJob(ctx, in.JobID)
		if err != nil {
			return err
		}
		if job.Status != model.JobFailed && job.Status != model.JobPartiallySucceeded && job.Status != model.JobCancelled {
			return model.NewError(model.KindValidation, "job not retry-eligible", nil)
		}

		explicit := make(map[uuid.UUID]bool, len(in.TaskIDs))
		for _, id := range in.TaskIDs {
			explicit[id] = true
		}

		tasks, err := tx.ListTasks(ctx, in.JobID)
		if err != nil {
			return err
		}
		for _, task := range tasks {
			if len(in.TaskIDs) > 0 && !explicit[task.ID] {
				continue
			}
			if in.FailedOnly && task.Status != model.TaskFailed && task.Status != model.TaskTimeout {
				continue
			}
			task.Status = model.TaskPending
			task.ExitCode = nil
			task.StartedAt = nil
			task.CompletedAt = nil
			task.FailureReason = ""
			task.FailureMsg = ""
			if err := tx.UpdateTask(ctx, &task); err != nil {
				return err
			}
		}

		job.Status = model.JobPending
		job.CompletedAt = nil
		job.Succeeded, job.Failed, job.TimedOut, job.Cancelled = 0, 0, 0, 0
		return tx.UpdateJob(ctx, job)
	})
	if err != nil {
		return err
	}

	e.startExecution(in.JobID)
	return nil
}

// GetJob returns a job and its tasks for read-only display; unlike
// Cancel/RetryFinishedJob it takes no row lock.
func (e *Engine) GetJob(ctx context.Context, jobID uuid.UUID) (*model.Job, []model.Task, error) {
	var job *model.Job
	var tasks []model.Task
	err := e.store.WithTx(ctx, func(tx Tx) error {
		var err error
		job, err = tx.GetJob(ctx, jobID)
		if err != nil {
			return err
		}
		tasks, err = tx.ListTasks(ctx, jobID)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return job, tasks, nil
}

// Statistics summarizes a job's tasks on demand.
type Statistics struct {
	Total             int
	ByStatus          map[model.TaskStatus]int
	SuccessRate        float64
	AverageDurationSec float64
	FailureReasons     map[model.FailureReason]int
}

func (e *Engine) Statistics(ctx context.Context, jobID uuid.UUID) (*Statistics, error) {
	var tasks []model.Task
	err := e.store.WithTx(ctx, func(tx Tx) error {
		var err error
		tasks, err = tx.ListTasks(ctx, jobID)
		return err
	})
	if err != nil {
		return nil, err
	}

	stats := &Statistics{
		ByStatus:       make(map[model.TaskStatus]int),
		FailureReasons: make(map[model.FailureReason]int),
	}
	var totalDuration float64
	var succeeded int
	for _, t := range tasks {
		stats.Total++
		stats.ByStatus[t.Status]++
		totalDuration += t.DurationSecs
		if t.Status == model.TaskSucceeded {
			succeeded++
		}
		if t.FailureReason != "" {
			stats.FailureReasons[t.FailureReason]++
		}
	}
	if stats.Total > 0 {
		stats.SuccessRate = float64(succeeded) / float64(stats.Total)
		stats.AverageDurationSec = totalDuration / float64(stats.Total)
	}
	return stats, nil
}
