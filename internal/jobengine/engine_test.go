package jobengine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/codepr/opsctl/internal/approval"
	"github.com/codepr/opsctl/internal/concurrency"
	"github.com/codepr/opsctl/internal/eventbus"
	"github.com/codepr/opsctl/internal/model"
	"github.com/codepr/opsctl/internal/risk"
	"github.com/codepr/opsctl/internal/runnerpool"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memStore is an in-memory Tx/Store fake, one global lock per WithTx call
// standing in for a row-locked SQL transaction.
type memStore struct {
	mu             sync.Mutex
	jobs           map[uuid.UUID]*model.Job
	tasks          map[uuid.UUID]*model.Task
	tasksByJob     map[uuid.UUID][]uuid.UUID
	idempotencyIdx map[string]uuid.UUID
	insertCalls    int
}

func newMemStore() *memStore {
	return &memStore{
		jobs:           make(map[uuid.UUID]*model.Job),
		tasks:          make(map[uuid.UUID]*model.Task),
		tasksByJob:     make(map[uuid.UUID][]uuid.UUID),
		idempotencyIdx: make(map[string]uuid.UUID),
	}
}

func (m *memStore) WithTx(ctx context.Context, fn func(Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn(m)
}

func (m *memStore) FindJobByIdempotencyKey(ctx context.Context, key string) (*model.Job, bool, error) {
	id, ok := m.idempotencyIdx[key]
	if !ok {
		return nil, false, nil
	}
	cp := *m.jobs[id]
	return &cp, true, nil
}

func (m *memStore) InsertJobWithTasks(ctx context.Context, job *model.Job, tasks []model.Task) error {
	m.insertCalls++
	cp := *job
	m.jobs[job.ID] = &cp
	if job.IdempotencyKey != "" {
		m.idempotencyIdx[job.IdempotencyKey] = job.ID
	}
	ids := make([]uuid.UUID, 0, len(tasks))
	for i := range tasks {
		t := tasks[i]
		m.tasks[t.ID] = &t
		ids = append(ids, t.ID)
	}
	m.tasksByJob[job.ID] = ids
	return nil
}

func (m *memStore) LockJob(ctx context.Context, id uuid.UUID) (*model.Job, error) {
	job, ok := m.jobs[id]
	if !ok {
		return nil, model.NewError(model.KindNotFound, "job not found", nil)
	}
	cp := *job
	return &cp, nil
}

func (m *memStore) UpdateJob(ctx context.Context, job *model.Job) error {
	cp := *job
	m.jobs[job.ID] = &cp
	return nil
}

func (m *memStore) ListTasks(ctx context.Context, jobID uuid.UUID) ([]model.Task, error) {
	ids := m.tasksByJob[jobID]
	out := make([]model.Task, 0, len(ids))
	for _, id := range ids {
		out = append(out, *m.tasks[id])
	}
	return out, nil
}

func (m *memStore) GetTask(ctx context.Context, id uuid.UUID) (*model.Task, error) {
	task, ok := m.tasks[id]
	if !ok {
		return nil, model.NewError(model.KindNotFound, "task not found", nil)
	}
	cp := *task
	return &cp, nil
}

func (m *memStore) UpdateTask(ctx context.Context, task *model.Task) error {
	cp := *task
	m.tasks[task.ID] = &cp
	return nil
}

// fakeHosts resolves hostIDs to pre-registered hosts; group expansion is
// not exercised here.
type fakeHosts struct {
	byID map[uuid.UUID]model.Host
}

func newFakeHosts(hosts ...model.Host) *fakeHosts {
	f := &fakeHosts{byID: make(map[uuid.UUID]model.Host)}
	for _, h := range hosts {
		f.byID[h.ID] = h
	}
	return f
}

func (f *fakeHosts) ResolveTargets(ctx context.Context, hostIDs, groupIDs []uuid.UUID) ([]model.Host, error) {
	out := make([]model.Host, 0, len(hostIDs))
	for _, id := range hostIDs {
		if h, ok := f.byID[id]; ok {
			out = append(out, h)
		}
	}
	return out, nil
}

type fakeAudit struct {
	mu      sync.Mutex
	entries []string
}

func (a *fakeAudit) Write(ctx context.Context, action string, jobID uuid.UUID, detail string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, action)
}

// fakeSSH reports a fixed outcome per host address, defaulting to success.
type fakeSSH struct {
	mu       sync.Mutex
	failures map[string]bool
}

func newFakeSSH(failHosts ...string) *fakeSSH {
	f := &fakeSSH{failures: make(map[string]bool)}
	for _, h := range failHosts {
		f.failures[h] = true
	}
	return f
}

func (f *fakeSSH) Execute(ctx context.Context, host model.Host, body string, progress func(chunk string, isFinal bool)) (int, string, string, float64, bool, model.FailureReason, error) {
	progress("ok\n", true)
	f.mu.Lock()
	fail := f.failures[host.Address]
	f.mu.Unlock()
	if fail {
		return 1, "", "boom", 0.1, false, model.FailureCommandFailed, model.NewError(model.KindConflict, "boom", nil)
	}
	return 0, "ok\n", "", 0.1, false, "", nil
}

type fakeBuildDispatcher struct{}

func (fakeBuildDispatcher) Dispatch(ctx context.Context, job *model.Job, task *model.Task, spec *model.BuildSpec, runnerName string) error {
	return nil
}

// memApprovalStore is an in-memory approval.Tx/Store fake, mirroring
// memStore's single-global-lock-per-WithTx approach.
type memApprovalStore struct {
	mu       sync.Mutex
	requests map[uuid.UUID]*model.ApprovalRequest
	records  map[uuid.UUID][]model.ApprovalRecord
}

func newMemApprovalStore() *memApprovalStore {
	return &memApprovalStore{
		requests: make(map[uuid.UUID]*model.ApprovalRequest),
		records:  make(map[uuid.UUID][]model.ApprovalRecord),
	}
}

func (m *memApprovalStore) WithTx(ctx context.Context, fn func(approval.Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn(m)
}

func (m *memApprovalStore) InsertRequest(ctx context.Context, req *model.ApprovalRequest) error {
	cp := *req
	m.requests[req.ID] = &cp
	return nil
}

func (m *memApprovalStore) LockRequest(ctx context.Context, id uuid.UUID) (*model.ApprovalRequest, error) {
	req, ok := m.requests[id]
	if !ok {
		return nil, model.NewError(model.KindNotFound, "approval request not found", nil)
	}
	cp := *req
	return &cp, nil
}

func (m *memApprovalStore) GetRequest(ctx context.Context, id uuid.UUID) (*model.ApprovalRequest, error) {
	return m.LockRequest(ctx, id)
}

func (m *memApprovalStore) RecordExists(ctx context.Context, requestID, approverID uuid.UUID) (bool, error) {
	for _, r := range m.records[requestID] {
		if r.ApproverID == approverID {
			return true, nil
		}
	}
	return false, nil
}

func (m *memApprovalStore) InsertRecord(ctx context.Context, rec *model.ApprovalRecord) error {
	m.records[rec.RequestID] = append(m.records[rec.RequestID], *rec)
	return nil
}

func (m *memApprovalStore) UpdateRequest(ctx context.Context, req *model.ApprovalRequest) error {
	cp := *req
	m.requests[req.ID] = &cp
	return nil
}

func newTestEngine(store Store, hosts HostResolver, ssh SSHRunner) (*Engine, *eventbus.Bus) {
	bus := eventbus.New(nil)
	concurrent := concurrency.New(concurrency.Config{
		Strategy:         concurrency.StrategyReject,
		GlobalLimit:      100,
		GroupLimit:       100,
		EnvironmentLimit: 100,
		ProductionLimit:  100,
	})
	registry := runnerpool.New(time.Minute, nil)
	scheduler := runnerpool.NewScheduler(registry)
	approvals := approval.New(newMemApprovalStore(), bus)
	return New(store, bus, concurrent, scheduler, registry, hosts, ssh, fakeBuildDispatcher{}, approvals, risk.Config{}, &fakeAudit{}, nil), bus
}

func waitForTerminalJob(t *testing.T, bus *eventbus.Bus, jobID uuid.UUID) string {
	t.Helper()
	sub := bus.Subscribe()
	defer sub.Close()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case e := <-sub.Events():
			if e.Type == eventbus.JobStatusChanged && e.JobID == jobID {
				switch model.JobStatus(e.NewStatus) {
				case model.JobCompleted, model.JobFailed, model.JobCancelled, model.JobPartiallySucceeded:
					return e.NewStatus
				}
			}
		case <-deadline:
			t.Fatal("timed out waiting for terminal job status")
		}
	}
}

func TestSubmitAllSucceededCompletesJob(t *testing.T) {
	store := newMemStore()
	hostA := model.Host{ID: uuid.New(), Address: "a", Environment: "staging"}
	hostB := model.Host{ID: uuid.New(), Address: "b", Environment: "staging"}
	engine, bus := newTestEngine(store, newFakeHosts(hostA, hostB), newFakeSSH())

	job, err := engine.Submit(context.Background(), SubmitInput{
		Kind:    model.JobKindCommand,
		Command: "uptime",
		HostIDs: []uuid.UUID{hostA.ID, hostB.ID},
		Policy:  model.ExecutionPolicy{ConcurrentLimit: 5},
	}, time.Now())
	require.NoError(t, err)

	status := waitForTerminalJob(t, bus, job.ID)
	assert.Equal(t, string(model.JobCompleted), status)
}

func TestSubmitPartialFailureMarksPartiallySucceeded(t *testing.T) {
	store := newMemStore()
	hostA := model.Host{ID: uuid.New(), Address: "a", Environment: "staging"}
	hostB := model.Host{ID: uuid.New(), Address: "b", Environment: "staging"}
	engine, bus := newTestEngine(store, newFakeHosts(hostA, hostB), newFakeSSH("b"))

	job, err := engine.Submit(context.Background(), SubmitInput{
		Kind:    model.JobKindCommand,
		Command: "uptime",
		HostIDs: []uuid.UUID{hostA.ID, hostB.ID},
		Policy:  model.ExecutionPolicy{ConcurrentLimit: 5},
	}, time.Now())
	require.NoError(t, err)

	status := waitForTerminalJob(t, bus, job.ID)
	assert.Equal(t, string(model.JobPartiallySucceeded), status)
}

func TestSubmitAllFailedMarksFailed(t *testing.T) {
	store := newMemStore()
	hostA := model.Host{ID: uuid.New(), Address: "a", Environment: "staging"}
	engine, bus := newTestEngine(store, newFakeHosts(hostA), newFakeSSH("a"))

	job, err := engine.Submit(context.Background(), SubmitInput{
		Kind:    model.JobKindCommand,
		Command: "uptime",
		HostIDs: []uuid.UUID{hostA.ID},
		Policy:  model.ExecutionPolicy{ConcurrentLimit: 5},
	}, time.Now())
	require.NoError(t, err)

	status := waitForTerminalJob(t, bus, job.ID)
	assert.Equal(t, string(model.JobFailed), status)
}

func TestIdempotencyKeyShortCircuitsResubmission(t *testing.T) {
	store := newMemStore()
	hostA := model.Host{ID: uuid.New(), Address: "a", Environment: "staging"}
	engine, bus := newTestEngine(store, newFakeHosts(hostA), newFakeSSH())

	in := SubmitInput{
		IdempotencyKey: "deploy-42",
		Kind:           model.JobKindCommand,
		Command:        "uptime",
		HostIDs:        []uuid.UUID{hostA.ID},
	}

	first, err := engine.Submit(context.Background(), in, time.Now())
	require.NoError(t, err)
	waitForTerminalJob(t, bus, first.ID)

	second, err := engine.Submit(context.Background(), in, time.Now())
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 1, store.insertCalls)
}

func TestRiskGatedJobStaysPendingUntilApproved(t *testing.T) {
	store := newMemStore()
	prod := model.Host{ID: uuid.New(), Address: "p", Environment: "production"}
	engine, _ := newTestEngine(store, newFakeHosts(prod), newFakeSSH())

	job, err := engine.Submit(context.Background(), SubmitInput{
		Kind:    model.JobKindCommand,
		Command: "uptime",
		HostIDs: []uuid.UUID{prod.ID},
	}, time.Now())
	require.NoError(t, err)
	assert.True(t, job.RequiresApproval)
	require.NotNil(t, job.ApprovalRequestID, "risk-gated submission must open a real approval request")

	time.Sleep(50 * time.Millisecond)

	locked, err := store.LockJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobPending, locked.Status)
}

func TestApprovalGrantedResumesExecutionAfterDecide(t *testing.T) {
	store := newMemStore()
	prod := model.Host{ID: uuid.New(), Address: "p", Environment: "production"}
	engine, bus := newTestEngine(store, newFakeHosts(prod), newFakeSSH())

	job, err := engine.Submit(context.Background(), SubmitInput{
		Kind:              model.JobKindCommand,
		Command:           "uptime",
		HostIDs:           []uuid.UUID{prod.ID},
		RequiredApprovers: 2,
	}, time.Now())
	require.NoError(t, err)
	require.NotNil(t, job.ApprovalRequestID)

	now := time.Now()
	req, err := engine.approvals.Decide(context.Background(), *job.ApprovalRequestID, uuid.New(), model.DecisionApproved, "", now)
	require.NoError(t, err)
	assert.Equal(t, model.ApprovalPending, req.Status)

	locked, err := store.LockJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobPending, locked.Status, "one of two required approvals must not release the job")

	req, err = engine.approvals.Decide(context.Background(), *job.ApprovalRequestID, uuid.New(), model.DecisionApproved, "", now)
	require.NoError(t, err)
	assert.Equal(t, model.ApprovalApproved, req.Status)

	engine.ResumeApproved(job.ID)

	status := waitForTerminalJob(t, bus, job.ID)
	assert.Equal(t, string(model.JobCompleted), status)
}

func TestCancelCascadesToNonTerminalTasks(t *testing.T) {
	store := newMemStore()
	jobID := uuid.New()
	job := &model.Job{ID: jobID, Status: model.JobRunning, TotalTasks: 2, CreatedAt: time.Now()}
	t1 := model.Task{ID: uuid.New(), JobID: jobID, Status: model.TaskRunning}
	t2 := model.Task{ID: uuid.New(), JobID: jobID, Status: model.TaskSucceeded}
	require.NoError(t, store.InsertJobWithTasks(context.Background(), job, []model.Task{t1, t2}))

	engine, _ := newTestEngine(store, newFakeHosts(), newFakeSSH())
	require.NoError(t, engine.Cancel(context.Background(), jobID, time.Now()))

	tasks, err := store.ListTasks(context.Background(), jobID)
	require.NoError(t, err)
	byID := make(map[uuid.UUID]model.Task)
	for _, tk := range tasks {
		byID[tk.ID] = tk
	}
	assert.Equal(t, model.TaskCancelled, byID[t1.ID].Status)
	assert.Equal(t, model.TaskSucceeded, byID[t2.ID].Status, "already-terminal task must not be touched")

	locked, err := store.LockJob(context.Background(), jobID)
	require.NoError(t, err)
	assert.Equal(t, model.JobCancelled, locked.Status)
}

func TestCancelRejectsTerminalJob(t *testing.T) {
	store := newMemStore()
	jobID := uuid.New()
	job := &model.Job{ID: jobID, Status: model.JobCompleted, CreatedAt: time.Now()}
	require.NoError(t, store.InsertJobWithTasks(context.Background(), job, nil))

	engine, _ := newTestEngine(store, newFakeHosts(), newFakeSSH())
	err := engine.Cancel(context.Background(), jobID, time.Now())
	require.Error(t, err)
	var opsErr *model.Error
	require.ErrorAs(t, err, &opsErr)
	assert.Equal(t, model.KindValidation, opsErr.Kind)
}

func TestRetryFinishedJobResetsOnlyFailedTasks(t *testing.T) {
	store := newMemStore()
	jobID := uuid.New()
	job := &model.Job{ID: jobID, Status: model.JobPartiallySucceeded, TotalTasks: 2, Succeeded: 1, Failed: 1, CreatedAt: time.Now()}
	completed := time.Now()
	hostA := model.Host{ID: uuid.New(), Address: "a", Environment: "staging"}
	failedTask := model.Task{ID: uuid.New(), JobID: jobID, HostID: hostA.ID, Status: model.TaskFailed, FailureReason: model.FailureCommandFailed, CompletedAt: &completed}
	okTask := model.Task{ID: uuid.New(), JobID: jobID, Status: model.TaskSucceeded, CompletedAt: &completed}
	require.NoError(t, store.InsertJobWithTasks(context.Background(), job, []model.Task{failedTask, okTask}))

	engine, bus := newTestEngine(store, newFakeHosts(hostA), newFakeSSH())

	err := engine.RetryFinishedJob(context.Background(), RetryInput{JobID: jobID, FailedOnly: true}, time.Now())
	require.NoError(t, err)

	waitForTerminalJob(t, bus, jobID)

	tasks, err := store.ListTasks(context.Background(), jobID)
	require.NoError(t, err)
	byID := make(map[uuid.UUID]model.Task)
	for _, tk := range tasks {
		byID[tk.ID] = tk
	}
	assert.Equal(t, model.TaskSucceeded, byID[okTask.ID].Status, "untouched task keeps its terminal status")
}

func TestStatisticsAggregatesTaskCounters(t *testing.T) {
	store := newMemStore()
	jobID := uuid.New()
	job := &model.Job{ID: jobID, Status: model.JobCompleted, CreatedAt: time.Now()}
	tasks := []model.Task{
		{ID: uuid.New(), JobID: jobID, Status: model.TaskSucceeded, DurationSecs: 2},
		{ID: uuid.New(), JobID: jobID, Status: model.TaskSucceeded, DurationSecs: 4},
		{ID: uuid.New(), JobID: jobID, Status: model.TaskFailed, FailureReason: model.FailureCommandFailed, DurationSecs: 1},
	}
	require.NoError(t, store.InsertJobWithTasks(context.Background(), job, tasks))

	engine, _ := newTestEngine(store, newFakeHosts(), newFakeSSH())
	stats, err := engine.Statistics(context.Background(), jobID)
	require.NoError(t, err)

	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 2, stats.ByStatus[model.TaskSucceeded])
	assert.Equal(t, 1, stats.ByStatus[model.TaskFailed])
	assert.InDelta(t, 2.0/3.0, stats.SuccessRate, 0.001)
	assert.InDelta(t, 7.0/3.0, stats.AverageDurationSec, 0.001)
	assert.Equal(t, 1, stats.FailureReasons[model.FailureCommandFailed])
}
