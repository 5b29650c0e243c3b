package approval

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/codepr/opsctl/internal/model"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memStore is an in-memory Store/Tx fake that takes a single global lock
// per WithTx call, standing in for a row-locked SQL transaction.
type memStore struct {
	mu       sync.Mutex
	requests map[uuid.UUID]*model.ApprovalRequest
	records  map[uuid.UUID][]model.ApprovalRecord
}

func newMemStore() *memStore {
	return &memStore{
		requests: make(map[uuid.UUID]*model.ApprovalRequest),
		records:  make(map[uuid.UUID][]model.ApprovalRecord),
	}
}

func (m *memStore) WithTx(ctx context.Context, fn func(Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn(m)
}

func (m *memStore) InsertRequest(ctx context.Context, req *model.ApprovalRequest) error {
	cp := *req
	m.requests[req.ID] = &cp
	return nil
}

func (m *memStore) LockRequest(ctx context.Context, id uuid.UUID) (*model.ApprovalRequest, error) {
	req, ok := m.requests[id]
	if !ok {
		return nil, model.NewError(model.KindNotFound, "approval request not found", nil)
	}
	cp := *req
	return &cp, nil
}

func (m *memStore) GetRequest(ctx context.Context, id uuid.UUID) (*model.ApprovalRequest, error) {
	return m.LockRequest(ctx, id)
}

func (m *memStore) RecordExists(ctx context.Context, requestID, approverID uuid.UUID) (bool, error) {
	for _, r := range m.records[requestID] {
		if r.ApproverID == approverID {
			return true, nil
		}
	}
	return false, nil
}

func (m *memStore) InsertRecord(ctx context.Context, rec *model.ApprovalRecord) error {
	m.records[rec.RequestID] = append(m.records[rec.RequestID], *rec)
	return nil
}

func (m *memStore) UpdateRequest(ctx context.Context, req *model.ApprovalRequest) error {
	cp := *req
	m.requests[req.ID] = &cp
	return nil
}

func TestCreatePersistsPendingRequest(t *testing.T) {
	store := newMemStore()
	e := New(store, nil)
	now := time.Now()

	req, err := e.Create(context.Background(), CreateInput{
		RequiredApprovers: 2,
		RequesterID:       uuid.New(),
		Title:             "deploy prod",
		Timeout:           time.Hour,
	}, now)
	require.NoError(t, err)
	assert.Equal(t, model.ApprovalPending, req.Status)
	assert.Equal(t, 0, req.CurrentApprovals)
	require.NotNil(t, req.ExpiresAt)
	assert.Equal(t, now.Add(time.Hour), *req.ExpiresAt)
}

func TestDecideApprovesAtThreshold(t *testing.T) {
	store := newMemStore()
	e := New(store, nil)
	now := time.Now()
	req, err := e.Create(context.Background(), CreateInput{RequiredApprovers: 2, RequesterID: uuid.New()}, now)
	require.NoError(t, err)

	a1, a2 := uuid.New(), uuid.New()
	updated, err := e.Decide(context.Background(), req.ID, a1, model.DecisionApproved, "", now)
	require.NoError(t, err)
	assert.Equal(t, model.ApprovalPending, updated.Status)
	assert.Equal(t, 1, updated.CurrentApprovals)

	updated, err = e.Decide(context.Background(), req.ID, a2, model.DecisionApproved, "", now)
	require.NoError(t, err)
	assert.Equal(t, model.ApprovalApproved, updated.Status)
	require.NotNil(t, updated.CompletedAt)
}

func TestDecideRejectionIsImmediatelyTerminal(t *testing.T) {
	store := newMemStore()
	e := New(store, nil)
	now := time.Now()
	req, err := e.Create(context.Background(), CreateInput{RequiredApprovers: 3, RequesterID: uuid.New()}, now)
	require.NoError(t, err)

	updated, err := e.Decide(context.Background(), req.ID, uuid.New(), model.DecisionRejected, "no", now)
	require.NoError(t, err)
	assert.Equal(t, model.ApprovalRejected, updated.Status)
}

func TestDecideRejectsDuplicateApprover(t *testing.T) {
	store := newMemStore()
	e := New(store, nil)
	now := time.Now()
	req, err := e.Create(context.Background(), CreateInput{RequiredApprovers: 2, RequesterID: uuid.New()}, now)
	require.NoError(t, err)

	approver := uuid.New()
	_, err = e.Decide(context.Background(), req.ID, approver, model.DecisionApproved, "", now)
	require.NoError(t, err)

	_, err = e.Decide(context.Background(), req.ID, approver, model.DecisionApproved, "", now)
	require.Error(t, err)
	assert.Equal(t, model.KindConflict, err.(*model.Error).Kind)
}

func TestDecideOnTerminalRequestFails(t *testing.T) {
	store := newMemStore()
	e := New(store, nil)
	now := time.Now()
	req, err := e.Create(context.Background(), CreateInput{RequiredApprovers: 1, RequesterID: uuid.New()}, now)
	require.NoError(t, err)

	_, err = e.Decide(context.Background(), req.ID, uuid.New(), model.DecisionApproved, "", now)
	require.NoError(t, err)

	_, err = e.Decide(context.Background(), req.ID, uuid.New(), model.DecisionApproved, "", now)
	require.Error(t, err)
	assert.Equal(t, model.KindConflict, err.(*model.Error).Kind)
}

func TestDecideAfterExpiryMarksTimeout(t *testing.T) {
	store := newMemStore()
	e := New(store, nil)
	now := time.Now()
	req, err := e.Create(context.Background(), CreateInput{RequiredApprovers: 1, RequesterID: uuid.New(), Timeout: time.Minute}, now)
	require.NoError(t, err)

	later := now.Add(2 * time.Minute)
	_, err = e.Decide(context.Background(), req.ID, uuid.New(), model.DecisionApproved, "", later)
	require.Error(t, err)

	locked, lockErr := store.LockRequest(context.Background(), req.ID)
	require.NoError(t, lockErr)
	assert.Equal(t, model.ApprovalTimeout, locked.Status)
}

func TestCancelOnlyFromPending(t *testing.T) {
	store := newMemStore()
	e := New(store, nil)
	now := time.Now()
	req, err := e.Create(context.Background(), CreateInput{RequiredApprovers: 1, RequesterID: uuid.New()}, now)
	require.NoError(t, err)

	_, err = e.Decide(context.Background(), req.ID, uuid.New(), model.DecisionApproved, "", now)
	require.NoError(t, err)

	_, err = e.Cancel(context.Background(), req.ID, now)
	require.Error(t, err)
}

func TestGetReadsWithoutLocking(t *testing.T) {
	store := newMemStore()
	e := New(store, nil)
	now := time.Now()
	req, err := e.Create(context.Background(), CreateInput{RequiredApprovers: 1, RequesterID: uuid.New()}, now)
	require.NoError(t, err)

	_, err = e.Decide(context.Background(), req.ID, uuid.New(), model.DecisionApproved, "", now)
	require.NoError(t, err)

	got, err := e.Get(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ApprovalApproved, got.Status)
}

func TestCancelPendingRequestSucceeds(t *testing.T) {
	store := newMemStore()
	e := New(store, nil)
	now := time.Now()
	req, err := e.Create(context.Background(), CreateInput{RequiredApprovers: 1, RequesterID: uuid.New()}, now)
	require.NoError(t, err)

	cancelled, err := e.Cancel(context.Background(), req.ID, now)
	require.NoError(t, err)
	assert.Equal(t, model.ApprovalCancelled, cancelled.Status)
}
