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

	"github.com/codepr/opsctl/internal/approval"
	"github.com/codepr/opsctl/internal/model"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pkg/errors"
)

// ApprovalStore satisfies approval.Store against the approval_requests
// and approval_records tables.
type ApprovalStore struct {
	db *DB
}

func NewApprovalStore(db *DB) *ApprovalStore {
	return &ApprovalStore{db: db}
}

func (s *ApprovalStore) WithTx(ctx context.Context, fn func(approval.Tx) error) error {
	tx, err := s.db.sql.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin tx")
	}
	if err := fn(&approvalTx{tx: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	return errors.Wrap(tx.Commit(), "commit tx")
}

type approvalTx struct {
	tx *sqlx.Tx
}

type approvalRequestRow struct {
	ID                string         `db:"id"`
	JobID             *string        `db:"job_id"`
	Triggers          pq.StringArray `db:"triggers"`
	RequiredApprovers int            `db:"required_approvers"`
	CurrentApprovals  int            `db:"current_approvals"`
	ApprovalGroupID   *string        `db:"approval_group_id"`
	Status            string         `db:"status"`
	Title             string         `db:"title"`
	RequesterID       string         `db:"requester_id"`
	ExpiresAt         sql.NullTime   `db:"expires_at"`
	CreatedAt         sql.NullTime   `db:"created_at"`
	DecidedAt         sql.NullTime   `db:"decided_at"`
}

func (r *approvalRequestRow) toModel() (*model.ApprovalRequest, error) {
	id, err := uuid.Parse(r.ID)
	if err != nil {
		return nil, err
	}
	requester, err := uuid.Parse(r.RequesterID)
	if err != nil {
		return nil, err
	}
	jobID, err := parseNullableUUID(r.JobID)
	if err != nil {
		return nil, err
	}
	groupID, err := parseNullableUUID(r.ApprovalGroupID)
	if err != nil {
		return nil, err
	}

	triggers := make([]model.Trigger, len(r.Triggers))
	for i, t := range r.Triggers {
		triggers[i] = model.Trigger(t)
	}

	req := &model.ApprovalRequest{
		ID:                id,
		JobID:             jobID,
		Triggers:          triggers,
		RequiredApprovers: r.RequiredApprovers,
		CurrentApprovals:  r.CurrentApprovals,
		ApprovalGroup:     groupID,
		Status:            model.ApprovalStatus(r.Status),
		RequesterID:       requester,
		Title:             r.Title,
	}
	if r.ExpiresAt.Valid {
		req.ExpiresAt = &r.ExpiresAt.Time
	}
	if r.CreatedAt.Valid {
		req.CreatedAt = r.CreatedAt.Time
	}
	if r.DecidedAt.Valid {
		req.CompletedAt = &r.DecidedAt.Time
	}
	return req, nil
}

func (t *approvalTx) InsertRequest(ctx context.Context, req *model.ApprovalRequest) error {
	triggers := make([]string, len(req.Triggers))
	for i, tr := range req.Triggers {
		triggers[i] = string(tr)
	}
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO approval_requests (
			id, job_id, triggers, required_approvers, current_approvals,
			approval_group_id, status, title, requester_id, expires_at,
			created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		req.ID, nullableUUID(req.JobID), pq.Array(triggers), req.RequiredApprovers,
		req.CurrentApprovals, nullableUUID(req.ApprovalGroup), string(req.Status),
		req.Title, req.RequesterID, req.ExpiresAt, req.CreatedAt,
	)
	return errors.Wrap(err, "insert approval request")
}

// LockRequest row-locks the request for the lifetime of the caller's
// transaction, mirroring the original service's FOR UPDATE read before
// a decide/cancel mutation.
func (t *approvalTx) LockRequest(ctx context.Context, id uuid.UUID) (*model.ApprovalRequest, error) {
	var row approvalRequestRow
	err := t.tx.GetContext(ctx, &row, `SELECT * FROM approval_requests WHERE id = $1 FOR UPDATE`, id)
	if err == sql.ErrNoRows {
		return nil, model.NewError(model.KindNotFound, "approval request not found", nil)
	}
	if err != nil {
		return nil, errors.Wrap(err, "lock approval request")
	}
	return row.toModel()
}

// GetRequest reads the current row without taking a lock, for callers
// that only need to observe a past decision's outcome.
func (t *approvalTx) GetRequest(ctx context.Context, id uuid.UUID) (*model.ApprovalRequest, error) {
	var row approvalRequestRow
	err := t.tx.GetContext(ctx, &row, `SELECT * FROM approval_requests WHERE id = $1`, id)
	if err == sql.ErrNoRows {
		return nil, model.NewError(model.KindNotFound, "approval request not found", nil)
	}
	if err != nil {
		return nil, errors.Wrap(err, "get approval request")
	}
	return row.toModel()
}

func (t *approvalTx) RecordExists(ctx context.Context, requestID, approverID uuid.UUID) (bool, error) {
	var count int
	err := t.tx.GetContext(ctx, &count, `
		SELECT count(*) FROM approval_records WHERE request_id = $1 AND approver_id = $2`,
		requestID, approverID)
	if err != nil {
		return false, errors.Wrap(err, "check approval record")
	}
	return count > 0, nil
}

func (t *approvalTx) InsertRecord(ctx context.Context, rec *model.ApprovalRecord) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO approval_records (id, request_id, approver_id, decision, comment, decided_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		rec.ID, rec.RequestID, rec.ApproverID, string(rec.Decision), rec.Comment, rec.DecidedAt,
	)
	return errors.Wrap(err, "insert approval record")
}

func (t *approvalTx) UpdateRequest(ctx context.Context, req *model.ApprovalRequest) error {
	_, err := t.tx.ExecContext(ctx, `
		UPDATE approval_requests SET
			current_approvals = $2, status = $3, decided_at = $4
		WHERE id = $1`,
		req.ID, req.CurrentApprovals, string(req.Status), req.CompletedAt,
	)
	return errors.Wrap(err, "update approval request")
}
