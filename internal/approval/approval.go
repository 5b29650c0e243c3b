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

// Package approval implements the N-of-M human sign-off gate (spec.md
// §4.I): create, decide and cancel, each transactional and row-locked
// through the Tx interface a Store implementation provides.
package approval

import (
	"context"
	"time"

	"github.com/codepr/opsctl/internal/eventbus"
	"github.com/codepr/opsctl/internal/metrics"
	"github.com/codepr/opsctl/internal/model"
	"github.com/google/uuid"
)

// Tx is the row-locked transactional view the engine needs from the
// Durable Store for the lifetime of one decide/create/cancel call.
type Tx interface {
	InsertRequest(ctx context.Context, req *model.ApprovalRequest) error
	LockRequest(ctx context.Context, id uuid.UUID) (*model.ApprovalRequest, error)
	GetRequest(ctx context.Context, id uuid.UUID) (*model.ApprovalRequest, error)
	RecordExists(ctx context.Context, requestID, approverID uuid.UUID) (bool, error)
	InsertRecord(ctx context.Context, rec *model.ApprovalRecord) error
	UpdateRequest(ctx context.Context, req *model.ApprovalRequest) error
}

// Store runs fn inside one transaction, committing on nil error and
// rolling back otherwise.
type Store interface {
	WithTx(ctx context.Context, fn func(Tx) error) error
}

// Engine is the Approval Engine; it is stateless beyond its Store and Bus.
type Engine struct {
	store   Store
	bus     *eventbus.Bus
	metrics *metrics.Metrics
}

func New(store Store, bus *eventbus.Bus) *Engine {
	return &Engine{store: store, bus: bus}
}

// WithMetrics wires a prometheus collector bundle in after construction.
func (e *Engine) WithMetrics(m *metrics.Metrics) *Engine {
	e.metrics = m
	return e
}

// CreateInput is what a caller must supply to open a new request.
type CreateInput struct {
	JobID             *uuid.UUID
	Triggers          []model.Trigger
	RequiredApprovers int
	ApprovalGroup     *uuid.UUID
	Timeout           time.Duration
	RequesterID       uuid.UUID
	Title             string
}

// Create persists a pending request and publishes NewApprovalRequest.
func (e *Engine) Create(ctx context.Context, in CreateInput, now time.Time) (*model.ApprovalRequest, error) {
	if in.RequiredApprovers <= 0 {
		return nil, model.NewError(model.KindValidation, "required-approvers must be positive", nil)
	}

	req := &model.ApprovalRequest{
		ID:                uuid.New(),
		JobID:             in.JobID,
		Triggers:          in.Triggers,
		RequiredApprovers: in.RequiredApprovers,
		CurrentApprovals:  0,
		ApprovalGroup:     in.ApprovalGroup,
		Status:            model.ApprovalPending,
		RequesterID:       in.RequesterID,
		Title:             in.Title,
		CreatedAt:         now,
	}
	if in.Timeout > 0 {
		expires := now.Add(in.Timeout)
		req.ExpiresAt = &expires
	}

	err := e.store.WithTx(ctx, func(tx Tx) error {
		return tx.InsertRequest(ctx, req)
	})
	if err != nil {
		return nil, err
	}

	if e.bus != nil {
		e.bus.Publish(eventbus.Event{
			Type:       eventbus.NewApprovalRequest,
			ApprovalID: req.ID,
			Title:      req.Title,
			At:         now,
		})
	}
	if e.metrics != nil {
		e.metrics.ApprovalsOpen.Inc()
	}
	return req, nil
}

// Get returns the current state of a request without taking a row lock,
// for callers (the Job Engine's execution runner, the REST read path)
// that only need to observe the outcome of a past Decide.
func (e *Engine) Get(ctx context.Context, id uuid.UUID) (*model.ApprovalRequest, error) {
	var result *model.ApprovalRequest
	err := e.store.WithTx(ctx, func(tx Tx) error {
		req, err := tx.GetRequest(ctx, id)
		if err != nil {
			return err
		}
		result = req
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Decide casts one approver's vote, per the five-step contract in
// spec.md §4.I.
func (e *Engine) Decide(ctx context.Context, requestID, approverID uuid.UUID, decision model.Decision, comment string, now time.Time) (*model.ApprovalRequest, error) {
	var result *model.ApprovalRequest
	var oldStatus model.ApprovalStatus

	err := e.store.WithTx(ctx, func(tx Tx) error {
		req, err := tx.LockRequest(ctx, requestID)
		if err != nil {
			return err
		}
		oldStatus = req.Status

		if req.Status.IsTerminal() {
			return model.NewError(model.KindConflict, "not-pending", nil)
		}

		if req.ExpiresAt != nil && req.ExpiresAt.Before(now) {
			req.Status = model.ApprovalTimeout
			req.CompletedAt = &now
			if err := tx.UpdateRequest(ctx, req); err != nil {
				return err
			}
			if e.metrics != nil {
				e.metrics.ApprovalsOpen.Dec()
			}
			return model.NewError(model.KindConflict, "expired", nil)
		}

		exists, err := tx.RecordExists(ctx, requestID, approverID)
		if err != nil {
			return err
		}
		if exists {
			return model.NewError(model.KindConflict, "already-decided", nil)
		}

		if err := tx.InsertRecord(ctx, &model.ApprovalRecord{
			ID:         uuid.New(),
			RequestID:  requestID,
			ApproverID: approverID,
			Decision:   decision,
			Comment:    comment,
			DecidedAt:  now,
		}); err != nil {
			return err
		}

		switch decision {
		case model.DecisionRejected:
			req.Status = model.ApprovalRejected
			req.CompletedAt = &now
		default:
			req.CurrentApprovals++
			if req.CurrentApprovals >= req.RequiredApprovers {
				req.Status = model.ApprovalApproved
				req.CompletedAt = &now
			}
		}

		if err := tx.UpdateRequest(ctx, req); err != nil {
			return err
		}
		result = req
		return nil
	})
	if err != nil {
		return nil, err
	}

	if e.bus != nil && result.Status != oldStatus {
		evt := eventbus.Event{
			Type:       eventbus.ApprovalStatusChanged,
			ApprovalID: result.ID,
			OldStatus:  string(oldStatus),
			NewStatus:  string(result.Status),
			At:         now,
		}
		if result.JobID != nil {
			evt.JobID = *result.JobID
		}
		e.bus.Publish(evt)
	}
	if e.metrics != nil && result.Status.IsTerminal() && oldStatus != result.Status {
		e.metrics.ApprovalsOpen.Dec()
	}
	return result, nil
}

// Cancel transitions a pending request to cancelled.
func (e *Engine) Cancel(ctx context.Context, requestID uuid.UUID, now time.Time) (*model.ApprovalRequest, error) {
	var result *model.ApprovalRequest
	var oldStatus model.ApprovalStatus

	err := e.store.WithTx(ctx, func(tx Tx) error {
		req, err := tx.LockRequest(ctx, requestID)
		if err != nil {
			return err
		}
		oldStatus = req.Status
		if req.Status != model.ApprovalPending {
			return model.NewError(model.KindConflict, "not-pending", nil)
		}
		req.Status = model.ApprovalCancelled
		req.CompletedAt = &now
		if err := tx.UpdateRequest(ctx, req); err != nil {
			return err
		}
		result = req
		return nil
	})
	if err != nil {
		return nil, err
	}

	if e.bus != nil {
		evt := eventbus.Event{
			Type:       eventbus.ApprovalStatusChanged,
			ApprovalID: result.ID,
			OldStatus:  string(oldStatus),
			NewStatus:  string(result.Status),
			At:         now,
		}
		if result.JobID != nil {
			evt.JobID = *result.JobID
		}
		e.bus.Publish(evt)
	}
	if e.metrics != nil {
		e.metrics.ApprovalsOpen.Dec()
	}
	return result, nil
}
