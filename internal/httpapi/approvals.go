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

package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/codepr/opsctl/internal/approval"
	"github.com/codepr/opsctl/internal/model"
)

type createApprovalRequest struct {
	JobID             *uuid.UUID `json:"job_id,omitempty"`
	Triggers          []string   `json:"triggers,omitempty"`
	RequiredApprovers int        `json:"required_approvers"`
	ApprovalGroup     *uuid.UUID `json:"approval_group,omitempty"`
	TimeoutSecs       int        `json:"timeout_secs,omitempty"`
	RequesterID       uuid.UUID  `json:"requester_id"`
	Title             string     `json:"title"`
}

type approvalResponse struct {
	ID                string `json:"id"`
	JobID             string `json:"job_id,omitempty"`
	Triggers          []string `json:"triggers,omitempty"`
	RequiredApprovers int    `json:"required_approvers"`
	CurrentApprovals  int    `json:"current_approvals"`
	Status            string `json:"status"`
	Title             string `json:"title"`
	ExpiresAt         string `json:"expires_at,omitempty"`
	CreatedAt         string `json:"created_at"`
	CompletedAt       string `json:"completed_at,omitempty"`
}

func toApprovalResponse(req *model.ApprovalRequest) approvalResponse {
	resp := approvalResponse{
		ID:                req.ID.String(),
		RequiredApprovers: req.RequiredApprovers,
		CurrentApprovals:  req.CurrentApprovals,
		Status:            string(req.Status),
		Title:             req.Title,
		CreatedAt:         req.CreatedAt.Format(timeLayout),
	}
	if req.JobID != nil {
		resp.JobID = req.JobID.String()
	}
	for _, t := range req.Triggers {
		resp.Triggers = append(resp.Triggers, string(t))
	}
	if req.ExpiresAt != nil {
		resp.ExpiresAt = req.ExpiresAt.Format(timeLayout)
	}
	if req.CompletedAt != nil {
		resp.CompletedAt = req.CompletedAt.Format(timeLayout)
	}
	return resp
}

func (a *API) createApproval(w http.ResponseWriter, r *http.Request) {
	var req createApprovalRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, a.log, err)
		return
	}
	triggers := make([]model.Trigger, len(req.Triggers))
	for i, t := range req.Triggers {
		triggers[i] = model.Trigger(t)
	}
	result, err := a.approvals.Create(r.Context(), approval.CreateInput{
		JobID:             req.JobID,
		Triggers:          triggers,
		RequiredApprovers: req.RequiredApprovers,
		ApprovalGroup:     req.ApprovalGroup,
		Timeout:           time.Duration(req.TimeoutSecs) * time.Second,
		RequesterID:       req.RequesterID,
		Title:             req.Title,
	}, time.Now())
	if err != nil {
		writeError(w, a.log, err)
		return
	}
	writeJSON(w, http.StatusCreated, toApprovalResponse(result))
}

func approvalIDParam(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, "approvalID"))
	if err != nil {
		return uuid.Nil, model.NewError(model.KindValidation, "malformed approval id", err)
	}
	return id, nil
}

type decideApprovalRequest struct {
	ApproverID uuid.UUID `json:"approver_id"`
	Decision   string    `json:"decision"`
	Comment    string    `json:"comment,omitempty"`
}

func (a *API) decideApproval(w http.ResponseWriter, r *http.Request) {
	id, err := approvalIDParam(r)
	if err != nil {
		writeError(w, a.log, err)
		return
	}
	var req decideApprovalRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, a.log, err)
		return
	}
	result, err := a.approvals.Decide(r.Context(), id, req.ApproverID, model.Decision(req.Decision), req.Comment, time.Now())
	if err != nil {
		writeError(w, a.log, err)
		return
	}
	writeJSON(w, http.StatusOK, toApprovalResponse(result))
}

func (a *API) cancelApproval(w http.ResponseWriter, r *http.Request) {
	id, err := approvalIDParam(r)
	if err != nil {
		writeError(w, a.log, err)
		return
	}
	result, err := a.approvals.Cancel(r.Context(), id, time.Now())
	if err != nil {
		writeError(w, a.log, err)
		return
	}
	writeJSON(w, http.StatusOK, toApprovalResponse(result))
}

func (a *API) approvalStream(w http.ResponseWriter, r *http.Request) {
	streamEvents(w, r, a.bus.ApprovalStream(r.Context()))
}
