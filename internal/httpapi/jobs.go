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

	"github.com/codepr/opsctl/internal/jobengine"
	"github.com/codepr/opsctl/internal/model"
)

type submitJobRequest struct {
	IdempotencyKey    string          `json:"idempotency_key,omitempty"`
	Kind              string          `json:"kind"`
	Command           string          `json:"command,omitempty"`
	ScriptBody        string          `json:"script_body,omitempty"`
	ScriptPath        string          `json:"script_path,omitempty"`
	Build             *buildSpecDTO   `json:"build,omitempty"`
	HostIDs           []uuid.UUID     `json:"host_ids,omitempty"`
	GroupIDs          []uuid.UUID     `json:"group_ids,omitempty"`
	Policy            executionPolicy `json:"policy"`
	Tags              []string        `json:"tags,omitempty"`
	CreatorID         uuid.UUID       `json:"creator_id"`
	RequiredApprovers int             `json:"required_approvers,omitempty"`
	ApprovalGroup     *uuid.UUID      `json:"approval_group,omitempty"`
}

type executionPolicy struct {
	ConcurrentLimit int    `json:"concurrent_limit"`
	TaskTimeoutSecs int    `json:"task_timeout_secs"`
	RetryCount      int    `json:"retry_count"`
	ExecuteAsUser   string `json:"execute_as_user"`
}

type buildSpecDTO struct {
	Repository string            `json:"repository_url"`
	Branch     string            `json:"branch"`
	Commit     string            `json:"commit,omitempty"`
	BuildType  string            `json:"build_type"`
	EnvVars    map[string]string `json:"env_vars,omitempty"`
	Parameters map[string]string `json:"parameters,omitempty"`
	Steps      []buildStepDTO    `json:"steps,omitempty"`
}

type buildStepDTO struct {
	ID                string `json:"id"`
	Name              string `json:"name"`
	Type              string `json:"step_type"`
	Custom            string `json:"custom,omitempty"`
	Command           string `json:"command,omitempty"`
	Script            string `json:"script,omitempty"`
	WorkingDir        string `json:"working_dir,omitempty"`
	TimeoutSecs       int    `json:"timeout_secs,omitempty"`
	ContinueOnFailure bool   `json:"continue_on_failure"`
	ProducesArtifact  bool   `json:"produces_artifact"`
	DockerImage       string `json:"docker_image,omitempty"`
}

func (b *buildSpecDTO) toModel() *model.BuildSpec {
	if b == nil {
		return nil
	}
	steps := make([]model.BuildStepSpec, len(b.Steps))
	for i, s := range b.Steps {
		steps[i] = model.BuildStepSpec{
			ID:                s.ID,
			Name:              s.Name,
			Type:              model.BuildStepType(s.Type),
			Custom:            s.Custom,
			Command:           s.Command,
			Script:            s.Script,
			WorkingDir:        s.WorkingDir,
			TimeoutSecs:       s.TimeoutSecs,
			ContinueOnFailure: s.ContinueOnFailure,
			ProducesArtifact:  s.ProducesArtifact,
			DockerImage:       s.DockerImage,
		}
	}
	return &model.BuildSpec{
		Repository: b.Repository,
		Branch:     b.Branch,
		Commit:     b.Commit,
		BuildType:  b.BuildType,
		EnvVars:    b.EnvVars,
		Parameters: b.Parameters,
		Steps:      steps,
	}
}

type jobResponse struct {
	ID                string     `json:"id"`
	IdempotencyKey    string     `json:"idempotency_key,omitempty"`
	Kind              string     `json:"kind"`
	Status            string     `json:"status"`
	RequiresApproval  bool       `json:"requires_approval"`
	ApprovalRequestID string     `json:"approval_request_id,omitempty"`
	TotalTasks        int        `json:"total_tasks"`
	Succeeded         int        `json:"succeeded"`
	Failed            int        `json:"failed"`
	TimedOut          int        `json:"timed_out"`
	Cancelled         int        `json:"cancelled"`
	Tags              []string   `json:"tags,omitempty"`
	CreatedAt         string     `json:"created_at"`
	StartedAt         string     `json:"started_at,omitempty"`
	CompletedAt       string     `json:"completed_at,omitempty"`
	Tasks             []taskDTO  `json:"tasks,omitempty"`
}

type taskDTO struct {
	ID            string `json:"id"`
	HostID        string `json:"host_id"`
	Status        string `json:"status"`
	ExitCode      *int   `json:"exit_code,omitempty"`
	DurationSecs  float64 `json:"duration_secs"`
	RetryCount    int    `json:"retry_count"`
	FailureReason string `json:"failure_reason,omitempty"`
	FailureMsg    string `json:"failure_message,omitempty"`
	OutputSummary string `json:"output_summary,omitempty"`
}

func toJobResponse(job *model.Job, tasks []model.Task) jobResponse {
	resp := jobResponse{
		ID:               job.ID.String(),
		IdempotencyKey:   job.IdempotencyKey,
		Kind:             string(job.Kind),
		Status:           string(job.Status),
		RequiresApproval: job.RequiresApproval,
		TotalTasks:       job.TotalTasks,
		Succeeded:        job.Succeeded,
		Failed:           job.Failed,
		TimedOut:         job.TimedOut,
		Cancelled:        job.Cancelled,
		Tags:             job.Tags,
		CreatedAt:        job.CreatedAt.Format(timeLayout),
	}
	if job.ApprovalRequestID != nil {
		resp.ApprovalRequestID = job.ApprovalRequestID.String()
	}
	if job.StartedAt != nil {
		resp.StartedAt = job.StartedAt.Format(timeLayout)
	}
	if job.CompletedAt != nil {
		resp.CompletedAt = job.CompletedAt.Format(timeLayout)
	}
	for _, t := range tasks {
		resp.Tasks = append(resp.Tasks, taskDTO{
			ID:            t.ID.String(),
			HostID:        t.HostID.String(),
			Status:        string(t.Status),
			ExitCode:      t.ExitCode,
			DurationSecs:  t.DurationSecs,
			RetryCount:    t.RetryCount,
			FailureReason: string(t.FailureReason),
			FailureMsg:    t.FailureMsg,
			OutputSummary: t.OutputSummary,
		})
	}
	return resp
}

func (a *API) submitJob(w http.ResponseWriter, r *http.Request) {
	var req submitJobRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, a.log, err)
		return
	}

	job, err := a.engine.Submit(r.Context(), jobengine.SubmitInput{
		IdempotencyKey: req.IdempotencyKey,
		Kind:           model.JobKind(req.Kind),
		Command:        req.Command,
		ScriptBody:     req.ScriptBody,
		ScriptPath:     req.ScriptPath,
		BuildSpec:      req.Build.toModel(),
		HostIDs:        req.HostIDs,
		GroupIDs:       req.GroupIDs,
		Policy: model.ExecutionPolicy{
			ConcurrentLimit: req.Policy.ConcurrentLimit,
			TaskTimeoutSecs: req.Policy.TaskTimeoutSecs,
			RetryCount:      req.Policy.RetryCount,
			ExecuteAsUser:   req.Policy.ExecuteAsUser,
		},
		Tags:              req.Tags,
		CreatorID:         req.CreatorID,
		RequiredApprovers: req.RequiredApprovers,
		ApprovalGroup:     req.ApprovalGroup,
	}, time.Now())
	if err != nil {
		writeError(w, a.log, err)
		return
	}
	writeJSON(w, http.StatusAccepted, toJobResponse(job, nil))
}

func jobIDParam(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, "jobID"))
	if err != nil {
		return uuid.Nil, model.NewError(model.KindValidation, "malformed job id", err)
	}
	return id, nil
}

func (a *API) getJob(w http.ResponseWriter, r *http.Request) {
	id, err := jobIDParam(r)
	if err != nil {
		writeError(w, a.log, err)
		return
	}
	job, tasks, err := a.engine.GetJob(r.Context(), id)
	if err != nil {
		writeError(w, a.log, err)
		return
	}
	writeJSON(w, http.StatusOK, toJobResponse(job, tasks))
}

func (a *API) cancelJob(w http.ResponseWriter, r *http.Request) {
	id, err := jobIDParam(r)
	if err != nil {
		writeError(w, a.log, err)
		return
	}
	if err := a.engine.Cancel(r.Context(), id, time.Now()); err != nil {
		writeError(w, a.log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type retryJobRequest struct {
	FailedOnly bool        `json:"failed_only"`
	TaskIDs    []uuid.UUID `json:"task_ids,omitempty"`
}

func (a *API) retryJob(w http.ResponseWriter, r *http.Request) {
	id, err := jobIDParam(r)
	if err != nil {
		writeError(w, a.log, err)
		return
	}
	var req retryJobRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, a.log, err)
			return
		}
	}
	err = a.engine.RetryFinishedJob(r.Context(), jobengine.RetryInput{
		JobID:      id,
		FailedOnly: req.FailedOnly,
		TaskIDs:    req.TaskIDs,
	}, time.Now())
	if err != nil {
		writeError(w, a.log, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

type statisticsResponse struct {
	Total              int            `json:"total"`
	ByStatus           map[string]int `json:"by_status"`
	SuccessRate        float64        `json:"success_rate"`
	AverageDurationSec float64        `json:"average_duration_sec"`
	FailureReasons     map[string]int `json:"failure_reasons"`
}

func (a *API) jobStatistics(w http.ResponseWriter, r *http.Request) {
	id, err := jobIDParam(r)
	if err != nil {
		writeError(w, a.log, err)
		return
	}
	stats, err := a.engine.Statistics(r.Context(), id)
	if err != nil {
		writeError(w, a.log, err)
		return
	}
	resp := statisticsResponse{
		Total:              stats.Total,
		SuccessRate:        stats.SuccessRate,
		AverageDurationSec: stats.AverageDurationSec,
		ByStatus:           make(map[string]int, len(stats.ByStatus)),
		FailureReasons:     make(map[string]int, len(stats.FailureReasons)),
	}
	for k, v := range stats.ByStatus {
		resp.ByStatus[string(k)] = v
	}
	for k, v := range stats.FailureReasons {
		resp.FailureReasons[string(k)] = v
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) jobStream(w http.ResponseWriter, r *http.Request) {
	id, err := jobIDParam(r)
	if err != nil {
		writeError(w, a.log, err)
		return
	}
	streamEvents(w, r, a.bus.JobStream(r.Context(), id))
}
