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

// Package webhook ingests GitHub push events and turns them into build
// submissions, a supplemented feature carried over from
// original_source's GitHub-flavored webhook handling.
package webhook

import (
	"fmt"
	"net/http"
	"time"

	"github.com/codepr/opsctl/internal/jobengine"
	"github.com/codepr/opsctl/internal/model"
	"github.com/google/go-github/v32/github"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Handler validates and parses GitHub push events, one per repository
// secret, and submits a build-kind Job for each.
type Handler struct {
	secret    []byte
	buildType string
	creatorID uuid.UUID
	engine    *jobengine.Engine
	log       *zap.SugaredLogger
}

func New(secret []byte, buildType string, creatorID uuid.UUID, engine *jobengine.Engine, log *zap.SugaredLogger) *Handler {
	return &Handler{
		secret:    secret,
		buildType: buildType,
		creatorID: creatorID,
		engine:    engine,
		log:       log,
	}
}

// ServeHTTP implements the POST /api/v1/webhooks/github route: it
// validates the HMAC signature the teacher's agent/handlers.go already
// performs, then submits a BuildJob whose idempotency key collapses
// duplicate deliveries of the same push onto the same Job (spec.md §8's
// idempotency invariant).
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	payload, err := github.ValidatePayload(r, h.secret)
	if err != nil {
		h.log.Warnw("webhook: signature validation failed", "error", err)
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	defer r.Body.Close()

	event, err := github.ParseWebHook(github.WebHookType(r), payload)
	if err != nil {
		h.log.Warnw("webhook: could not parse event", "error", err)
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	push, ok := event.(*github.PushEvent)
	if !ok {
		h.log.Debugw("webhook: ignored event type", "type", github.WebHookType(r))
		w.WriteHeader(http.StatusAccepted)
		return
	}

	head := push.GetHeadCommit()
	repo := push.GetRepo()
	if head == nil || repo == nil {
		w.WriteHeader(http.StatusUnprocessableEntity)
		return
	}

	branch := repo.GetDefaultBranch()
	if ref := push.GetRef(); ref != "" {
		branch = refToBranch(ref)
	}

	in := jobengine.SubmitInput{
		IdempotencyKey: fmt.Sprintf("%s@%s", repo.GetFullName(), head.GetID()),
		Kind:           model.JobKindBuild,
		BuildSpec: &model.BuildSpec{
			Repository: repo.GetCloneURL(),
			Branch:     branch,
			Commit:     head.GetID(),
			BuildType:  h.buildType,
		},
		CreatorID: h.creatorID,
	}

	job, err := h.engine.Submit(r.Context(), in, time.Now())
	if err != nil {
		h.log.Errorw("webhook: build submission failed", "repo", repo.GetFullName(), "error", err)
		w.WriteHeader(http.StatusUnprocessableEntity)
		return
	}

	h.log.Infow("webhook: build submitted", "job_id", job.ID, "repo", repo.GetFullName(), "commit", head.GetID())
	w.WriteHeader(http.StatusAccepted)
}

// refToBranch strips the refs/heads/ prefix GitHub sends on push events.
func refToBranch(ref string) string {
	const prefix = "refs/heads/"
	if len(ref) > len(prefix) && ref[:len(prefix)] == prefix {
		return ref[len(prefix):]
	}
	return ref
}
