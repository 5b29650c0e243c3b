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
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/codepr/opsctl/internal/approval"
	"github.com/codepr/opsctl/internal/eventbus"
	"github.com/codepr/opsctl/internal/jobengine"
	"github.com/codepr/opsctl/internal/metrics"
	"github.com/codepr/opsctl/internal/runnerpool"
	"github.com/codepr/opsctl/internal/store"
)

const timeLayout = time.RFC3339Nano

var uuidZero = uuid.Nil

// API holds every dependency the HTTP surface dispatches into. It owns no
// state of its own: every handler just translates a request into a call
// on one of these.
type API struct {
	engine            *jobengine.Engine
	approvals         *approval.Engine
	registry          *runnerpool.Registry
	bus               *eventbus.Bus
	metrics           *metrics.Metrics
	webhook           http.Handler
	heartbeatInterval time.Duration
	runnerAudit       *store.RunnerStore
	log               *zap.SugaredLogger
}

// New builds the API; webhook may be nil if GitHub ingestion was not
// configured, in which case its route answers 404. runnerAudit may be
// nil, in which case registration/heartbeat never mirror to the
// runners table and the Registry remains the sole bookkeeper.
func New(
	engine *jobengine.Engine,
	approvals *approval.Engine,
	registry *runnerpool.Registry,
	bus *eventbus.Bus,
	m *metrics.Metrics,
	webhook http.Handler,
	heartbeatInterval time.Duration,
	runnerAudit *store.RunnerStore,
	log *zap.SugaredLogger,
) *API {
	return &API{
		engine:            engine,
		approvals:         approvals,
		registry:          registry,
		bus:               bus,
		metrics:           m,
		webhook:           webhook,
		heartbeatInterval: heartbeatInterval,
		runnerAudit:       runnerAudit,
		log:               log,
	}
}

// Router builds the full chi mux: job/approval/runner REST, SSE streams,
// webhook ingestion and the prometheus scrape endpoint.
func (a *API) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(zapRequestLogger(a.log))

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/jobs", func(r chi.Router) {
			r.Post("/", a.submitJob)
			r.Route("/{jobID}", func(r chi.Router) {
				r.Get("/", a.getJob)
				r.Get("/stream", a.jobStream)
				r.Get("/statistics", a.jobStatistics)
				r.Post("/cancel", a.cancelJob)
				r.Post("/retry", a.retryJob)
			})
		})

		r.Route("/approvals", func(r chi.Router) {
			r.Post("/", a.createApproval)
			r.Get("/stream", a.approvalStream)
			r.Route("/{approvalID}", func(r chi.Router) {
				r.Post("/decide", a.decideApproval)
				r.Post("/cancel", a.cancelApproval)
			})
		})

		r.Route("/runners", func(r chi.Router) {
			r.Post("/register", a.registerRunner)
			r.Post("/heartbeat", a.heartbeatRunner)
		})

		if a.webhook != nil {
			r.Mount("/webhooks/github", a.webhook)
		}
	})

	if a.metrics != nil {
		r.Handle("/metrics", a.metrics.Handler())
	}

	return r
}

// zapRequestLogger is the chi-idiomatic equivalent of the teacher's
// per-request logReq wrapper (core/server.go, dispatcher/server.go),
// recast from a *log.Logger line into a structured zap one.
func zapRequestLogger(log *zap.SugaredLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			if log != nil {
				log.Infow("request",
					"method", r.Method,
					"path", r.URL.Path,
					"status", ww.Status(),
					"duration", time.Since(start),
				)
			}
		})
	}
}
