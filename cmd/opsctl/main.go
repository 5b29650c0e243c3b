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

// Command opsctl is the control-plane binary: it wires the Durable Store,
// Concurrency Controller, Runner Registry/Scheduler, Approval Engine,
// Job Engine, Broker Gateway and Event Bus together and serves the REST/
// SSE surface, the same assembly role narwhal.go played for the
// dispatcher/runner pair it started.
package main

import (
	"context"
	"database/sql"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/pressly/goose/v3"

	"github.com/codepr/opsctl/internal/approval"
	"github.com/codepr/opsctl/internal/broker"
	"github.com/codepr/opsctl/internal/concurrency"
	"github.com/codepr/opsctl/internal/config"
	"github.com/codepr/opsctl/internal/eventbus"
	"github.com/codepr/opsctl/internal/gitresolve"
	"github.com/codepr/opsctl/internal/httpapi"
	"github.com/codepr/opsctl/internal/jobengine"
	"github.com/codepr/opsctl/internal/logging"
	"github.com/codepr/opsctl/internal/metrics"
	"github.com/codepr/opsctl/internal/model"
	"github.com/codepr/opsctl/internal/runnerpool"
	"github.com/codepr/opsctl/internal/sshexec"
	"github.com/codepr/opsctl/internal/store"
	"github.com/codepr/opsctl/internal/webhook"
)

var (
	configPath  string
	addr        string
	logMode     string
	migrateOnly bool
	migrationsDir string
	webhookCreator string
)

func main() {
	flag.StringVar(&configPath, "config", "", "Path to YAML configuration file")
	flag.StringVar(&addr, "addr", "", "Server listening address (overrides config)")
	flag.StringVar(&logMode, "log-mode", "development", "Logger mode: development or production")
	flag.BoolVar(&migrateOnly, "migrate", false, "Run pending migrations and exit")
	flag.StringVar(&migrationsDir, "migrations-dir", "migrations", "Directory of goose migration files")
	flag.StringVar(&webhookCreator, "webhook-creator-id", "", "Job creator id attributed to GitHub webhook submissions")
	flag.Parse()

	log, err := logging.New(logMode, "opsctl")
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalw("load config", "error", err)
	}
	if addr != "" {
		cfg.Addr = addr
	}

	sqlDB, err := sql.Open("postgres", cfg.DatabaseDSN)
	if err != nil {
		log.Fatalw("open database for migrations", "error", err)
	}
	if err := goose.SetDialect("postgres"); err != nil {
		log.Fatalw("goose set dialect", "error", err)
	}
	if err := goose.Up(sqlDB, migrationsDir); err != nil {
		log.Fatalw("run migrations", "error", err)
	}
	sqlDB.Close()
	if migrateOnly {
		log.Infow("migrations applied, exiting")
		return
	}

	db, err := store.Open(cfg.DatabaseDSN, log)
	if err != nil {
		log.Fatalw("connect to database", "error", err)
	}
	defer db.Close()

	m := metrics.New()
	bus := eventbus.New(log)
	jobStore := store.NewJobStore(db)
	approvalStore := store.NewApprovalStore(db)
	hostResolver := store.NewHostResolver(db)
	auditSink := store.NewAuditSink(db)
	runnerStore := store.NewRunnerStore(db)

	concurrent := concurrency.New(cfg.Concurrency.ToConcurrency())
	registry := runnerpool.New(cfg.Runners.HeartbeatInterval, log).WithMetrics(m)
	scheduler := runnerpool.NewScheduler(registry)

	approvals := approval.New(approvalStore, bus).WithMetrics(m)

	gw, err := broker.Dial(cfg.AMQPURL, 5*time.Second, log)
	if err != nil {
		log.Fatalw("dial broker", "error", err)
	}
	defer gw.Close()
	dispatcher := broker.NewJobDispatcher(gw)

	sshRunner := sshexec.NewRunner(sshexec.RunnerDefaults{
		Username:         cfg.SSH.Username,
		ConnectTimeout:   cfg.SSH.ConnectTimeout,
		HandshakeTimeout: cfg.SSH.HandshakeTimeout,
		CommandTimeout:   cfg.SSH.CommandTimeout,
	})

	engine := jobengine.New(
		jobStore,
		bus,
		concurrent,
		scheduler,
		registry,
		hostResolver,
		sshRunner,
		dispatcher,
		approvals,
		cfg.Risk.ToRisk(),
		auditSink,
		log,
	).WithCommitResolver(gitresolve.New()).WithMetrics(m)

	go resumeApprovedJobs(bus, engine, log)

	if err := gw.ConsumeStatus(func(status broker.BuildStatus) error {
		return applyBuildStatus(engine, status)
	}); err != nil {
		log.Fatalw("consume build status queue", "error", err)
	}
	if err := gw.ConsumeLog(func(entry broker.BuildLog) error {
		publishBuildLog(bus, entry)
		return nil
	}); err != nil {
		log.Fatalw("consume build log queue", "error", err)
	}

	var webhookHandler http.Handler
	if cfg.GitHubWebhookSecret != "" {
		creatorID := uuid.Nil
		if webhookCreator != "" {
			creatorID, err = uuid.Parse(webhookCreator)
			if err != nil {
				log.Fatalw("parse webhook-creator-id", "error", err)
			}
		}
		webhookHandler = webhook.New([]byte(cfg.GitHubWebhookSecret), cfg.DefaultBuildType, creatorID, engine, log)
	}

	api := httpapi.New(engine, approvals, registry, bus, m, webhookHandler, cfg.Runners.HeartbeatInterval, runnerStore, log)

	server := &http.Server{
		Addr:           cfg.Addr,
		Handler:        api.Router(),
		ReadTimeout:    5 * time.Second,
		WriteTimeout:   0, // SSE streams hold the connection open indefinitely
		IdleTimeout:    60 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	var watcher *config.Watcher
	if configPath != "" {
		watcher, err = config.Watch(configPath, log)
		if err != nil {
			log.Warnw("config hot-reload disabled", "error", err)
		} else {
			go watchConfig(watcher, log)
			defer watcher.Stop()
		}
	}

	run(server, log)
}

// applyBuildStatus translates a BuildStatus wire message into the Job
// Engine's terminal-status call; non-terminal step updates are dropped
// here and surfaced only through ConsumeLog/TaskOutputUpdate.
func applyBuildStatus(engine *jobengine.Engine, status broker.BuildStatus) error {
	taskID, err := uuid.Parse(status.TaskID)
	if err != nil {
		return nil // malformed id, already logged by the gateway, nothing to apply
	}

	var taskStatus model.TaskStatus
	switch status.Status {
	case "succeeded":
		taskStatus = model.TaskSucceeded
	case "failed":
		taskStatus = model.TaskFailed
	case "timeout":
		taskStatus = model.TaskTimeout
	case "cancelled":
		taskStatus = model.TaskCancelled
	default:
		return nil // an in-progress step update, not a terminal status
	}

	return engine.ApplyBuildStatus(context.Background(), taskID, taskStatus, model.FailureReason(status.ErrorCategory), status.Error, status.RunnerName, time.Now())
}

func publishBuildLog(bus *eventbus.Bus, entry broker.BuildLog) {
	jobID, err := uuid.Parse(entry.JobID)
	if err != nil {
		return
	}
	taskID, err := uuid.Parse(entry.TaskID)
	if err != nil {
		return
	}
	bus.Publish(eventbus.Event{
		Type:        eventbus.TaskOutputUpdate,
		JobID:       jobID,
		TaskID:      taskID,
		Output:      entry.Content,
		OutputFinal: entry.IsFinal,
	})
}

// resumeApprovedJobs re-drives execution for any job whose Approval
// Request flips to approved, since Submit leaves a risk-gated job
// pending rather than launching it.
func resumeApprovedJobs(bus *eventbus.Bus, engine *jobengine.Engine, log interface{ Infow(string, ...interface{}) }) {
	sub := bus.Subscribe()
	for evt := range sub.Events() {
		if evt.Type != eventbus.ApprovalStatusChanged || evt.NewStatus != string(model.ApprovalApproved) {
			continue
		}
		if evt.JobID == uuid.Nil {
			continue
		}
		log.Infow("approval granted, resuming job", "job_id", evt.JobID)
		engine.ResumeApproved(evt.JobID)
	}
}

func watchConfig(w *config.Watcher, log interface{ Infow(string, ...interface{}) }) {
	for range w.Updates() {
		log.Infow("configuration reloaded")
	}
}

// run starts server and blocks until SIGINT/SIGTERM triggers a graceful
// shutdown, mirroring core/server.go's DispatcherServer.Run.
func run(server *http.Server, log interface {
	Infow(string, ...interface{})
	Errorw(string, ...interface{})
}) {
	done := make(chan struct{})
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		log.Infow("shutting down")
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		server.SetKeepAlivesEnabled(false)
		if err := server.Shutdown(ctx); err != nil {
			log.Errorw("graceful shutdown failed", "error", err)
		}
		close(done)
	}()

	log.Infow("listening", "addr", server.Addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Errorw("server stopped", "error", err)
	}
	<-done
}
