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
	"encoding/json"
	"time"

	"github.com/codepr/opsctl/internal/model"
	"github.com/lib/pq"
	"github.com/pkg/errors"
)

// RunnerStore mirrors runnerpool.Registry's in-memory state into the
// runners table for observability. It is never read back into the
// Scheduler: the Registry stays the single authority over live
// capacity, this is an audit trail only (spec.md §5 reserves
// Runner.current-jobs mutation for a transactional UPDATE, which this
// satisfies without making the database a second source of truth).
type RunnerStore struct {
	db *DB
}

func NewRunnerStore(db *DB) *RunnerStore {
	return &RunnerStore{db: db}
}

// Upsert records a runner's current snapshot as seen by the registry.
func (r *RunnerStore) Upsert(ctx context.Context, runner model.Runner) error {
	caps, err := json.Marshal(runner.Capabilities)
	if err != nil {
		return errors.Wrap(err, "marshal capabilities")
	}
	_, err = r.db.sql.ExecContext(ctx, `
		INSERT INTO runners (
			name, capabilities, docker_supported, max_concurrent, current_jobs,
			status, last_heartbeat, outbound_allow, config_version, acked_config_ver
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (name) DO UPDATE SET
			capabilities = EXCLUDED.capabilities,
			docker_supported = EXCLUDED.docker_supported,
			max_concurrent = EXCLUDED.max_concurrent,
			current_jobs = EXCLUDED.current_jobs,
			status = EXCLUDED.status,
			last_heartbeat = EXCLUDED.last_heartbeat,
			outbound_allow = EXCLUDED.outbound_allow,
			config_version = EXCLUDED.config_version,
			acked_config_ver = EXCLUDED.acked_config_ver`,
		runner.Name, caps, runner.DockerSupported, runner.MaxConcurrent, runner.CurrentJobs,
		string(runner.Status), runner.LastHeartbeat, pq.Array(runner.OutboundAllow),
		runner.ConfigVersion, runner.AckedConfigVer,
	)
	return errors.Wrap(err, "upsert runner")
}

// Heartbeat records a liveness ping without touching the rest of the row.
func (r *RunnerStore) Heartbeat(ctx context.Context, name string, at time.Time) error {
	_, err := r.db.sql.ExecContext(ctx, `
		UPDATE runners SET last_heartbeat = $2 WHERE name = $1`, name, at)
	return errors.Wrap(err, "heartbeat runner")
}
