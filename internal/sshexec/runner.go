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

package sshexec

import (
	"context"
	"time"

	"github.com/codepr/opsctl/internal/model"
)

// RunnerDefaults carries the timeouts and fallback username a Runner
// applies to every host it is asked to execute against; individual hosts
// carry no username of their own (spec.md §3 gives Host no such field).
type RunnerDefaults struct {
	Username         string
	ConnectTimeout   time.Duration
	HandshakeTimeout time.Duration
	CommandTimeout   time.Duration
}

// Runner adapts Client to jobengine.SSHRunner: one short-lived Client is
// built per call, since a Client is scoped to exactly one host connection.
type Runner struct {
	defaults RunnerDefaults
}

func NewRunner(defaults RunnerDefaults) *Runner {
	return &Runner{defaults: defaults}
}

func (r *Runner) Execute(ctx context.Context, host model.Host, body string, progress func(chunk string, isFinal bool)) (int, string, string, float64, bool, model.FailureReason, error) {
	var auth Auth
	if host.Credentials != nil {
		auth = Auth{
			Password:   host.Credentials.Password,
			PrivateKey: host.Credentials.PrivateKey,
			Passphrase: host.Credentials.Passphrase,
		}
	}

	client := New(Config{
		Host:             host.Address,
		Port:             host.Port,
		Username:         r.defaults.Username,
		Auth:             auth,
		KeyMode:          host.KeyMode,
		KnownHosts:       host.KnownHosts,
		ConnectTimeout:   r.defaults.ConnectTimeout,
		HandshakeTimeout: r.defaults.HandshakeTimeout,
		CommandTimeout:   r.defaults.CommandTimeout,
	})

	result, err := client.Execute(ctx, body, ProgressFunc(progress))
	if result == nil {
		result = &Result{}
	}
	return result.ExitCode, result.Stdout, result.Stderr, result.DurationSecs, result.TimedOut, result.FailureReason, err
}
