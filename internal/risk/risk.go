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

// Package risk is a pure predicate over a job's resolved targets and
// command, deciding whether it must pass through the Approval Engine
// before execution.
package risk

import (
	"strings"
	"time"

	"github.com/codepr/opsctl/internal/model"
)

// highRiskSubstrings is the closed, case-insensitive set from spec.md §4.H.
var highRiskSubstrings = []string{
	"rm -rf",
	"dd if",
	"mkfs",
	":(){:|:&};:", // fork bomb
	"format",
	"del /q",
	"shutdown",
	"reboot",
	"> /dev/",
	"truncate -s 0",
}

// Target is the minimal per-host view the evaluator needs.
type Target struct {
	Environment   string
	GroupCritical bool
}

// Config carries the tunable threshold and the defaults applied to a
// gated job's Approval Request when a submitter doesn't override them.
type Config struct {
	TargetCountThreshold     int
	DefaultRequiredApprovers int
	DefaultApprovalTimeout   time.Duration
}

const (
	defaultTargetCountThreshold = 10
	defaultRequiredApprovers    = 2
)

// RequiredApprovers resolves the N-of-M count an Approval Request created
// for a gated job should use, falling back to the config default and then
// the package default when a submitter supplied neither.
func (c Config) RequiredApprovers(submitted int) int {
	if submitted > 0 {
		return submitted
	}
	if c.DefaultRequiredApprovers > 0 {
		return c.DefaultRequiredApprovers
	}
	return defaultRequiredApprovers
}

// Evaluate returns whether approval is required and the triggers that fired.
func Evaluate(cfg Config, targets []Target, command string) (bool, []model.Trigger) {
	threshold := cfg.TargetCountThreshold
	if threshold <= 0 {
		threshold = defaultTargetCountThreshold
	}

	var triggers []model.Trigger

	if anyProduction(targets) {
		triggers = append(triggers, model.TriggerProductionEnvironment)
	}
	if len(targets) > threshold {
		triggers = append(triggers, model.TriggerTargetCountThreshold)
	}
	if isHighRiskCommand(command) {
		triggers = append(triggers, model.TriggerHighRiskCommand)
	}
	if anyCriticalGroup(targets) {
		triggers = append(triggers, model.TriggerCriticalGroup)
	}

	return len(triggers) > 0, triggers
}

func anyProduction(targets []Target) bool {
	for _, t := range targets {
		if strings.EqualFold(t.Environment, "production") {
			return true
		}
	}
	return false
}

func anyCriticalGroup(targets []Target) bool {
	for _, t := range targets {
		if t.GroupCritical {
			return true
		}
	}
	return false
}

func isHighRiskCommand(command string) bool {
	lower := strings.ToLower(command)
	for _, s := range highRiskSubstrings {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}
