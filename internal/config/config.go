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

// Package config loads opsctl's YAML configuration file over a Default()
// baseline, the way narwhal.go layers flags over its own defaults. It
// reads no environment variables; flag overrides (such as -addr) are
// applied by cmd/opsctl after Load returns.
package config

import (
	"context"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gopkg.in/yaml.v2"

	"github.com/codepr/opsctl/internal/concurrency"
	"github.com/codepr/opsctl/internal/risk"
)

// Config is the whole of opsctl's static configuration.
type Config struct {
	Addr       string        `yaml:"addr"`
	DatabaseDSN string       `yaml:"database_dsn"`
	AMQPURL    string        `yaml:"amqp_url"`
	GitHubWebhookSecret string `yaml:"github_webhook_secret"`
	DefaultBuildType    string `yaml:"default_build_type"`

	Concurrency ConcurrencyConfig `yaml:"concurrency"`
	Risk        RiskConfig        `yaml:"risk"`
	Runners     RunnersConfig     `yaml:"runners"`
	SSH         SSHConfig         `yaml:"ssh"`
}

// SSHConfig is the service identity the SSH Job Engine dials hosts as;
// spec.md §3's per-job ExecuteAsUser override is not yet plumbed through
// to the executor (see DESIGN.md).
type SSHConfig struct {
	Username         string        `yaml:"username"`
	ConnectTimeout   time.Duration `yaml:"connect_timeout"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	CommandTimeout   time.Duration `yaml:"command_timeout"`
}

// ConcurrencyConfig mirrors concurrency.Config in YAML-friendly shape.
type ConcurrencyConfig struct {
	Strategy         string        `yaml:"strategy"`
	GlobalLimit      int           `yaml:"global_limit"`
	GroupLimit       int           `yaml:"group_limit"`
	EnvironmentLimit int           `yaml:"environment_limit"`
	ProductionLimit  int           `yaml:"production_limit"`
	AcquireTimeout   time.Duration `yaml:"acquire_timeout"`
	QueueMaxLength   int           `yaml:"queue_max_length"`
}

// ToConcurrency converts the YAML-facing shape into concurrency.Config.
func (c ConcurrencyConfig) ToConcurrency() concurrency.Config {
	strategy := concurrency.StrategyQueue
	switch c.Strategy {
	case "reject":
		strategy = concurrency.StrategyReject
	case "wait":
		strategy = concurrency.StrategyWait
	}
	return concurrency.Config{
		Strategy:         strategy,
		GlobalLimit:      c.GlobalLimit,
		GroupLimit:       c.GroupLimit,
		EnvironmentLimit: c.EnvironmentLimit,
		ProductionLimit:  c.ProductionLimit,
		AcquireTimeout:   c.AcquireTimeout,
		QueueMaxLength:   c.QueueMaxLength,
	}
}

// RiskConfig mirrors risk.Config.
type RiskConfig struct {
	TargetCountThreshold     int           `yaml:"target_count_threshold"`
	DefaultRequiredApprovers int           `yaml:"default_required_approvers"`
	DefaultApprovalTimeout   time.Duration `yaml:"default_approval_timeout"`
}

func (c RiskConfig) ToRisk() risk.Config {
	return risk.Config{
		TargetCountThreshold:     c.TargetCountThreshold,
		DefaultRequiredApprovers: c.DefaultRequiredApprovers,
		DefaultApprovalTimeout:   c.DefaultApprovalTimeout,
	}
}

// RunnersConfig governs the Runner Registry's staleness window.
type RunnersConfig struct {
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
}

// Default returns the configuration narwhal.go's own flag defaults
// would produce, before any file or override is applied.
func Default() Config {
	return Config{
		Addr:             ":28919",
		DefaultBuildType: "docker",
		Concurrency: ConcurrencyConfig{
			Strategy:         "queue",
			GlobalLimit:      50,
			GroupLimit:       10,
			EnvironmentLimit: 10,
			ProductionLimit:  3,
			AcquireTimeout:   30 * time.Second,
			QueueMaxLength:   100,
		},
		Risk: RiskConfig{
			TargetCountThreshold:     10,
			DefaultRequiredApprovers: 2,
			DefaultApprovalTimeout:   24 * time.Hour,
		},
		Runners: RunnersConfig{
			HeartbeatInterval: 15 * time.Second,
		},
		SSH: SSHConfig{
			Username:         "opsctl",
			ConnectTimeout:   10 * time.Second,
			HandshakeTimeout: 10 * time.Second,
			CommandTimeout:   30 * time.Minute,
		},
	}
}

// Load reads a YAML file at path over top of Default(), leaving any
// field the file omits at its default value.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrap(err, "read config file")
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, errors.Wrap(err, "parse config file")
	}
	return cfg, nil
}

// Watcher re-runs Load against path every time the file changes on disk
// and hands the result to a subscriber, the same fsnotify-loop shape the
// C360Studio document watcher uses for its sources directory. Every
// matching event triggers a reload; events are not debounced.
type Watcher struct {
	path    string
	fsw     *fsnotify.Watcher
	log     *zap.SugaredLogger
	updates chan Config
}

// Watch opens an fsnotify watch on path's parent directory (editors
// typically replace a file rather than write it in place, which fsnotify
// only sees as a rename+create on the containing directory) and starts
// reloading in the background. Call Stop to release the watch.
func Watch(path string, log *zap.SugaredLogger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "create config watcher")
	}
	dir := path
	if idx := lastSlash(path); idx >= 0 {
		dir = path[:idx]
	} else {
		dir = "."
	}
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, errors.Wrap(err, "watch config directory")
	}
	w := &Watcher{
		path:    path,
		fsw:     fsw,
		log:     log,
		updates: make(chan Config, 1),
	}
	go w.run()
	return w, nil
}

// Updates yields a freshly-parsed Config every time path changes and
// re-parses cleanly. A failed reload is logged and skipped, leaving the
// last good Config in effect.
func (w *Watcher) Updates() <-chan Config {
	return w.updates
}

func (w *Watcher) run() {
	defer close(w.updates)
	for {
		select {
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if event.Name != w.path || event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			cfg, err := Load(w.path)
			if err != nil {
				if w.log != nil {
					w.log.Warnw("config reload failed, keeping previous config", "error", err)
				}
				continue
			}
			select {
			case w.updates <- cfg:
			default:
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			if w.log != nil {
				w.log.Warnw("config watcher error", "error", err)
			}
		}
	}
}

// Stop closes the underlying fsnotify watcher; Updates is closed once
// its goroutine observes the close.
func (w *Watcher) Stop() error {
	return w.fsw.Close()
}

func lastSlash(s string) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == '/' {
			return i
		}
	}
	return -1
}

// WatchContext stops w when ctx is done, for callers that prefer to
// manage the watcher's lifetime through a context rather than calling
// Stop directly.
func WatchContext(ctx context.Context, w *Watcher) {
	go func() {
		<-ctx.Done()
		w.Stop()
	}()
}
