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

// Package concurrency is the multi-scope semaphore layer: global, per-group,
// per-environment and a stricter production override, acquired in that
// fixed order and released together when the returned Permit is dropped.
package concurrency

import (
	"context"
	"sync"
	"time"

	"github.com/codepr/opsctl/internal/model"
)

// Strategy controls what happens when a scope cannot grant immediately.
type Strategy string

const (
	StrategyReject Strategy = "reject"
	StrategyWait   Strategy = "wait"
	StrategyQueue  Strategy = "queue"
)

// Config configures one Controller instance.
type Config struct {
	Strategy          Strategy
	GlobalLimit       int
	GroupLimit        int
	EnvironmentLimit  int
	ProductionLimit   int
	AcquireTimeout    time.Duration
	QueueMaxLength    int
}

type scopeKey struct {
	kind  string
	value string
}

// semaphore is a counted permit pool with an optional FIFO waiter queue,
// guarded by the Controller's single mutex (never its own).
type semaphore struct {
	limit   int
	inUse   int
	waiters []chan struct{}
}

// Controller owns every scope's in-memory counters; it is reconstructible
// from Config alone, so it holds no persistent state of its own.
type Controller struct {
	cfg Config
	mu  sync.Mutex
	sem map[scopeKey]*semaphore
}

func New(cfg Config) *Controller {
	return &Controller{cfg: cfg, sem: make(map[scopeKey]*semaphore)}
}

// Permit is a scoped resource handle; Release is idempotent and safe to call
// from a defer so it runs on every exit path, including panics.
type Permit struct {
	c      *Controller
	keys   []scopeKey
	once   sync.Once
}

func (p *Permit) Release() {
	p.once.Do(func() {
		p.c.release(p.keys)
	})
}

func (c *Controller) scopeFor(kind, value string) *semaphore {
	k := scopeKey{kind, value}
	s, ok := c.sem[k]
	if !ok {
		limit := c.limitFor(kind, value)
		s = &semaphore{limit: limit}
		c.sem[k] = s
	}
	return s
}

func (c *Controller) limitFor(kind, value string) int {
	switch kind {
	case "global":
		return c.cfg.GlobalLimit
	case "group":
		return c.cfg.GroupLimit
	case "environment":
		return c.cfg.EnvironmentLimit
	case "production":
		return c.cfg.ProductionLimit
	default:
		return 0
	}
}

// Acquire obtains global, group, environment and (if environment is
// "production") the stricter production permit, in that fixed order. On
// failure at any level, previously-acquired levels for this call are
// released before returning the error.
func (c *Controller) Acquire(ctx context.Context, group, environment string) (*Permit, error) {
	var keys []scopeKey
	keys = append(keys, scopeKey{"global", ""})
	if group != "" {
		keys = append(keys, scopeKey{"group", group})
	}
	if environment != "" {
		keys = append(keys, scopeKey{"environment", environment})
		if environment == "production" {
			keys = append(keys, scopeKey{"production", ""})
		}
	}

	acquired := make([]scopeKey, 0, len(keys))
	for _, k := range keys {
		if err := c.acquireOne(ctx, k); err != nil {
			c.release(acquired)
			return nil, err
		}
		acquired = append(acquired, k)
	}

	return &Permit{c: c, keys: keys}, nil
}

func (c *Controller) acquireOne(ctx context.Context, k scopeKey) error {
	c.mu.Lock()
	s := c.scopeFor(k.kind, k.value)
	if s.inUse < s.limit || s.limit <= 0 {
		s.inUse++
		c.mu.Unlock()
		return nil
	}

	switch c.cfg.Strategy {
	case StrategyReject:
		c.mu.Unlock()
		return model.NewError(model.KindRateLimited, "concurrency limit exceeded for "+k.kind, nil)
	case StrategyWait, StrategyQueue:
		if c.cfg.Strategy == StrategyQueue && len(s.waiters) >= c.cfg.QueueMaxLength {
			c.mu.Unlock()
			return model.NewError(model.KindRateLimited, "queue full for "+k.kind, nil)
		}
		wake := make(chan struct{})
		s.waiters = append(s.waiters, wake)
		c.mu.Unlock()

		timeout := c.cfg.AcquireTimeout
		if timeout <= 0 {
			timeout = 24 * time.Hour
		}
		timer := time.NewTimer(timeout)
		defer timer.Stop()

		select {
		case <-wake:
			return nil
		case <-timer.C:
			c.removeWaiter(k, wake)
			return model.NewError(model.KindRateLimited, "acquire timed out for "+k.kind, nil)
		case <-ctx.Done():
			c.removeWaiter(k, wake)
			return model.NewError(model.KindRateLimited, "acquire cancelled for "+k.kind, ctx.Err())
		}
	default:
		c.mu.Unlock()
		return model.NewError(model.KindInternal, "unknown concurrency strategy", nil)
	}
}

func (c *Controller) removeWaiter(k scopeKey, wake chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.scopeFor(k.kind, k.value)
	for i, w := range s.waiters {
		if w == wake {
			s.waiters = append(s.waiters[:i], s.waiters[i+1:]...)
			break
		}
	}
}

func (c *Controller) release(keys []scopeKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	// Release in reverse acquisition order.
	for i := len(keys) - 1; i >= 0; i-- {
		k := keys[i]
		s := c.scopeFor(k.kind, k.value)
		if s.inUse > 0 {
			s.inUse--
		}
		if len(s.waiters) > 0 {
			next := s.waiters[0]
			s.waiters = s.waiters[1:]
			s.inUse++
			close(next)
		}
	}
}

// InUse reports the current occupancy of a scope; used by tests and metrics.
func (c *Controller) InUse(kind, value string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.scopeFor(kind, value).inUse
}
