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

// Package eventbus is the in-process publish/subscribe fabric: a bounded
// broadcast of typed events to many subscribers, each with its own
// backpressure-by-drop channel so a slow SSE client never blocks a
// publisher. Modeled on the teacher's pool/registry pattern (a mutex-guarded
// map of subscriber channels instead of a mutex-guarded map of runners).
package eventbus

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Type is the closed tag of a bus Event.
type Type string

const (
	JobStatusChanged      Type = "job_status_changed"
	TaskStatusChanged     Type = "task_status_changed"
	TaskOutputUpdate      Type = "task_output_update"
	ApprovalStatusChanged Type = "approval_status_changed"
	NewApprovalRequest    Type = "new_approval_request"
	Heartbeat             Type = "heartbeat"
)

// Event is the tagged variant delivered to subscribers. Only the fields
// relevant to Type are populated.
type Event struct {
	Type         Type
	JobID        uuid.UUID
	TaskID       uuid.UUID
	ApprovalID   uuid.UUID
	OldStatus    string
	NewStatus    string
	Output       string
	OutputFinal  bool
	Title        string
	RequestedBy  uuid.UUID
	At           time.Time
}

const subscriberBuffer = 64

// Bus is a single-producer (many publishers, really, but each publish is
// independent), many-consumer broadcaster. Publish never blocks: a
// subscriber whose channel is full has its oldest event dropped to make
// room, never the other way around.
type Bus struct {
	mu   sync.Mutex
	subs map[uint64]chan Event
	next uint64
	log  *zap.SugaredLogger
}

func New(log *zap.SugaredLogger) *Bus {
	return &Bus{
		subs: make(map[uint64]chan Event),
		log:  log,
	}
}

// Subscription is a subscriber handle; dropping it (calling Close) releases
// all internal resources. No explicit unregister call is otherwise needed.
type Subscription struct {
	id     uint64
	ch     chan Event
	bus    *Bus
	closed bool
	mu     sync.Mutex
}

func (s *Subscription) Events() <-chan Event { return s.ch }

func (s *Subscription) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.bus.mu.Lock()
	delete(s.bus.subs, s.id)
	s.bus.mu.Unlock()
	close(s.ch)
}

// Subscribe returns a raw, unfiltered subscription to every event.
func (b *Bus) Subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.next
	b.next++
	ch := make(chan Event, subscriberBuffer)
	b.subs[id] = ch
	return &Subscription{id: id, ch: ch, bus: b}
}

// Publish is non-blocking. If a subscriber's channel is full, the oldest
// queued event for that subscriber is dropped to make room for the new one
// — a lagging subscriber is never allowed to stall a publisher.
func (b *Bus) Publish(e Event) {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subs {
		select {
		case ch <- e:
		default:
			// drop the oldest queued event, then retry once
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- e:
			default:
				if b.log != nil {
					b.log.Warnw("dropping event for lagging subscriber", "subscriber", id, "type", e.Type)
				}
			}
		}
	}
}

// count reports the number of live subscriptions; used by tests.
func (b *Bus) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
