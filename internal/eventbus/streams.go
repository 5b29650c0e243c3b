package eventbus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

const heartbeatInterval = 30 * time.Second

// JobStream filters the bus down to the events relevant to one job id, plus
// a synthetic Heartbeat every 30s so idle SSE connections stay alive.
func (b *Bus) JobStream(ctx context.Context, jobID uuid.UUID) <-chan Event {
	sub := b.Subscribe()
	out := make(chan Event, subscriberBuffer)

	go func() {
		defer sub.Close()
		defer close(out)
		ticker := time.NewTicker(heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				select {
				case out <- Event{Type: Heartbeat, At: time.Now()}:
				case <-ctx.Done():
					return
				}
			case e, ok := <-sub.Events():
				if !ok {
					return
				}
				if !jobRelevant(e, jobID) {
					continue
				}
				select {
				case out <- e:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out
}

func jobRelevant(e Event, jobID uuid.UUID) bool {
	switch e.Type {
	case JobStatusChanged, TaskStatusChanged, TaskOutputUpdate:
		return e.JobID == jobID
	case Heartbeat:
		return true
	default:
		return false
	}
}

// ApprovalStream passes every approval-related event plus the 30s heartbeat.
func (b *Bus) ApprovalStream(ctx context.Context) <-chan Event {
	sub := b.Subscribe()
	out := make(chan Event, subscriberBuffer)

	go func() {
		defer sub.Close()
		defer close(out)
		ticker := time.NewTicker(heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				select {
				case out <- Event{Type: Heartbeat, At: time.Now()}:
				case <-ctx.Done():
					return
				}
			case e, ok := <-sub.Events():
				if !ok {
					return
				}
				if !approvalRelevant(e) {
					continue
				}
				select {
				case out <- e:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out
}

func approvalRelevant(e Event) bool {
	switch e.Type {
	case ApprovalStatusChanged, NewApprovalRequest, Heartbeat:
		return true
	default:
		return false
	}
}
