package eventbus

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishSubscribe(t *testing.T) {
	b := New(nil)
	sub := b.Subscribe()
	defer sub.Close()

	jobID := uuid.New()
	b.Publish(Event{Type: JobStatusChanged, JobID: jobID, NewStatus: "running"})

	select {
	case e := <-sub.Events():
		assert.Equal(t, JobStatusChanged, e.Type)
		assert.Equal(t, jobID, e.JobID)
	case <-time.After(time.Second):
		t.Fatal("expected event")
	}
}

func TestPublishNeverBlocksOnLaggingSubscriber(t *testing.T) {
	b := New(nil)
	sub := b.Subscribe()
	defer sub.Close()

	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBuffer*4; i++ {
			b.Publish(Event{Type: Heartbeat})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
}

func TestCloseRemovesSubscriber(t *testing.T) {
	b := New(nil)
	sub := b.Subscribe()
	require.Equal(t, 1, b.count())
	sub.Close()
	require.Equal(t, 0, b.count())
	// Closing twice must not panic.
	sub.Close()
}

func TestJobStreamFiltersByJobID(t *testing.T) {
	b := New(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	jobID := uuid.New()
	otherJob := uuid.New()
	stream := b.JobStream(ctx, jobID)

	b.Publish(Event{Type: JobStatusChanged, JobID: otherJob})
	b.Publish(Event{Type: JobStatusChanged, JobID: jobID, NewStatus: "completed"})

	select {
	case e := <-stream:
		assert.Equal(t, jobID, e.JobID)
		assert.Equal(t, "completed", e.NewStatus)
	case <-time.After(time.Second):
		t.Fatal("expected filtered event")
	}
}

func TestApprovalStreamPassesApprovalEvents(t *testing.T) {
	b := New(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream := b.ApprovalStream(ctx)
	reqID := uuid.New()
	b.Publish(Event{Type: TaskOutputUpdate}) // must be filtered out
	b.Publish(Event{Type: NewApprovalRequest, ApprovalID: reqID})

	select {
	case e := <-stream:
		assert.Equal(t, NewApprovalRequest, e.Type)
		assert.Equal(t, reqID, e.ApprovalID)
	case <-time.After(time.Second):
		t.Fatal("expected approval event")
	}
}
