package httpapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/codepr/opsctl/internal/eventbus"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSSEEventOmitsZeroUUIDs(t *testing.T) {
	at := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	dto := sseEvent(eventbus.Event{
		Type: eventbus.Heartbeat,
		At:   at,
	})

	assert.Equal(t, "heartbeat", dto.Type)
	assert.Empty(t, dto.JobID)
	assert.Empty(t, dto.TaskID)
	assert.Empty(t, dto.ApprovalID)
	assert.Equal(t, at.Format(timeLayout), dto.At)
}

func TestSSEEventPopulatesNonZeroUUIDs(t *testing.T) {
	jobID := uuid.New()
	taskID := uuid.New()
	approvalID := uuid.New()

	dto := sseEvent(eventbus.Event{
		Type:       eventbus.TaskStatusChanged,
		JobID:      jobID,
		TaskID:     taskID,
		ApprovalID: approvalID,
		OldStatus:  "running",
		NewStatus:  "succeeded",
	})

	assert.Equal(t, jobID.String(), dto.JobID)
	assert.Equal(t, taskID.String(), dto.TaskID)
	assert.Equal(t, approvalID.String(), dto.ApprovalID)
	assert.Equal(t, "running", dto.OldStatus)
	assert.Equal(t, "succeeded", dto.NewStatus)
}

func TestStreamEventsFramesAndFlushesUntilChannelCloses(t *testing.T) {
	ch := make(chan eventbus.Event, 1)
	ch <- eventbus.Event{Type: eventbus.TaskOutputUpdate, Output: "building", At: time.Now()}
	close(ch)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/events", nil)

	streamEvents(rec, req, ch)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	body := rec.Body.String()
	assert.Contains(t, body, "event: task_output_update\n")
	assert.Contains(t, body, `"output":"building"`)
}

func TestStreamEventsStopsWhenClientDisconnects(t *testing.T) {
	ch := make(chan eventbus.Event)
	defer close(ch)

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/events", nil).WithContext(ctx)
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		streamEvents(rec, req, ch)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("streamEvents did not return after context cancellation")
	}
	require.Equal(t, http.StatusOK, rec.Code)
}
