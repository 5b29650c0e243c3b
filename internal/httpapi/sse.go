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

package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/codepr/opsctl/internal/eventbus"
)

// streamEvents drains ch onto w as text/event-stream frames until ch
// closes or the client disconnects, per spec.md §6's "event: <type>\n
// data: <json>\n\n" framing.
func streamEvents(w http.ResponseWriter, r *http.Request, ch <-chan eventbus.Event) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			payload, err := json.Marshal(sseEvent(e))
			if err != nil {
				continue
			}
			if _, err := w.Write([]byte("event: " + string(e.Type) + "\n")); err != nil {
				return
			}
			if _, err := w.Write(append(append([]byte("data: "), payload...), '\n', '\n')); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// eventDTO is the wire shape of an eventbus.Event; only the fields
// relevant to its Type carry meaningful values, mirroring the bus itself.
type eventDTO struct {
	Type        string `json:"type"`
	JobID       string `json:"job_id,omitempty"`
	TaskID      string `json:"task_id,omitempty"`
	ApprovalID  string `json:"approval_id,omitempty"`
	OldStatus   string `json:"old_status,omitempty"`
	NewStatus   string `json:"new_status,omitempty"`
	Output      string `json:"output,omitempty"`
	OutputFinal bool   `json:"output_final,omitempty"`
	Title       string `json:"title,omitempty"`
	At          string `json:"at"`
}

func sseEvent(e eventbus.Event) eventDTO {
	dto := eventDTO{
		Type:        string(e.Type),
		OldStatus:   e.OldStatus,
		NewStatus:   e.NewStatus,
		Output:      e.Output,
		OutputFinal: e.OutputFinal,
		Title:       e.Title,
		At:          e.At.Format(timeLayout),
	}
	if e.JobID != uuidZero {
		dto.JobID = e.JobID.String()
	}
	if e.TaskID != uuidZero {
		dto.TaskID = e.TaskID.String()
	}
	if e.ApprovalID != uuidZero {
		dto.ApprovalID = e.ApprovalID.String()
	}
	return dto
}
