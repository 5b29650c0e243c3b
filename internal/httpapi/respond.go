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

// Package httpapi is the chi-routed HTTP surface over the core: job/
// runner/approval REST endpoints, SSE event streams and GitHub webhook
// ingestion. It is wiring only — every decision lives in the packages it
// calls into.
package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/codepr/opsctl/internal/model"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

type errorBody struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// writeError maps a core model.Error to the status table in spec.md §7.
// Forbidden is remapped to NotFound to avoid resource enumeration; any
// unclassified error is reported as internal without leaking detail.
func writeError(w http.ResponseWriter, log interface{ Errorw(string, ...interface{}) }, err error) {
	kind := model.AsKind(err)
	status := http.StatusInternalServerError
	message := "internal error"

	switch kind {
	case model.KindValidation:
		status, message = http.StatusBadRequest, err.Error()
	case model.KindNotFound, model.KindForbidden:
		status, message = http.StatusNotFound, "not found"
	case model.KindUnauthorized:
		status, message = http.StatusUnauthorized, "unauthorized"
	case model.KindRateLimited:
		status, message = http.StatusTooManyRequests, err.Error()
	case model.KindConflict:
		status, message = http.StatusConflict, err.Error()
	case model.KindBrokerUnavailable:
		status, message = http.StatusServiceUnavailable, "dispatch backend unavailable"
	case model.KindSSHFailure:
		status, message = http.StatusBadGateway, err.Error()
	default:
		if log != nil {
			log.Errorw("unclassified handler error", "error", err)
		}
	}

	writeJSON(w, status, errorBody{Kind: string(kind), Message: message})
}

func decodeJSON(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return model.NewError(model.KindValidation, "malformed request body", err)
	}
	return nil
}
