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

// Package archive turns raw task output into a redacted, size-bounded
// summary and detail pair. It is pure: same input and pattern list always
// produce the same output, with no I/O of its own.
package archive

import (
	"regexp"
	"strings"
)

const (
	// SummaryLimit bounds the summary in bytes.
	SummaryLimit = 1024
	// DetailLimit bounds the detail in bytes (64 KiB).
	DetailLimit = 64 * 1024

	truncatedSuffix = "…(truncated)"
)

var redactKeyPattern = regexp.MustCompile(
	`(?i)(password|passwd|pwd|api_key|secret|token)([:=])\s*\S+`,
)

var emailPattern = regexp.MustCompile(
	`[a-zA-Z0-9._%+\-]+@([a-zA-Z0-9.\-]+\.[a-zA-Z]{2,})`,
)

// Redact masks credential-shaped key/value pairs and the local part of
// email addresses. It is applied before any truncation.
func Redact(raw string) string {
	out := redactKeyPattern.ReplaceAllString(raw, "$1$2****")
	out = emailPattern.ReplaceAllString(out, "***@$1")
	return out
}

// Summarize returns (summary, detail) for a task's raw combined
// stdout+stderr, redacted and truncated per spec.md §4.C.
func Summarize(raw string) (summary, detail string) {
	redacted := Redact(raw)
	summary = stripTrailingWhitespace(truncate(redacted, SummaryLimit))
	detail = truncate(redacted, DetailLimit)
	return summary, detail
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit - len(truncatedSuffix)
	if cut < 0 {
		cut = 0
	}
	cut = lastValidRuneBoundary(s, cut)
	return s[:cut] + truncatedSuffix
}

// lastValidRuneBoundary walks back from n to the nearest byte offset that
// does not split a multi-byte UTF-8 rune.
func lastValidRuneBoundary(s string, n int) int {
	if n >= len(s) {
		return len(s)
	}
	for n > 0 && isUTF8Continuation(s[n]) {
		n--
	}
	return n
}

func isUTF8Continuation(b byte) bool {
	return b&0xC0 == 0x80
}

// stripTrailingWhitespace tidies the summary line; detail keeps the raw
// trailing newline for full fidelity.
func stripTrailingWhitespace(s string) string {
	return strings.TrimRight(s, "\n")
}
