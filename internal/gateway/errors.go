// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/tombee/mstream-mcp/internal/schema"
	"github.com/tombee/mstream-mcp/internal/transport"
)

// Kind is the closed set of failure categories reported to tool callers.
type Kind string

const (
	// KindValidation means the arguments were rejected locally and no
	// request was sent.
	KindValidation Kind = "validation_error"

	// KindInvalidArgument means the upstream rejected the request (400, 422).
	KindInvalidArgument Kind = "invalid_argument"

	// KindNotFound means the job or service does not exist (404).
	KindNotFound Kind = "not_found"

	// KindUnauthorized means the token was missing or rejected (401, 403).
	KindUnauthorized Kind = "unauthorized"

	// KindUpstreamUnavailable means the upstream could not be reached or
	// kept failing with 5xx until retries ran out. Callers may retry later.
	KindUpstreamUnavailable Kind = "upstream_unavailable"

	// KindUpstreamError covers every other upstream failure, including
	// success responses with an unusable body.
	KindUpstreamError Kind = "upstream_error"
)

// Kinds returns every Kind in a stable order.
func Kinds() []Kind {
	return []Kind{
		KindValidation,
		KindInvalidArgument,
		KindNotFound,
		KindUnauthorized,
		KindUpstreamUnavailable,
		KindUpstreamError,
	}
}

// maxTextMessage bounds plain-text upstream bodies used as messages.
const maxTextMessage = 500

// Error is the structured failure returned by every gateway operation.
// It serializes to the error envelope sent to tool callers; Cause is kept
// for errors.As and logging but never serialized.
type Error struct {
	Kind       Kind           `json:"kind"`
	StatusCode int            `json:"status_code,omitempty"`
	Message    string         `json:"message"`
	Path       string         `json:"path,omitempty"`
	Attempts   int            `json:"attempts,omitempty"`
	Retryable  bool           `json:"retryable"`
	Details    map[string]any `json:"details,omitempty"`
	Cause      error          `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " (HTTP %d)", e.StatusCode)
	}
	b.WriteString(": ")
	if e.Path != "" {
		b.WriteString(e.Path)
		b.WriteString(": ")
	}
	b.WriteString(e.Message)
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is a *Error of the same kind, so callers can
// write errors.Is(err, &gateway.Error{Kind: gateway.KindNotFound}).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// JSON returns the serialized error envelope.
func (e *Error) JSON() string {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Sprintf(`{"kind":%q,"message":"failed to encode error","retryable":false}`, e.Kind)
	}
	return string(data)
}

func newError(kind Kind, statusCode int, message string) *Error {
	return &Error{
		Kind:       kind,
		StatusCode: statusCode,
		Message:    message,
		Retryable:  kind == KindUpstreamUnavailable,
	}
}

// kindForStatus maps a non-2xx HTTP status to its Kind.
func kindForStatus(statusCode int) Kind {
	switch {
	case statusCode == 400 || statusCode == 422:
		return KindInvalidArgument
	case statusCode == 401 || statusCode == 403:
		return KindUnauthorized
	case statusCode == 404:
		return KindNotFound
	case statusCode >= 500:
		return KindUpstreamUnavailable
	default:
		return KindUpstreamError
	}
}

// MapResponse converts a received response into an *Error. Returns nil for
// 2xx statuses.
//
// A 5xx reaching MapResponse was not retried (creation calls), so it maps
// to upstream_error rather than upstream_unavailable: the request may have
// been applied and blind retries are unsafe.
func MapResponse(statusCode int, body []byte) *Error {
	if statusCode >= 200 && statusCode < 300 {
		return nil
	}

	kind := kindForStatus(statusCode)
	if kind == KindUpstreamUnavailable {
		kind = KindUpstreamError
	}

	message, details := extractMessage(body)
	if message == "" {
		message = fmt.Sprintf("upstream returned HTTP %d", statusCode)
	}

	e := newError(kind, statusCode, message)
	e.Details = details
	e.Attempts = 1
	return e
}

// MapError converts any error produced while serving a call into an *Error.
// Returns nil for a nil error.
func MapError(err error) *Error {
	if err == nil {
		return nil
	}

	var gerr *Error
	if errors.As(err, &gerr) {
		return gerr
	}

	var verr *schema.ValidationError
	if errors.As(err, &verr) {
		e := newError(KindValidation, 0, verr.Reason)
		e.Path = verr.Path
		if len(verr.Violations) > 1 {
			e.Details = map[string]any{"violations": verr.Violations}
		}
		e.Cause = err
		return e
	}

	var exhausted *transport.ExhaustedError
	if errors.As(err, &exhausted) {
		return mapExhausted(exhausted)
	}

	var terr *transport.TransportError
	if errors.As(err, &terr) {
		e := mapTransportError(terr)
		e.Attempts = 1
		return e
	}

	e := newError(KindUpstreamError, 0, "unexpected gateway failure")
	e.Cause = err
	return e
}

func mapExhausted(exhausted *transport.ExhaustedError) *Error {
	if resp := exhausted.LastResponse; resp != nil {
		message, details := extractMessage(resp.Body)
		if message == "" {
			message = fmt.Sprintf("upstream returned HTTP %d", resp.StatusCode)
		}
		e := newError(KindUpstreamUnavailable, resp.StatusCode,
			fmt.Sprintf("upstream unavailable after %d attempts: %s", exhausted.Attempts, message))
		e.Attempts = exhausted.Attempts
		e.Details = details
		e.Cause = exhausted
		return e
	}

	reason := "upstream unreachable"
	var terr *transport.TransportError
	if errors.As(exhausted.LastErr, &terr) {
		reason = terr.Message
	}
	e := newError(KindUpstreamUnavailable, 0,
		fmt.Sprintf("upstream unavailable after %d attempts: %s", exhausted.Attempts, reason))
	e.Attempts = exhausted.Attempts
	e.Cause = exhausted
	return e
}

func mapTransportError(terr *transport.TransportError) *Error {
	var e *Error
	switch terr.Type {
	case transport.ErrorTypeMalformed:
		e = newError(KindUpstreamError, terr.StatusCode, terr.Message)
	case transport.ErrorTypeInvalidReq:
		e = newError(KindUpstreamError, 0, "request could not be built")
	case transport.ErrorTypeCancelled:
		e = newError(KindUpstreamUnavailable, 0, "request cancelled before the upstream responded")
	default:
		e = newError(KindUpstreamUnavailable, 0, terr.Message)
	}
	e.Cause = terr
	return e
}

// extractMessage pulls a human-readable message out of an upstream error
// body. JSON objects contribute "message", "detail" or "error" and are
// returned whole as details; short plain-text bodies are used verbatim.
func extractMessage(body []byte) (string, map[string]any) {
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" {
		return "", nil
	}

	var decoded any
	if err := json.Unmarshal([]byte(trimmed), &decoded); err == nil {
		obj, ok := decoded.(map[string]any)
		if !ok {
			return "", nil
		}
		for _, key := range []string{"message", "detail", "error"} {
			if s, ok := obj[key].(string); ok && strings.TrimSpace(s) != "" {
				return s, obj
			}
		}
		return "", obj
	}

	if strings.HasPrefix(trimmed, "<") || utf8.RuneCountInString(trimmed) > maxTextMessage || !utf8.ValidString(trimmed) {
		return "", nil
	}
	return trimmed, nil
}
