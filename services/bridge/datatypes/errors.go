// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

import (
	"errors"
	"fmt"
	"net/http"
)

// =============================================================================
// Error Kinds
// =============================================================================

// Kind identifies a failure class the gateway reports to callers. Each
// kind maps to one HTTP status and one retry class, so a client can
// decide between "retry now", "retry later", and "conversation lost"
// without parsing message text.
type Kind string

const (
	// KindAdmissionRejected means the concurrency gate refused the
	// request: the wait queue was full, or the queued wait timed out.
	// The request was never executed.
	KindAdmissionRejected Kind = "admission_rejected"

	// KindSessionBusy means another request for the same conversation
	// held the session past the configured wait ceiling.
	KindSessionBusy Kind = "session_busy"

	// KindExecutionTimeout means the assistant call exceeded its overall
	// ceiling and was cancelled. The session handle is presumed reusable.
	KindExecutionTimeout Kind = "execution_timeout"

	// KindExecutionFailure means the assistant process crashed, exited
	// nonzero, or produced unparseable output. The session is torn down;
	// the next request for its conversation starts fresh.
	KindExecutionFailure Kind = "execution_failure"

	// KindInstanceUnavailable means the instance owning the conversation
	// is down. Sessions do not migrate; the conversation is lost.
	KindInstanceUnavailable Kind = "instance_unavailable"

	// KindAuthFailure means the presented credential was missing or wrong.
	KindAuthFailure Kind = "auth_failure"
)

// Retry classes surfaced in the error envelope.
const (
	RetryNow         = "retry_now"
	RetryLater       = "retry_later"
	ConversationLost = "conversation_lost"
)

// DefaultRetryAfterSeconds is the backoff hint attached to backpressure
// rejections.
const DefaultRetryAfterSeconds = 30

// =============================================================================
// BridgeError
// =============================================================================

// BridgeError is the typed error carried across the request pipeline.
// Handlers translate it into the OpenAI-style error envelope; internal
// callers branch on Kind via errors.As or IsKind.
type BridgeError struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *BridgeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *BridgeError) Unwrap() error {
	return e.Err
}

// NewError builds a BridgeError wrapping an optional cause.
func NewError(kind Kind, message string, cause error) *BridgeError {
	return &BridgeError{Kind: kind, Message: message, Err: cause}
}

// IsKind reports whether err is (or wraps) a BridgeError of the given kind.
func IsKind(err error, kind Kind) bool {
	var be *BridgeError
	return errors.As(err, &be) && be.Kind == kind
}

// =============================================================================
// Wire Envelope
// =============================================================================

// ErrorDetail is the inner object of the OpenAI-compatible error
// envelope, extended with the gateway's retry classification.
type ErrorDetail struct {
	Message           string `json:"message"`
	Type              string `json:"type"`
	Code              string `json:"code"`
	RetryClass        string `json:"retry_class,omitempty"`
	RetryAfterSeconds int    `json:"retry_after_seconds,omitempty"`
}

// ErrorEnvelope is the top-level error body returned to HTTP callers.
type ErrorEnvelope struct {
	Error ErrorDetail `json:"error"`
}

// httpStatus maps each kind to its response status.
func httpStatus(kind Kind) int {
	switch kind {
	case KindAdmissionRejected:
		return http.StatusServiceUnavailable
	case KindSessionBusy:
		return http.StatusConflict
	case KindExecutionTimeout:
		return http.StatusGatewayTimeout
	case KindExecutionFailure:
		return http.StatusBadGateway
	case KindInstanceUnavailable:
		return http.StatusServiceUnavailable
	case KindAuthFailure:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

// retryClass maps each kind to the guidance clients act on.
func retryClass(kind Kind) string {
	switch kind {
	case KindAdmissionRejected, KindExecutionFailure:
		return RetryLater
	case KindSessionBusy, KindExecutionTimeout:
		return RetryNow
	case KindInstanceUnavailable:
		return ConversationLost
	default:
		return ""
	}
}

// EnvelopeFor translates any error into an HTTP status and wire body.
// Non-BridgeError values become opaque 500s so internal detail never
// leaks to callers.
func EnvelopeFor(err error) (int, ErrorEnvelope) {
	var be *BridgeError
	if !errors.As(err, &be) {
		return http.StatusInternalServerError, ErrorEnvelope{
			Error: ErrorDetail{
				Message: "internal server error",
				Type:    "server_error",
				Code:    "internal_error",
			},
		}
	}

	detail := ErrorDetail{
		Message:    be.Message,
		Type:       "server_error",
		Code:       string(be.Kind),
		RetryClass: retryClass(be.Kind),
	}
	if be.Kind == KindAuthFailure {
		detail.Type = "invalid_request_error"
	}
	if be.Kind == KindAdmissionRejected {
		detail.RetryAfterSeconds = DefaultRetryAfterSeconds
	}
	return httpStatus(be.Kind), ErrorEnvelope{Error: detail}
}
