// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package collab

import (
	"errors"
	"fmt"
)

// Sentinel errors for collaborator calls.
var (
	// ErrCollaboratorUnavailable indicates a transient failure. Retryable.
	ErrCollaboratorUnavailable = errors.New("collaborator unavailable")

	// ErrMalformedOutput indicates output that failed schema validation.
	// Never retryable against the original collaborator; routed to repair.
	ErrMalformedOutput = errors.New("malformed collaborator output")

	// ErrRepairExhausted indicates repair attempts ran out.
	ErrRepairExhausted = errors.New("repair attempts exhausted")

	// ErrEmptyAnswer indicates a final answer with no text.
	ErrEmptyAnswer = errors.New("answer text must not be empty")

	// ErrNoRepairer indicates malformed output with no repair collaborator.
	ErrNoRepairer = errors.New("no repair collaborator configured")
)

// MalformedOutputError carries the raw payload of a malformed response.
type MalformedOutputError struct {
	// Call is the collaborator operation that produced the payload.
	Call string

	// Raw is the offending payload, passed verbatim to repair.
	Raw string

	// Cause is the underlying decode or validation error.
	Cause error
}

// Error implements error.
func (e *MalformedOutputError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", ErrMalformedOutput, e.Call, e.Cause)
	}
	return fmt.Sprintf("%s: %s", ErrMalformedOutput, e.Call)
}

// Unwrap exposes ErrMalformedOutput and the cause to errors.Is.
func (e *MalformedOutputError) Unwrap() []error {
	if e.Cause != nil {
		return []error{ErrMalformedOutput, e.Cause}
	}
	return []error{ErrMalformedOutput}
}

// Malformed builds a MalformedOutputError for collaborators that detect
// unusable output themselves.
func Malformed(raw string, cause error) error {
	return &MalformedOutputError{Raw: raw, Cause: cause}
}

// Unavailable wraps err as a retryable collaborator failure.
func Unavailable(err error) error {
	if err == nil {
		return ErrCollaboratorUnavailable
	}
	return fmt.Errorf("%w: %v", ErrCollaboratorUnavailable, err)
}
