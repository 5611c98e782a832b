/*
Copyright 2026 The Flow Engine Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package errors defines the Flow Execution Engine's error taxonomy (see
// spec section 7). Kinds are comparable sentinels; classified stage
// failures carry their class separately so callers can branch on either
// axis without type-switching on concrete error types.
package errors

import "fmt"

// Kind is one of the fixed error kinds the engine distinguishes when
// deciding how to propagate a failure.
type Kind string

const (
	ValidationFailure  Kind = "validation_failure"
	TransitionRejected Kind = "transition_rejected"
	StageFailure       Kind = "stage_failure"
	TimeoutFailure     Kind = "timeout_failure"
	CircuitOpen        Kind = "circuit_open"
	LoopViolation      Kind = "loop_violation"
	PersistenceError   Kind = "persistence_error"
	NotificationError  Kind = "notification_error"
)

// Class tags a StageFailure with the retry-classification vocabulary from
// spec section 4.4. Unclassified errors use ClassUnclassified.
type Class string

const (
	ClassConnection      Class = "connection_error"
	ClassAPI             Class = "api_error"
	ClassValidation      Class = "validation_error"
	ClassQuality         Class = "quality_error"
	ClassContentQuality  Class = "content_quality"
	ClassLengthIssues    Class = "length_issues"
	ClassUnclassified    Class = "unclassified"
)

// FlowError is the engine's uniform error envelope.
type FlowError struct {
	Kind  Kind
	Class Class
	Msg   string
	Err   error
}

func (e *FlowError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *FlowError) Unwrap() error { return e.Err }

// New builds a FlowError of the given kind, optionally wrapping cause.
func New(kind Kind, msg string, cause error) *FlowError {
	return &FlowError{Kind: kind, Msg: msg, Err: cause}
}

// Classified builds a StageFailure FlowError tagged with a retry class.
func Classified(class Class, msg string, cause error) *FlowError {
	return &FlowError{Kind: StageFailure, Class: class, Msg: msg, Err: cause}
}

// KindOf extracts the Kind of err if it is (or wraps) a *FlowError, and
// false otherwise.
func KindOf(err error) (Kind, bool) {
	var fe *FlowError
	if As(err, &fe) {
		return fe.Kind, true
	}
	return "", false
}

// As is a thin re-export point so callers only need to import this
// package, not stdlib errors, when narrowing a FlowError out of a chain.
func As(err error, target **FlowError) bool {
	for err != nil {
		if fe, ok := err.(*FlowError); ok {
			*target = fe
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
