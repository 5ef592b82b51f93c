// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package cabbage

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrTransportUnavailable is returned by a Broker when the connection
	// to the underlying message transport is down.
	ErrTransportUnavailable = errors.New("cabbage: transport unavailable")

	// ErrDuplicateTask is returned when registering a task name twice.
	ErrDuplicateTask = errors.New("cabbage: duplicate task name")

	// ErrRegistryFrozen is returned when registering a task after the
	// manager has been started.
	ErrRegistryFrozen = errors.New("cabbage: registry is frozen")

	// ErrTimeout is returned by Result.Get when no terminal state was
	// recorded in time.
	ErrTimeout = errors.New("cabbage: timeout waiting for result")

	// ErrResultNotFound is returned by a Backend if there is no record
	// for an invocation.
	ErrResultNotFound = errors.New("cabbage: result not found")

	// ErrTerminalState is returned by a Backend when trying to overwrite
	// a SUCCESS or FAILURE record.
	ErrTerminalState = errors.New("cabbage: result already in terminal state")

	// ErrTaskTimeout is reported when a handler exceeds its time limit.
	ErrTaskTimeout = NewError(KindTaskTimeout, "task exceeded its time limit")

	// ErrRevoked is reported for invocations that were cancelled.
	ErrRevoked = NewError(KindRevoked, "task was revoked")
)

// Error kinds reported by the engine itself.
const (
	KindError       = "Error"
	KindTaskTimeout = "TaskTimeout"
	KindRevoked     = "Revoked"
	KindUnknownTask = "UnknownTask"
	KindPanic       = "Panic"
)

// TaskError is an error with a kind. Handlers return TaskErrors (or any
// error implementing Kind() string) to make them match a retry policy.
// Clients get a TaskError back from Result.Get when a task failed.
type TaskError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// NewError creates a new TaskError.
func NewError(kind, message string) *TaskError {
	return &TaskError{Kind: kind, Message: message}
}

// Errorf is like NewError with formatting.
func Errorf(kind, format string, args ...interface{}) *TaskError {
	return &TaskError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func (e *TaskError) Error() string {
	if e.Message == "" {
		return e.Kind
	}
	return e.Kind + ": " + e.Message
}

// Is reports errors with the same kind as equal, so that errors.Is works
// on errors that travelled through a result backend.
func (e *TaskError) Is(target error) bool {
	t, ok := target.(*TaskError)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// ErrorKind returns the kind of err. The error chain is searched for a
// TaskError or an error with a Kind() method, following both Unwrap and
// Cause. Errors that don't carry a kind have KindError.
func ErrorKind(err error) string {
	if err == nil {
		return ""
	}
	if te := findTaskError(err); te != nil {
		return te.Kind
	}
	var k kinder
	if errors.As(err, &k) {
		return k.Kind()
	}
	if k, ok := errors.Cause(err).(kinder); ok {
		return k.Kind()
	}
	return KindError
}

type kinder interface {
	Kind() string
}

// findTaskError returns the first TaskError in the chain of err, or nil.
func findTaskError(err error) *TaskError {
	var te *TaskError
	if errors.As(err, &te) {
		return te
	}
	if te, ok := errors.Cause(err).(*TaskError); ok {
		return te
	}
	return nil
}

// errorInfo converts an arbitrary error into a TaskError to be stored.
func errorInfo(err error) *TaskError {
	if te := findTaskError(err); te != nil {
		return &TaskError{Kind: te.Kind, Message: te.Message}
	}
	var rr *RetryRequest
	if errors.As(err, &rr) && rr.Err != nil {
		return errorInfo(rr.Err)
	}
	return &TaskError{Kind: ErrorKind(err), Message: err.Error()}
}

// DecodeError is returned when an envelope can not be decoded.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("cabbage: decode envelope: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("cabbage: decode envelope: %s", e.Reason)
}

// UnknownTaskError is returned when resolving a task that isn't registered.
type UnknownTaskError struct {
	Name string
}

func (e *UnknownTaskError) Error() string {
	return fmt.Sprintf("cabbage: no such task: %q", e.Name)
}

// Kind returns KindUnknownTask.
func (e *UnknownTaskError) Kind() string { return KindUnknownTask }

// IsTransportError returns true if err indicates that the transport
// is unavailable.
func IsTransportError(err error) bool {
	return errors.Is(err, ErrTransportUnavailable)
}

// transportError wraps a low-level connection error.
func transportError(err error) error {
	if err == nil {
		return nil
	}
	return errors.WithMessage(ErrTransportUnavailable, err.Error())
}
