// Copyright 2025 OpsRelay
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

package base

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrorKind classifies every failure the engine can surface. The execution
// engine resolves any error to exactly one kind before it reaches the pool.
type ErrorKind string

const (
	KindValidation           ErrorKind = "validation"
	KindUnsupportedOperation ErrorKind = "unsupported_operation"
	KindUpstreamUnavailable  ErrorKind = "upstream_unavailable"
	KindUpstreamRejected     ErrorKind = "upstream_rejected"
	KindTimeout              ErrorKind = "timeout"
	KindOverloaded           ErrorKind = "overloaded"
)

// TaskError is the typed error carried on a failed Result
type TaskError struct {
	Kind      ErrorKind `json:"kind"`
	Source    string    `json:"source,omitempty"`
	Operation string    `json:"operation,omitempty"`
	Message   string    `json:"message"`
	Cause     error     `json:"-"`
}

func (e *TaskError) Error() string {
	prefix := string(e.Kind)
	if e.Source != "" {
		prefix = e.Source + "." + e.Operation + ": " + prefix
	}
	if e.Cause != nil {
		return prefix + ": " + e.Message + " (cause: " + e.Cause.Error() + ")"
	}
	return prefix + ": " + e.Message
}

func (e *TaskError) Unwrap() error {
	return e.Cause
}

// NewTaskError creates a new TaskError
func NewTaskError(kind ErrorKind, source, operation, message string, cause error) *TaskError {
	return &TaskError{
		Kind:      kind,
		Source:    source,
		Operation: operation,
		Message:   message,
		Cause:     cause,
	}
}

// Validationf builds a validation TaskError from a format string
func Validationf(format string, args ...interface{}) *TaskError {
	return &TaskError{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

// Unavailable marks an upstream transport/connectivity failure (retried)
func Unavailable(source, operation, message string, cause error) *TaskError {
	return NewTaskError(KindUpstreamUnavailable, source, operation, message, cause)
}

// Rejected marks an upstream refusal such as auth or a bad query (not retried)
func Rejected(source, operation, message string, cause error) *TaskError {
	return NewTaskError(KindUpstreamRejected, source, operation, message, cause)
}

// Unsupported marks an operation the manager does not implement (not retried)
func Unsupported(source, operation string) *TaskError {
	return &TaskError{
		Kind:      KindUnsupportedOperation,
		Source:    source,
		Operation: operation,
		Message:   "operation not supported",
	}
}

// KindOf resolves any error to exactly one ErrorKind. Typed TaskErrors keep
// their kind; context and network deadline errors map to timeout; anything
// else is treated as a transient transport failure bounded by max_attempts.
func KindOf(err error) ErrorKind {
	var te *TaskError
	if errors.As(err, &te) {
		return te.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}
	return KindUpstreamUnavailable
}

// Retryable reports whether a failure of the given kind may be retried.
// Only failures plausibly caused by transient upstream conditions qualify;
// caller and logic errors are terminal so misconfiguration is not masked.
func Retryable(kind ErrorKind) bool {
	return kind == KindUpstreamUnavailable || kind == KindTimeout
}

// AsTaskError coerces any error into a *TaskError, classifying via KindOf
// when the error is untyped.
func AsTaskError(err error, source, operation string) *TaskError {
	var te *TaskError
	if errors.As(err, &te) {
		return te
	}
	return NewTaskError(KindOf(err), source, operation, err.Error(), err)
}
