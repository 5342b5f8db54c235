// Copyright 2025 Poiesic Systems
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


package core

import (
	"errors"
	"fmt"
	"strconv"
)

// Domain validation errors
var (
	// ErrInvalidDocument indicates a Document failed validation.
	ErrInvalidDocument = errors.New("invalid document")

	// ErrInvalidDocumentID indicates a document id could not be parsed.
	ErrInvalidDocumentID = errors.New("invalid document id")

	// ErrInvalidSortSpec indicates a malformed sort specification.
	ErrInvalidSortSpec = errors.New("invalid sort specification")

	// ErrInvalidQuery indicates a query with out-of-range paging parameters.
	ErrInvalidQuery = errors.New("invalid query")

	// ErrCorruptRecord indicates a serialized record could not be decoded.
	ErrCorruptRecord = errors.New("corrupt record")

	// ErrPartitionMismatch indicates a hit whose id does not belong to the
	// partition the query was constrained to. It never fails an execution.
	ErrPartitionMismatch = errors.New("partition mismatch")
)

// Execution error kinds, matched with errors.Is against an *ExecutionError.
var (
	ErrValidation  = errors.New("validation error")
	ErrTimeout     = errors.New("timeout")
	ErrTransport   = errors.New("transport error")
	ErrProtocol    = errors.New("protocol error")
	ErrConsistency = errors.New("consistency error")
)

// ErrorKind classifies why an execution failed.
type ErrorKind int

const (
	// KindValidation is a malformed query, rejected before any visit.
	KindValidation ErrorKind = iota + 1
	// KindTimeout means the time budget ran out before the visit completed.
	KindTimeout
	// KindTransport is an interrupted wait or an I/O failure in the transport.
	KindTransport
	// KindProtocol is a message shape the transport is not allowed to deliver.
	KindProtocol
	// KindConsistency is a surviving hit without a document summary.
	KindConsistency
)

func (k ErrorKind) sentinel() error {
	switch k {
	case KindValidation:
		return ErrValidation
	case KindTimeout:
		return ErrTimeout
	case KindTransport:
		return ErrTransport
	case KindProtocol:
		return ErrProtocol
	case KindConsistency:
		return ErrConsistency
	default:
		return nil
	}
}

func (k ErrorKind) String() string {
	if err := k.sentinel(); err != nil {
		return err.Error()
	}
	return "unknown error kind " + strconv.Itoa(int(k))
}

// ExecutionError is the single structured error an execution can end with.
type ExecutionError struct {
	Kind    ErrorKind
	Message string
	Err     error // underlying cause, may be nil
}

// NewExecutionError creates an ExecutionError with a formatted message.
func NewExecutionError(kind ErrorKind, cause error, format string, args ...any) *ExecutionError {
	return &ExecutionError{
		Kind:    kind,
		Message: fmt.Sprintf(format, args...),
		Err:     cause,
	}
}

func (e *ExecutionError) Error() string {
	return e.Kind.String() + ": " + e.Message
}

// Unwrap returns the underlying cause.
func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// Is matches the sentinel of the error's kind.
func (e *ExecutionError) Is(target error) bool {
	return target != nil && target == e.Kind.sentinel()
}

func wrapInvalidID(id, reason string) error {
	return fmt.Errorf("%w: %q: %s", ErrInvalidDocumentID, id, reason)
}
