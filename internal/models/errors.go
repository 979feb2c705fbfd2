package models

import (
	"errors"
	"fmt"
)

var (
	// ErrPrecondition: the caller invoked an operation without its inputs (file, kind, query).
	ErrPrecondition = errors.New("precondition failed")
	// ErrTransport: network failure or non-2xx status from the backend.
	ErrTransport = errors.New("transport error")
	// ErrContractViolation: the backend response is missing an expected field.
	ErrContractViolation = errors.New("contract violation")
)

// Stage names the workflow step an error happened in
type Stage string

const (
	StageUpload Stage = "upload"
	StageLabels Stage = "labels"
	StageSearch Stage = "search"
	StageRender Stage = "render"
)

// TransportError is returned when a backend call fails on the wire
type TransportError struct {
	Op     string
	Status int
	Err    error
}

func (e *TransportError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: unexpected status %d", e.Op, e.Status)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func (e *TransportError) Is(target error) bool { return target == ErrTransport }

// ContractError is returned when a backend response lacks a required field
type ContractError struct {
	Op     string
	Field  string
	Reason string
}

func (e *ContractError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Field, e.Reason)
	}
	return fmt.Sprintf("%s: response missing %q", e.Op, e.Field)
}

func (e *ContractError) Is(target error) bool { return target == ErrContractViolation }

// StageError tags an error with the step that produced it
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// UploadError wraps err as an upload failure
func UploadError(err error) error { return &StageError{Stage: StageUpload, Err: err} }

// IndexFetchError wraps err as a label fetch failure
func IndexFetchError(err error) error { return &StageError{Stage: StageLabels, Err: err} }

// SearchError wraps err as a search failure
func SearchError(err error) error { return &StageError{Stage: StageSearch, Err: err} }

// RenderError wraps err as a render failure
func RenderError(err error) error { return &StageError{Stage: StageRender, Err: err} }

// StageOf returns the stage attached to err, if any
func StageOf(err error) (Stage, bool) {
	var se *StageError
	if errors.As(err, &se) {
		return se.Stage, true
	}
	return "", false
}
