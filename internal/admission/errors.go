package admission

import "errors"

var (
	// ErrExecutionNotFound is returned when an execution ID is unknown.
	ErrExecutionNotFound = errors.New("execution not found")

	// ErrInvalidTransition is returned when an operation would move an
	// execution along an edge the state graph does not allow.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrPermissionDenied is returned when the tool's permission level
	// forbids execution outright.
	ErrPermissionDenied = errors.New("tool permission denied")

	// ErrManagerClosed is returned for submissions after Close.
	ErrManagerClosed = errors.New("admission manager closed")
)
