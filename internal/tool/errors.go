package tool

import "errors"

var (
	// ErrToolNotFound is returned when a tool is not found in the registry.
	ErrToolNotFound = errors.New("tool not found")

	// ErrEmptyToolName is returned when a descriptor has an empty name.
	ErrEmptyToolName = errors.New("tool name must not be empty")

	// ErrDuplicateTool is returned when registering a descriptor whose name
	// already exists in the registry.
	ErrDuplicateTool = errors.New("tool already registered")

	// ErrInvalidPermission is returned when a descriptor declares an unknown
	// permission level.
	ErrInvalidPermission = errors.New("invalid permission level")

	// ErrNoRunner is returned by the Mux when no runner is bound for a tool.
	ErrNoRunner = errors.New("no runner bound for tool")
)
