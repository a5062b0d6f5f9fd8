// Package tool defines the tool descriptor model, the registry, and the
// executor contract for toolgate. Tools are the primary security boundary:
// every action an agent proposes is resolved to a registered descriptor
// before it reaches the admission engine.
package tool

import (
	"context"
	"encoding/json"
	"time"
)

// Category groups tools by the kind of host resource they touch.
type Category string

// Category values used by the risk classifier.
const (
	CategoryFilesystem  Category = "filesystem"
	CategorySystem      Category = "system"
	CategoryNetwork     Category = "network"
	CategoryDevelopment Category = "development"
	CategoryData        Category = "data"
	CategoryUtility     Category = "utility"
)

// PermissionLevel is a tool's declared admission requirement.
type PermissionLevel string

// PermissionLevel values, from least to most restrictive.
const (
	PermissionAuto          PermissionLevel = "auto"
	PermissionUserApproval  PermissionLevel = "user_approval"
	PermissionAdminApproval PermissionLevel = "admin_approval"
	PermissionDenied        PermissionLevel = "denied"
)

// Valid reports whether the permission level is one of the known values.
func (p PermissionLevel) Valid() bool {
	switch p {
	case PermissionAuto, PermissionUserApproval, PermissionAdminApproval, PermissionDenied:
		return true
	}
	return false
}

// DefaultTimeout is used when a descriptor declares no timeout.
const DefaultTimeout = 60 * time.Second

// Descriptor is an immutable description of a registered tool.
// Registered once, read-only thereafter.
type Descriptor struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Category    Category        `json:"category"`
	Permission  PermissionLevel `json:"permission"`
	Schema      json.RawMessage `json:"schema,omitempty"`
	Sandboxed   bool            `json:"sandboxed"`
	Timeout     time.Duration   `json:"timeout"`
}

// EffectiveTimeout returns the declared timeout or DefaultTimeout.
func (d Descriptor) EffectiveTimeout() time.Duration {
	if d.Timeout <= 0 {
		return DefaultTimeout
	}
	return d.Timeout
}

// Result is the outcome of one tool execution.
type Result struct {
	Success      bool   `json:"success"`
	Output       string `json:"output,omitempty"`
	ErrorCode    string `json:"error_code,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// Executor runs a named tool with the given input. Implementations are
// expected to honour ctx cancellation cooperatively; the admission engine
// records a terminal state regardless of whether the executor acknowledges
// the cancel.
type Executor interface {
	Run(ctx context.Context, name string, input map[string]any) (Result, error)
}

// RunFunc adapts a function to the Executor interface.
type RunFunc func(ctx context.Context, name string, input map[string]any) (Result, error)

// Run implements Executor.
func (f RunFunc) Run(ctx context.Context, name string, input map[string]any) (Result, error) {
	return f(ctx, name, input)
}
