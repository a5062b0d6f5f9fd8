// Package config handles YAML configuration loading, environment variable
// expansion, and structural validation for toolgate.
package config

import (
	"time"

	"github.com/toolgate/toolgate/internal/provider"
	"github.com/toolgate/toolgate/internal/rule"
	"github.com/toolgate/toolgate/internal/tool"
)

// Config is the top-level configuration structure.
type Config struct {
	// Version is the config format version. Currently only "1" is supported.
	Version string `yaml:"version"`

	Log     LogConfig     `yaml:"log,omitempty"`
	Audit   AuditConfig   `yaml:"audit,omitempty"`
	Store   StoreConfig   `yaml:"store,omitempty"`
	Gateway GatewayConfig `yaml:"gateway,omitempty"`
	Engine  EngineConfig  `yaml:"engine,omitempty"`
	React   ReactConfig   `yaml:"react,omitempty"`
	Tracing TracingConfig `yaml:"tracing,omitempty"`

	// Provider is the optional completion backend for the reasoning loop.
	// When unset, POST /runs is rejected at startup configuration.
	Provider provider.Config `yaml:"provider,omitempty"`

	// Rules is the declarative admission rule set.
	Rules []rule.Rule `yaml:"rules,omitempty"`

	// Tools declares the locally registered tool descriptors.
	Tools []ToolConfig `yaml:"tools,omitempty"`

	// MCP lists external tool servers whose tools are imported into the
	// registry at startup.
	MCP []MCPServerConfig `yaml:"mcp,omitempty"`

	// Roles maps actor IDs to role names for approver eligibility.
	Roles map[string][]string `yaml:"roles,omitempty"`
}

// LogConfig controls the slog handler.
type LogConfig struct {
	Level  string `yaml:"level,omitempty"`  // debug, info, warn, error
	Format string `yaml:"format,omitempty"` // text or json
}

// AuditConfig controls where the JSONL audit trail is written. An empty
// path sends records to stderr alongside the logs.
type AuditConfig struct {
	Path string `yaml:"path,omitempty"`
}

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	Backend string `yaml:"backend,omitempty"` // memory or sqlite
	Path    string `yaml:"path,omitempty"`    // sqlite database file
}

// GatewayConfig configures the HTTP gateway.
type GatewayConfig struct {
	Listen string     `yaml:"listen,omitempty"`
	Auth   AuthConfig `yaml:"auth,omitempty"`

	// Prompt enables the interactive terminal approver.
	Prompt bool `yaml:"prompt,omitempty"`
}

// AuthConfig holds gateway credentials. Empty means open access; intended
// for local development only.
type AuthConfig struct {
	BearerToken string `yaml:"bearer_token,omitempty"`
	BasicUser   string `yaml:"basic_user,omitempty"`
	BasicPass   string `yaml:"basic_pass,omitempty"`
}

// IsConfigured reports whether any credential is set.
func (a AuthConfig) IsConfigured() bool {
	return a.BearerToken != "" || (a.BasicUser != "" && a.BasicPass != "")
}

// EngineConfig tunes the admission and workflow engines.
type EngineConfig struct {
	MaxConcurrent    int           `yaml:"max_concurrent,omitempty"`
	StepTimeout      time.Duration `yaml:"step_timeout,omitempty"`
	Retention        time.Duration `yaml:"retention,omitempty"`
	DefaultApprovers []string      `yaml:"default_approvers,omitempty"`
}

// ReactConfig tunes the reasoning loop.
type ReactConfig struct {
	MaxSteps int    `yaml:"max_steps,omitempty"`
	Role     string `yaml:"role,omitempty"`
}

// TracingConfig configures the OTLP trace exporter.
type TracingConfig struct {
	Enabled     bool   `yaml:"enabled,omitempty"`
	Endpoint    string `yaml:"endpoint,omitempty"`
	ServiceName string `yaml:"service_name,omitempty"`
}

// ToolConfig declares one locally registered tool. When Command is set the
// tool is runnable: the command is spawned with Args and receives the call
// input as JSON on stdin. Without a command the descriptor is policy-only
// and executions of it fail with a no-runner error.
type ToolConfig struct {
	Name        string               `yaml:"name"`
	Description string               `yaml:"description,omitempty"`
	Category    tool.Category        `yaml:"category"`
	Permission  tool.PermissionLevel `yaml:"permission"`
	Sandboxed   bool                 `yaml:"sandboxed,omitempty"`
	Timeout     time.Duration        `yaml:"timeout,omitempty"`

	Command string   `yaml:"command,omitempty"`
	Args    []string `yaml:"args,omitempty"`
}

// MCPServerConfig identifies one external tool server spoken to over stdio.
type MCPServerConfig struct {
	Name    string            `yaml:"name"`
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args,omitempty"`
	Env     map[string]string `yaml:"env,omitempty"`
}

// Defaults fills unset fields with production defaults.
func (c *Config) Defaults() {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	if c.Store.Backend == "" {
		c.Store.Backend = "memory"
	}
	if c.Gateway.Listen == "" {
		c.Gateway.Listen = "127.0.0.1:8741"
	}
	if c.Engine.MaxConcurrent <= 0 {
		c.Engine.MaxConcurrent = 4
	}
	if c.Engine.StepTimeout <= 0 {
		c.Engine.StepTimeout = 5 * time.Minute
	}
	if c.Engine.Retention <= 0 {
		c.Engine.Retention = 24 * time.Hour
	}
	if len(c.Engine.DefaultApprovers) == 0 {
		c.Engine.DefaultApprovers = []string{"user"}
	}
	if c.React.MaxSteps <= 0 {
		c.React.MaxSteps = 8
	}
	if c.React.Role == "" {
		c.React.Role = "agent"
	}
	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = "toolgate"
	}
}
