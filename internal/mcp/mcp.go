// Package mcp imports tools from external MCP servers into the local
// registry. Each configured server is spawned over stdio; its tools are
// registered under a server-prefixed name and routed back through the
// client on execution.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/toolgate/toolgate/internal/config"
	"github.com/toolgate/toolgate/internal/tool"
)

// Source is one connected MCP server.
type Source struct {
	name   string
	client *client.Client
	logger *slog.Logger
}

// Connect spawns the configured server and completes the MCP handshake.
func Connect(ctx context.Context, cfg config.MCPServerConfig, logger *slog.Logger) (*Source, error) {
	if logger == nil {
		logger = slog.Default()
	}

	env := make([]string, 0, len(cfg.Env))
	for k, v := range cfg.Env {
		env = append(env, k+"="+v)
	}
	c, err := client.NewStdioMCPClient(cfg.Command, env, cfg.Args...)
	if err != nil {
		return nil, fmt.Errorf("mcp: starting server %s: %w", cfg.Name, err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{Name: "toolgate", Version: "1.0.0"}
	if _, err := c.Initialize(ctx, initReq); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("mcp: initializing %s: %w", cfg.Name, err)
	}

	logger.Info("mcp: server connected", "server", cfg.Name, "command", cfg.Command)
	return &Source{name: cfg.Name, client: c, logger: logger}, nil
}

// RegisterTools lists the server's tools, registers each under a prefixed
// name, and binds its runner into the mux. Imported tools default to
// requiring user approval; the server is an external trust boundary.
func (s *Source) RegisterTools(ctx context.Context, reg *tool.Registry, mux *tool.Mux) (int, error) {
	resp, err := s.client.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return 0, fmt.Errorf("mcp: listing tools on %s: %w", s.name, err)
	}

	registered := 0
	for _, t := range resp.Tools {
		name := s.toolName(t.Name)
		schema, err := json.Marshal(t.InputSchema)
		if err != nil {
			schema = nil
		}
		desc := tool.Descriptor{
			Name:        name,
			Description: t.Description,
			Category:    tool.CategoryUtility,
			Permission:  tool.PermissionUserApproval,
			Schema:      schema,
		}
		if err := reg.Register(desc); err != nil {
			s.logger.Warn("mcp: skipping tool", "server", s.name, "tool", t.Name, "error", err)
			continue
		}
		remote := t.Name
		mux.Bind(name, func(ctx context.Context, _ string, input map[string]any) (tool.Result, error) {
			return s.call(ctx, remote, input)
		})
		registered++
	}
	s.logger.Info("mcp: tools registered", "server", s.name, "count", registered)
	return registered, nil
}

// call invokes a remote tool and flattens its content into a Result.
func (s *Source) call(ctx context.Context, remote string, input map[string]any) (tool.Result, error) {
	req := mcp.CallToolRequest{}
	req.Params.Name = remote
	req.Params.Arguments = input

	resp, err := s.client.CallTool(ctx, req)
	if err != nil {
		return tool.Result{}, fmt.Errorf("mcp: calling %s on %s: %w", remote, s.name, err)
	}

	output := flattenContent(resp.Content)
	if resp.IsError {
		return tool.Result{
			Success:      false,
			ErrorCode:    "mcp_tool_error",
			ErrorMessage: output,
		}, nil
	}
	return tool.Result{Success: true, Output: output}, nil
}

// Close terminates the server process.
func (s *Source) Close() error {
	return s.client.Close()
}

// Name returns the configured server name.
func (s *Source) Name() string { return s.name }

func (s *Source) toolName(remote string) string {
	return s.name + "." + remote
}

// flattenContent joins all text content blocks; non-text blocks are noted
// by type rather than dropped silently.
func flattenContent(blocks []mcp.Content) string {
	var b strings.Builder
	for _, block := range blocks {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		if text, ok := mcp.AsTextContent(block); ok {
			b.WriteString(text.Text)
			continue
		}
		fmt.Fprintf(&b, "[non-text content: %T]", block)
	}
	return b.String()
}
