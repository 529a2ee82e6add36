package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

// Compile-time interface check.
var _ Registry = (*MCPRegistry)(nil)

// MCPConfig describes how to reach an MCP tool server. Exactly one of
// Command (stdio transport) or URL (streamable-HTTP transport) must be set.
type MCPConfig struct {
	// Command is the stdio server command line, split on spaces.
	Command string

	// URL is the streamable-HTTP endpoint.
	URL string
}

// MCPRegistry adapts an MCP server session to the [Registry] interface.
type MCPRegistry struct {
	session *mcpsdk.ClientSession
}

// NewMCP connects to the configured MCP server and returns a registry backed
// by the live session. The caller must Close it when done.
func NewMCP(ctx context.Context, cfg MCPConfig) (*MCPRegistry, error) {
	var transport mcpsdk.Transport

	switch {
	case cfg.Command != "":
		parts := strings.Fields(cfg.Command)
		transport = &mcpsdk.CommandTransport{
			Command: exec.CommandContext(ctx, parts[0], parts[1:]...),
		}
	case cfg.URL != "":
		transport = &mcpsdk.StreamableClientTransport{Endpoint: cfg.URL}
	default:
		return nil, fmt.Errorf("registry: mcp config needs a command or URL")
	}

	client := mcpsdk.NewClient(
		&mcpsdk.Implementation{Name: "voxrelay", Version: "1.0.0"},
		nil,
	)
	session, err := client.Connect(ctx, transport, nil)
	if err != nil {
		return nil, fmt.Errorf("registry: mcp connect: %w", err)
	}
	return &MCPRegistry{session: session}, nil
}

// ListTools implements [Registry].
func (r *MCPRegistry) ListTools(ctx context.Context) ([]Tool, error) {
	var out []Tool
	for tool, err := range r.session.Tools(ctx, nil) {
		if err != nil {
			return nil, fmt.Errorf("registry: mcp list tools: %w", err)
		}
		out = append(out, Tool{
			Name:        tool.Name,
			Description: tool.Description,
			Parameters:  schemaToMap(tool.InputSchema),
		})
	}
	return out, nil
}

// Call implements [Registry]. Text content from the MCP result is returned
// verbatim when it is valid JSON, otherwise wrapped as a JSON string.
func (r *MCPRegistry) Call(ctx context.Context, name string, params json.RawMessage) (json.RawMessage, error) {
	var args map[string]any
	if len(params) > 0 {
		if err := json.Unmarshal(params, &args); err != nil {
			return nil, fmt.Errorf("registry: invalid params for tool %q: %w", name, err)
		}
	}

	result, err := r.session.CallTool(ctx, &mcpsdk.CallToolParams{
		Name:      name,
		Arguments: args,
	})
	if err != nil {
		return nil, fmt.Errorf("registry: mcp call %q: %w", name, err)
	}

	var sb strings.Builder
	for _, c := range result.Content {
		if tc, ok := c.(*mcpsdk.TextContent); ok {
			sb.WriteString(tc.Text)
		}
	}
	if result.IsError {
		return nil, fmt.Errorf("registry: tool %q failed: %s", name, sb.String())
	}

	text := sb.String()
	if json.Valid([]byte(text)) {
		return json.RawMessage(text), nil
	}
	encoded, err := json.Marshal(text)
	if err != nil {
		return nil, fmt.Errorf("registry: encode tool result: %w", err)
	}
	return encoded, nil
}

// Close shuts down the MCP session.
func (r *MCPRegistry) Close() error {
	return r.session.Close()
}

// schemaToMap normalises any schema value to a map via a JSON round-trip.
func schemaToMap(schema any) map[string]any {
	if schema == nil {
		return map[string]any{"type": "object"}
	}
	if m, ok := schema.(map[string]any); ok {
		return m
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return map[string]any{"type": "object"}
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return map[string]any{"type": "object"}
	}
	return m
}
