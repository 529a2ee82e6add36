// Package registry abstracts the optional tool registry collaborator.
//
// When a registry is configured, its tool catalogue is merged into the
// session config before minting, and function.call events naming a known tool
// are answered locally instead of being forwarded upstream. Two backends are
// provided: a plain HTTP registry and an MCP server.
package registry

import (
	"context"
	"encoding/json"
)

// Tool describes one callable tool exposed by a registry.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// SessionTool converts the tool to the function-tool shape expected in a
// Realtime session config.
func (t Tool) SessionTool() map[string]any {
	out := map[string]any{
		"type": "function",
		"name": t.Name,
	}
	if t.Description != "" {
		out["description"] = t.Description
	}
	if t.Parameters != nil {
		out["parameters"] = t.Parameters
	}
	return out
}

// SessionTools converts a catalogue for [event.SessionConfig.MergeTools].
func SessionTools(tools []Tool) []map[string]any {
	out := make([]map[string]any, len(tools))
	for i, t := range tools {
		out[i] = t.SessionTool()
	}
	return out
}

// Registry lists tools and executes calls. Callers own timeouts via ctx.
type Registry interface {
	// ListTools returns the registry's current tool catalogue.
	ListTools(ctx context.Context) ([]Tool, error)

	// Call executes the named tool and returns its JSON result.
	Call(ctx context.Context, name string, params json.RawMessage) (json.RawMessage, error)
}
