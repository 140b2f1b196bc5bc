// Package registry implements the broker's Tool Registry, per spec.md
// §4.9: a single static MCP tool, auth.graph.operation.execute.v1.
package registry

import "github.com/bdobrica/mcp-auth-broker/internal/broker/schema"

// ToolName is the one tool this broker exposes.
const ToolName = "auth.graph.operation.execute.v1"

// Descriptor is the {name, description, input_schema} record
// discover_tools returns, per spec.md §4.9.
type Descriptor struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	InputSchema any    `json:"input_schema"`
}

// DiscoverTools returns the broker's fixed tool list.
func DiscoverTools() ([]Descriptor, error) {
	inputSchema, err := schema.RawInputSchema()
	if err != nil {
		return nil, err
	}
	return []Descriptor{
		{
			Name:        ToolName,
			Description: "Mediates an identity-checked, policy-scoped call against Microsoft Graph, minting the downstream bearer token on the caller's behalf without ever returning it.",
			InputSchema: inputSchema,
		},
	}, nil
}
