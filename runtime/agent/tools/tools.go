// Package tools provides strong type identifiers and metadata for tools
// callable from a run's tool batch phase.
package tools

import "encoding/json"

// Ident is the strong type for fully qualified tool identifiers
// (e.g., "service.toolset.tool"). Use this type when referencing tools in
// maps or APIs to avoid accidental mixing with free-form strings.
type Ident string

// Spec describes a tool registered with the runtime: its identifier,
// human-readable description, and JSON Schema for arguments/result.
type Spec struct {
	// Name is the fully qualified tool identifier.
	Name Ident
	// Description provides human-readable context for planners and policy.
	Description string
	// ArgumentsSchema is the JSON Schema describing valid arguments, or nil
	// if the tool accepts arbitrary JSON.
	ArgumentsSchema json.RawMessage
	// Tags carries optional metadata labels used by policy or UI layers.
	Tags []string
}
