package delegation

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// schemaValidator compiles and caches per-node JSON Schema documents so a
// schema declared on a node is compiled once regardless of how many times
// that node is (re)dispatched.
type schemaValidator struct {
	mu     sync.Mutex
	cached map[string]*jsonschema.Schema
}

func newSchemaValidator() *schemaValidator {
	return &schemaValidator{cached: make(map[string]*jsonschema.Schema)}
}

// validate checks payload against node's InputSchema, compiling and caching
// the schema under nodeID on first use. A node with an empty InputSchema
// always passes.
func (v *schemaValidator) validate(nodeID string, node Node, payload map[string]any) error {
	if len(node.InputSchema) == 0 {
		return nil
	}
	schema, err := v.compiled(nodeID, node.InputSchema)
	if err != nil {
		return fmt.Errorf("compile input_binding schema for node %q: %w", nodeID, err)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal input_binding for node %q: %w", nodeID, err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("unmarshal input_binding for node %q: %w", nodeID, err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("input_binding for node %q does not match declared schema: %w", nodeID, err)
	}
	return nil
}

func (v *schemaValidator) compiled(nodeID string, raw json.RawMessage) (*jsonschema.Schema, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if s, ok := v.cached[nodeID]; ok {
		return s, nil
	}

	var schemaDoc any
	if err := json.Unmarshal(raw, &schemaDoc); err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}
	resourceName := "node:" + nodeID
	c := jsonschema.NewCompiler()
	if err := c.AddResource(resourceName, schemaDoc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile(resourceName)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	v.cached[nodeID] = schema
	return schema, nil
}
