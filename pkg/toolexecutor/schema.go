package toolexecutor

import (
	"fmt"
	"sync"

	"github.com/xeipuuv/gojsonschema"
)

type cachedSchema struct {
	tool   *Tool
	schema *gojsonschema.Schema
}

// schemaCache holds compiled validators per tool name. An entry is reused
// only while the registry returns the same *Tool, so re-registration forces
// a recompile.
type schemaCache struct {
	mu      sync.Mutex
	entries map[string]cachedSchema
}

func newSchemaCache() *schemaCache {
	return &schemaCache{entries: make(map[string]cachedSchema)}
}

func (c *schemaCache) get(tool *Tool) (*gojsonschema.Schema, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.entries[tool.Name]; ok && entry.tool == tool {
		return entry.schema, nil
	}

	schemaDef := tool.InputSchema
	if schemaDef == nil {
		schemaDef = map[string]interface{}{"type": "object"}
	}

	schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(schemaDef))
	if err != nil {
		return nil, fmt.Errorf("compile schema for %s: %w", tool.Name, err)
	}

	c.entries[tool.Name] = cachedSchema{tool: tool, schema: schema}
	return schema, nil
}

func (c *schemaCache) invalidate(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, name)
}

func (c *schemaCache) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// ValidationIssue is one entry of a VALIDATION_ERROR's details.
type ValidationIssue struct {
	Field       string `json:"field"`
	Type        string `json:"type"`
	Description string `json:"description"`
}

func validationIssues(result *gojsonschema.Result) []ValidationIssue {
	issues := make([]ValidationIssue, 0, len(result.Errors()))
	for _, re := range result.Errors() {
		issues = append(issues, ValidationIssue{
			Field:       re.Field(),
			Type:        re.Type(),
			Description: re.Description(),
		})
	}
	return issues
}
