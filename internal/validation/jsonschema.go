package validation

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/jcheng510/ai-erp-system-sub003/pkg/schema"
)

const catalogSchemaURL = "https://orchestrator.local/schemas/catalog.json"

// catalogSchemaJSON describes the YAML catalog of definitions, pipelines,
// approval thresholds, exception rules and processor bindings.
const catalogSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://orchestrator.local/schemas/catalog.json",
  "type": "object",
  "properties": {
    "definitions": { "type": "array", "items": { "$ref": "#/$defs/definition" } },
    "pipelines": { "type": "array", "items": { "$ref": "#/$defs/pipeline" } },
    "thresholds": { "type": "array", "items": { "$ref": "#/$defs/threshold" } },
    "exception_rules": { "type": "array", "items": { "$ref": "#/$defs/rule" } },
    "processors": { "type": "array", "items": { "$ref": "#/$defs/processor" } }
  },
  "additionalProperties": false,
  "$defs": {
    "duration": {
      "type": "string",
      "pattern": "^([0-9]+(ns|us|µs|ms|s|m|h))+$"
    },
    "definition": {
      "type": "object",
      "required": ["id", "workflow_type", "trigger_type"],
      "properties": {
        "id": { "type": "string", "minLength": 1 },
        "name": { "type": "string" },
        "description": { "type": "string" },
        "workflow_type": { "type": "string", "minLength": 1 },
        "trigger_type": {
          "type": "string",
          "enum": ["scheduled", "event", "threshold", "manual", "dependency"]
        },
        "schedule": { "type": "string" },
        "trigger_events": { "type": "array", "items": { "type": "string" } },
        "depends_on": { "type": "array", "items": { "type": "string" } },
        "threshold": {
          "type": "object",
          "required": ["metric", "condition"],
          "properties": {
            "metric": { "type": "string", "minLength": 1 },
            "condition": { "type": "string", "minLength": 1 },
            "cooldown": { "$ref": "#/$defs/duration" }
          },
          "additionalProperties": false
        },
        "retry": {
          "type": "object",
          "properties": {
            "max_attempts": { "type": "integer", "minimum": 1 },
            "base_delay": { "$ref": "#/$defs/duration" }
          },
          "additionalProperties": false
        },
        "max_concurrent": { "type": "integer", "minimum": 1 },
        "active": { "type": "boolean" }
      },
      "additionalProperties": false
    },
    "pipeline": {
      "type": "object",
      "required": ["id", "stages"],
      "properties": {
        "id": { "type": "string", "minLength": 1 },
        "name": { "type": "string" },
        "description": { "type": "string" },
        "stages": {
          "type": "array",
          "minItems": 1,
          "items": {
            "type": "object",
            "required": ["workflow_type"],
            "properties": {
              "workflow_type": { "type": "string", "minLength": 1 },
              "depends_on": { "type": "array", "items": { "type": "string" } },
              "output_key": { "type": "string" },
              "output_selector": { "type": "string" },
              "condition": { "type": "string" }
            },
            "additionalProperties": false
          }
        }
      },
      "additionalProperties": false
    },
    "threshold": {
      "type": "object",
      "required": ["entity_type"],
      "properties": {
        "entity_type": { "type": "string", "minLength": 1 },
        "auto_approve_max": { "type": "number", "minimum": 0 },
        "level1_max": { "type": "number", "minimum": 0 },
        "level2_max": { "type": "number", "minimum": 0 },
        "level3_max": { "type": "number", "minimum": 0 },
        "level1_roles": { "type": "array", "items": { "type": "string" } },
        "level2_roles": { "type": "array", "items": { "type": "string" } },
        "level3_roles": { "type": "array", "items": { "type": "string" } },
        "executive_roles": { "type": "array", "items": { "type": "string" } }
      },
      "additionalProperties": false
    },
    "rule": {
      "type": "object",
      "required": ["id", "exception_type", "strategy"],
      "properties": {
        "id": { "type": "string", "minLength": 1 },
        "exception_type": { "type": "string", "minLength": 1 },
        "priority": { "type": "integer" },
        "strategy": {
          "type": "string",
          "enum": ["auto_resolve", "ai_decide", "route_to_human", "escalate", "notify_and_continue", "halt_workflow"]
        },
        "condition": { "type": "string" },
        "auto_action": { "type": "string" },
        "notify_roles": { "type": "array", "items": { "type": "string" } },
        "active": { "type": "boolean" }
      },
      "additionalProperties": false
    },
    "processor": {
      "type": "object",
      "required": ["workflow_type", "kind"],
      "properties": {
        "workflow_type": { "type": "string", "minLength": 1 },
        "kind": { "type": "string", "enum": ["remote", "echo"] },
        "url": { "type": "string" },
        "timeout": { "$ref": "#/$defs/duration" },
        "headers": { "type": "object", "additionalProperties": { "type": "string" } }
      },
      "additionalProperties": false
    }
  }
}`

// SchemaValidator validates catalog documents and arbitrary JSON payloads
// (oracle responses) against JSON Schema Draft 2020-12. Safe for concurrent use.
type SchemaValidator struct {
	catalogSchema *jsonschema.Schema

	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

// NewSchemaValidator compiles the catalog schema.
func NewSchemaValidator() (*SchemaValidator, error) {
	c := newCompiler()
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(catalogSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal catalog schema: %w", err)
	}
	if err := c.AddResource(catalogSchemaURL, doc); err != nil {
		return nil, fmt.Errorf("add catalog schema resource: %w", err)
	}
	compiled, err := c.Compile(catalogSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile catalog schema: %w", err)
	}
	return &SchemaValidator{
		catalogSchema: compiled,
		cache:         make(map[string]*jsonschema.Schema),
	}, nil
}

// ValidateCatalog checks a decoded catalog document (as produced by a YAML
// or JSON decoder into any) against the catalog schema.
func (v *SchemaValidator) ValidateCatalog(doc any) error {
	if doc == nil {
		return schema.NewError(schema.ErrCodeValidation, "catalog document is empty")
	}
	val, err := toJSONValue(doc)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "catalog is not JSON-compatible").WithCause(err)
	}
	if err := v.catalogSchema.Validate(val); err != nil {
		return toEngineError(err)
	}
	return nil
}

// ValidateJSON validates data against a raw JSON Schema. Compiled schemas are
// cached by their text. An empty schema accepts everything.
func (v *SchemaValidator) ValidateJSON(data any, rawSchema []byte) error {
	if len(rawSchema) == 0 {
		return nil
	}
	compiled, err := v.getOrCompile(rawSchema)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "invalid response schema").WithCause(err)
	}
	val, err := toJSONValue(data)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "payload is not JSON-compatible").WithCause(err)
	}
	if err := compiled.Validate(val); err != nil {
		return toEngineError(err)
	}
	return nil
}

func (v *SchemaValidator) getOrCompile(raw []byte) (*jsonschema.Schema, error) {
	key := string(raw)

	v.mu.RLock()
	if cached, ok := v.cache[key]; ok {
		v.mu.RUnlock()
		return cached, nil
	}
	v.mu.RUnlock()

	v.mu.Lock()
	defer v.mu.Unlock()
	if cached, ok := v.cache[key]; ok {
		return cached, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(key))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}
	url := fmt.Sprintf("orchestrator://schema/%d", len(v.cache))
	c := newCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	v.cache[key] = compiled
	return compiled, nil
}

func newCompiler() *jsonschema.Compiler {
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	return c
}

// toJSONValue round-trips through encoding/json so numbers become json.Number,
// which the jsonschema library requires.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

func toEngineError(err error) *schema.EngineError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}
	violations := collectViolations(verr)
	switch len(violations) {
	case 0:
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	case 1:
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}
	return schema.NewErrorf(schema.ErrCodeValidation, "validation failed with %d errors", len(violations)).
		WithDetails(map[string]any{"violations": violations})
}

func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/" + strings.Join(verr.InstanceLocation, "/")
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}
	var out []string
	for _, cause := range verr.Causes {
		out = append(out, collectViolations(cause)...)
	}
	return out
}
