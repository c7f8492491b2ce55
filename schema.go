package flowgraph

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

var (
	definitionSchemaOnce sync.Once
	definitionSchema     *jsonschema.Schema
	definitionSchemaErr  error
)

func compiledDefinitionSchema() (*jsonschema.Schema, error) {
	definitionSchemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		compiler.Draft = jsonschema.Draft2020
		if err := compiler.AddResource("workflow.json", strings.NewReader(definitionSchemaJSON)); err != nil {
			definitionSchemaErr = fmt.Errorf("add workflow schema: %w", err)
			return
		}
		definitionSchema, definitionSchemaErr = compiler.Compile("workflow.json")
	})
	return definitionSchema, definitionSchemaErr
}

// validateDocument checks a raw YAML or JSON definition against the
// embedded schema before it is decoded into a WorkflowDefinition.
func validateDocument(data []byte) error {
	schema, err := compiledDefinitionSchema()
	if err != nil {
		return err
	}
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return &GraphError{Code: CodeInvalidDefinition, Message: fmt.Sprintf("invalid document: %v", err)}
	}
	// Round trip through JSON so the validator sees JSON-native types.
	raw, err := json.Marshal(doc)
	if err != nil {
		return &GraphError{Code: CodeInvalidDefinition, Message: fmt.Sprintf("invalid document: %v", err)}
	}
	var instance any
	if err := json.Unmarshal(raw, &instance); err != nil {
		return &GraphError{Code: CodeInvalidDefinition, Message: fmt.Sprintf("invalid document: %v", err)}
	}
	if err := schema.Validate(instance); err != nil {
		return &GraphError{Code: CodeInvalidDefinition, Message: schemaMessage(err)}
	}
	return nil
}

func schemaMessage(err error) string {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return err.Error()
	}
	var msgs []string
	var walk func(*jsonschema.ValidationError)
	walk = func(v *jsonschema.ValidationError) {
		if len(v.Causes) == 0 && v.Message != "" {
			loc := v.InstanceLocation
			if loc == "" {
				loc = "/"
			}
			msgs = append(msgs, fmt.Sprintf("%s: %s", loc, v.Message))
		}
		for _, cause := range v.Causes {
			walk(cause)
		}
	}
	walk(verr)
	if len(msgs) == 0 {
		return verr.Error()
	}
	return "schema validation failed: " + strings.Join(msgs, "; ")
}

const definitionSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "workflow.json",
  "title": "Workflow Definition",
  "type": "object",
  "required": ["id", "nodes"],
  "properties": {
    "id": {"type": "string", "minLength": 1},
    "name": {"type": "string"},
    "description": {"type": "string"},
    "version": {"type": "string"},
    "start": {
      "type": "array",
      "items": {"type": "string", "minLength": 1}
    },
    "allowed_groups": {
      "type": "array",
      "items": {"type": "string"}
    },
    "nodes": {
      "type": "array",
      "minItems": 1,
      "items": {"$ref": "#/$defs/node"}
    }
  },
  "additionalProperties": false,
  "$defs": {
    "duration": {
      "type": "string",
      "pattern": "^([0-9]+(\\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$"
    },
    "edge": {
      "type": "object",
      "required": ["to"],
      "properties": {
        "to": {"type": "string", "minLength": 1},
        "condition": {"type": "string"}
      },
      "additionalProperties": false
    },
    "retry": {
      "type": "object",
      "properties": {
        "error_equals": {"type": "array", "items": {"type": "string"}},
        "max_retries": {"type": "integer", "minimum": 0},
        "base_delay": {"$ref": "#/$defs/duration"},
        "max_delay": {"$ref": "#/$defs/duration"},
        "backoff_rate": {"type": "number", "minimum": 1},
        "jitter": {"type": "boolean"}
      },
      "additionalProperties": false
    },
    "node": {
      "type": "object",
      "required": ["id", "type"],
      "properties": {
        "id": {"type": "string", "minLength": 1},
        "type": {"type": "string", "minLength": 1},
        "description": {"type": "string"},
        "config": {"type": "object"},
        "edges": {"type": "array", "items": {"$ref": "#/$defs/edge"}},
        "join": {"enum": ["all", "any"]},
        "optional": {"type": "boolean"},
        "timeout": {"$ref": "#/$defs/duration"},
        "retry": {"$ref": "#/$defs/retry"},
        "store": {"type": "string"}
      },
      "additionalProperties": false
    }
  }
}`
