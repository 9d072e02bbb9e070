// Package validator provides JSON schema validation for workflow definitions.
package validator

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/flexinfer/mentatlab/services/automation-go/pkg/types"
)

// Validator validates workflow definitions.
type Validator struct {
	definitionSchema *jsonschema.Schema
}

// ValidationError represents a validation failure.
type ValidationError struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

// ValidationResult holds the result of a validation.
type ValidationResult struct {
	Valid  bool              `json:"valid"`
	Errors []ValidationError `json:"errors,omitempty"`
}

// Err returns nil for a valid result, otherwise an error listing every failure.
func (r *ValidationResult) Err() error {
	if r.Valid {
		return nil
	}
	parts := make([]string, 0, len(r.Errors))
	for _, e := range r.Errors {
		parts = append(parts, fmt.Sprintf("%s: %s", e.Path, e.Message))
	}
	return fmt.Errorf("invalid workflow definition: %s", strings.Join(parts, "; "))
}

// New creates a new validator with the embedded schema.
func New() (*Validator, error) {
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	compiler.AssertFormat = true

	if err := compiler.AddResource("definition.json", strings.NewReader(definitionSchemaJSON)); err != nil {
		return nil, fmt.Errorf("add definition schema: %w", err)
	}
	definitionSchema, err := compiler.Compile("definition.json")
	if err != nil {
		return nil, fmt.Errorf("compile definition schema: %w", err)
	}
	return &Validator{definitionSchema: definitionSchema}, nil
}

// ValidateDefinition validates a workflow definition.
func (v *Validator) ValidateDefinition(def *types.WorkflowDefinition) *ValidationResult {
	data, err := json.Marshal(def)
	if err != nil {
		return invalid("$", fmt.Sprintf("encode definition: %v", err))
	}
	return v.ValidateDefinitionJSON(data)
}

// ValidateDefinitionJSON validates a JSON-encoded workflow definition.
func (v *Validator) ValidateDefinitionJSON(data []byte) *ValidationResult {
	var doc interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return invalid("$", fmt.Sprintf("invalid JSON: %v", err))
	}
	return v.validate(v.definitionSchema, doc)
}

func invalid(path, msg string) *ValidationResult {
	return &ValidationResult{Valid: false, Errors: []ValidationError{{Path: path, Message: msg}}}
}

// validate runs schema validation and converts errors.
func (v *Validator) validate(schema *jsonschema.Schema, data interface{}) *ValidationResult {
	err := schema.Validate(data)
	if err == nil {
		return &ValidationResult{Valid: true}
	}

	result := &ValidationResult{Valid: false}
	if verr, ok := err.(*jsonschema.ValidationError); ok {
		result.Errors = extractErrors(verr)
	} else {
		result.Errors = []ValidationError{{Path: "$", Message: err.Error()}}
	}
	return result
}

// extractErrors flattens the leaf causes of a validation error.
func extractErrors(verr *jsonschema.ValidationError) []ValidationError {
	if len(verr.Causes) == 0 {
		path := verr.InstanceLocation
		if path == "" {
			path = "$"
		}
		return []ValidationError{{Path: path, Message: verr.Message}}
	}
	var out []ValidationError
	for _, cause := range verr.Causes {
		out = append(out, extractErrors(cause)...)
	}
	return out
}

const definitionSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "definition.json",
  "title": "Workflow Definition",
  "type": "object",
  "required": ["steps"],
  "properties": {
    "id": {"type": "string"},
    "workspace_id": {"type": "string"},
    "name": {"type": "string"},
    "steps": {
      "type": "array",
      "minItems": 1,
      "items": {"$ref": "#/$defs/step"}
    }
  },
  "$defs": {
    "step": {
      "type": "object",
      "required": ["action"],
      "properties": {
        "name": {"type": "string"},
        "action": {"enum": ["notify", "wait", "webhook", "set", "assert"]},
        "params": {"type": "object"}
      },
      "allOf": [
        {
          "if": {"properties": {"action": {"const": "notify"}}},
          "then": {
            "required": ["params"],
            "properties": {"params": {
              "required": ["to", "subject"],
              "properties": {
                "to": {"type": "string", "minLength": 1},
                "subject": {"type": "string"},
                "body": {"type": "string"}
              }
            }}
          }
        },
        {
          "if": {"properties": {"action": {"const": "wait"}}},
          "then": {
            "required": ["params"],
            "properties": {"params": {
              "anyOf": [{"required": ["for"]}, {"required": ["until"]}],
              "properties": {
                "for": {"type": "string", "pattern": "^[0-9]+(\\.[0-9]+)?(ns|us|ms|s|m|h)([0-9]+(\\.[0-9]+)?(ns|us|ms|s|m|h))*$"},
                "until": {"type": "string", "format": "date-time"}
              }
            }}
          }
        },
        {
          "if": {"properties": {"action": {"const": "webhook"}}},
          "then": {
            "required": ["params"],
            "properties": {"params": {
              "required": ["url"],
              "properties": {
                "url": {"type": "string", "pattern": "^https?://"},
                "method": {"enum": ["GET", "POST", "PUT", "PATCH", "DELETE"]},
                "headers": {"type": "object", "additionalProperties": {"type": "string"}},
                "body": {}
              }
            }}
          }
        },
        {
          "if": {"properties": {"action": {"const": "set"}}},
          "then": {
            "required": ["params"],
            "properties": {"params": {
              "required": ["values"],
              "properties": {"values": {"type": "object"}}
            }}
          }
        },
        {
          "if": {"properties": {"action": {"const": "assert"}}},
          "then": {
            "required": ["params"],
            "properties": {"params": {
              "required": ["expression"],
              "properties": {
                "expression": {"type": "string", "minLength": 1, "maxLength": 4096},
                "message": {"type": "string"}
              }
            }}
          }
        }
      ]
    }
  }
}`
