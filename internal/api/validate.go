package api

import (
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Validator checks inbound HTTP bodies against embedded JSON Schemas,
// grounded on orchestrator-go/internal/validator/validator.go's
// compiler/AddResource/Compile setup, repointed from agent manifests and
// plans onto SubmitTask requests per spec §6.
type Validator struct {
	submitTaskSchema *jsonschema.Schema
}

// ValidationError is one schema violation.
type ValidationError struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

// ValidationResult is the outcome of a schema check.
type ValidationResult struct {
	Valid  bool              `json:"valid"`
	Errors []ValidationError `json:"errors,omitempty"`
}

// NewValidator compiles the embedded schemas once at startup.
func NewValidator() (*Validator, error) {
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020

	if err := compiler.AddResource("submit_task.json", strings.NewReader(submitTaskSchemaJSON)); err != nil {
		return nil, fmt.Errorf("api: add submit_task schema: %w", err)
	}
	schema, err := compiler.Compile("submit_task.json")
	if err != nil {
		return nil, fmt.Errorf("api: compile submit_task schema: %w", err)
	}
	return &Validator{submitTaskSchema: schema}, nil
}

// ValidateSubmitTask checks a decoded request body against the schema.
func (v *Validator) ValidateSubmitTask(body map[string]interface{}) *ValidationResult {
	err := v.submitTaskSchema.Validate(body)
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

func extractErrors(verr *jsonschema.ValidationError) []ValidationError {
	var errs []ValidationError
	if verr.Message != "" {
		errs = append(errs, ValidationError{Path: verr.InstanceLocation, Message: verr.Message})
	}
	for _, cause := range verr.Causes {
		errs = append(errs, extractErrors(cause)...)
	}
	return errs
}

// submitTaskSchemaJSON mirrors spec §6's SubmitTask contract: prompt is
// required, mode/streaming/account_ref/attachments are optional.
const submitTaskSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "submit_task.json",
  "title": "Submit Task",
  "type": "object",
  "required": ["prompt"],
  "properties": {
    "prompt": {"type": "string", "minLength": 1},
    "mode": {"type": "string", "enum": ["subtasks", "consensus", "context", "direct"]},
    "streaming": {"type": "boolean"},
    "account_ref": {"type": "string"},
    "attachments": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["name", "content_type", "storage_key"],
        "properties": {
          "name": {"type": "string"},
          "content_type": {"type": "string"},
          "storage_key": {"type": "string"},
          "size": {"type": "integer", "minimum": 0}
        }
      }
    }
  }
}`
