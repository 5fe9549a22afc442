// Package validation checks outbound bodies (run inputs, draft payload)
// against embedded JSON Schemas before they reach the wire.
package validation

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/rendis/draftflow/pkg/schema"
)

// runParamsSchemaJSON describes the trial-run input body. Extra fields are
// allowed: the run surface grows with node types and the backend validates
// semantics; the client only rejects shape errors it can catch for free.
const runParamsSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://draftflow.dev/schemas/run-params.json",
  "type": "object",
  "required": ["inputs"],
  "properties": {
    "inputs": {"type": "object"},
    "files": {"type": "array"},
    "start_node_id": {"type": "string"},
    "datasource_type": {"type": "string"},
    "datasource_info_list": {"type": "array"},
    "is_preview": {"type": "boolean"}
  }
}`

// draftPayloadSchemaJSON describes the draft save body.
const draftPayloadSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://draftflow.dev/schemas/draft-payload.json",
  "type": "object",
  "required": ["graph", "hash"],
  "properties": {
    "graph": {
      "type": "object",
      "required": ["nodes", "edges", "viewport"],
      "properties": {
        "nodes": {
          "type": "array",
          "items": {
            "type": "object",
            "required": ["id"],
            "properties": {
              "id": {"type": "string", "minLength": 1},
              "data": {"type": "object"},
              "position": {
                "type": "object",
                "properties": {
                  "x": {"type": "number"},
                  "y": {"type": "number"}
                }
              }
            }
          }
        },
        "edges": {"type": "array"},
        "viewport": {
          "type": "object",
          "properties": {
            "x": {"type": "number"},
            "y": {"type": "number"},
            "zoom": {"type": "number"}
          }
        }
      }
    },
    "environment_variables": {"type": "array"},
    "rag_pipeline_variables": {"type": "array"},
    "hash": {"type": "string"}
  }
}`

var (
	compileOnce        sync.Once
	runParamsSchema    *jsonschema.Schema
	draftPayloadSchema *jsonschema.Schema
	compileErr         error
)

func compile() {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	for url, raw := range map[string]string{
		"https://draftflow.dev/schemas/run-params.json":    runParamsSchemaJSON,
		"https://draftflow.dev/schemas/draft-payload.json": draftPayloadSchemaJSON,
	} {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
		if err != nil {
			compileErr = fmt.Errorf("unmarshal schema %s: %w", url, err)
			return
		}
		if err := c.AddResource(url, doc); err != nil {
			compileErr = fmt.Errorf("add schema resource %s: %w", url, err)
			return
		}
	}

	if runParamsSchema, compileErr = c.Compile("https://draftflow.dev/schemas/run-params.json"); compileErr != nil {
		return
	}
	draftPayloadSchema, compileErr = c.Compile("https://draftflow.dev/schemas/draft-payload.json")
}

// ValidateRunParams validates a trial-run input body.
func ValidateRunParams(params map[string]any) error {
	if params == nil {
		return schema.NewError(schema.ErrCodeValidation, "run params are nil")
	}
	compileOnce.Do(compile)
	return validate(runParamsSchema, params)
}

// ValidateDraftPayload validates a draft save body before it is posted.
func ValidateDraftPayload(payload schema.DraftPayload) error {
	compileOnce.Do(compile)
	return validate(draftPayloadSchema, payload)
}

func validate(compiled *jsonschema.Schema, v any) error {
	if compileErr != nil {
		return schema.NewError(schema.ErrCodeValidation, "schema compilation failed").WithCause(compileErr)
	}
	doc, err := toJSONValue(v)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "serialize document").WithCause(err)
	}
	if err := compiled.Validate(doc); err != nil {
		return toDraftError(err)
	}
	return nil
}

// toJSONValue round-trips a Go value through JSON so numbers arrive as
// json.Number, which the jsonschema library requires.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

func toDraftError(err error) *schema.DraftError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}
	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	}
	return schema.NewError(schema.ErrCodeValidation, violations[0]).
		WithDetails(map[string]any{"violations": violations})
}

// collectViolations flattens the leaf causes of a validation error into
// human-readable messages.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/" + strings.Join(verr.InstanceLocation, "/")
		return []string{fmt.Sprintf("%s: %s", loc, verr.ErrorKind.LocalizedString(message.NewPrinter(language.English)))}
	}
	var out []string
	for _, cause := range verr.Causes {
		out = append(out, collectViolations(cause)...)
	}
	return out
}
