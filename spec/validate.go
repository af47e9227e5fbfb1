package spec

import (
	"github.com/santhosh-tekuri/jsonschema/v6"

	"goa.design/flow/flowerrors"
)

// ValidateInput checks the workflow input against the declared parameters
// and returns the effective input with defaults applied. Missing required
// parameters and undeclared extras both fail with an invalid-input error.
func (w *Workflow) ValidateInput(input map[string]any) (map[string]any, error) {
	if input == nil {
		input = map[string]any{}
	}
	schema, err := w.inputSchema()
	if err != nil {
		return nil, err
	}
	if err := schema.Validate(anyMap(input)); err != nil {
		return nil, flowerrors.Wrap(flowerrors.KindInvalidInput,
			err, "workflow input does not match declared parameters")
	}
	effective := make(map[string]any, len(input))
	for _, p := range w.Input {
		if p.HasDefault {
			effective[p.Name] = p.Default
		}
	}
	for k, v := range input {
		effective[k] = v
	}
	return effective, nil
}

// inputSchema builds the JSON schema equivalent of the declared parameters:
// an object with one property per parameter, parameters without defaults
// required, and no additional properties.
func (w *Workflow) inputSchema() (*jsonschema.Schema, error) {
	properties := make(map[string]any, len(w.Input))
	required := make([]any, 0, len(w.Input))
	for _, p := range w.Input {
		properties[p.Name] = map[string]any{}
		if !p.HasDefault {
			required = append(required, p.Name)
		}
	}
	doc := map[string]any{
		"type":                 "object",
		"properties":           properties,
		"required":             required,
		"additionalProperties": false,
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("input.json", doc); err != nil {
		return nil, flowerrors.Wrap(flowerrors.KindEngine, err, "add input schema resource")
	}
	schema, err := c.Compile("input.json")
	if err != nil {
		return nil, flowerrors.Wrap(flowerrors.KindEngine, err, "compile input schema")
	}
	return schema, nil
}

// anyMap widens the input map so the schema validator sees a plain
// map[string]any document.
func anyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
