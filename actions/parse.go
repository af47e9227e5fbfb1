package actions

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"goa.design/flow/flowerrors"
	"goa.design/flow/store"
)

// rawDefinition mirrors the YAML shape of one action definition body.
type rawDefinition struct {
	Description string      `yaml:"description"`
	Base        string      `yaml:"base"`
	Input       []yaml.Node `yaml:"input"`
}

// parseDefinitions parses an action definition document. Every top-level
// key besides "version" declares one action:
//
//	version: '2.0'
//	greet:
//	  description: Greet someone by name.
//	  base: std.echo
//	  input:
//	    - output
func parseDefinitions(definition string) ([]*store.ActionDefinition, error) {
	var root yaml.Node
	if err := yaml.Unmarshal([]byte(definition), &root); err != nil {
		return nil, flowerrors.Wrap(flowerrors.KindInvalidAction, err, "parse action definition")
	}
	if root.Kind != yaml.DocumentNode || len(root.Content) == 0 || root.Content[0].Kind != yaml.MappingNode {
		return nil, flowerrors.New(flowerrors.KindInvalidAction, "action definition must be a mapping")
	}
	doc := root.Content[0]
	now := time.Now().UTC()
	var defs []*store.ActionDefinition
	for i := 0; i+1 < len(doc.Content); i += 2 {
		name := doc.Content[i].Value
		if name == "version" {
			continue
		}
		var raw rawDefinition
		if err := doc.Content[i+1].Decode(&raw); err != nil {
			return nil, flowerrors.Wrap(flowerrors.KindInvalidAction, err, fmt.Sprintf("parse action %q", name))
		}
		if raw.Base == "" {
			return nil, flowerrors.Newf(flowerrors.KindInvalidAction, "action %q: base is required", name)
		}
		params := make([]string, 0, len(raw.Input))
		for _, in := range raw.Input {
			if in.Kind != yaml.ScalarNode {
				return nil, flowerrors.Newf(flowerrors.KindInvalidAction, "action %q: input entries must be parameter names", name)
			}
			params = append(params, in.Value)
		}
		defs = append(defs, &store.ActionDefinition{
			Name:        name,
			Description: raw.Description,
			Definition:  definition,
			Base:        raw.Base,
			Params:      params,
			CreatedAt:   now,
			UpdatedAt:   now,
		})
	}
	if len(defs) == 0 {
		return nil, flowerrors.New(flowerrors.KindInvalidAction, "no actions declared")
	}
	return defs, nil
}
