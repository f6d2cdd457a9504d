// SPDX-License-Identifier: Apache-2.0

// Package jsonschema validates the optional "*.step.json" sidecar metadata
// files that accompany scripted (".step") migrations, declaring the
// dependency/transactional/documentation metadata that a SQL migration
// would otherwise state via its leading "-- depends:"/"-- transactional:"
// comment directives.
package jsonschema

import (
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Schema is the JSON Schema a "*.step.json" sidecar must satisfy.
const Schema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "additionalProperties": false,
  "properties": {
    "depends": {
      "type": "array",
      "items": { "type": "string" }
    },
    "transactional": { "type": "boolean" },
    "doc": { "type": "string" }
  }
}`

const schemaURL = "mem://step-metadata.schema.json"

var (
	compileOnce sync.Once
	compiled    *jsonschema.Schema
	compileErr  error
)

func compiledSchema() (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(Schema))
		if err != nil {
			compileErr = err
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource(schemaURL, doc); err != nil {
			compileErr = err
			return
		}
		compiled, compileErr = c.Compile(schemaURL)
	})
	return compiled, compileErr
}

// Validate checks that v (the result of unmarshalling a "*.step.json"
// sidecar into a map[string]any) conforms to Schema.
func Validate(v any) error {
	sch, err := compiledSchema()
	if err != nil {
		return err
	}
	return sch.Validate(v)
}
