package plan

import (
	"encoding/json"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/avolkov/drafthorse/internal/build"
)

// Payload schemas for the task taxonomy. Compiled once at package init; a
// schema failure here is a programming error, not an input error.
var payloadSchemaSources = map[build.TaskType]string{
	build.TaskCreateDirectory: `{
		"type": "object",
		"required": ["path"],
		"properties": {"path": {"type": "string", "minLength": 1}},
		"additionalProperties": false
	}`,
	build.TaskCreateFile: `{
		"type": "object",
		"required": ["path"],
		"properties": {
			"path": {"type": "string", "minLength": 1},
			"content": {"type": "string"}
		},
		"additionalProperties": false
	}`,
	build.TaskDefineSpec: `{
		"type": "object",
		"required": ["description"],
		"properties": {"description": {"type": "string", "minLength": 1}},
		"additionalProperties": false
	}`,
	build.TaskCreateGenerator: `{
		"type": "object",
		"required": ["description"],
		"properties": {"description": {"type": "string", "minLength": 1}},
		"additionalProperties": false
	}`,
	build.TaskAcceptanceTest: `{
		"type": "object",
		"required": ["criteria"],
		"properties": {
			"criteria": {
				"type": "array",
				"minItems": 1,
				"items": {"type": "string", "minLength": 1}
			}
		},
		"additionalProperties": false
	}`,
	build.TaskWait: `{
		"type": "object",
		"required": ["duration_ms"],
		"properties": {"duration_ms": {"type": "integer", "minimum": 0}},
		"additionalProperties": false
	}`,
}

var payloadSchemas = compilePayloadSchemas()

func compilePayloadSchemas() map[build.TaskType]*jsonschema.Schema {
	out := make(map[build.TaskType]*jsonschema.Schema, len(payloadSchemaSources))
	for tt, src := range payloadSchemaSources {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		url := "mem://payload/" + string(tt) + ".json"
		if err := c.AddResource(url, strings.NewReader(src)); err != nil {
			panic("plan: add schema " + string(tt) + ": " + err.Error())
		}
		sch, err := c.Compile(url)
		if err != nil {
			panic("plan: compile schema " + string(tt) + ": " + err.Error())
		}
		out[tt] = sch
	}
	return out
}

func validatePayload(tt build.TaskType, payload []byte) error {
	sch, ok := payloadSchemas[tt]
	if !ok {
		return build.NewParseError("no payload schema for task type %q", tt)
	}
	var doc any
	if err := json.Unmarshal(payload, &doc); err != nil {
		return build.NewParseError("payload for %s is not valid JSON: %v", tt, err)
	}
	if err := sch.Validate(doc); err != nil {
		return build.NewParseError("payload for %s: %v", tt, err)
	}
	return nil
}
