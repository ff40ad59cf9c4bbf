package build

import "encoding/json"

// Typed payloads for the task taxonomy. The plan parser emits these and
// validates the JSON encoding against the matching schema, so malformed plans
// fail at parse time rather than execution time.

type DirectoryPayload struct {
	Path string `json:"path"`
}

type FilePayload struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

type SpecPayload struct {
	Description string `json:"description"`
}

type GeneratorPayload struct {
	Description string `json:"description"`
}

type AcceptancePayload struct {
	Criteria []string `json:"criteria"`
}

type WaitPayload struct {
	DurationMS int `json:"duration_ms"`
}

func MarshalPayload(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		// Payload structs contain only strings, slices and ints; this cannot fail.
		panic(err)
	}
	return b
}
