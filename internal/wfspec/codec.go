package wfspec

import "encoding/json"

// Marshal serializes a WorkflowSpec to the opaque byte form stored on
// model.WorkflowDefinition.Spec. The real workflow language parser is out
// of scope; this is the wire format this repository's own tests and
// fixtures use to get a WorkflowSpec into the store.
func Marshal(spec *WorkflowSpec) ([]byte, error) {
	return json.Marshal(spec)
}

// Unmarshal deserializes bytes previously produced by Marshal.
func Unmarshal(data []byte) (*WorkflowSpec, error) {
	var spec WorkflowSpec
	if err := json.Unmarshal(data, &spec); err != nil {
		return nil, err
	}
	return &spec, nil
}
