package evaluation

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Schema is a JSON Schema document handed to the scorer and used to check
// what comes back.
type Schema struct {
	Name     string
	Doc      map[string]interface{}
	compiled *jsonschema.Schema
}

// NewSchema compiles doc as a draft 2020-12 schema.
func NewSchema(name string, doc map[string]interface{}) (*Schema, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode schema %s: %w", name, err)
	}
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	url := fmt.Sprintf("https://question-bounty.local/schemas/%s.schema.json", name)
	if err := c.AddResource(url, bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("load schema %s: %w", name, err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema %s: %w", name, err)
	}
	return &Schema{Name: name, Doc: doc, compiled: compiled}, nil
}

// Validate decodes raw and checks it against the schema.
func (s *Schema) Validate(raw []byte) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if err := s.compiled.Validate(v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	return nil
}

// ResponseSchema is the shape the scorer must return: one entry per awarded
// responder address.
var ResponseSchema = mustSchema("evaluation-response", map[string]interface{}{
	"type":     "object",
	"required": []interface{}{"evaluations"},
	"properties": map[string]interface{}{
		"evaluations": map[string]interface{}{
			"type": "array",
			"items": map[string]interface{}{
				"type":     "object",
				"required": []interface{}{"address", "reward_amount", "reward_reason"},
				"properties": map[string]interface{}{
					"address":       map[string]interface{}{"type": "string", "description": "responder address exactly as listed"},
					"reward_amount": map[string]interface{}{"type": "number", "description": "award in display units"},
					"reward_reason": map[string]interface{}{"type": "string", "description": "one or two sentences"},
				},
			},
		},
	},
})

func mustSchema(name string, doc map[string]interface{}) *Schema {
	s, err := NewSchema(name, doc)
	if err != nil {
		panic(err)
	}
	return s
}

// scoredEntry is one element of a ResponseSchema document.
type scoredEntry struct {
	Address      string  `json:"address"`
	RewardAmount float64 `json:"reward_amount"`
	RewardReason string  `json:"reward_reason"`
}

type scoredResponse struct {
	Evaluations []scoredEntry `json:"evaluations"`
}
