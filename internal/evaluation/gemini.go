package evaluation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

// GeminiScorer asks a Gemini model for a JSON allocation.
type GeminiScorer struct {
	client *genai.Client
	model  string
}

func NewGeminiScorer(ctx context.Context, apiKey, model string) (*GeminiScorer, error) {
	if apiKey == "" {
		return nil, errors.New("gemini: api key is required")
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("gemini: create client: %w", err)
	}
	if model == "" {
		model = "gemini-2.5-pro"
	}
	return &GeminiScorer{client: client, model: model}, nil
}

func (g *GeminiScorer) Close() error {
	return g.client.Close()
}

func (g *GeminiScorer) Evaluate(ctx context.Context, prompt string, schema *Schema) (json.RawMessage, error) {
	m := g.client.GenerativeModel(g.model)
	m.SetTemperature(0)
	m.ResponseMIMEType = "application/json"
	if schema != nil {
		m.ResponseSchema = toGenaiSchema(schema.Doc)
	}
	resp, err := m.GenerateContent(ctx, genai.Text(prompt))
	if err != nil {
		return nil, fmt.Errorf("gemini: generate: %w", err)
	}
	text := strings.TrimSpace(responseText(resp))
	if text == "" {
		return nil, fmt.Errorf("%w: empty model response", ErrMalformedResponse)
	}
	return json.RawMessage(text), nil
}

func responseText(resp *genai.GenerateContentResponse) string {
	var text string
	if resp != nil && len(resp.Candidates) > 0 && resp.Candidates[0].Content != nil {
		for _, part := range resp.Candidates[0].Content.Parts {
			if txt, ok := part.(genai.Text); ok {
				text += string(txt)
			}
		}
	}
	return text
}

// toGenaiSchema converts the subset of JSON Schema the response schema uses.
func toGenaiSchema(doc map[string]interface{}) *genai.Schema {
	if doc == nil {
		return nil
	}
	s := &genai.Schema{}
	switch doc["type"] {
	case "object":
		s.Type = genai.TypeObject
	case "array":
		s.Type = genai.TypeArray
	case "string":
		s.Type = genai.TypeString
	case "number":
		s.Type = genai.TypeNumber
	case "integer":
		s.Type = genai.TypeInteger
	case "boolean":
		s.Type = genai.TypeBoolean
	}
	if d, ok := doc["description"].(string); ok {
		s.Description = d
	}
	if req, ok := doc["required"].([]interface{}); ok {
		for _, r := range req {
			if name, ok := r.(string); ok {
				s.Required = append(s.Required, name)
			}
		}
	}
	if props, ok := doc["properties"].(map[string]interface{}); ok {
		s.Properties = make(map[string]*genai.Schema, len(props))
		for name, p := range props {
			if pm, ok := p.(map[string]interface{}); ok {
				s.Properties[name] = toGenaiSchema(pm)
			}
		}
	}
	if items, ok := doc["items"].(map[string]interface{}); ok {
		s.Items = toGenaiSchema(items)
	}
	return s
}
