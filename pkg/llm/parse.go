package llm

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/kaptinlin/jsonschema"
)

// ErrParse marks a reply that carries no usable structured output.
var ErrParse = errors.New("malformed generation output")

// Generation is the structured part of a model reply.
type Generation struct {
	Reasoning string
	Query     string
}

const generationSchema = `{
  "type": "object",
  "properties": {
    "thought_process": {"type": ["string", "null"]},
    "sql_query": {"type": ["string", "null"]}
  },
  "anyOf": [
    {"required": ["sql_query"]},
    {"required": ["thought_process"]}
  ]
}`

var compiledSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	return jsonschema.NewCompiler().Compile([]byte(generationSchema))
})

var (
	jsonFence = regexp.MustCompile("(?is)```(?:json)?\\s*\\n?(.*?)\\n?```")
	sqlFence  = regexp.MustCompile("(?is)```sql\\s*\\n?(.*?)\\n?```")
)

// ParseGeneration extracts reasoning and query from a model reply. It
// accepts bare JSON, JSON inside a code fence, JSON surrounded by prose and,
// as a last resort, a fenced sql block. On failure it returns the zero
// Generation and an error wrapping ErrParse.
func ParseGeneration(text string) (Generation, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Generation{}, fmt.Errorf("%w: empty reply", ErrParse)
	}

	candidate := text
	if m := jsonFence.FindStringSubmatch(text); m != nil && strings.Contains(m[1], "{") {
		candidate = strings.TrimSpace(m[1])
	}
	if obj, ok := outermostObject(candidate); ok {
		gen, err := decodeGeneration(obj)
		if err == nil {
			return gen, nil
		}
		if m := sqlFence.FindStringSubmatch(text); m != nil {
			return Generation{Query: strings.TrimSpace(m[1])}, nil
		}
		return Generation{}, err
	}

	if m := sqlFence.FindStringSubmatch(text); m != nil {
		return Generation{Query: strings.TrimSpace(m[1])}, nil
	}
	return Generation{}, fmt.Errorf("%w: no JSON object in reply", ErrParse)
}

func outermostObject(s string) (string, bool) {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return "", false
	}
	return s[start : end+1], true
}

func decodeGeneration(obj string) (Generation, error) {
	if !json.Valid([]byte(obj)) {
		return Generation{}, fmt.Errorf("%w: invalid JSON", ErrParse)
	}
	schema, err := compiledSchema()
	if err != nil {
		return Generation{}, fmt.Errorf("compile generation schema: %w", err)
	}
	if result := schema.ValidateJSON([]byte(obj)); !result.IsValid() {
		return Generation{}, fmt.Errorf("%w: schema validation failed: %v", ErrParse, result.Errors)
	}

	var raw struct {
		ThoughtProcess *string `json:"thought_process"`
		SQLQuery       *string `json:"sql_query"`
	}
	if err := json.Unmarshal([]byte(obj), &raw); err != nil {
		return Generation{}, fmt.Errorf("%w: %v", ErrParse, err)
	}
	var gen Generation
	if raw.ThoughtProcess != nil {
		gen.Reasoning = strings.TrimSpace(*raw.ThoughtProcess)
	}
	if raw.SQLQuery != nil {
		gen.Query = strings.TrimSpace(*raw.SQLQuery)
	}
	return gen, nil
}

var jsonArray = regexp.MustCompile(`(?s)\[.*?\]`)

// ParseStringArray returns up to limit strings from the first JSON array in
// text. Non-string elements are formatted with %v.
func ParseStringArray(text string, limit int) ([]string, error) {
	m := jsonArray.FindString(text)
	if m == "" {
		return nil, fmt.Errorf("%w: no JSON array in reply", ErrParse)
	}
	var items []any
	if err := json.Unmarshal([]byte(m), &items); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}
	out := make([]string, 0, limit)
	for _, it := range items {
		if len(out) == limit {
			break
		}
		s, ok := it.(string)
		if !ok {
			s = fmt.Sprint(it)
		}
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out, nil
}
