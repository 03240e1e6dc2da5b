package consolidate

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Fragment is one {category, data} object emitted for a page.
type Fragment struct {
	Category string `json:"category"`
	Data     *Row   `json:"data"`
}

// PageResult is the outcome of extracting one page. Fragments is empty when
// Error is set.
type PageResult struct {
	PageNumber int        `json:"pageNumber"`
	Fragments  []Fragment `json:"rawFragments"`
	Error      string     `json:"error,omitempty"`
}

// Failed reports whether the page carries a page-scoped extraction error.
func (p PageResult) Failed() bool {
	return p.Error != ""
}

// fragmentSchema describes the array the model is asked to return. Fields
// inside data are deliberately unconstrained.
const fragmentSchema = `{
  "type": "array",
  "items": {
    "type": "object",
    "properties": {
      "category": {"type": ["string", "null"]},
      "data": {"type": ["object", "null"]}
    }
  }
}`

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func fragmentsSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("fragments.json", strings.NewReader(fragmentSchema)); err != nil {
			schemaErr = fmt.Errorf("add schema: %w", err)
			return
		}
		schema, schemaErr = compiler.Compile("fragments.json")
		if schemaErr != nil {
			schemaErr = fmt.Errorf("compile schema: %w", schemaErr)
		}
	})
	return schema, schemaErr
}

// ParseFragments decodes raw extraction output. raw may be a JSON array of
// fragments, a single fragment object, or a JSON string holding either (the
// service sends model text verbatim, sometimes wrapped in a ``` fence).
// Absent, null and empty output yields no fragments.
func ParseFragments(raw json.RawMessage) ([]Fragment, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}

	if raw[0] == '"' {
		var text string
		if err := json.Unmarshal(raw, &text); err != nil {
			return nil, fmt.Errorf("decode output text: %w", err)
		}
		text = stripFence(text)
		if text == "" {
			return nil, nil
		}
		raw = json.RawMessage(text)
	}

	if raw[0] == '{' {
		raw = append(append(json.RawMessage{'['}, raw...), ']')
	}

	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("decode output: %w", err)
	}
	s, err := fragmentsSchema()
	if err != nil {
		return nil, err
	}
	if err := s.Validate(generic); err != nil {
		return nil, fmt.Errorf("output does not match fragment shape: %w", err)
	}

	var decoded []struct {
		Category *string         `json:"category"`
		Data     json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("decode fragments: %w", err)
	}

	out := make([]Fragment, 0, len(decoded))
	for i, d := range decoded {
		data := bytes.TrimSpace(d.Data)
		if len(data) == 0 || string(data) == "null" {
			continue
		}
		row := NewRow()
		if err := json.Unmarshal(data, row); err != nil {
			return nil, fmt.Errorf("decode fragment %d data: %w", i, err)
		}
		f := Fragment{Data: row}
		if d.Category != nil {
			f.Category = *d.Category
		}
		out = append(out, f)
	}
	return out, nil
}

func stripFence(text string) string {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "```") {
		return text
	}
	text = strings.TrimPrefix(text, "```")
	if nl := strings.IndexByte(text, '\n'); nl >= 0 {
		// drop the info string, e.g. ```json
		text = text[nl+1:]
	}
	text = strings.TrimSuffix(strings.TrimSpace(text), "```")
	return strings.TrimSpace(text)
}
