// Package generator builds the experiment's task set: the cartesian product
// of a parameter space, or the explicit rows of a CSV experiment file.
package generator

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"
)

const scalar = `{"type": ["number", "string", "boolean", "null"]}`

// spaceSchema accepts {"name": [v1, v2, ...]} and the single-row form
// {"name": [[v1, v2, ...]]}.
var spaceSchema = mustCompile("space.schema.json", `{
  "type": "object",
  "minProperties": 1,
  "additionalProperties": {
    "type": "array",
    "minItems": 1,
    "items": {"anyOf": [`+scalar+`, {"type": "array", "items": `+scalar+`}]}
  }
}`)

var anomalySchema = mustCompile("anomalies.schema.json", `{
  "type": "object",
  "additionalProperties": {
    "type": "array",
    "items": {"anyOf": [`+scalar+`, {"type": "array", "items": `+scalar+`}]}
  }
}`)

func mustCompile(name, src string) *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(src))
	if err != nil {
		panic(fmt.Sprintf("generator schema %s: %v", name, err))
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(name, doc); err != nil {
		panic(fmt.Sprintf("generator schema %s: %v", name, err))
	}
	return c.MustCompile(name)
}

// Space maps each parameter name to the values it may take.
type Space map[string][]any

// Names returns the parameter names in sorted order.
func (s Space) Names() []string {
	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Size is the number of combinations, or -1 when it overflows limit.
func (s Space) Size(limit int) int {
	if len(s) == 0 {
		return 0
	}
	n := 1
	for _, vals := range s {
		n *= len(vals)
		if n > limit {
			return -1
		}
	}
	return n
}

// LoadSpace reads a parameter space from a .json, .yaml/.yml or .toml file.
func LoadSpace(path string) (Space, error) {
	return loadSpace(path, spaceSchema, false)
}

// LoadAnomalies reads the values that mark a combination as anomalous. The
// file has the same shape as a parameter space.
func LoadAnomalies(path string) (Space, error) {
	return loadSpace(path, anomalySchema, true)
}

func loadSpace(path string, schema *jsonschema.Schema, allowEmpty bool) (Space, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	raw, err := decodeByExt(path, data)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	// Round trip through JSON so YAML and TOML documents validate the same way.
	canonical, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("normalize %s: %w", path, err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(canonical))
	if err != nil {
		return nil, fmt.Errorf("normalize %s: %w", path, err)
	}
	if err := schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("invalid parameter file %s: %w", path, err)
	}

	var decoded map[string][]any
	if err := json.Unmarshal(canonical, &decoded); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	space := make(Space, len(decoded))
	for name, vals := range decoded {
		if len(vals) == 1 {
			if inner, ok := vals[0].([]any); ok {
				vals = inner
			}
		}
		kept := make([]any, 0, len(vals))
		for _, v := range vals {
			switch v.(type) {
			case nil, []any:
				// Nulls pad ragged columns; nested lists beyond one level are ignored.
			default:
				kept = append(kept, v)
			}
		}
		if len(kept) == 0 && !allowEmpty {
			return nil, fmt.Errorf("parameter %q in %s has no values", name, path)
		}
		space[name] = kept
	}
	return space, nil
}

func decodeByExt(path string, data []byte) (any, error) {
	var out map[string]any
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		if err := json.Unmarshal(data, &out); err != nil {
			return nil, err
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &out); err != nil {
			return nil, err
		}
	case ".toml":
		if _, err := toml.Decode(string(data), &out); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported extension %q (want .json, .yaml, .yml or .toml)", filepath.Ext(path))
	}
	return out, nil
}
