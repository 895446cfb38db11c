package executor

import (
	"bytes"
	"fmt"
	"os"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// ResultValidator checks a result blob against a JSON Schema. A result that
// is not JSON or does not match is reported as a MALFORMED fault.
type ResultValidator struct {
	schema *jsonschema.Schema
	name   string
}

// NewResultValidator compiles schemaJSON.
func NewResultValidator(name string, schemaJSON []byte) (*ResultValidator, error) {
	if name == "" {
		name = "result.schema.json"
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal result schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(name, doc); err != nil {
		return nil, fmt.Errorf("add result schema: %w", err)
	}
	schema, err := c.Compile(name)
	if err != nil {
		return nil, fmt.Errorf("compile result schema: %w", err)
	}
	return &ResultValidator{schema: schema, name: name}, nil
}

// NewResultValidatorFromFile reads and compiles a schema file. An empty path
// returns a nil validator, which accepts everything.
func NewResultValidatorFromFile(path string) (*ResultValidator, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read result schema: %w", err)
	}
	return NewResultValidator("", data)
}

// Validate returns nil for a conforming result. Nil validators accept any
// output, including an empty one.
func (v *ResultValidator) Validate(kind string, output []byte) error {
	if v == nil {
		return nil
	}
	parsed, err := jsonschema.UnmarshalJSON(bytes.NewReader(output))
	if err != nil {
		return &Fault{Reason: FaultMalformed, Executor: kind, Detail: "result is not JSON: " + err.Error(), Err: err}
	}
	if err := v.schema.Validate(parsed); err != nil {
		return &Fault{Reason: FaultMalformed, Executor: kind, Detail: "result schema: " + err.Error(), Err: err}
	}
	return nil
}
