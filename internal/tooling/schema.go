package tooling

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sync"

	invopopSchema "github.com/invopop/jsonschema"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// marshalFunc is the JSON marshaler used by GenerateSchema. Package-level so
// tests can inject a failing marshaler to cover the error return path.
var marshalFunc = func(v interface{}) ([]byte, error) {
	return json.MarshalIndent(v, "", "  ")
}

// GenerateSchema generates a JSON Schema string from a Go struct using
// invopop/jsonschema reflection.
func GenerateSchema(input interface{}) string {
	reflector := invopopSchema.Reflector{
		AllowAdditionalProperties: false,
		DoNotReference:            true,
	}
	schema := reflector.Reflect(input)

	schemaBytes, err := marshalFunc(schema)
	if err != nil {
		return ""
	}
	return string(schemaBytes)
}

// ValidateAgainstSchema validates JSON input against a JSON Schema string.
func ValidateAgainstSchema(input json.RawMessage, schemaStr string) error {
	schema, err := jsonschema.CompileString("", schemaStr)
	if err != nil {
		return fmt.Errorf("invalid schema: %w", err)
	}

	var inputData interface{}
	if err := json.Unmarshal(input, &inputData); err != nil {
		return fmt.Errorf("invalid JSON input: %w", err)
	}

	if err := schema.Validate(inputData); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	return nil
}

// openSchema describes tools registered without an Input prototype.
const openSchema = `{"type":"object"}`

// Schema returns the JSON Schema of the tool's input.
func (d Definition) Schema() string {
	if d.Input == nil {
		return openSchema
	}
	if s := GenerateSchema(d.Input); s != "" {
		return s
	}
	return openSchema
}

// compileFunc compiles a schema string. Package-level so tests can count compilations.
var compileFunc = jsonschema.CompileString

// compiledSchemas holds one compiled schema per Input type.
var compiledSchemas sync.Map // reflect.Type -> *jsonschema.Schema

// compiled returns the tool's input schema, compiling it on first use.
func (d Definition) compiled() (*jsonschema.Schema, error) {
	key := reflect.TypeOf(d.Input)
	if s, ok := compiledSchemas.Load(key); ok {
		return s.(*jsonschema.Schema), nil
	}
	s, err := compileFunc("", d.Schema())
	if err != nil {
		return nil, fmt.Errorf("invalid schema: %w", err)
	}
	actual, _ := compiledSchemas.LoadOrStore(key, s)
	return actual.(*jsonschema.Schema), nil
}

// Validate checks sanitized args against the tool's schema.
func (d Definition) Validate(args Args) error {
	if d.Input == nil {
		return nil
	}
	schema, err := d.compiled()
	if err != nil {
		return err
	}
	data, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("encode args: %w", err)
	}
	var v interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("invalid JSON input: %w", err)
	}
	if err := schema.Validate(v); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	return nil
}
