package devices

import (
	"encoding/json"
	"fmt"
	"strings"

	_ "embed"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/fieldpoll/fieldpoll/internal/types"
)

//go:embed schema/device-v1.json
var deviceSchemaJSON string

// ValidationError marks a definition that was rejected before it reached
// the registry.
type ValidationError struct {
	Source string
	Err    error
}

func (e *ValidationError) Error() string {
	if e.Source == "" {
		return fmt.Sprintf("invalid device definition: %v", e.Err)
	}
	return fmt.Sprintf("invalid device definition %s: %v", e.Source, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

type Validator struct {
	schema *jsonschema.Schema
}

func NewValidator() (*Validator, error) {
	compiler := jsonschema.NewCompiler()

	if err := compiler.AddResource("device-v1.json",
		strings.NewReader(deviceSchemaJSON)); err != nil {
		return nil, fmt.Errorf("failed to add schema resource: %w", err)
	}

	schema, err := compiler.Compile("device-v1.json")
	if err != nil {
		return nil, fmt.Errorf("failed to compile schema: %w", err)
	}

	return &Validator{schema: schema}, nil
}

// ValidateDefinition checks raw JSON against the device schema.
func (v *Validator) ValidateDefinition(data []byte) error {
	var doc interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return &ValidationError{Err: fmt.Errorf("invalid JSON: %w", err)}
	}

	if err := v.schema.Validate(doc); err != nil {
		return &ValidationError{Err: fmt.Errorf("schema validation failed: %w", err)}
	}

	return nil
}

// Decode validates data against the schema and unmarshals it. The device
// may still lack an ID; semantic checks run when it is registered.
func (v *Validator) Decode(data []byte) (types.Device, error) {
	if err := v.ValidateDefinition(data); err != nil {
		return types.Device{}, err
	}

	var device types.Device
	if err := json.Unmarshal(data, &device); err != nil {
		return types.Device{}, &ValidationError{Err: err}
	}
	return device, nil
}

// Check runs the semantic validation of a typed device.
func (v *Validator) Check(device *types.Device) error {
	if err := device.Validate(); err != nil {
		return &ValidationError{Source: device.ID, Err: err}
	}
	return nil
}
