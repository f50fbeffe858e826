package schema

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const resourceURL = "mem://petalgate/output.json"

// ValidationError reports why a value does not satisfy a schema.
type ValidationError struct {
	Message string
	// Violations lists "instance-location: message" pairs, leaf causes first.
	Violations []string
	Cause      error
}

func (e *ValidationError) Error() string {
	if e == nil {
		return ""
	}
	if len(e.Violations) == 0 {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, strings.Join(e.Violations, "; "))
}

func (e *ValidationError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Validate checks value against the schema document. A schema that fails to
// compile is reported as an error distinct from *ValidationError.
func Validate(doc map[string]any, value any) error {
	compiled, err := compile(doc)
	if err != nil {
		return err
	}

	normalized, err := normalize(value)
	if err != nil {
		return &ValidationError{Message: "output is not JSON-encodable", Cause: err}
	}

	if err := compiled.Validate(normalized); err != nil {
		var ve *jsonschema.ValidationError
		if errors.As(err, &ve) {
			return &ValidationError{
				Message:    "output does not match schema",
				Violations: collectViolations(ve, nil),
				Cause:      err,
			}
		}
		return &ValidationError{Message: err.Error(), Cause: err}
	}
	return nil
}

func compile(doc map[string]any) (*jsonschema.Schema, error) {
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("schema: encode: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(resourceURL, bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("schema: add resource: %w", err)
	}
	compiled, err := compiler.Compile(resourceURL)
	if err != nil {
		return nil, fmt.Errorf("schema: compile: %w", err)
	}
	return compiled, nil
}

// normalize round-trips value through JSON so the validator sees only the
// types encoding/json produces. Numbers stay json.Number so large integers
// keep their precision.
func normalize(value any) (any, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

func collectViolations(ve *jsonschema.ValidationError, out []string) []string {
	if len(ve.Causes) == 0 {
		location := ve.InstanceLocation
		if location == "" {
			location = "/"
		}
		return append(out, fmt.Sprintf("%s: %s", location, ve.Message))
	}
	for _, cause := range ve.Causes {
		out = collectViolations(cause, out)
	}
	return out
}
