package tool

import (
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
)

var argReflector = &jsonschema.Reflector{
	DoNotReference: true,
	ExpandedStruct: true,
}

// reflectInputSchema derives a tool input schema from an argument struct.
func reflectInputSchema(v any) map[string]any {
	data, err := json.Marshal(argReflector.Reflect(v))
	if err != nil {
		panic(fmt.Sprintf("tool: reflect input schema for %T: %v", v, err))
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		panic(fmt.Sprintf("tool: decode input schema for %T: %v", v, err))
	}
	delete(out, "$schema")
	delete(out, "$id")
	return out
}

// decodeArgs converts a model-supplied argument map into a typed struct.
func decodeArgs(args map[string]any, out any) error {
	data, err := json.Marshal(args)
	if err != nil {
		return newToolError(ToolErrorCodeInvalidArguments, "arguments are not JSON-encodable", false, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return newToolError(ToolErrorCodeInvalidArguments, fmt.Sprintf("invalid arguments: %v", err), false, err)
	}
	return nil
}
