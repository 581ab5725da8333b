package mcpservice

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"slices"
	"sort"
	"strings"

	"github.com/ggoodman/mcp-gateway/mcp"
)

// ValidateArguments checks args against a tool's declared input schema
// before dispatch. It enforces required keys, primitive JSON types, enums
// and, when additionalProperties is false, the absence of undeclared keys.
// Reserved identity keys are always accepted. A schema without a type
// accepts anything.
func ValidateArguments(schema mcp.ToolInputSchema, args map[string]any) error {
	if schema.Type == "" {
		return nil
	}
	if schema.Type != "object" {
		return fmt.Errorf("%w: unsupported root schema type %q", ErrInvalidArguments, schema.Type)
	}

	var problems []string
	for _, name := range schema.Required {
		if isReservedArg(name) {
			continue
		}
		if v, ok := args[name]; !ok || v == nil {
			problems = append(problems, fmt.Sprintf("missing required argument %q", name))
		}
	}

	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		if isReservedArg(k) {
			continue
		}
		prop, declared := schema.Properties[k]
		if !declared {
			if !schema.AdditionalProperties {
				problems = append(problems, fmt.Sprintf("unexpected argument %q", k))
			}
			continue
		}
		if args[k] == nil {
			continue
		}
		if err := checkValue(k, prop, args[k]); err != nil {
			problems = append(problems, err.Error())
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidArguments, strings.Join(problems, "; "))
	}
	return nil
}

func checkValue(path string, prop mcp.SchemaProperty, v any) error {
	if len(prop.Enum) > 0 && !slices.ContainsFunc(prop.Enum, func(e any) bool { return jsonEqual(e, v) }) {
		return fmt.Errorf("%s: value %v is not one of %v", path, v, prop.Enum)
	}

	switch prop.Type {
	case "":
		return nil
	case "string":
		if _, ok := v.(string); !ok {
			return typeError(path, prop.Type, v)
		}
	case "boolean":
		if _, ok := v.(bool); !ok {
			return typeError(path, prop.Type, v)
		}
	case "number":
		if _, ok := asFloat(v); !ok {
			return typeError(path, prop.Type, v)
		}
	case "integer":
		f, ok := asFloat(v)
		if !ok || f != math.Trunc(f) {
			return typeError(path, prop.Type, v)
		}
	case "array":
		items, ok := v.([]any)
		if !ok {
			return typeError(path, prop.Type, v)
		}
		if prop.Items != nil {
			for i, item := range items {
				if err := checkValue(fmt.Sprintf("%s[%d]", path, i), *prop.Items, item); err != nil {
					return err
				}
			}
		}
	case "object":
		obj, ok := v.(map[string]any)
		if !ok {
			return typeError(path, prop.Type, v)
		}
		for k, sub := range prop.Properties {
			if child, ok := obj[k]; ok && child != nil {
				if err := checkValue(path+"."+k, sub, child); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func jsonEqual(a, b any) bool {
	if fa, ok := asFloat(a); ok {
		fb, ok := asFloat(b)
		return ok && fa == fb
	}
	if a == nil || b == nil {
		return a == b
	}
	if !reflect.TypeOf(a).Comparable() || !reflect.TypeOf(b).Comparable() {
		return false
	}
	return a == b
}

func typeError(path, want string, v any) error {
	return fmt.Errorf("%s: expected %s, got %s", path, want, jsonTypeOf(v))
}

func jsonTypeOf(v any) string {
	switch v.(type) {
	case string:
		return "string"
	case bool:
		return "boolean"
	case float64, float32, int, int64, json.Number:
		return "number"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	default:
		return fmt.Sprintf("%T", v)
	}
}
