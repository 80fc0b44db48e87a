// Package mcp implements the JSON-RPC tool surface: the tool registry,
// parameter validation against declared input schemas, single and batch
// dispatch, and execution-metric aggregation.
package mcp

import (
	"fmt"
	"math"
	"sort"
	"strings"
)

// PropertySchema describes one parameter of a tool. Items is set for
// array properties and validated recursively.
type PropertySchema struct {
	Type        string                    `json:"type"`
	Description string                    `json:"description,omitempty"`
	Enum        []string                  `json:"enum,omitempty"`
	Items       *PropertySchema           `json:"items,omitempty"`
	Properties  map[string]PropertySchema `json:"properties,omitempty"`
}

// InputSchema is the declared parameter shape of a tool
type InputSchema struct {
	Type       string                    `json:"type"`
	Properties map[string]PropertySchema `json:"properties,omitempty"`
	Required   []string                  `json:"required,omitempty"`
}

// ValidationError carries the -32602 detail for a rejected call
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// ValidateParams checks arguments against the schema. Missing required
// parameters and type mismatches are both reported in a single error so
// callers see the full problem at once.
func ValidateParams(schema InputSchema, params map[string]interface{}) error {
	var missing []string
	for _, name := range schema.Required {
		if _, ok := params[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return &ValidationError{
			Message: "Missing required parameters: " + strings.Join(missing, ", "),
		}
	}

	var problems []string
	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		prop, declared := schema.Properties[name]
		if !declared {
			continue
		}
		if problem := checkType(name, prop, params[name]); problem != "" {
			problems = append(problems, problem)
		}
	}
	if len(problems) > 0 {
		return &ValidationError{
			Message: "Parameter validation errors: " + strings.Join(problems, "; "),
		}
	}
	return nil
}

// checkType validates one value against its declared type. JSON decoding
// gives numbers as float64, so integer checks test for a whole value.
func checkType(field string, prop PropertySchema, value interface{}) string {
	if value == nil {
		return ""
	}

	switch prop.Type {
	case "string":
		s, ok := value.(string)
		if !ok {
			return fmt.Sprintf("%s must be a string", field)
		}
		if len(prop.Enum) > 0 && !containsString(prop.Enum, s) {
			return fmt.Sprintf("%s must be one of: %s", field, strings.Join(prop.Enum, ", "))
		}
	case "number":
		if !isNumber(value) {
			return fmt.Sprintf("%s must be a number", field)
		}
	case "integer":
		f, ok := asFloat(value)
		if !ok || f != math.Trunc(f) {
			return fmt.Sprintf("%s must be an integer", field)
		}
	case "boolean":
		if _, ok := value.(bool); !ok {
			return fmt.Sprintf("%s must be a boolean", field)
		}
	case "array":
		items, ok := value.([]interface{})
		if !ok {
			return fmt.Sprintf("%s must be an array", field)
		}
		if prop.Items != nil {
			for i, item := range items {
				if problem := checkType(fmt.Sprintf("%s[%d]", field, i), *prop.Items, item); problem != "" {
					return problem
				}
			}
		}
	case "object":
		obj, ok := value.(map[string]interface{})
		if !ok {
			return fmt.Sprintf("%s must be an object", field)
		}
		for name, nested := range prop.Properties {
			if v, present := obj[name]; present {
				if problem := checkType(field+"."+name, nested, v); problem != "" {
					return problem
				}
			}
		}
	}
	return ""
}

func isNumber(value interface{}) bool {
	_, ok := asFloat(value)
	return ok
}

func asFloat(value interface{}) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}

func containsString(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
