package mcp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateParamsMissingRequired(t *testing.T) {
	schema := InputSchema{
		Type: "object",
		Properties: map[string]PropertySchema{
			"query": {Type: "string"},
			"limit": {Type: "integer"},
		},
		Required: []string{"query", "limit"},
	}

	err := ValidateParams(schema, map[string]interface{}{})
	require.Error(t, err)
	assert.Equal(t, "Missing required parameters: limit, query", err.Error())

	err = ValidateParams(schema, map[string]interface{}{"query": "x"})
	require.Error(t, err)
	assert.Equal(t, "Missing required parameters: limit", err.Error())
}

func TestValidateParamsTypeMismatches(t *testing.T) {
	schema := InputSchema{
		Type: "object",
		Properties: map[string]PropertySchema{
			"query":   {Type: "string"},
			"limit":   {Type: "integer"},
			"score":   {Type: "number"},
			"enabled": {Type: "boolean"},
		},
	}

	err := ValidateParams(schema, map[string]interface{}{
		"query":   42,
		"enabled": "yes",
	})
	require.Error(t, err)
	assert.Equal(t, "Parameter validation errors: enabled must be a boolean; query must be a string", err.Error())

	// JSON numbers arrive as float64; only whole values pass integer
	assert.Error(t, ValidateParams(schema, map[string]interface{}{"limit": 1.5}))
	assert.NoError(t, ValidateParams(schema, map[string]interface{}{"limit": float64(10)}))
	assert.NoError(t, ValidateParams(schema, map[string]interface{}{"score": 1.5}))
}

func TestValidateParamsEnum(t *testing.T) {
	schema := InputSchema{
		Type: "object",
		Properties: map[string]PropertySchema{
			"entityType": {Type: "string", Enum: []string{"function", "class"}},
		},
	}

	assert.NoError(t, ValidateParams(schema, map[string]interface{}{"entityType": "class"}))

	err := ValidateParams(schema, map[string]interface{}{"entityType": "module"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "entityType must be one of: function, class")
}

func TestValidateParamsArrayItems(t *testing.T) {
	schema := InputSchema{
		Type: "object",
		Properties: map[string]PropertySchema{
			"languages": {Type: "array", Items: &PropertySchema{Type: "string"}},
		},
	}

	assert.NoError(t, ValidateParams(schema, map[string]interface{}{
		"languages": []interface{}{"go", "typescript"},
	}))

	err := ValidateParams(schema, map[string]interface{}{
		"languages": []interface{}{"go", 3},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "languages[1] must be a string")

	err = ValidateParams(schema, map[string]interface{}{"languages": "go"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "languages must be an array")
}

func TestValidateParamsNestedObject(t *testing.T) {
	schema := InputSchema{
		Type: "object",
		Properties: map[string]PropertySchema{
			"options": {
				Type: "object",
				Properties: map[string]PropertySchema{
					"depth": {Type: "integer"},
				},
			},
		},
	}

	assert.NoError(t, ValidateParams(schema, map[string]interface{}{
		"options": map[string]interface{}{"depth": float64(3)},
	}))

	err := ValidateParams(schema, map[string]interface{}{
		"options": map[string]interface{}{"depth": "deep"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "options.depth must be an integer")
}

func TestValidateParamsUndeclaredAndNil(t *testing.T) {
	schema := InputSchema{
		Type:       "object",
		Properties: map[string]PropertySchema{"query": {Type: "string"}},
	}

	// Undeclared parameters pass through; nil values skip type checks
	assert.NoError(t, ValidateParams(schema, map[string]interface{}{
		"query": nil,
		"extra": 42,
	}))
}
