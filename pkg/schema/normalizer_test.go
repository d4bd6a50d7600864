package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeStripsKeywords(t *testing.T) {
	in := map[string]any{
		"type":                 "string",
		"$schema":              "http://json-schema.org/draft-07/schema#",
		"pattern":              "^[a-z]+$",
		"default":              "x",
		"title":                "Name",
		"additionalProperties": false,
	}
	out := Normalize(in, true).(map[string]any)
	for k := range strippedKeywords {
		_, present := out[k]
		assert.Falsef(t, present, "keyword %q should have been stripped", k)
	}
	assert.Equal(t, "STRING", out["type"])
}

func TestNormalizeAnyOfLiftsType(t *testing.T) {
	in := map[string]any{
		"anyOf": []any{
			map[string]any{"type": "null"},
			map[string]any{"type": "string"},
		},
	}
	out := Normalize(in, true).(map[string]any)
	assert.Equal(t, "STRING", out["type"])
	_, hasAnyOf := out["anyOf"]
	assert.False(t, hasAnyOf)
}

func TestNormalizeAllOfMerges(t *testing.T) {
	in := map[string]any{
		"allOf": []any{
			map[string]any{"type": "object", "properties": map[string]any{"a": map[string]any{"type": "string"}}, "required": []any{"a"}},
			map[string]any{"properties": map[string]any{"b": map[string]any{"type": "integer"}}, "required": []any{"b"}},
		},
	}
	out := Normalize(in, true).(map[string]any)
	props := out["properties"].(map[string]any)
	require.Contains(t, props, "a")
	require.Contains(t, props, "b")
	assert.ElementsMatch(t, []any{"a", "b"}, out["required"])
}

func TestNormalizeTypeArrayPicksFirstNonNull(t *testing.T) {
	in := map[string]any{"type": []any{"null", "integer"}}
	out := Normalize(in, true).(map[string]any)
	assert.Equal(t, "INTEGER", out["type"])

	inAllNull := map[string]any{"type": []any{"null"}}
	out2 := Normalize(inAllNull, true).(map[string]any)
	assert.Equal(t, "STRING", out2["type"])
}

func TestNormalizeLowercaseForClaude(t *testing.T) {
	in := map[string]any{"type": "OBJECT"}
	out := Normalize(in, false).(map[string]any)
	assert.Equal(t, "object", out["type"])
}

func TestNormalizeRecursesIntoPropertiesAndItems(t *testing.T) {
	in := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"list": map[string]any{
				"type":  "array",
				"items": []any{map[string]any{"type": "string"}, map[string]any{"type": "integer"}},
			},
		},
	}
	out := Normalize(in, true).(map[string]any)
	list := out["properties"].(map[string]any)["list"].(map[string]any)
	items := list["items"].(map[string]any)
	assert.Equal(t, "STRING", items["type"])
}

func TestNormalizeNonObjectPassthrough(t *testing.T) {
	assert.Equal(t, "x", Normalize("x", true))
	assert.Nil(t, Normalize(nil, true))
}

func TestDegrade(t *testing.T) {
	assert.Equal(t, map[string]any{"type": "OBJECT"}, Degrade(true))
	assert.Equal(t, map[string]any{"type": "object"}, Degrade(false))
}
