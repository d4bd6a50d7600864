// Package schema normalizes client-supplied JSON Schema tool
// parameter definitions into the dialect the Antigravity upstream
// accepts (spec §4.1). The recursive strip/flatten rules are grounded
// on the claude_to_gemini cleanJSONSchema pass seen in the retrieval
// pack's antigravity-proxy converters.
package schema

import "strings"

// strippedKeywords are dropped at every depth; upstream rejects or
// ignores them and some (e.g. $ref) would need a resolver we don't
// have.
var strippedKeywords = map[string]struct{}{
	"$schema": {}, "$id": {}, "$ref": {}, "$defs": {}, "definitions": {},
	"additionalProperties": {}, "propertyNames": {}, "default": {},
	"minLength": {}, "maxLength": {}, "minimum": {}, "maximum": {},
	"minItems": {}, "maxItems": {}, "pattern": {}, "format": {},
	"uniqueItems": {}, "exclusiveMinimum": {}, "exclusiveMaximum": {},
	"const": {}, "if": {}, "then": {}, "else": {}, "not": {},
	"contentEncoding": {}, "contentMediaType": {}, "deprecated": {},
	"readOnly": {}, "writeOnly": {}, "examples": {}, "$comment": {},
	"title": {}, "nullable": {}, "additionalItems": {},
	"unevaluatedItems": {}, "unevaluatedProperties": {}, "prefixItems": {},
	"contains": {}, "minContains": {}, "maxContains": {},
	"patternProperties": {}, "dependentRequired": {}, "dependentSchemas": {},
}

// Normalize recursively converts an arbitrary JSON Schema fragment
// into the upstream dialect. uppercaseTypes selects the upstream
// default casing (true) or the Claude-family lowercase requirement
// (false). Normalize never fails: a node that is not a JSON object
// (including nil) is returned unchanged. Degrade supplies the
// {"type": "object"} fallback schema separately.
func Normalize(node any, uppercaseTypes bool) any {
	obj, ok := node.(map[string]any)
	if !ok {
		// Non-object schemas are returned as-is.
		return node
	}
	return normalizeObject(obj, uppercaseTypes)
}

func normalizeObject(obj map[string]any, uppercaseTypes bool) map[string]any {
	out := map[string]any{}
	for k, v := range obj {
		if _, stripped := strippedKeywords[k]; stripped {
			continue
		}
		out[k] = v
	}

	resolveUnion(out, "anyOf")
	resolveUnion(out, "oneOf")
	mergeAllOf(out)
	resolveTypeArray(out)

	if t, ok := out["type"].(string); ok {
		if uppercaseTypes {
			out["type"] = strings.ToUpper(t)
		} else {
			out["type"] = strings.ToLower(t)
		}
	}

	if props, ok := out["properties"].(map[string]any); ok {
		normalized := map[string]any{}
		for name, child := range props {
			normalized[name] = Normalize(child, uppercaseTypes)
		}
		out["properties"] = normalized
	}

	if items, ok := out["items"]; ok {
		out["items"] = normalizeItems(items, uppercaseTypes)
	}

	if _, hasType := out["type"]; !hasType {
		if _, hasProps := out["properties"]; hasProps {
			out["type"] = caseType("object", uppercaseTypes)
		}
	}

	return out
}

// resolveUnion lifts the first non-null branch type from anyOf/oneOf
// when the node itself has no type, then drops the union keyword.
func resolveUnion(out map[string]any, key string) {
	branches, ok := out[key].([]any)
	delete(out, key)
	if !ok {
		return
	}
	if _, hasType := out["type"]; hasType {
		return
	}
	for _, b := range branches {
		bm, ok := b.(map[string]any)
		if !ok {
			continue
		}
		t, _ := bm["type"].(string)
		if t == "" || strings.EqualFold(t, "null") {
			continue
		}
		out["type"] = t
		if props, ok := bm["properties"].(map[string]any); ok {
			out["properties"] = props
		}
		return
	}
}

// mergeAllOf union-merges child properties/required and backfills
// type if missing, then drops the union keyword.
func mergeAllOf(out map[string]any) {
	branches, ok := out["allOf"].([]any)
	delete(out, "allOf")
	if !ok {
		return
	}
	props, _ := out["properties"].(map[string]any)
	if props == nil {
		props = map[string]any{}
	}
	required, _ := out["required"].([]any)

	for _, b := range branches {
		bm, ok := b.(map[string]any)
		if !ok {
			continue
		}
		if bp, ok := bm["properties"].(map[string]any); ok {
			for k, v := range bp {
				props[k] = v
			}
		}
		if br, ok := bm["required"].([]any); ok {
			required = append(required, br...)
		}
		if _, hasType := out["type"]; !hasType {
			if t, ok := bm["type"].(string); ok {
				out["type"] = t
			}
		}
	}
	if len(props) > 0 {
		out["properties"] = props
	}
	if len(required) > 0 {
		out["required"] = required
	}
}

// resolveTypeArray picks the first non-null element of a type array
// (e.g. ["string","null"]), falling back to "string".
func resolveTypeArray(out map[string]any) {
	arr, ok := out["type"].([]any)
	if !ok {
		return
	}
	for _, t := range arr {
		ts, ok := t.(string)
		if !ok || strings.EqualFold(ts, "null") {
			continue
		}
		out["type"] = ts
		return
	}
	out["type"] = "string"
}

// normalizeItems flattens tuple-typed items (an array of schemas) by
// keeping index 0, matching spec §4.1's "flattening tuple-items by
// picking index 0".
func normalizeItems(items any, uppercaseTypes bool) any {
	if arr, ok := items.([]any); ok {
		if len(arr) == 0 {
			return map[string]any{"type": caseType("object", uppercaseTypes)}
		}
		return Normalize(arr[0], uppercaseTypes)
	}
	return Normalize(items, uppercaseTypes)
}

func caseType(t string, uppercaseTypes bool) string {
	if uppercaseTypes {
		return strings.ToUpper(t)
	}
	return strings.ToLower(t)
}

// Degrade returns the failure-mode schema: {"type": "object"}.
func Degrade(uppercaseTypes bool) map[string]any {
	return map[string]any{"type": caseType("object", uppercaseTypes)}
}
