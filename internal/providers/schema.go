package providers

import "strings"

// Keywords stripped from every tool schema before sending. Providers reject
// or mishandle meta keywords that only matter to local validators.
var schemaMetaKeys = map[string]bool{
	"$schema": true,
	"$id":     true,
	"$defs":   true,
}

// Gemini's OpenAI-compatible endpoint accepts only a small set of string
// format values; anything else is a 400.
var geminiFormats = map[string]bool{
	"enum":      true,
	"date-time": true,
}

// CleanSchemaForProvider returns a deep copy of a JSON Schema with keywords
// the named provider rejects removed. A nil schema becomes an empty object
// schema, which every provider accepts.
func CleanSchemaForProvider(provider string, schema map[string]interface{}) map[string]interface{} {
	if schema == nil {
		return map[string]interface{}{"type": "object"}
	}
	gemini := strings.Contains(strings.ToLower(provider), "gemini")
	return cleanSchemaMap(schema, gemini)
}

func cleanSchemaMap(schema map[string]interface{}, gemini bool) map[string]interface{} {
	out := make(map[string]interface{}, len(schema))
	for k, v := range schema {
		if schemaMetaKeys[k] {
			continue
		}
		if gemini && k == "format" {
			if s, ok := v.(string); ok && !geminiFormats[s] {
				continue
			}
		}
		if gemini && (k == "additionalProperties" || k == "default") {
			continue
		}
		out[k] = cleanSchemaValue(v, gemini)
	}
	return out
}

func cleanSchemaValue(v interface{}, gemini bool) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		return cleanSchemaMap(t, gemini)
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, item := range t {
			out[i] = cleanSchemaValue(item, gemini)
		}
		return out
	default:
		return v
	}
}

// CleanToolSchemas converts tool definitions to the OpenAI function-calling
// wire format with parameter schemas cleaned for the named provider.
func CleanToolSchemas(provider string, tools []ToolDefinition) []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(tools))
	for _, t := range tools {
		out = append(out, map[string]interface{}{
			"type": "function",
			"function": map[string]interface{}{
				"name":        t.Function.Name,
				"description": t.Function.Description,
				"parameters":  CleanSchemaForProvider(provider, t.Function.Parameters),
			},
		})
	}
	return out
}
