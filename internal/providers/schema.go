package providers

// CleanSchemaForProvider strips JSON-schema keywords a provider rejects.
// Gemini's OpenAI-compatible endpoint returns HTTP 400 on schemas carrying
// $schema, additionalProperties or default; Anthropic tolerates everything
// except $schema.
func CleanSchemaForProvider(provider string, schema map[string]interface{}) map[string]interface{} {
	if schema == nil {
		return nil
	}
	banned := map[string]bool{"$schema": true}
	if provider == "gemini" {
		banned["additionalProperties"] = true
		banned["default"] = true
	}
	return cleanSchema(schema, banned)
}

func cleanSchema(schema map[string]interface{}, banned map[string]bool) map[string]interface{} {
	out := make(map[string]interface{}, len(schema))
	for k, v := range schema {
		if banned[k] {
			continue
		}
		switch val := v.(type) {
		case map[string]interface{}:
			out[k] = cleanSchema(val, banned)
		case []interface{}:
			items := make([]interface{}, len(val))
			for i, item := range val {
				if m, ok := item.(map[string]interface{}); ok {
					items[i] = cleanSchema(m, banned)
				} else {
					items[i] = item
				}
			}
			out[k] = items
		default:
			out[k] = v
		}
	}
	return out
}

// CleanToolSchemas renders tool definitions in OpenAI wire format with
// provider-cleaned parameter schemas.
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
