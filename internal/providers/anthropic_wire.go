package providers

import "encoding/json"

// requestBody translates a ChatRequest into the messages-API JSON shape.
func (p *AnthropicProvider) requestBody(model string, req ChatRequest, stream bool) map[string]interface{} {
	body := map[string]interface{}{
		"model":         model,
		"max_tokens":    4096,
		"messages":      anthropicMessages(req.Messages),
		"cache_control": map[string]interface{}{"type": "ephemeral"},
	}
	if stream {
		body["stream"] = true
	}
	if system := anthropicSystem(req.Messages); len(system) > 0 {
		body["system"] = system
	}
	if len(req.Tools) > 0 {
		body["tools"] = anthropicTools(req.Tools)
	}

	if v, ok := req.Options[OptMaxTokens]; ok {
		body["max_tokens"] = v
	}
	if v, ok := req.Options[OptTemperature]; ok {
		body["temperature"] = v
	}
	if level, ok := req.Options[OptThinkingLevel].(string); ok && level != "" && level != "off" {
		budget := anthropicThinkingBudget(level)
		body["thinking"] = map[string]interface{}{
			"type":          "enabled",
			"budget_tokens": budget,
		}
		// The API rejects temperature alongside extended thinking, and
		// max_tokens must cover the budget plus the visible reply.
		delete(body, "temperature")
		if maxTok, ok := body["max_tokens"].(int); !ok || maxTok < budget+4096 {
			body["max_tokens"] = budget + 8192
		}
	}
	return body
}

func anthropicSystem(msgs []Message) []map[string]interface{} {
	var blocks []map[string]interface{}
	for _, m := range msgs {
		if m.Role == "system" {
			blocks = append(blocks, map[string]interface{}{"type": "text", "text": m.Content})
		}
	}
	return blocks
}

func anthropicMessages(msgs []Message) []map[string]interface{} {
	var out []map[string]interface{}
	for _, m := range msgs {
		switch m.Role {
		case "user":
			out = append(out, anthropicUserMessage(m))
		case "assistant":
			out = append(out, anthropicAssistantMessage(m))
		case "tool":
			// Tool results travel as user-role tool_result blocks.
			out = append(out, map[string]interface{}{
				"role": "user",
				"content": []map[string]interface{}{{
					"type":        "tool_result",
					"tool_use_id": m.ToolCallID,
					"content":     m.Content,
				}},
			})
		}
	}
	return out
}

func anthropicUserMessage(m Message) map[string]interface{} {
	if len(m.Images) == 0 {
		return map[string]interface{}{"role": "user", "content": m.Content}
	}
	var blocks []map[string]interface{}
	for _, img := range m.Images {
		blocks = append(blocks, map[string]interface{}{
			"type": "image",
			"source": map[string]interface{}{
				"type":       "base64",
				"media_type": img.MimeType,
				"data":       img.Data,
			},
		})
	}
	if m.Content != "" {
		blocks = append(blocks, map[string]interface{}{"type": "text", "text": m.Content})
	}
	return map[string]interface{}{"role": "user", "content": blocks}
}

// anthropicAssistantMessage prefers the provider-native blocks captured on
// the original turn; thinking signatures only validate when replayed
// verbatim.
func anthropicAssistantMessage(m Message) map[string]interface{} {
	if m.RawAssistantContent != nil {
		var raw []json.RawMessage
		if json.Unmarshal(m.RawAssistantContent, &raw) == nil && len(raw) > 0 {
			return map[string]interface{}{"role": "assistant", "content": raw}
		}
	}
	var blocks []map[string]interface{}
	if m.Content != "" {
		blocks = append(blocks, map[string]interface{}{"type": "text", "text": m.Content})
	}
	for _, tc := range m.ToolCalls {
		blocks = append(blocks, map[string]interface{}{
			"type":  "tool_use",
			"id":    tc.ID,
			"name":  tc.Name,
			"input": tc.Arguments,
		})
	}
	return map[string]interface{}{"role": "assistant", "content": blocks}
}

func anthropicTools(defs []ToolDefinition) []map[string]interface{} {
	tools := make([]map[string]interface{}, 0, len(defs))
	for _, t := range defs {
		tools = append(tools, map[string]interface{}{
			"name":         t.Function.Name,
			"description":  t.Function.Description,
			"input_schema": CleanSchemaForProvider("anthropic", t.Function.Parameters),
		})
	}
	return tools
}

func anthropicThinkingBudget(level string) int {
	switch level {
	case "low":
		return 4096
	case "medium":
		return 10000
	case "high":
		return 32000
	default:
		return 10000
	}
}
