package providers

import "encoding/json"

// requestBody builds a chat-completions request. The same encoding serves
// every compatible vendor; per-vendor quirks are gated on p.name.
func (p *OpenAIProvider) requestBody(model string, req ChatRequest, stream bool) map[string]interface{} {
	msgs := req.Messages
	if p.name == "gemini" {
		msgs = collapseToolCallsWithoutSig(msgs)
	}

	body := map[string]interface{}{
		"model":    model,
		"messages": openAIMessages(msgs),
	}

	if stream {
		body["stream"] = true
		body["stream_options"] = map[string]interface{}{"include_usage": true}
	}

	if len(req.Tools) > 0 {
		body["tools"] = CleanToolSchemas(p.name, req.Tools)
	}

	for key, value := range req.Options {
		switch key {
		case OptMaxTokens:
			body["max_tokens"] = value
		case OptTemperature:
			body["temperature"] = value
		case OptThinkingLevel, OptReasoningEffort:
			body["reasoning_effort"] = value
		case OptEnableThinking:
			body["enable_thinking"] = value
		case OptThinkingBudget:
			body["thinking_budget"] = value
		}
	}

	return body
}

func openAIMessages(msgs []Message) []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case "tool":
			out = append(out, map[string]interface{}{
				"role":         "tool",
				"tool_call_id": m.ToolCallID,
				"content":      m.Content,
			})
		case "assistant":
			out = append(out, openAIAssistantMessage(m))
		default:
			out = append(out, openAIUserMessage(m))
		}
	}
	return out
}

func openAIUserMessage(m Message) map[string]interface{} {
	if len(m.Images) == 0 {
		return map[string]interface{}{"role": m.Role, "content": m.Content}
	}

	parts := []map[string]interface{}{}
	if m.Content != "" {
		parts = append(parts, map[string]interface{}{"type": "text", "text": m.Content})
	}
	for _, img := range m.Images {
		parts = append(parts, map[string]interface{}{
			"type": "image_url",
			"image_url": map[string]interface{}{
				"url": "data:" + img.MimeType + ";base64," + img.Data,
			},
		})
	}
	return map[string]interface{}{"role": m.Role, "content": parts}
}

func openAIAssistantMessage(m Message) map[string]interface{} {
	msg := map[string]interface{}{"role": "assistant"}

	// Gemini's endpoint rejects an empty content string next to tool_calls,
	// so content is set only when there is any.
	if m.Content != "" || len(m.ToolCalls) == 0 {
		msg["content"] = m.Content
	}

	if len(m.ToolCalls) > 0 {
		calls := make([]map[string]interface{}, 0, len(m.ToolCalls))
		for _, tc := range m.ToolCalls {
			args, err := json.Marshal(tc.Arguments)
			if err != nil || tc.Arguments == nil {
				args = []byte("{}")
			}
			fn := map[string]interface{}{
				"name":      tc.Name,
				"arguments": string(args),
			}
			if sig := tc.Metadata["thought_signature"]; sig != "" {
				fn["thought_signature"] = sig
			}
			calls = append(calls, map[string]interface{}{
				"id":       tc.ID,
				"type":     "function",
				"function": fn,
			})
		}
		msg["tool_calls"] = calls
	}
	return msg
}

// collapseToolCallsWithoutSig rewrites history for Gemini, which rejects
// replayed tool calls that are missing their thought_signature. Affected
// assistant turns keep their text, and the matching tool results go with
// the calls they answered.
func collapseToolCallsWithoutSig(msgs []Message) []Message {
	collapsed := make(map[string]bool)
	for _, m := range msgs {
		if m.Role != "assistant" || len(m.ToolCalls) == 0 {
			continue
		}
		unsigned := false
		for _, tc := range m.ToolCalls {
			if tc.Metadata["thought_signature"] == "" {
				unsigned = true
				break
			}
		}
		if unsigned {
			for _, tc := range m.ToolCalls {
				collapsed[tc.ID] = true
			}
		}
	}
	if len(collapsed) == 0 {
		return msgs
	}

	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		switch {
		case m.Role == "tool" && collapsed[m.ToolCallID]:
			continue
		case m.Role == "assistant" && len(m.ToolCalls) > 0 && collapsed[m.ToolCalls[0].ID]:
			if m.Content == "" {
				continue
			}
			stripped := m
			stripped.ToolCalls = nil
			stripped.RawAssistantContent = nil
			out = append(out, stripped)
		default:
			out = append(out, m)
		}
	}
	return out
}
