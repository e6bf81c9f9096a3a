package providers

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// anthropicStream accumulates one streamed message: content and thinking
// deltas, tool-call argument fragments, and the provider-native blocks that
// ride back on the next turn so thinking signatures survive tool-use cycles.
type anthropicStream struct {
	result        *ChatResponse
	toolArgs      []string          // JSON fragments, one per tool_use block
	blocks        []json.RawMessage // reconstructed content blocks
	blockType     string            // type of the block currently open
	signature     string            // signature of the open thinking block
	redactedData  string            // opaque payload of an open redacted_thinking block
	thinkingChars int
}

func (p *AnthropicProvider) ChatStream(ctx context.Context, req ChatRequest, onChunk func(StreamChunk)) (*ChatResponse, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}
	body := p.requestBody(model, req, true)

	// Retry covers the connection phase only; an established stream is
	// consumed exactly once.
	respBody, err := RetryDo(ctx, p.retryConfig, func() (io.ReadCloser, error) {
		return p.doRequest(ctx, body)
	})
	if err != nil {
		return nil, err
	}
	defer respBody.Close()

	stream := &anthropicStream{result: &ChatResponse{FinishReason: "stop"}}

	scanner := bufio.NewScanner(respBody)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024) // thinking deltas can be large
	event := ""

	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "event: ") {
			event = strings.TrimPrefix(line, "event: ")
			continue
		}
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := []byte(strings.TrimPrefix(line, "data: "))

		switch event {
		case "message_start":
			var ev anthropicMessageStartEvent
			if json.Unmarshal(data, &ev) == nil {
				stream.result.Usage = &Usage{
					PromptTokens:        ev.Message.Usage.InputTokens,
					CacheCreationTokens: ev.Message.Usage.CacheCreationInputTokens,
					CacheReadTokens:     ev.Message.Usage.CacheReadInputTokens,
				}
			}
		case "content_block_start":
			var ev anthropicContentBlockStartEvent
			if json.Unmarshal(data, &ev) == nil {
				stream.startBlock(ev)
			}
		case "content_block_delta":
			var ev anthropicContentBlockDeltaEvent
			if json.Unmarshal(data, &ev) == nil {
				stream.delta(ev, onChunk)
			}
		case "content_block_stop":
			stream.closeBlock()
		case "message_delta":
			var ev anthropicMessageDeltaEvent
			if json.Unmarshal(data, &ev) == nil {
				stream.messageDelta(ev)
			}
		case "error":
			var ev anthropicErrorEvent
			if json.Unmarshal(data, &ev) == nil {
				return nil, fmt.Errorf("anthropic stream error: %s: %s", ev.Error.Type, ev.Error.Message)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("anthropic: read stream: %w", err)
	}

	return stream.finish(onChunk), nil
}

func (s *anthropicStream) startBlock(ev anthropicContentBlockStartEvent) {
	s.blockType = ev.ContentBlock.Type
	s.signature = ""
	s.redactedData = ev.ContentBlock.Data
	if ev.ContentBlock.Type == "tool_use" {
		s.result.ToolCalls = append(s.result.ToolCalls, ToolCall{
			ID:        ev.ContentBlock.ID,
			Name:      strings.TrimSpace(ev.ContentBlock.Name),
			Arguments: make(map[string]interface{}),
		})
		s.toolArgs = append(s.toolArgs, "")
	}
	s.blocks = append(s.blocks, nil)
}

func (s *anthropicStream) delta(ev anthropicContentBlockDeltaEvent, onChunk func(StreamChunk)) {
	switch ev.Delta.Type {
	case "text_delta":
		s.result.Content += ev.Delta.Text
		if onChunk != nil {
			onChunk(StreamChunk{Content: ev.Delta.Text})
		}
	case "thinking_delta":
		s.result.Thinking += ev.Delta.Thinking
		s.thinkingChars += len(ev.Delta.Thinking)
		if onChunk != nil {
			onChunk(StreamChunk{Thinking: ev.Delta.Thinking})
		}
	case "input_json_delta":
		if n := len(s.toolArgs); n > 0 {
			s.toolArgs[n-1] += ev.Delta.PartialJSON
		}
	case "signature_delta":
		s.signature += ev.Delta.Signature
	}
}

// closeBlock rebuilds the finished block from accumulated state for the
// RawAssistantContent passback.
func (s *anthropicStream) closeBlock() {
	if len(s.blocks) == 0 {
		return
	}
	var block map[string]interface{}
	switch s.blockType {
	case "text":
		block = map[string]interface{}{"type": "text", "text": s.result.Content}
	case "thinking":
		block = map[string]interface{}{"type": "thinking", "thinking": s.result.Thinking}
		if s.signature != "" {
			block["signature"] = s.signature
		}
	case "redacted_thinking":
		block = map[string]interface{}{"type": "redacted_thinking"}
		if s.redactedData != "" {
			block["data"] = s.redactedData
		}
	case "tool_use":
		if n := len(s.result.ToolCalls); n > 0 {
			tc := s.result.ToolCalls[n-1]
			args := make(map[string]interface{})
			if raw := s.toolArgs[n-1]; raw != "" {
				_ = json.Unmarshal([]byte(raw), &args)
			}
			block = map[string]interface{}{"type": "tool_use", "id": tc.ID, "name": tc.Name, "input": args}
		}
	}
	if block != nil {
		if b, err := json.Marshal(block); err == nil {
			s.blocks[len(s.blocks)-1] = b
		}
	}
	s.blockType = ""
	s.signature = ""
	s.redactedData = ""
}

func (s *anthropicStream) messageDelta(ev anthropicMessageDeltaEvent) {
	switch ev.Delta.StopReason {
	case "":
	case "tool_use":
		s.result.FinishReason = "tool_calls"
	case "max_tokens":
		s.result.FinishReason = "length"
	default:
		s.result.FinishReason = "stop"
	}
	if ev.Usage.OutputTokens > 0 {
		if s.result.Usage == nil {
			s.result.Usage = &Usage{}
		}
		s.result.Usage.CompletionTokens = ev.Usage.OutputTokens
	}
}

func (s *anthropicStream) finish(onChunk func(StreamChunk)) *ChatResponse {
	for i, raw := range s.toolArgs {
		if raw == "" || i >= len(s.result.ToolCalls) {
			continue
		}
		args := make(map[string]interface{})
		_ = json.Unmarshal([]byte(raw), &args)
		s.result.ToolCalls[i].Arguments = args
	}

	if u := s.result.Usage; u != nil {
		u.TotalTokens = u.PromptTokens + u.CompletionTokens
		if s.thinkingChars > 0 {
			u.ThinkingTokens = s.thinkingChars / 4 // rough chars-per-token estimate
		}
	}

	// Passback only matters for tool-use cycles; plain replies replay fine
	// from their text form.
	if len(s.result.ToolCalls) > 0 {
		var kept []json.RawMessage
		for _, b := range s.blocks {
			if b != nil {
				kept = append(kept, b)
			}
		}
		if len(kept) > 0 {
			if b, err := json.Marshal(kept); err == nil {
				s.result.RawAssistantContent = b
			}
		}
	}

	if onChunk != nil {
		onChunk(StreamChunk{Done: true})
	}
	return s.result
}
