package providers

import "context"

const (
	dashScopeDefaultBase  = "https://dashscope-intl.aliyuncs.com/compatible-mode/v1"
	dashScopeDefaultModel = "qwen3-max"
)

// DashScopeProvider wraps the compatible-mode endpoint for Alibaba's Qwen
// models. The wire format is the OpenAI one; only thinking control differs.
type DashScopeProvider struct {
	*OpenAIProvider
}

func NewDashScopeProvider(apiKey, baseURL, model string) *DashScopeProvider {
	if baseURL == "" {
		baseURL = dashScopeDefaultBase
	}
	if model == "" {
		model = dashScopeDefaultModel
	}
	return &DashScopeProvider{
		OpenAIProvider: NewOpenAIProvider("dashscope", apiKey, baseURL, model),
	}
}

func (p *DashScopeProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	return p.OpenAIProvider.Chat(ctx, p.translateThinking(req))
}

func (p *DashScopeProvider) ChatStream(ctx context.Context, req ChatRequest, onChunk func(StreamChunk)) (*ChatResponse, error) {
	req = p.translateThinking(req)

	// Qwen rejects incremental output when tools are attached. Fall back to
	// a buffered completion and synthesize the chunks.
	if len(req.Tools) > 0 {
		resp, err := p.Chat(ctx, req)
		if err != nil {
			return nil, err
		}
		if onChunk != nil {
			if resp.Thinking != "" {
				onChunk(StreamChunk{Thinking: resp.Thinking})
			}
			if resp.Content != "" {
				onChunk(StreamChunk{Content: resp.Content})
			}
			onChunk(StreamChunk{Done: true})
		}
		return resp, nil
	}
	return p.OpenAIProvider.ChatStream(ctx, req, onChunk)
}

// translateThinking maps the portable thinking level onto DashScope's
// enable_thinking switch and token budget.
func (p *DashScopeProvider) translateThinking(req ChatRequest) ChatRequest {
	level, ok := req.Options[OptThinkingLevel].(string)
	if !ok || level == "" {
		return req
	}

	opts := make(map[string]interface{}, len(req.Options)+1)
	for k, v := range req.Options {
		if k == OptThinkingLevel {
			continue
		}
		opts[k] = v
	}
	if level == "off" {
		opts[OptEnableThinking] = false
	} else {
		opts[OptEnableThinking] = true
		opts[OptThinkingBudget] = dashScopeThinkingBudget(level)
	}

	req.Options = opts
	return req
}

func dashScopeThinkingBudget(level string) int {
	switch level {
	case "low":
		return 4096
	case "high":
		return 32768
	default:
		return 16384
	}
}
