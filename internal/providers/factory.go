package providers

import (
	"fmt"
	"strings"
)

// Well-known OpenAI-compatible vendors and their endpoints. Anything not
// listed here can still be reached with name "openai" plus an explicit base.
var openAICompatible = map[string]struct {
	base  string
	model string
}{
	"openai":     {"https://api.openai.com/v1", "gpt-4o"},
	"openrouter": {"https://openrouter.ai/api/v1", "anthropic/claude-sonnet-4-5"},
	"deepseek":   {"https://api.deepseek.com/v1", "deepseek-chat"},
	"groq":       {"https://api.groq.com/openai/v1", "llama-3.3-70b-versatile"},
	"gemini":     {"https://generativelanguage.googleapis.com/v1beta/openai", "gemini-2.5-flash"},
}

// New constructs the provider selected by name. baseURL and model override
// the vendor defaults when non-empty.
func New(name, apiKey, baseURL, model string) (Provider, error) {
	switch n := strings.ToLower(strings.TrimSpace(name)); n {
	case "", "anthropic":
		opts := []AnthropicOption{WithAnthropicModel(model)}
		if baseURL != "" {
			opts = append(opts, WithAnthropicBaseURL(baseURL))
		}
		return NewAnthropicProvider(apiKey, opts...), nil
	case "dashscope":
		return NewDashScopeProvider(apiKey, baseURL, model), nil
	default:
		vendor, ok := openAICompatible[n]
		if !ok {
			return nil, fmt.Errorf("unknown provider %q", name)
		}
		if baseURL == "" {
			baseURL = vendor.base
		}
		if model == "" {
			model = vendor.model
		}
		return NewOpenAIProvider(n, apiKey, baseURL, model), nil
	}
}
