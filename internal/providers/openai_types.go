package providers

// Wire types for the OpenAI chat completions API and its compatible vendors.
// reasoning_content and thought_signature are vendor extensions (DeepSeek,
// DashScope, Gemini) that plain OpenAI simply never sets.

type openAIResponse struct {
	Choices []openAIChoice `json:"choices"`
	Usage   *openAIUsage   `json:"usage"`
}

type openAIChoice struct {
	Message      openAIMessage `json:"message"`
	FinishReason string        `json:"finish_reason"`
}

type openAIMessage struct {
	Role             string           `json:"role"`
	Content          string           `json:"content"`
	ReasoningContent string           `json:"reasoning_content"`
	ToolCalls        []openAIToolCall `json:"tool_calls"`
}

type openAIToolCall struct {
	Index    int            `json:"index"`
	ID       string         `json:"id"`
	Type     string         `json:"type"`
	Function openAIFunction `json:"function"`
}

type openAIFunction struct {
	Name             string `json:"name"`
	Arguments        string `json:"arguments"`
	ThoughtSignature string `json:"thought_signature"`
}

type openAIStreamChunk struct {
	Choices []openAIStreamChoice `json:"choices"`
	Usage   *openAIUsage         `json:"usage"`
}

type openAIStreamChoice struct {
	Delta        openAIStreamDelta `json:"delta"`
	FinishReason string            `json:"finish_reason"`
}

type openAIStreamDelta struct {
	Content          string           `json:"content"`
	ReasoningContent string           `json:"reasoning_content"`
	ToolCalls        []openAIToolCall `json:"tool_calls"`
}

type openAIUsage struct {
	PromptTokens            int                `json:"prompt_tokens"`
	CompletionTokens        int                `json:"completion_tokens"`
	TotalTokens             int                `json:"total_tokens"`
	PromptTokensDetails     *openAIPromptExtra `json:"prompt_tokens_details"`
	CompletionTokensDetails *openAIOutputExtra `json:"completion_tokens_details"`
}

type openAIPromptExtra struct {
	CachedTokens int `json:"cached_tokens"`
}

type openAIOutputExtra struct {
	ReasoningTokens int `json:"reasoning_tokens"`
}

// toolCallAccumulator assembles one tool call from streamed deltas. Argument
// fragments concatenate into rawArgs until the stream ends.
type toolCallAccumulator struct {
	ToolCall
	rawArgs    string
	thoughtSig string
}
