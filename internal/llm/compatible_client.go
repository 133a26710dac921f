package llm

import (
	"context"
	"fmt"

	"github.com/tmc/langchaingo/llms"
	llmopenai "github.com/tmc/langchaingo/llms/openai"
)

// CompatibleClient wraps a langchaingo model for any OpenAI-compatible API,
// such as local servers (Ollama, LM Studio, vLLM) or custom deployments.
type CompatibleClient struct {
	llm       llms.Model
	modelName string
}

// NewCompatibleClient creates a client for an OpenAI-compatible endpoint.
// The API key is optional since many local servers do not require auth.
func NewCompatibleClient(apiKey, baseURL, modelName string) (*CompatibleClient, error) {
	if modelName == "" {
		return nil, fmt.Errorf("model name is required for OpenAI-compatible provider")
	}
	if baseURL == "" {
		return nil, fmt.Errorf("base URL is required for OpenAI-compatible provider")
	}

	opts := []llmopenai.Option{
		llmopenai.WithModel(modelName),
		llmopenai.WithBaseURL(baseURL),
	}
	if apiKey != "" {
		opts = append(opts, llmopenai.WithToken(apiKey))
	} else {
		// langchaingo insists on a token even when the server ignores it
		opts = append(opts, llmopenai.WithToken("unused"))
	}

	model, err := llmopenai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create OpenAI-compatible client: %w", err)
	}

	return NewCompatibleClientFromModel(model, modelName), nil
}

// NewCompatibleClientFromModel adapts an existing langchaingo model.
func NewCompatibleClientFromModel(model llms.Model, modelName string) *CompatibleClient {
	return &CompatibleClient{llm: model, modelName: modelName}
}

func (c *CompatibleClient) GetModelName() string {
	return c.modelName
}

func (c *CompatibleClient) Complete(ctx context.Context, prompt string) (string, error) {
	return completePrompt(ctx, c, prompt)
}

func (c *CompatibleClient) CompleteWithRequest(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error) {
	if req == nil {
		return nil, fmt.Errorf("completion request cannot be nil")
	}

	messages := convertMessagesToLangChain(req.Messages)
	if req.SystemPrompt != "" {
		messages = append([]llms.MessageContent{llms.TextParts(llms.ChatMessageTypeSystem, req.SystemPrompt)}, messages...)
	}
	if len(messages) == 0 {
		return nil, fmt.Errorf("no messages provided")
	}

	opts := []llms.CallOption{llms.WithTemperature(req.Temperature)}
	if req.MaxTokens > 0 {
		opts = append(opts, llms.WithMaxTokens(req.MaxTokens))
	}

	response, err := c.llm.GenerateContent(ctx, messages, opts...)
	if err != nil {
		return nil, classify("openai-compatible", err)
	}

	if len(response.Choices) == 0 {
		return &CompletionResponse{StopReason: "stop"}, nil
	}

	choice := response.Choices[0]
	out := &CompletionResponse{
		Content:    choice.Content,
		StopReason: choice.StopReason,
	}
	if len(choice.GenerationInfo) > 0 {
		out.Usage = choice.GenerationInfo
	}
	return out, nil
}

func convertMessagesToLangChain(messages []*Message) []llms.MessageContent {
	result := make([]llms.MessageContent, 0, len(messages))
	for _, msg := range messages {
		if msg == nil || msg.Content == "" {
			continue
		}

		var role llms.ChatMessageType
		switch normalizeRole(msg.Role) {
		case "assistant":
			role = llms.ChatMessageTypeAI
		case "system":
			role = llms.ChatMessageTypeSystem
		default:
			role = llms.ChatMessageTypeHuman
		}
		result = append(result, llms.TextParts(role, msg.Content))
	}
	return result
}
