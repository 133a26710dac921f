package llm

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/genai"
)

// GoogleClient implements the Client interface using the official Google GenAI SDK.
type GoogleClient struct {
	modelName string
	client    *genai.Client
}

// NewGoogleClient creates a Google GenAI client for the provided model. An
// empty baseURL uses the public Gemini endpoint.
func NewGoogleClient(ctx context.Context, apiKey, modelName, baseURL string) (Client, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("google client requires an API key")
	}

	cfg := &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	}
	if baseURL != "" {
		cfg.HTTPOptions = genai.HTTPOptions{BaseURL: baseURL}
	}

	client, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create Google GenAI client: %w", err)
	}

	return &GoogleClient{
		modelName: normalizeGoogleModelName(modelName),
		client:    client,
	}, nil
}

func (c *GoogleClient) GetModelName() string {
	return c.modelName
}

func (c *GoogleClient) Complete(ctx context.Context, prompt string) (string, error) {
	return completePrompt(ctx, c, prompt)
}

func (c *GoogleClient) CompleteWithRequest(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error) {
	if req == nil {
		return nil, fmt.Errorf("google completion request cannot be nil")
	}
	contents := convertMessagesToGenAI(req.Messages)
	if len(contents) == 0 {
		return nil, fmt.Errorf("no messages provided")
	}

	resp, err := c.client.Models.GenerateContent(ctx, c.modelName, contents, buildGenAIGenerationConfig(req))
	if err != nil {
		return nil, classify("google", err)
	}

	return buildGenAICompletionResponse(resp), nil
}

func buildGenAICompletionResponse(resp *genai.GenerateContentResponse) *CompletionResponse {
	if resp == nil || len(resp.Candidates) == 0 {
		stop := ""
		if resp != nil && resp.PromptFeedback != nil {
			stop = string(resp.PromptFeedback.BlockReason)
		}
		return &CompletionResponse{StopReason: stop}
	}

	candidate := resp.Candidates[0]
	stopReason := string(candidate.FinishReason)
	if stopReason == "" {
		stopReason = candidate.FinishMessage
	}

	out := &CompletionResponse{
		Content:    collectTextFromContent(candidate.Content),
		StopReason: stopReason,
	}
	if resp.UsageMetadata != nil {
		out.Usage = map[string]interface{}{
			"input_tokens":  resp.UsageMetadata.PromptTokenCount,
			"output_tokens": resp.UsageMetadata.CandidatesTokenCount,
		}
	}
	return out
}

func collectTextFromContent(content *genai.Content) string {
	if content == nil {
		return ""
	}

	var sb strings.Builder
	for _, part := range content.Parts {
		if part == nil || part.Thought {
			continue
		}
		sb.WriteString(part.Text)
	}
	return sb.String()
}

// convertMessagesToGenAI maps assistant turns to the model role. System
// messages are sent as user turns since the request carries its own system
// instruction.
func convertMessagesToGenAI(messages []*Message) []*genai.Content {
	contents := make([]*genai.Content, 0, len(messages))
	for _, msg := range messages {
		if msg == nil || msg.Content == "" {
			continue
		}
		role := genai.Role(genai.RoleUser)
		if normalizeRole(msg.Role) == "assistant" {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(msg.Content, role))
	}
	return contents
}

func buildGenAIGenerationConfig(req *CompletionRequest) *genai.GenerateContentConfig {
	cfg := &genai.GenerateContentConfig{}

	if req.SystemPrompt != "" {
		cfg.SystemInstruction = genai.NewContentFromText(req.SystemPrompt, genai.RoleUser)
	}
	if req.Temperature > 0 {
		temp := float32(req.Temperature)
		cfg.Temperature = &temp
	}
	if req.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(req.MaxTokens)
	}

	return cfg
}

func normalizeGoogleModelName(modelName string) string {
	trimmed := strings.TrimSpace(modelName)
	if trimmed == "" {
		return "models/gemini-2.0-flash"
	}

	lowered := strings.ToLower(trimmed)
	if strings.HasPrefix(lowered, "models/") || strings.HasPrefix(lowered, "publishers/") {
		return trimmed
	}

	return "models/" + trimmed
}
