package llm

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/time/rate"
)

const (
	defaultResponseTokenEstimate = 512
	minTokenEstimate             = 8
)

// rateLimitedClient wraps another Client and enforces request and token-based throttling.
type rateLimitedClient struct {
	delegate Client
	requests *rate.Limiter
	tokens   *rate.Limiter
}

// NewRateLimitedClient returns a Client that throttles calls using a
// requests-per-second limit and a tokens-per-minute budget. Zero disables
// the respective limit. With both disabled base is returned unchanged.
func NewRateLimitedClient(base Client, requestsPerSecond float64, tokensPerMinute int) Client {
	if base == nil {
		return base
	}
	if requestsPerSecond <= 0 && tokensPerMinute <= 0 {
		return base
	}

	client := &rateLimitedClient{delegate: base}
	if requestsPerSecond > 0 {
		client.requests = rate.NewLimiter(rate.Limit(requestsPerSecond), 1)
	}
	if tokensPerMinute > 0 {
		client.tokens = rate.NewLimiter(rate.Limit(float64(tokensPerMinute)/60.0), tokensPerMinute)
	}
	return client
}

func (c *rateLimitedClient) wait(ctx context.Context, tokens int) error {
	if c.requests != nil {
		if err := c.requests.Wait(ctx); err != nil {
			return fmt.Errorf("rate limit wait: %w", err)
		}
	}
	if c.tokens != nil && tokens > 0 {
		// A single request larger than the whole budget is clamped rather
		// than rejected outright.
		if burst := c.tokens.Burst(); tokens > burst {
			tokens = burst
		}
		if err := c.tokens.WaitN(ctx, tokens); err != nil {
			return fmt.Errorf("token budget wait: %w", err)
		}
	}
	return nil
}

func (c *rateLimitedClient) Complete(ctx context.Context, prompt string) (string, error) {
	if err := c.wait(ctx, estimateTokensForPrompt(prompt)); err != nil {
		return "", err
	}
	return c.delegate.Complete(ctx, prompt)
}

func (c *rateLimitedClient) CompleteWithRequest(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error) {
	if err := c.wait(ctx, estimateTokensForRequest(req)); err != nil {
		return nil, err
	}
	return c.delegate.CompleteWithRequest(ctx, req)
}

func (c *rateLimitedClient) GetModelName() string {
	return c.delegate.GetModelName()
}

func estimateTokensForPrompt(prompt string) int {
	estimated := EstimateTokenCount(prompt)
	if estimated < minTokenEstimate {
		estimated = minTokenEstimate
	}
	return estimated + defaultResponseTokenEstimate
}

func estimateTokensForRequest(req *CompletionRequest) int {
	if req == nil {
		return defaultResponseTokenEstimate
	}

	tokens := EstimateTokenCount(req.SystemPrompt)
	for _, msg := range req.Messages {
		if msg != nil {
			tokens += EstimateTokenCount(msg.Content)
		}
	}
	if tokens < minTokenEstimate {
		tokens = minTokenEstimate
	}

	if req.MaxTokens > 0 {
		tokens += req.MaxTokens
	} else {
		tokens += defaultResponseTokenEstimate
	}
	return tokens
}

// EstimateTokenCount returns a rough token estimate for the provided content.
func EstimateTokenCount(content string) int {
	chars := len(strings.TrimSpace(content))
	if chars <= 0 {
		return 0
	}
	tokens := chars / 4
	if tokens <= 0 {
		tokens = 1
	}
	return tokens
}
