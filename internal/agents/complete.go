package agents

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/codefionn/reflexion/internal/llm"
	"github.com/codefionn/reflexion/internal/logger"
)

const (
	// DefaultMaxRetries is the number of retries after the first attempt.
	DefaultMaxRetries = 2
	// DefaultBackoff is the delay before the first retry; it doubles per attempt.
	DefaultBackoff = time.Second
	maxBackoff     = 30 * time.Second
)

// settings are shared by every agent in the package.
type settings struct {
	budget      *Budget
	maxRetries  int
	backoff     time.Duration
	temperature float64
	maxTokens   int
	log         *logger.Logger
	hints       bool
	sleep       func(ctx context.Context, d time.Duration) error
}

// Option configures an agent.
type Option func(*settings)

// WithBudget sets the token budget used to trim history.
func WithBudget(b *Budget) Option {
	return func(s *settings) { s.budget = b }
}

// WithRetries sets how often transient model failures are retried and the
// initial backoff.
func WithRetries(maxRetries int, backoff time.Duration) Option {
	return func(s *settings) {
		if maxRetries >= 0 {
			s.maxRetries = maxRetries
		}
		if backoff >= 0 {
			s.backoff = backoff
		}
	}
}

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) Option {
	return func(s *settings) { s.temperature = t }
}

// WithMaxTokens caps the completion length.
func WithMaxTokens(n int) Option {
	return func(s *settings) { s.maxTokens = n }
}

// WithPredefinedHints toggles the built-in failure patterns in reflection
// prompts (default: on).
func WithPredefinedHints(enabled bool) Option {
	return func(s *settings) { s.hints = enabled }
}

// WithLogger sets the logger.
func WithLogger(l *logger.Logger) Option {
	return func(s *settings) {
		if l != nil {
			s.log = l
		}
	}
}

func newSettings(prefix string, opts []Option) settings {
	s := settings{
		maxRetries:  DefaultMaxRetries,
		backoff:     DefaultBackoff,
		temperature: 0.2,
		maxTokens:   1024,
		hints:       true,
		log:         logger.Global().WithPrefix(prefix),
		sleep:       sleepCtx,
	}
	for _, opt := range opts {
		opt(&s)
	}
	if s.budget == nil {
		s.budget = NewBudget("", DefaultContextTokens)
	}
	return s
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// complete sends one system+user exchange, retrying transient failures with
// exponential backoff.
func (s *settings) complete(ctx context.Context, client llm.Client, system, user string) (string, error) {
	req := &llm.CompletionRequest{
		Messages:     []*llm.Message{{Role: "user", Content: user}},
		Temperature:  s.temperature,
		MaxTokens:    s.maxTokens,
		SystemPrompt: system,
	}

	maxAttempts := s.maxRetries + 1
	delay := s.backoff
	for attempt := 1; ; attempt++ {
		resp, err := client.CompleteWithRequest(ctx, req)
		if err == nil {
			content := strings.TrimSpace(resp.Content)
			if content == "" {
				return "", fmt.Errorf("%s returned an empty response", client.GetModelName())
			}
			return content, nil
		}

		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if errors.Is(err, context.Canceled) || !llm.IsTransient(err) || attempt >= maxAttempts {
			return "", err
		}

		s.log.Warn("Model call failed (attempt %d/%d), retrying in %v: %v", attempt, maxAttempts, delay, err)
		if err := s.sleep(ctx, delay); err != nil {
			return "", err
		}
		delay *= 2
		if delay > maxBackoff {
			delay = maxBackoff
		}
	}
}
