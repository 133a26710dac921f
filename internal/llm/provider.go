package llm

import (
	"context"
	"fmt"
	"sort"
	"strings"

	anthropicoption "github.com/anthropics/anthropic-sdk-go/option"
	openaioption "github.com/openai/openai-go/option"

	"github.com/codefionn/reflexion/internal/securemem"
)

const (
	ProviderAnthropic  = "anthropic"
	ProviderOpenAI     = "openai"
	ProviderGoogle     = "google"
	ProviderCompatible = "openai-compatible"
	ProviderMock       = "mock"
)

var providerAliases = map[string]string{
	"anthropic":         ProviderAnthropic,
	"claude":            ProviderAnthropic,
	"openai":            ProviderOpenAI,
	"google":            ProviderGoogle,
	"gemini":            ProviderGoogle,
	"openai-compatible": ProviderCompatible,
	"compatible":        ProviderCompatible,
	"ollama":            ProviderCompatible,
	"lmstudio":          ProviderCompatible,
	"mock":              ProviderMock,
}

// Options selects and configures a provider client.
type Options struct {
	Provider string
	Model    string
	// BaseURL overrides the provider endpoint. Required for openai-compatible.
	BaseURL string
	APIKey  *securemem.String

	RequestsPerSecond float64
	TokensPerMinute   int
}

// NormalizeProvider resolves aliases such as "claude" or "ollama".
func NormalizeProvider(name string) (string, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	if provider, ok := providerAliases[key]; ok {
		return provider, nil
	}
	return "", fmt.Errorf("unknown llm provider %q (supported: %s)", name, strings.Join(SupportedProviders(), ", "))
}

// SupportedProviders lists the canonical provider names.
func SupportedProviders() []string {
	seen := make(map[string]bool)
	var out []string
	for _, provider := range providerAliases {
		if !seen[provider] {
			seen[provider] = true
			out = append(out, provider)
		}
	}
	sort.Strings(out)
	return out
}

// NewClient creates the client for opts.Provider, wrapped in a rate limiter
// when limits are configured. The mock provider echoes a finish decision and
// needs no key.
func NewClient(ctx context.Context, opts Options) (Client, error) {
	provider, err := NormalizeProvider(opts.Provider)
	if err != nil {
		return nil, err
	}

	var (
		client    Client
		createErr error
	)
	if err := opts.APIKey.WithValue(func(key string) {
		client, createErr = newProviderClient(ctx, provider, key, opts)
	}); err != nil {
		return nil, err
	}
	if createErr != nil {
		return nil, createErr
	}

	return NewRateLimitedClient(client, opts.RequestsPerSecond, opts.TokensPerMinute), nil
}

func newProviderClient(ctx context.Context, provider, key string, opts Options) (Client, error) {
	switch provider {
	case ProviderAnthropic:
		var extra []anthropicoption.RequestOption
		if opts.BaseURL != "" {
			extra = append(extra, anthropicoption.WithBaseURL(opts.BaseURL))
		}
		return NewAnthropicClient(key, opts.Model, extra...)
	case ProviderOpenAI:
		var extra []openaioption.RequestOption
		if opts.BaseURL != "" {
			extra = append(extra, openaioption.WithBaseURL(opts.BaseURL))
		}
		return NewOpenAIClient(key, opts.Model, extra...)
	case ProviderGoogle:
		return NewGoogleClient(ctx, key, opts.Model, opts.BaseURL)
	case ProviderCompatible:
		return NewCompatibleClient(key, opts.BaseURL, opts.Model)
	case ProviderMock:
		model := opts.Model
		if model == "" {
			model = "mock"
		}
		return &MockClient{Model: model, Responses: []string{`{"action_type": "finish", "final_answer": "mock answer"}`}}, nil
	default:
		return nil, fmt.Errorf("unknown llm provider %q", provider)
	}
}

// DefaultAPIKeyEnv returns the environment variable conventionally holding
// the provider's key. Providers that need no key return "".
func DefaultAPIKeyEnv(provider string) string {
	switch provider {
	case ProviderAnthropic:
		return "ANTHROPIC_API_KEY"
	case ProviderOpenAI:
		return "OPENAI_API_KEY"
	case ProviderGoogle:
		return "GEMINI_API_KEY"
	default:
		return ""
	}
}
