// Package llm provides the language models behind answers, AI metadata and
// image descriptions.
package llm

import (
	"context"
	"errors"
	"fmt"

	"github.com/nickcecere/kbase/internal/config"
	kberr "github.com/nickcecere/kbase/internal/errors"
)

// Provider represents an LLM provider type.
type Provider string

const (
	ProviderOllama    Provider = "ollama"
	ProviderOpenAI    Provider = "openai"
	ProviderAnthropic Provider = "anthropic"
	ProviderNone      Provider = "none"
)

// Chat roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ErrDisabled is returned by NewService when llm.provider is "none".
var ErrDisabled = errors.New("llm: no provider configured")

// Message represents a chat message.
type Message struct {
	Role    string `json:"role"` // "system", "user", or "assistant"
	Content string `json:"content"`
}

// Image is an inline image attached to a vision request.
type Image struct {
	Data      []byte
	MediaType string // e.g. "image/png"
}

// CompletionOptions configures the completion request.
type CompletionOptions struct {
	// Temperature controls randomness (0-1).
	Temperature float64

	// MaxTokens limits the response length.
	MaxTokens int
}

// DefaultCompletionOptions returns sensible defaults.
func DefaultCompletionOptions() CompletionOptions {
	return CompletionOptions{
		Temperature: 0.7,
		MaxTokens:   2048,
	}
}

// Service defines the interface for LLM services.
type Service interface {
	// Complete generates a completion for the given messages.
	Complete(ctx context.Context, messages []Message, opts CompletionOptions) (string, error)

	// CompleteStream generates a streaming completion. The content channel
	// is closed when the answer ends; the error channel carries at most one
	// error and is closed afterwards.
	CompleteStream(ctx context.Context, messages []Message, opts CompletionOptions) (<-chan string, <-chan error)

	// Provider returns the provider name.
	Provider() Provider

	// ModelName returns the model name.
	ModelName() string
}

// Vision is implemented by services whose models accept images.
type Vision interface {
	// CompleteImage answers prompt about img.
	CompleteImage(ctx context.Context, prompt string, img Image, opts CompletionOptions) (string, error)
}

// NewService creates an LLM service based on the configuration.
func NewService(cfg *config.Config) (Service, error) {
	switch Provider(cfg.LLM.Provider) {
	case ProviderOllama:
		return NewOllamaService(
			cfg.LLM.Ollama.URL,
			cfg.LLM.Ollama.Model,
		)
	case ProviderOpenAI:
		return NewOpenAIService(
			cfg.LLM.OpenAI.APIKey,
			cfg.LLM.OpenAI.Model,
			cfg.LLM.OpenAI.BaseURL,
		)
	case ProviderAnthropic:
		return NewAnthropicService(
			cfg.LLM.Anthropic.APIKey,
			cfg.LLM.Anthropic.Model,
			cfg.LLM.Anthropic.BaseURL,
		)
	case ProviderNone, "":
		return nil, ErrDisabled
	default:
		return nil, fmt.Errorf("unsupported LLM provider: %s", cfg.LLM.Provider)
	}
}

// upstream classifies a provider failure.
func upstream(p Provider, err error, msg string) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return kberr.Classify(kberr.ErrExternalService, kberr.CodeProviderTimeout, err, msg,
			kberr.FieldProvider(string(p)))
	}
	return kberr.Classify(kberr.ErrExternalService, kberr.CodeProviderUpstream, err, msg,
		kberr.FieldProvider(string(p)))
}
