package llm

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/charmbracelet/log"
)

// defaultAnthropicMaxTokens is sent when the caller sets no limit; the
// Messages API requires one.
const defaultAnthropicMaxTokens = 4096

// AnthropicService implements the LLM service using the Anthropic Messages API.
type AnthropicService struct {
	client anthropic.Client
	model  string
}

// NewAnthropicService creates a new Anthropic LLM service. baseURL is
// optional.
func NewAnthropicService(apiKey, model, baseURL string) (*AnthropicService, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("Anthropic API key is required")
	}

	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}

	return &AnthropicService{
		client: anthropic.NewClient(opts...),
		model:  model,
	}, nil
}

// Complete generates a completion for the given messages.
func (s *AnthropicService) Complete(ctx context.Context, messages []Message, opts CompletionOptions) (string, error) {
	log.Debug("Requesting completion from Anthropic", "model", s.model)
	return s.complete(ctx, s.params(messages, opts))
}

// CompleteImage sends prompt with img as a base64 image block.
func (s *AnthropicService) CompleteImage(ctx context.Context, prompt string, img Image, opts CompletionOptions) (string, error) {
	log.Debug("Requesting image completion from Anthropic", "model", s.model, "media_type", img.MediaType)

	params := s.params(nil, opts)
	params.Messages = []anthropic.MessageParam{
		anthropic.NewUserMessage(
			anthropic.NewImageBlockBase64(img.MediaType, base64.StdEncoding.EncodeToString(img.Data)),
			anthropic.NewTextBlock(prompt),
		),
	}
	return s.complete(ctx, params)
}

func (s *AnthropicService) complete(ctx context.Context, params anthropic.MessageNewParams) (string, error) {
	resp, err := s.client.Messages.New(ctx, params)
	if err != nil {
		return "", upstream(ProviderAnthropic, err, "failed to create message")
	}

	var b strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	return b.String(), nil
}

// params converts chat messages. System messages move to the top-level
// system prompt.
func (s *AnthropicService) params(messages []Message, opts CompletionOptions) anthropic.MessageNewParams {
	maxTokens := int64(opts.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = defaultAnthropicMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(s.model),
		MaxTokens:   maxTokens,
		Temperature: anthropic.Float(opts.Temperature),
	}

	for _, m := range messages {
		switch m.Role {
		case RoleSystem:
			params.System = append(params.System, anthropic.TextBlockParam{Text: m.Content})
		case RoleAssistant:
			params.Messages = append(params.Messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		default:
			params.Messages = append(params.Messages, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		}
	}
	return params
}

// CompleteStream generates a streaming completion.
func (s *AnthropicService) CompleteStream(ctx context.Context, messages []Message, opts CompletionOptions) (<-chan string, <-chan error) {
	contentCh := make(chan string, 100)
	errCh := make(chan error, 1)

	go func() {
		defer close(contentCh)
		defer close(errCh)

		stream := s.client.Messages.NewStreaming(ctx, s.params(messages, opts))
		defer stream.Close()

		for stream.Next() {
			event := stream.Current()
			switch event.Type {
			case "content_block_delta":
				if event.Delta.Type == "text_delta" && event.Delta.Text != "" {
					contentCh <- event.Delta.Text
				}
			case "message_stop":
				return
			}
		}

		if err := stream.Err(); err != nil {
			errCh <- upstream(ProviderAnthropic, err, "stream failed")
		}
	}()

	return contentCh, errCh
}

// Provider returns the provider name.
func (s *AnthropicService) Provider() Provider {
	return ProviderAnthropic
}

// ModelName returns the model name.
func (s *AnthropicService) ModelName() string {
	return s.model
}
