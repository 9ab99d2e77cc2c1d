package llm

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

// OpenAIService implements the LLM service using OpenAI.
type OpenAIService struct {
	client openai.Client
	model  string
}

// NewOpenAIService creates a new OpenAI LLM service.
func NewOpenAIService(apiKey, model, baseURL string) (*OpenAIService, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("OpenAI API key is required")
	}

	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}

	client := openai.NewClient(opts...)

	return &OpenAIService{
		client: client,
		model:  model,
	}, nil
}

// Complete generates a completion for the given messages.
func (s *OpenAIService) Complete(ctx context.Context, messages []Message, opts CompletionOptions) (string, error) {
	log.Debug("Requesting completion from OpenAI", "model", s.model)
	return s.complete(ctx, toOpenAI(messages), opts)
}

// CompleteImage sends prompt with img inlined as a data URL.
func (s *OpenAIService) CompleteImage(ctx context.Context, prompt string, img Image, opts CompletionOptions) (string, error) {
	log.Debug("Requesting image completion from OpenAI", "model", s.model, "media_type", img.MediaType)

	dataURL := "data:" + img.MediaType + ";base64," + base64.StdEncoding.EncodeToString(img.Data)
	parts := []openai.ChatCompletionContentPartUnionParam{
		openai.TextContentPart(prompt),
		openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{URL: dataURL}),
	}
	return s.complete(ctx, []openai.ChatCompletionMessageParamUnion{openai.UserMessage(parts)}, opts)
}

func (s *OpenAIService) complete(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion, opts CompletionOptions) (string, error) {
	resp, err := s.client.Chat.Completions.New(ctx, s.params(messages, opts))
	if err != nil {
		return "", upstream(ProviderOpenAI, err, "failed to create completion")
	}

	if len(resp.Choices) == 0 {
		return "", upstream(ProviderOpenAI, fmt.Errorf("empty choices"), "no completion returned")
	}

	return resp.Choices[0].Message.Content, nil
}

func (s *OpenAIService) params(messages []openai.ChatCompletionMessageParamUnion, opts CompletionOptions) openai.ChatCompletionNewParams {
	params := openai.ChatCompletionNewParams{
		Model:       openai.ChatModel(s.model),
		Messages:    messages,
		Temperature: openai.Float(opts.Temperature),
	}
	if opts.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(opts.MaxTokens))
	}
	return params
}

// CompleteStream generates a streaming completion.
func (s *OpenAIService) CompleteStream(ctx context.Context, messages []Message, opts CompletionOptions) (<-chan string, <-chan error) {
	contentCh := make(chan string, 100)
	errCh := make(chan error, 1)

	go func() {
		defer close(contentCh)
		defer close(errCh)

		stream := s.client.Chat.Completions.NewStreaming(ctx, s.params(toOpenAI(messages), opts))
		defer stream.Close()

		for stream.Next() {
			chunk := stream.Current()
			if len(chunk.Choices) > 0 && chunk.Choices[0].Delta.Content != "" {
				contentCh <- chunk.Choices[0].Delta.Content
			}
		}

		if err := stream.Err(); err != nil {
			errCh <- upstream(ProviderOpenAI, err, "stream failed")
		}
	}()

	return contentCh, errCh
}

// Provider returns the provider name.
func (s *OpenAIService) Provider() Provider {
	return ProviderOpenAI
}

// ModelName returns the model name.
func (s *OpenAIService) ModelName() string {
	return s.model
}

func toOpenAI(messages []Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, len(messages))
	for i, m := range messages {
		switch m.Role {
		case RoleSystem:
			out[i] = openai.SystemMessage(m.Content)
		case RoleAssistant:
			out[i] = openai.AssistantMessage(m.Content)
		default:
			out[i] = openai.UserMessage(m.Content)
		}
	}
	return out
}
