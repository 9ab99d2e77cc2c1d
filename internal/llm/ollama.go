package llm

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/charmbracelet/log"
)

// OllamaService implements the LLM service using Ollama.
type OllamaService struct {
	baseURL string
	model   string
	client  *http.Client
}

// ollamaChatRequest is the request body for the Ollama chat API.
type ollamaChatRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Options  *ollamaOptions  `json:"options,omitempty"`
}

type ollamaMessage struct {
	Role    string   `json:"role"`
	Content string   `json:"content"`
	Images  []string `json:"images,omitempty"` // base64, no data: prefix
}

type ollamaOptions struct {
	Temperature float64 `json:"temperature"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

// ollamaChatResponse is the response from the Ollama chat API.
type ollamaChatResponse struct {
	Message    ollamaMessage `json:"message"`
	Done       bool          `json:"done"`
	DoneReason string        `json:"done_reason,omitempty"`
	Error      string        `json:"error,omitempty"`
}

// NewOllamaService creates a new Ollama LLM service.
func NewOllamaService(baseURL, model string) (*OllamaService, error) {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}

	return &OllamaService{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		model:   model,
		client: &http.Client{
			Timeout: 5 * time.Minute, // LLM calls can be slow
		},
	}, nil
}

// Complete generates a completion for the given messages.
func (s *OllamaService) Complete(ctx context.Context, messages []Message, opts CompletionOptions) (string, error) {
	log.Debug("Requesting completion from Ollama", "model", s.model)
	return s.chat(ctx, toOllama(messages), opts)
}

// CompleteImage sends prompt together with img to a multimodal model.
func (s *OllamaService) CompleteImage(ctx context.Context, prompt string, img Image, opts CompletionOptions) (string, error) {
	log.Debug("Requesting image completion from Ollama", "model", s.model, "media_type", img.MediaType)
	return s.chat(ctx, []ollamaMessage{{
		Role:    RoleUser,
		Content: prompt,
		Images:  []string{base64.StdEncoding.EncodeToString(img.Data)},
	}}, opts)
}

func (s *OllamaService) chat(ctx context.Context, messages []ollamaMessage, opts CompletionOptions) (string, error) {
	resp, err := s.post(ctx, messages, opts, false)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var result ollamaChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", upstream(ProviderOllama, err, "failed to decode response")
	}
	if result.Error != "" {
		return "", upstream(ProviderOllama, errors.New(result.Error), "ollama returned an error")
	}

	return result.Message.Content, nil
}

// post sends a chat request and returns the response once its status is OK.
func (s *OllamaService) post(ctx context.Context, messages []ollamaMessage, opts CompletionOptions, stream bool) (*http.Response, error) {
	reqBody := ollamaChatRequest{
		Model:    s.model,
		Messages: messages,
		Stream:   stream,
		Options: &ollamaOptions{
			Temperature: opts.Temperature,
			NumPredict:  opts.MaxTokens,
		},
	}

	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	url := s.baseURL + "/api/chat"
	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, upstream(ProviderOllama, err, "failed to make request")
	}

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, upstream(ProviderOllama,
			fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body))),
			"ollama returned an error status")
	}
	return resp, nil
}

// CompleteStream generates a streaming completion.
func (s *OllamaService) CompleteStream(ctx context.Context, messages []Message, opts CompletionOptions) (<-chan string, <-chan error) {
	contentCh := make(chan string, 100)
	errCh := make(chan error, 1)

	go func() {
		defer close(contentCh)
		defer close(errCh)

		resp, err := s.post(ctx, toOllama(messages), opts, true)
		if err != nil {
			errCh <- err
			return
		}
		defer resp.Body.Close()

		decoder := json.NewDecoder(resp.Body)
		for {
			select {
			case <-ctx.Done():
				errCh <- upstream(ProviderOllama, ctx.Err(), "stream interrupted")
				return
			default:
			}

			var chunk ollamaChatResponse
			if err := decoder.Decode(&chunk); err != nil {
				if err == io.EOF {
					return
				}
				errCh <- upstream(ProviderOllama, err, "failed to decode chunk")
				return
			}
			if chunk.Error != "" {
				errCh <- upstream(ProviderOllama, errors.New(chunk.Error), "ollama returned an error")
				return
			}

			if chunk.Message.Content != "" {
				contentCh <- chunk.Message.Content
			}

			if chunk.Done {
				return
			}
		}
	}()

	return contentCh, errCh
}

// Provider returns the provider name.
func (s *OllamaService) Provider() Provider {
	return ProviderOllama
}

// ModelName returns the model name.
func (s *OllamaService) ModelName() string {
	return s.model
}

func toOllama(messages []Message) []ollamaMessage {
	out := make([]ollamaMessage, len(messages))
	for i, m := range messages {
		out[i] = ollamaMessage{Role: m.Role, Content: m.Content}
	}
	return out
}
