package embeddings

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

const defaultOllamaURL = "http://localhost:11434"

// instruction holds the prefixes a model was trained to see in front of
// stored passages and search queries.
type instruction struct {
	passage string
	query   string
}

var instructions = map[string]instruction{
	"nomic-embed-text":      {passage: "search_document: ", query: "search_query: "},
	"mxbai-embed-large":     {query: "Represent this sentence for searching relevant passages: "},
	"multilingual-e5-large": {passage: "passage: ", query: "query: "},
}

// OllamaService embeds through a local Ollama server's /api/embed.
type OllamaService struct {
	baseURL string
	model   string
	client  *http.Client

	mu         sync.RWMutex
	dimensions int
}

type ollamaEmbedRequest struct {
	Model     string   `json:"model"`
	Input     []string `json:"input"`
	KeepAlive string   `json:"keep_alive,omitempty"`
	Truncate  bool     `json:"truncate,omitempty"`
}

type ollamaEmbedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// NewOllamaService creates an Ollama embedding service. The dimension of a
// model missing from the known table is assumed to be 768 until the first
// response says otherwise.
func NewOllamaService(baseURL, model string) (*OllamaService, error) {
	if baseURL == "" {
		baseURL = defaultOllamaURL
	}

	dimensions := GetModelDimensions(model)
	if dimensions == 0 {
		dimensions = 768
		log.Debug("Unknown model dimensions, defaulting", "model", model, "dimensions", dimensions)
	}

	return &OllamaService{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		model:      model,
		dimensions: dimensions,
		client:     &http.Client{Timeout: 60 * time.Second},
	}, nil
}

// Embed embeds one chunk for storage.
func (s *OllamaService) Embed(ctx context.Context, text string) ([]float32, error) {
	return s.embedOne(ctx, s.passage(text))
}

// EmbedQuery embeds a search query.
func (s *OllamaService) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	return s.embedOne(ctx, s.query(text))
}

// EmbedBatch embeds chunks for storage in one request.
func (s *OllamaService) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	inputs := make([]string, len(texts))
	for i, text := range texts {
		inputs[i] = s.passage(text)
	}
	return s.post(ctx, inputs)
}

// Dimensions returns the dimension of the last vector the server returned.
func (s *OllamaService) Dimensions() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dimensions
}

func (s *OllamaService) Provider() Provider { return ProviderOllama }

func (s *OllamaService) ModelName() string { return s.model }

func (s *OllamaService) passage(text string) string {
	return instructions[s.model].passage + text
}

func (s *OllamaService) query(text string) string {
	return instructions[s.model].query + text
}

func (s *OllamaService) embedOne(ctx context.Context, input string) ([]float32, error) {
	vecs, err := s.post(ctx, []string{input})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// post sends one /api/embed request. Any failure, including a reply with
// the wrong number of vectors, is an upstream error.
func (s *OllamaService) post(ctx context.Context, inputs []string) ([][]float32, error) {
	body, err := json.Marshal(ollamaEmbedRequest{Model: s.model, Input: inputs, Truncate: true})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/api/embed", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	log.Debug("Requesting embeddings from Ollama", "model", s.model, "count", len(inputs))

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, upstream(ProviderOllama, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return nil, upstream(ProviderOllama, fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg))))
	}

	var out ollamaEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, upstream(ProviderOllama, fmt.Errorf("failed to decode response: %w", err))
	}
	if len(out.Embeddings) != len(inputs) {
		return nil, upstream(ProviderOllama, fmt.Errorf("expected %d embeddings, got %d", len(inputs), len(out.Embeddings)))
	}
	if len(out.Embeddings[0]) == 0 {
		return nil, upstream(ProviderOllama, errors.New("empty embedding"))
	}

	s.mu.Lock()
	s.dimensions = len(out.Embeddings[0])
	s.mu.Unlock()

	return out.Embeddings, nil
}
