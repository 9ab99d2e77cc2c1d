package embeddings

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nickcecere/kbase/internal/config"
	kberr "github.com/nickcecere/kbase/internal/errors"
)

// fakeOllama serves /api/embed. Each vector encodes the length of its input
// and its position in the batch, so tests can check order and prefixes.
type fakeOllama struct {
	dim int

	mu     sync.Mutex
	inputs [][]string
}

func (f *fakeOllama) serve(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/embed" || r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		var req ollamaEmbedRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f.mu.Lock()
		f.inputs = append(f.inputs, req.Input)
		f.mu.Unlock()

		resp := ollamaEmbedResponse{Embeddings: make([][]float32, len(req.Input))}
		for i, in := range req.Input {
			v := make([]float32, f.dim)
			v[0] = float32(len(in))
			v[1] = float32(i)
			resp.Embeddings[i] = v
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func (f *fakeOllama) requests() [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inputs
}

func TestModelDimensions(t *testing.T) {
	assert.Equal(t, 768, GetModelDimensions("nomic-embed-text"))
	assert.Equal(t, 1024, GetModelDimensions("bge-m3"))
	assert.Equal(t, 1536, GetModelDimensions("text-embedding-3-small"))
	assert.Equal(t, 3072, GetModelDimensions("text-embedding-3-large"))
	assert.Zero(t, GetModelDimensions("my-private-model"))
}

func TestNewServiceFromConfig(t *testing.T) {
	t.Run("ollama by default", func(t *testing.T) {
		cfg := config.DefaultConfig()
		r, err := New(cfg)
		require.NoError(t, err)
		assert.Equal(t, ProviderOllama, r.Service().Provider())
		assert.Equal(t, config.DefaultOllamaEmbedModel, r.Service().ModelName())
		assert.Equal(t, 768, r.Dimension())

		r.PinDimension(4)
		assert.Equal(t, 4, r.Dimension(), "a pinned index dimension wins")
	})

	t.Run("openai needs a key", func(t *testing.T) {
		cfg := config.DefaultConfig()
		cfg.Embeddings.Provider = "openai"
		cfg.Embeddings.OpenAI.APIKey = ""
		_, err := NewService(cfg)
		assert.Error(t, err)

		cfg.Embeddings.OpenAI.APIKey = "sk-test"
		svc, err := NewService(cfg)
		require.NoError(t, err)
		assert.Equal(t, ProviderOpenAI, svc.Provider())
	})

	t.Run("unknown provider", func(t *testing.T) {
		cfg := config.DefaultConfig()
		cfg.Embeddings.Provider = "word2vec"
		_, err := NewService(cfg)
		assert.ErrorContains(t, err, "word2vec")
	})
}

func TestOpenAIServiceDimensions(t *testing.T) {
	svc, err := NewOpenAIService("sk-test", "text-embedding-3-large", "", 0)
	require.NoError(t, err)
	assert.Equal(t, 3072, svc.Dimensions())
	assert.Zero(t, svc.requested)

	shortened, err := NewOpenAIService("sk-test", "text-embedding-3-large", "https://proxy.internal/v1", 256)
	require.NoError(t, err)
	assert.Equal(t, 256, shortened.Dimensions())
	assert.Equal(t, 256, shortened.requested)

	unknown, err := NewOpenAIService("sk-test", "in-house-embedder", "", 0)
	require.NoError(t, err)
	assert.Equal(t, 1536, unknown.Dimensions())
	assert.Equal(t, "in-house-embedder", unknown.ModelName())

	empty, err := unknown.EmbedBatch(context.Background(), nil)
	assert.NoError(t, err)
	assert.Nil(t, empty)
}

func TestOllamaPrefixesDocumentsAndQueries(t *testing.T) {
	fake := &fakeOllama{dim: 4}
	srv := fake.serve(t)
	ctx := context.Background()

	nomic, err := NewOllamaService(srv.URL+"/", "nomic-embed-text")
	require.NoError(t, err)
	_, err = nomic.Embed(ctx, "Travel must be approved in advance.")
	require.NoError(t, err)
	_, err = nomic.EmbedQuery(ctx, "who approves travel")
	require.NoError(t, err)

	plain, err := NewOllamaService(srv.URL, "all-minilm")
	require.NoError(t, err)
	_, err = plain.EmbedQuery(ctx, "who approves travel")
	require.NoError(t, err)

	assert.Equal(t, [][]string{
		{"search_document: Travel must be approved in advance."},
		{"search_query: who approves travel"},
		{"who approves travel"},
	}, fake.requests())
}

func TestOllamaBatchKeepsOrder(t *testing.T) {
	fake := &fakeOllama{dim: 3}
	srv := fake.serve(t)

	svc, err := NewOllamaService(srv.URL, "mxbai-embed-large")
	require.NoError(t, err)

	chunks := []string{"Vacation: 20 days.", "Sick leave: unlimited.", "Parental leave: 16 weeks."}
	vecs, err := svc.EmbedBatch(context.Background(), chunks)
	require.NoError(t, err)
	require.Len(t, vecs, 3)
	for i, v := range vecs {
		assert.Equal(t, float32(len(chunks[i])), v[0], "mxbai documents carry no prefix")
		assert.Equal(t, float32(i), v[1])
	}
	assert.Len(t, fake.requests(), 1, "one request per batch")

	empty, err := svc.EmbedBatch(context.Background(), nil)
	assert.NoError(t, err)
	assert.Nil(t, empty)
}

func TestOllamaLearnsDimension(t *testing.T) {
	fake := &fakeOllama{dim: 5}
	srv := fake.serve(t)

	svc, err := NewOllamaService(srv.URL, "custom-embedder")
	require.NoError(t, err)
	assert.Equal(t, 768, svc.Dimensions(), "unknown models start at 768")

	v, err := svc.Embed(context.Background(), "policy")
	require.NoError(t, err)
	assert.Len(t, v, 5)
	assert.Equal(t, 5, svc.Dimensions())
}

func TestOllamaFailuresAreUpstreamErrors(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"server error", func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, `{"error":"model not found"}`, http.StatusNotFound)
		}},
		{"malformed body", func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte("{not json"))
		}},
		{"short batch", func(w http.ResponseWriter, r *http.Request) {
			_ = json.NewEncoder(w).Encode(ollamaEmbedResponse{Embeddings: [][]float32{{1, 2}}})
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			svc, err := NewOllamaService(srv.URL, "nomic-embed-text")
			require.NoError(t, err)

			_, err = svc.EmbedBatch(context.Background(), []string{"a", "b"})
			require.Error(t, err)
			assert.True(t, kberr.IsUpstreamFailure(err))
			assert.Equal(t, kberr.CodeProviderUpstream, kberr.CodeOf(err))
		})
	}
}

func TestOllamaHonoursContext(t *testing.T) {
	fake := &fakeOllama{dim: 3}
	srv := fake.serve(t)

	svc, err := NewOllamaService(srv.URL, "nomic-embed-text")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = svc.Embed(ctx, "handbook")
	assert.Error(t, err)
	assert.Empty(t, fake.requests())
}

func TestResilientOverUnreachableOllama(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	svc, err := NewOllamaService(url, "nomic-embed-text")
	require.NoError(t, err)
	r := NewResilient(svc, 0)

	texts := []string{"Expense reports are due monthly.", "Receipts over $25 are required."}
	got := r.EmbedDocuments(context.Background(), texts)
	require.Len(t, got, 2)
	for i, e := range got {
		assert.True(t, e.Degraded)
		assert.Equal(t, Fallback(texts[i], 768), e.Vector)
	}

	q := r.EmbedQuery(context.Background(), "when are expense reports due")
	assert.True(t, q.Degraded)
	assert.Len(t, q.Vector, 768)
}
