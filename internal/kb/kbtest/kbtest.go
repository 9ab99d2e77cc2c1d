// Package kbtest provides a deterministic embedder and a throwaway
// knowledge base for tests of packages built on kb.
package kbtest

import (
	"context"
	"errors"
	"hash/fnv"
	"strings"
	"sync/atomic"
	"testing"
	"time"
	"unicode"

	"github.com/nickcecere/kbase/internal/audit"
	"github.com/nickcecere/kbase/internal/embeddings"
	"github.com/nickcecere/kbase/internal/kb"
)

// Dim is the dimension of WordsEmbedder vectors.
const Dim = 32

// WordsEmbedder hashes each word of a text into one of Dim buckets. Texts
// sharing words land close together and identical texts coincide.
type WordsEmbedder struct {
	// Down makes every call fail, as an unreachable provider would.
	Down atomic.Bool
}

var _ embeddings.Service = (*WordsEmbedder)(nil)

func (e *WordsEmbedder) vector(text string) []float32 {
	v := make([]float32, Dim)
	for _, w := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		h := fnv.New32a()
		h.Write([]byte(w))
		v[h.Sum32()%Dim]++
	}
	return v
}

func (e *WordsEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	if e.Down.Load() {
		return nil, errors.New("connection refused")
	}
	return e.vector(text), nil
}

func (e *WordsEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	return e.Embed(ctx, text)
}

func (e *WordsEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := e.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (e *WordsEmbedder) Dimensions() int               { return Dim }
func (e *WordsEmbedder) Provider() embeddings.Provider { return "words" }
func (e *WordsEmbedder) ModelName() string             { return "words-v1" }

// Open creates a knowledge base in a fresh temporary directory and closes
// it when the test ends. A nil recorder disables auditing.
func Open(t testing.TB, rec audit.Recorder) (*kb.Manager, *WordsEmbedder) {
	t.Helper()
	emb := &WordsEmbedder{}
	mgr, err := kb.Open(context.Background(), kb.Options{
		Root:     t.TempDir(),
		Embedder: embeddings.NewResilient(emb, time.Second),
		Audit:    rec,
	})
	if err != nil {
		t.Fatalf("open knowledge base: %v", err)
	}
	t.Cleanup(func() { mgr.Close() })
	return mgr, emb
}
