package embeddings

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubService returns fixed-size vectors and fails for texts containing
// "fail". Batches fail whenever any member would.
type stubService struct {
	dim        int
	batchCalls int
	delay      time.Duration
}

func (s *stubService) vector(text string) []float32 {
	v := make([]float32, s.dim)
	v[0] = float32(len(text))
	return v
}

func (s *stubService) Embed(ctx context.Context, text string) ([]float32, error) {
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if strings.Contains(text, "fail") {
		return nil, errors.New("provider unavailable")
	}
	return s.vector(text), nil
}

func (s *stubService) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	return s.Embed(ctx, text)
}

func (s *stubService) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	s.batchCalls++
	out := make([][]float32, len(texts))
	for i, text := range texts {
		v, err := s.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (s *stubService) Dimensions() int    { return s.dim }
func (s *stubService) Provider() Provider { return "stub" }
func (s *stubService) ModelName() string  { return "stub-model" }

func TestFallbackIsDeterministic(t *testing.T) {
	a := Fallback("hello", 16)
	b := Fallback("hello", 16)
	c := Fallback("world", 16)

	assert.Len(t, a, 16)
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	for _, x := range a {
		assert.GreaterOrEqual(t, x, float32(0))
		assert.Less(t, x, float32(1))
	}
	assert.Equal(t, Fallback("hello", 4), a[:4], "a shorter vector is a prefix of a longer one")
}

func TestEmbedDocumentsBatchSuccess(t *testing.T) {
	svc := &stubService{dim: 4}
	r := NewResilient(svc, time.Second)

	out := r.EmbedDocuments(context.Background(), []string{"a", "bb"})
	require.Len(t, out, 2)
	assert.Equal(t, 1, svc.batchCalls)
	assert.False(t, out[0].Degraded)
	assert.Equal(t, float32(2), out[1].Vector[0])
}

func TestEmbedDocumentsDegradesOnlyFailedChunks(t *testing.T) {
	svc := &stubService{dim: 4}
	r := NewResilient(svc, time.Second)

	out := r.EmbedDocuments(context.Background(), []string{"ok", "fail here", "fine"})
	require.Len(t, out, 3)

	assert.False(t, out[0].Degraded)
	assert.True(t, out[1].Degraded)
	assert.False(t, out[2].Degraded)
	assert.Equal(t, Fallback("fail here", 4), out[1].Vector)
}

func TestEmbedDocumentsFallbackDimension(t *testing.T) {
	t.Run("pinned dimension when nothing succeeds", func(t *testing.T) {
		r := NewResilient(&stubService{dim: 4}, time.Second)
		r.PinDimension(8)

		out := r.EmbedDocuments(context.Background(), []string{"fail 1", "fail 2"})
		assert.Len(t, out[0].Vector, 8)
		assert.True(t, out[1].Degraded)
	})

	t.Run("service dimension otherwise", func(t *testing.T) {
		r := NewResilient(&stubService{dim: 4}, time.Second)
		out := r.EmbedDocuments(context.Background(), []string{"fail"})
		assert.Len(t, out[0].Vector, 4)
	})

	t.Run("empty input", func(t *testing.T) {
		r := NewResilient(&stubService{dim: 4}, time.Second)
		assert.Empty(t, r.EmbedDocuments(context.Background(), nil))
	})
}

func TestEmbedQuery(t *testing.T) {
	r := NewResilient(&stubService{dim: 3}, time.Second)

	got := r.EmbedQuery(context.Background(), "abc")
	assert.False(t, got.Degraded)
	assert.Equal(t, []float32{3, 0, 0}, got.Vector)

	got = r.EmbedQuery(context.Background(), "fail")
	assert.True(t, got.Degraded)
	assert.Equal(t, Fallback("fail", 3), got.Vector)
}

func TestTimeoutFallsBack(t *testing.T) {
	svc := &stubService{dim: 2, delay: time.Second}
	r := NewResilient(svc, 10*time.Millisecond)

	start := time.Now()
	got := r.EmbedQuery(context.Background(), "slow")
	assert.True(t, got.Degraded)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}
