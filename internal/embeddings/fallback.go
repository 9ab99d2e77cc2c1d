package embeddings

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	kberr "github.com/nickcecere/kbase/internal/errors"
	"github.com/nickcecere/kbase/internal/metrics"
)

// Embedding is a vector together with whether it came from the fallback
// rather than the provider.
type Embedding struct {
	Vector   []float32
	Degraded bool
}

// Fallback returns a pseudo-random vector seeded by the SHA-256 of text.
// The same text always yields the same vector, in any process. The values
// carry no meaning; they only keep an add or search going while the
// provider is down.
func Fallback(text string, dim int) []float32 {
	sum := sha256.Sum256([]byte(text))
	seed := binary.BigEndian.Uint64(sum[:8])
	rng := rand.New(rand.NewPCG(seed, seed))

	v := make([]float32, dim)
	for i := range v {
		v[i] = rng.Float32()
	}
	return v
}

// Resilient wraps a Service so that calls never fail: each call gets its
// own deadline, and any failure is replaced by the Fallback vector.
type Resilient struct {
	svc     Service
	timeout time.Duration

	mu  sync.RWMutex
	dim int
}

// NewResilient wraps svc. A zero timeout disables the per-call deadline.
func NewResilient(svc Service, timeout time.Duration) *Resilient {
	return &Resilient{svc: svc, timeout: timeout}
}

// Service returns the wrapped service.
func (r *Resilient) Service() Service { return r.svc }

// PinDimension fixes the dimension used for fallback vectors when no real
// vector is available to copy it from. The knowledge base pins this to its
// index dimension.
func (r *Resilient) PinDimension(dim int) {
	r.mu.Lock()
	r.dim = dim
	r.mu.Unlock()
}

// Dimension is the dimension fallback vectors are generated with.
func (r *Resilient) Dimension() int {
	r.mu.RLock()
	dim := r.dim
	r.mu.RUnlock()
	if dim > 0 {
		return dim
	}
	return r.svc.Dimensions()
}

// EmbedDocuments embeds texts for storage. It tries one batch request
// first; if that fails each text is retried alone, so one bad chunk only
// degrades itself.
func (r *Resilient) EmbedDocuments(ctx context.Context, texts []string) []Embedding {
	out := make([]Embedding, len(texts))
	if len(texts) == 0 {
		return out
	}

	vecs, err := r.batch(ctx, texts)
	if err == nil {
		for i, v := range vecs {
			out[i] = Embedding{Vector: v}
		}
		metrics.EmbeddingsTotal.WithLabelValues("false").Add(float64(len(texts)))
		return out
	}
	log.Warn("Batch embedding failed, embedding chunks one by one",
		"provider", r.svc.Provider(), "count", len(texts), "error", err)

	var failed []int
	dim := 0
	for i, text := range texts {
		v, err := r.call(ctx, func(ctx context.Context) ([]float32, error) { return r.svc.Embed(ctx, text) })
		if err == nil && (len(v) == 0 || (dim > 0 && len(v) != dim)) {
			err = upstream(r.svc.Provider(), errors.New("embedding has unexpected dimension"))
		}
		if err != nil {
			log.Warn("Embedding failed, using fallback vector", "chunk", i, "error", err)
			failed = append(failed, i)
			continue
		}
		if dim == 0 {
			dim = len(v)
		}
		out[i] = Embedding{Vector: v}
	}

	if dim == 0 {
		dim = r.Dimension()
	}
	for _, i := range failed {
		out[i] = Embedding{Vector: Fallback(texts[i], dim), Degraded: true}
	}
	metrics.EmbeddingsTotal.WithLabelValues("false").Add(float64(len(texts) - len(failed)))
	metrics.EmbeddingsTotal.WithLabelValues("true").Add(float64(len(failed)))
	return out
}

// EmbedQuery embeds a search query, falling back on failure.
func (r *Resilient) EmbedQuery(ctx context.Context, text string) Embedding {
	v, err := r.call(ctx, func(ctx context.Context) ([]float32, error) { return r.svc.EmbedQuery(ctx, text) })
	if err == nil && len(v) == 0 {
		err = upstream(r.svc.Provider(), errors.New("empty query embedding"))
	}
	if err != nil {
		log.Warn("Query embedding failed, using fallback vector", "provider", r.svc.Provider(), "error", err)
		metrics.EmbeddingsTotal.WithLabelValues("true").Inc()
		return Embedding{Vector: Fallback(text, r.Dimension()), Degraded: true}
	}
	metrics.EmbeddingsTotal.WithLabelValues("false").Inc()
	return Embedding{Vector: v}
}

func (r *Resilient) batch(ctx context.Context, texts []string) ([][]float32, error) {
	var vecs [][]float32
	_, err := r.call(ctx, func(ctx context.Context) ([]float32, error) {
		var err error
		vecs, err = r.svc.EmbedBatch(ctx, texts)
		return nil, err
	})
	if err != nil {
		return nil, err
	}
	if len(vecs) != len(texts) {
		return nil, upstream(r.svc.Provider(), errors.New("batch returned the wrong number of embeddings"))
	}
	for _, v := range vecs {
		if len(v) == 0 || len(v) != len(vecs[0]) {
			return nil, upstream(r.svc.Provider(), errors.New("batch returned inconsistent embeddings"))
		}
	}
	return vecs, nil
}

func (r *Resilient) call(ctx context.Context, fn func(context.Context) ([]float32, error)) ([]float32, error) {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	v, err := fn(ctx)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, kberr.Classify(kberr.ErrExternalService, kberr.CodeProviderTimeout, err,
				"embedding timed out", kberr.FieldProvider(string(r.svc.Provider())))
		}
		return nil, err
	}
	return v, nil
}

func upstream(p Provider, err error) error {
	return kberr.Classify(kberr.ErrExternalService, kberr.CodeProviderUpstream, err,
		"embedding request failed", kberr.FieldProvider(string(p)))
}
