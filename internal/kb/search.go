package kb

import (
	"context"
	"time"

	"github.com/charmbracelet/log"

	"github.com/nickcecere/kbase/internal/filter"
	"github.com/nickcecere/kbase/internal/index"
	"github.com/nickcecere/kbase/internal/metrics"
	"github.com/nickcecere/kbase/internal/store"
)

// Result is one search hit.
type Result struct {
	DocID    string      `json:"doc_id"`
	Offset   int         `json:"offset"`
	Chunk    store.Chunk `json:"chunk"`
	Distance float32     `json:"distance"`

	// QueryDegraded is set when the query was embedded with the fallback
	// vector, so the ranking carries no meaning.
	QueryDegraded bool `json:"query_degraded,omitempty"`
}

// Search returns up to k chunks nearest to query that pass every filter in
// spec, nearest first. The index is asked for k times the oversample factor
// candidates; when filters reject most of them fewer than k results come
// back. An empty knowledge base, k <= 0 or a query vector of the wrong
// dimension all yield an empty result. The only error is ctx's.
func (m *Manager) Search(ctx context.Context, query string, k int, spec filter.Spec) ([]Result, error) {
	start := time.Now()
	defer func() { metrics.SearchDuration.Observe(time.Since(start).Seconds()) }()

	results := []Result{}
	if k <= 0 || m.indexLen() == 0 {
		return results, nil
	}

	q := m.embedder.EmbedQuery(ctx, query)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.idx == nil || len(q.Vector) != m.idx.Dim() {
		log.Warn("Query vector does not match the index dimension", "query_dim", len(q.Vector))
		return results, nil
	}

	hits := m.idx.Search(q.Vector, k*m.oversample)
	seen := make(map[index.Key]struct{}, len(hits))
	for _, hit := range hits {
		key, ok := m.ids.Lookup(hit.ID)
		if !ok {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}

		chunks, ok := m.docs[key.DocID]
		if !ok || key.Offset >= len(chunks) {
			continue
		}
		c := chunks[key.Offset]
		if !spec.Match(c.Text, c.Metadata) {
			continue
		}

		results = append(results, Result{
			DocID:         key.DocID,
			Offset:        key.Offset,
			Chunk:         store.Chunk{Text: c.Text, Metadata: c.Metadata.Clone()},
			Distance:      hit.Distance,
			QueryDegraded: q.Degraded,
		})
		if len(results) == k {
			break
		}
	}

	log.Debug("Search complete", "k", k, "candidates", len(hits), "results", len(results), "filters", spec.String())
	return results, nil
}
