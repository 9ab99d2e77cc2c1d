package kb

import (
	"context"
	"slices"

	"github.com/charmbracelet/log"

	"github.com/nickcecere/kbase/internal/audit"
	"github.com/nickcecere/kbase/internal/index"
	"github.com/nickcecere/kbase/internal/metrics"
)

// RebuildReport summarizes a Rebuild.
type RebuildReport struct {
	Documents int      `json:"documents"`
	Vectors   int      `json:"vectors"`
	Degraded  int      `json:"degraded"`
	Skipped   []string `json:"skipped,omitempty"`
}

// Rebuild re-embeds every stored document and replaces the index with the
// result. Ids keep increasing from where the old map left off. A document
// whose vectors do not match the dimension set by the first document is
// skipped and reported.
func (m *Manager) Rebuild(ctx context.Context) (report RebuildReport, err error) {
	defer func() { metrics.Observe("rebuild_index", err) }()

	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	snapshot := m.snapshot()
	docIDs := make([]string, 0, len(snapshot))
	for id := range snapshot {
		docIDs = append(docIDs, id)
	}
	slices.Sort(docIDs)

	nextIDs := m.ids.Clone()
	for _, docID := range nextIDs.Docs() {
		nextIDs.RemoveDoc(docID)
	}
	var nextIdx *index.Flat

	for _, docID := range docIDs {
		chunks := snapshot[docID]
		if len(chunks) == 0 {
			continue
		}
		texts := make([]string, len(chunks))
		for i, c := range chunks {
			texts[i] = c.Text
		}
		embs := m.embedder.EmbedDocuments(ctx, texts)
		if err := ctx.Err(); err != nil {
			return RebuildReport{}, err
		}

		vectors := make([][]float32, len(embs))
		for i, e := range embs {
			vectors[i] = e.Vector
			if e.Degraded {
				report.Degraded++
			}
		}
		if nextIdx == nil {
			nextIdx = index.NewFlat(len(vectors[0]))
		}

		ids := nextIDs.Allocate(len(vectors))
		if err := nextIdx.Add(ids, vectors); err != nil {
			log.Warn("Skipping document during rebuild", "doc_id", docID, "error", err)
			report.Skipped = append(report.Skipped, docID)
			continue
		}
		for i, id := range ids {
			nextIDs.Put(id, index.Key{DocID: docID, Offset: i})
		}
		report.Documents++
		report.Vectors += len(ids)
	}

	if err := m.persister.Save(nextIdx, nextIDs); err != nil {
		return RebuildReport{}, err
	}

	m.mu.Lock()
	m.idx, m.ids = nextIdx, nextIDs
	m.mu.Unlock()
	if nextIdx != nil {
		m.embedder.PinDimension(nextIdx.Dim())
	}
	m.discarded = false
	m.updateGauges()

	log.Info("Rebuilt index", "documents", report.Documents, "vectors", report.Vectors,
		"degraded", report.Degraded, "skipped", len(report.Skipped))
	m.record(ctx, audit.ActionRebuildIndex, map[string]any{
		"documents": report.Documents,
		"vectors":   report.Vectors,
		"degraded":  report.Degraded,
		"skipped":   len(report.Skipped),
	})
	return report, nil
}
