// Package kb is the knowledge base: it keeps the document store, the vector
// index and the id map consistent across adds, deletes and restarts, and
// answers filtered similarity searches over them.
package kb

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/nickcecere/kbase/internal/audit"
	"github.com/nickcecere/kbase/internal/embeddings"
	kberr "github.com/nickcecere/kbase/internal/errors"
	"github.com/nickcecere/kbase/internal/index"
	"github.com/nickcecere/kbase/internal/metrics"
	"github.com/nickcecere/kbase/internal/store"
)

const (
	documentsDir = "documents"
	indexDir     = "index"

	DefaultOversampleFactor = 5
)

// ErrNoChunks is returned when a document with no chunks is added.
var ErrNoChunks = kberr.Classify(kberr.ErrUnsupportedInput, kberr.CodeIngestInputUnsupported, nil,
	"document has no chunks")

// Options configures Open.
type Options struct {
	// Root holds documents/ and index/.
	Root string

	Embedder *embeddings.Resilient

	// Audit receives one entry per mutation. Nil disables auditing.
	Audit audit.Recorder

	// OversampleFactor multiplies k when querying the index so filters
	// have candidates to discard. Values below 1 mean the default.
	OversampleFactor int

	// RebuildOnCorruption re-embeds every document when the persisted
	// index had to be discarded at Open.
	RebuildOnCorruption bool
}

// AddRequest is a document to add.
type AddRequest struct {
	Chunks []store.Chunk

	// OriginalPath and ThumbnailPath are copied into the document's
	// directory when set.
	OriginalPath  string
	ThumbnailPath string
}

// Manager owns the chunk cache, the index and the id map.
//
// Writers (AddDocument, DeleteDocument, Rebuild) are serialized by writeMu
// for their whole duration. They build the next index and map on copies and
// take mu exclusively only to swap them in, so searches run concurrently
// with everything but the swap.
type Manager struct {
	root       string
	chunks     *store.ChunkStore
	persister  *index.Persister
	embedder   *embeddings.Resilient
	audit      audit.Recorder
	oversample int

	writeMu sync.Mutex

	mu   sync.RWMutex
	idx  *index.Flat // nil until the first vector fixes the dimension
	ids  *index.IDMap
	docs map[string][]store.Chunk

	// discarded is set when Open threw away an unreadable index.
	discarded bool
}

// Open loads the knowledge base under opts.Root. An unreadable index is
// discarded with a warning rather than failing; documents always load.
func Open(ctx context.Context, opts Options) (*Manager, error) {
	if opts.Root == "" {
		return nil, fmt.Errorf("knowledge base root is required")
	}
	if opts.Embedder == nil {
		return nil, fmt.Errorf("an embedder is required")
	}
	if opts.Audit == nil {
		opts.Audit = audit.Nop{}
	}
	if opts.OversampleFactor < 1 {
		opts.OversampleFactor = DefaultOversampleFactor
	}

	m := &Manager{
		root:       opts.Root,
		chunks:     store.NewChunkStore(filepath.Join(opts.Root, documentsDir)),
		persister:  index.NewPersister(filepath.Join(opts.Root, indexDir)),
		embedder:   opts.Embedder,
		audit:      opts.Audit,
		oversample: opts.OversampleFactor,
	}

	docs, err := m.chunks.LoadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to load documents: %w", err)
	}
	m.docs = docs

	if err := m.loadIndex(); err != nil {
		return nil, err
	}

	if orphans := m.Orphans(); len(orphans) > 0 {
		log.Warn("Documents missing from the index; run reindex to restore them",
			"count", len(orphans), "first", orphans[0])
	}

	if m.discarded && opts.RebuildOnCorruption && len(m.docs) > 0 {
		log.Info("Rebuilding index after corruption", "documents", len(m.docs))
		if _, err := m.Rebuild(ctx); err != nil {
			return nil, fmt.Errorf("failed to rebuild index: %w", err)
		}
	}

	m.updateGauges()
	log.Debug("Opened knowledge base", "root", m.root, "documents", len(m.docs), "vectors", m.indexLen())
	return m, nil
}

func (m *Manager) loadIndex() error {
	idx, ids, err := m.persister.Load()
	switch {
	case errors.Is(err, index.ErrCorrupt):
		log.Warn("Index is unreadable, starting with an empty index", "dir", m.persister.Dir(), "error", err)
		metrics.IndexLoadsTotal.WithLabelValues("corrupt").Inc()
		if derr := m.persister.Discard(); derr != nil {
			log.Warn("Failed to remove unreadable index files", "error", derr)
		}
		m.discarded = true
		idx, ids = nil, index.NewIDMap()
	case err != nil:
		return fmt.Errorf("failed to load index: %w", err)
	case idx == nil && ids.Len() == 0 && !m.persister.Exists():
		metrics.IndexLoadsTotal.WithLabelValues("fresh").Inc()
	default:
		metrics.IndexLoadsTotal.WithLabelValues("ok").Inc()
	}

	m.idx, m.ids = idx, ids
	if pruned := m.pruneDangling(); pruned > 0 {
		log.Warn("Removed index entries for missing chunks", "count", pruned)
		if err := m.persister.Save(m.idx, m.ids); err != nil {
			return fmt.Errorf("failed to save pruned index: %w", err)
		}
	}
	if m.idx != nil {
		m.embedder.PinDimension(m.idx.Dim())
	}
	return nil
}

// pruneDangling drops mappings whose chunk is not in the cache. Those are
// left behind by a crash between persisting the index and promoting the
// document, or by a document directory removed by hand.
func (m *Manager) pruneDangling() int {
	var dangling []int64
	for _, e := range m.ids.Entries() {
		chunks, ok := m.docs[e.Key.DocID]
		if !ok || e.Key.Offset < 0 || e.Key.Offset >= len(chunks) {
			dangling = append(dangling, e.ID)
		}
	}
	if len(dangling) == 0 {
		return 0
	}
	m.ids.Remove(dangling...)
	if m.idx != nil {
		m.idx.Remove(dangling)
	}
	return len(dangling)
}

// Close releases the audit log.
func (m *Manager) Close() error {
	return m.audit.Close()
}

// Root returns the knowledge base root directory.
func (m *Manager) Root() string { return m.root }

// Embedder returns the embedder used for documents and queries.
func (m *Manager) Embedder() *embeddings.Resilient { return m.embedder }

// Audit returns the audit recorder.
func (m *Manager) Audit() audit.Recorder { return m.audit }

// AddDocument stores a new document and indexes its chunks. It returns the
// generated document id. Chunks whose embedding failed are indexed with a
// fallback vector; the add itself only fails on storage errors, on an
// empty chunk list, or when the vectors do not match the index dimension.
func (m *Manager) AddDocument(ctx context.Context, req AddRequest) (docID string, err error) {
	defer func() { metrics.Observe("add_document", err) }()

	if len(req.Chunks) == 0 {
		log.Warn("Refusing to add document without chunks", "file", req.OriginalPath)
		return "", ErrNoChunks
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	docID = uuid.NewString()
	staged, err := m.chunks.Stage(docID, req.Chunks, req.OriginalPath, req.ThumbnailPath)
	if err != nil {
		return "", err
	}
	committed := false
	defer func() {
		if !committed {
			if derr := staged.Discard(); derr != nil {
				log.Warn("Failed to remove staged document", "doc_id", docID, "error", derr)
			}
		}
	}()

	texts := make([]string, len(staged.Chunks))
	for i, c := range staged.Chunks {
		texts[i] = c.Text
	}
	embs := m.embedder.EmbedDocuments(ctx, texts)
	if err := ctx.Err(); err != nil {
		return "", err
	}

	dim := len(embs[0].Vector)
	vectors := make([][]float32, len(embs))
	degraded := 0
	for i, e := range embs {
		vectors[i] = e.Vector
		if e.Degraded {
			degraded++
		}
	}

	// Only this goroutine mutates idx and ids (writeMu), so reading them
	// without mu is safe here.
	var nextIdx *index.Flat
	if m.idx == nil {
		nextIdx = index.NewFlat(dim)
	} else {
		if m.idx.Dim() != dim {
			return "", kberr.Classify(kberr.ErrDimensionMismatch, kberr.CodeIndexAddInvalidDim, nil,
				fmt.Sprintf("embedding dimension %d does not match index dimension %d", dim, m.idx.Dim()),
				kberr.FieldDocID(docID))
		}
		nextIdx = m.idx.Clone()
	}
	nextIDs := m.ids.Clone()

	ids := nextIDs.Allocate(len(vectors))
	if err := nextIdx.Add(ids, vectors); err != nil {
		return "", err
	}
	for i, id := range ids {
		nextIDs.Put(id, index.Key{DocID: docID, Offset: i})
	}

	if err := m.persister.Save(nextIdx, nextIDs); err != nil {
		return "", err
	}
	if err := staged.Promote(); err != nil {
		if rerr := m.persister.Save(m.idx, m.ids); rerr != nil {
			log.Error("Failed to restore index after failed add", "doc_id", docID, "error", rerr)
		}
		return "", err
	}
	committed = true

	m.mu.Lock()
	m.idx, m.ids = nextIdx, nextIDs
	m.docs[docID] = staged.Chunks
	m.mu.Unlock()
	m.embedder.PinDimension(dim)
	m.updateGauges()

	file := ""
	if req.OriginalPath != "" {
		file = filepath.Base(req.OriginalPath)
	}
	log.Info("Added document", "doc_id", docID, "file", file, "chunks", len(ids), "degraded", degraded)
	m.record(ctx, audit.ActionAddDocument, map[string]any{
		"doc_id":   docID,
		"file":     file,
		"chunks":   len(ids),
		"degraded": degraded,
	})
	return docID, nil
}

// DeleteDocument removes a document and its index entries. It reports
// false, with no error, when the document does not exist. If the index was
// updated but the files could not be removed it reports true and the error.
func (m *Manager) DeleteDocument(ctx context.Context, docID string) (found bool, err error) {
	defer func() { metrics.Observe("delete_document", err) }()

	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	m.mu.RLock()
	_, cached := m.docs[docID]
	m.mu.RUnlock()
	ids := m.ids.IDsForDoc(docID)

	if !cached && len(ids) == 0 && !m.chunks.Exists(docID) {
		log.Debug("Delete of unknown document", "doc_id", docID)
		return false, nil
	}

	nextIdx, nextIDs := m.idx, m.ids
	if len(ids) > 0 {
		nextIDs = m.ids.Clone()
		nextIDs.RemoveDoc(docID)
		if m.idx != nil {
			nextIdx = m.idx.Clone()
			nextIdx.Remove(ids)
		}
		if err := m.persister.Save(nextIdx, nextIDs); err != nil {
			return false, err
		}
	}

	m.mu.Lock()
	m.idx, m.ids = nextIdx, nextIDs
	delete(m.docs, docID)
	m.mu.Unlock()
	m.updateGauges()

	if _, err := m.chunks.Delete(docID); err != nil {
		log.Error("Index updated but document files remain", "doc_id", docID, "error", err)
		return true, err
	}

	log.Info("Deleted document", "doc_id", docID, "vectors", len(ids))
	m.record(ctx, audit.ActionDeleteDocument, map[string]any{"doc_id": docID})
	return true, nil
}

// Orphans lists documents that are stored but have no index entries.
func (m *Manager) Orphans() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []string
	for docID := range m.docs {
		if len(m.ids.IDsForDoc(docID)) == 0 {
			out = append(out, docID)
		}
	}
	slices.Sort(out)
	return out
}

func (m *Manager) record(ctx context.Context, action string, detail map[string]any) {
	if err := m.audit.Record(context.WithoutCancel(ctx), action, detail); err != nil {
		log.Warn("Failed to write audit entry", "action", action, "error", err)
	}
}

func (m *Manager) indexLen() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.idx == nil {
		return 0
	}
	return m.idx.Len()
}

func (m *Manager) updateGauges() {
	m.mu.RLock()
	defer m.mu.RUnlock()

	chunks := 0
	for _, c := range m.docs {
		chunks += len(c)
	}
	metrics.Documents.Set(float64(len(m.docs)))
	metrics.Chunks.Set(float64(chunks))
	if m.idx != nil {
		metrics.IndexEntries.Set(float64(m.idx.Len()))
	} else {
		metrics.IndexEntries.Set(0)
	}
}
