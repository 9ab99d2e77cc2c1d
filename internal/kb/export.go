package kb

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"

	"github.com/charmbracelet/log"

	"github.com/nickcecere/kbase/internal/audit"
	"github.com/nickcecere/kbase/internal/metrics"
	"github.com/nickcecere/kbase/internal/store"
)

// ExportRecord is one line of an export.
type ExportRecord struct {
	DocID    string         `json:"doc_id"`
	Text     string         `json:"text"`
	Metadata store.Metadata `json:"metadata"`
}

// ExportTo writes every chunk of every document to w as JSON lines,
// documents in id order and chunks in offset order. It returns the number
// of records written.
func (m *Manager) ExportTo(w io.Writer) (int, error) {
	snapshot := m.snapshot()

	docIDs := make([]string, 0, len(snapshot))
	for id := range snapshot {
		docIDs = append(docIDs, id)
	}
	slices.Sort(docIDs)

	bw := bufio.NewWriter(w)
	enc := json.NewEncoder(bw)
	enc.SetEscapeHTML(false)

	n := 0
	for _, docID := range docIDs {
		for _, c := range snapshot[docID] {
			md := c.Metadata
			if md == nil {
				md = store.Metadata{}
			}
			if err := enc.Encode(ExportRecord{DocID: docID, Text: c.Text, Metadata: md}); err != nil {
				return n, fmt.Errorf("failed to write export record: %w", err)
			}
			n++
		}
	}
	if err := bw.Flush(); err != nil {
		return n, fmt.Errorf("failed to write export: %w", err)
	}
	return n, nil
}

// ExportAll writes the export to path, replacing it atomically.
func (m *Manager) ExportAll(ctx context.Context, path string) (n int, err error) {
	defer func() { metrics.Observe("export_all", err) }()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, fmt.Errorf("failed to create export directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".export-*.jsonl")
	if err != nil {
		return 0, fmt.Errorf("failed to create export file: %w", err)
	}
	defer os.Remove(tmp.Name())

	n, err = m.ExportTo(tmp)
	if err != nil {
		tmp.Close()
		return 0, err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return 0, fmt.Errorf("failed to sync export: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return 0, fmt.Errorf("failed to close export: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return 0, fmt.Errorf("failed to move export into place: %w", err)
	}

	log.Info("Exported knowledge base", "path", path, "chunks", n)
	m.record(ctx, audit.ActionExportAll, map[string]any{"path": path, "chunks": n})
	return n, nil
}

// snapshot copies the document cache map. Chunk slices are never mutated
// after they enter the cache, so sharing them is safe.
func (m *Manager) snapshot() map[string][]store.Chunk {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string][]store.Chunk, len(m.docs))
	for id, chunks := range m.docs {
		out[id] = chunks
	}
	return out
}
