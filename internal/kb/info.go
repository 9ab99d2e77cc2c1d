package kb

import (
	"slices"

	"github.com/nickcecere/kbase/internal/filter"
	"github.com/nickcecere/kbase/internal/store"
)

// DocumentInfo describes a stored document using the metadata of its first
// chunk.
type DocumentInfo struct {
	ID             string   `json:"id"`
	SourceFile     string   `json:"source_file,omitempty"`
	SourcePath     string   `json:"source_path,omitempty"`
	Type           string   `json:"type,omitempty"`
	Author         string   `json:"author,omitempty"`
	ExpirationDate string   `json:"expiration_date,omitempty"`
	Tags           []string `json:"tags,omitempty"`
	Chunks         int      `json:"chunks"`
	Indexed        bool     `json:"indexed"`
}

// Stats is a summary of the knowledge base.
type Stats struct {
	Root       string `json:"root"`
	Documents  int    `json:"documents"`
	Chunks     int    `json:"chunks"`
	Vectors    int    `json:"vectors"`
	Dimension  int    `json:"dimension"`
	NextID     int64  `json:"next_id"`
	Orphans    int    `json:"orphans"`
	Generation uint64 `json:"generation"`
	Provider   string `json:"provider"`
	Model      string `json:"model"`
}

// Documents lists every stored document, ordered by id.
func (m *Manager) Documents() []DocumentInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]DocumentInfo, 0, len(m.docs))
	for id, chunks := range m.docs {
		out = append(out, m.describe(id, chunks))
	}
	slices.SortFunc(out, func(a, b DocumentInfo) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return out
}

// Document returns one document and a copy of its chunks.
func (m *Manager) Document(docID string) (DocumentInfo, []store.Chunk, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	chunks, ok := m.docs[docID]
	if !ok {
		return DocumentInfo{}, nil, false
	}
	out := make([]store.Chunk, len(chunks))
	for i, c := range chunks {
		out[i] = store.Chunk{Text: c.Text, Metadata: c.Metadata.Clone()}
	}
	return m.describe(docID, chunks), out, true
}

// Files lists the files stored in a document's directory.
func (m *Manager) Files(docID string) ([]string, error) {
	return m.chunks.Files(docID)
}

// FindByMetadata returns the ids of documents with at least one chunk whose
// metadata[key] equals value, sorted.
func (m *Manager) FindByMetadata(key string, value any) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []string
	for id, chunks := range m.docs {
		for _, c := range chunks {
			if v, ok := c.Metadata[key]; ok && filter.Equal(v, value) {
				out = append(out, id)
				break
			}
		}
	}
	slices.Sort(out)
	return out
}

// Stats summarizes the knowledge base.
func (m *Manager) Stats() Stats {
	orphans := len(m.Orphans())

	m.mu.RLock()
	defer m.mu.RUnlock()

	s := Stats{
		Root:       m.root,
		Documents:  len(m.docs),
		NextID:     m.ids.Next(),
		Orphans:    orphans,
		Generation: m.persister.Generation(),
		Provider:   string(m.embedder.Service().Provider()),
		Model:      m.embedder.Service().ModelName(),
	}
	for _, chunks := range m.docs {
		s.Chunks += len(chunks)
	}
	if m.idx != nil {
		s.Vectors = m.idx.Len()
		s.Dimension = m.idx.Dim()
	}
	return s
}

// must hold mu
func (m *Manager) describe(id string, chunks []store.Chunk) DocumentInfo {
	info := DocumentInfo{
		ID:      id,
		Chunks:  len(chunks),
		Indexed: len(m.ids.IDsForDoc(id)) > 0,
	}
	if len(chunks) == 0 {
		return info
	}
	md := chunks[0].Metadata
	info.SourceFile = md.String(filter.KeySourceFile)
	info.SourcePath = md.String(filter.KeySourcePath)
	info.Type = md.String(filter.KeyType)
	info.Author = md.String(filter.KeyAuthor)
	info.ExpirationDate = md.String(filter.KeyExpirationDate)
	info.Tags = md.Strings(filter.KeyAITags)
	return info
}
