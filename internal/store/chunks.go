package store

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	kberr "github.com/nickcecere/kbase/internal/errors"
)

const (
	// ChunksFile holds one JSON object per line: {"text": ..., "metadata": ...}.
	ChunksFile = "chunks.jsonl"

	stagingPrefix   = ".staging-"
	thumbnailPrefix = "thumbnail_"
)

// ChunkStore persists documents under <root>/documents.
type ChunkStore struct {
	dir string
}

// NewChunkStore returns a store rooted at dir. The directory is created on
// first write.
func NewChunkStore(dir string) *ChunkStore {
	return &ChunkStore{dir: dir}
}

// Dir returns the documents directory.
func (s *ChunkStore) Dir() string { return s.dir }

// DocDir returns the directory of a document.
func (s *ChunkStore) DocDir(docID string) string {
	return filepath.Join(s.dir, docID)
}

// ValidID reports whether docID is a well-formed document id. Only valid
// ids are ever turned into paths.
func ValidID(docID string) bool {
	u, err := uuid.Parse(docID)
	return err == nil && u.String() == docID
}

// Staged is a document written to a hidden staging directory. It becomes
// visible to LoadAll only once promoted.
type Staged struct {
	DocID  string
	Chunks []Chunk
	dir    string
	final  string
}

// Promote renames the staging directory to its final name.
func (st *Staged) Promote() error {
	if err := os.Rename(st.dir, st.final); err != nil {
		return kberr.Wrap(err, kberr.CodeStoreWriteFailure, "promoting staged document", kberr.FieldDocID(st.DocID))
	}
	return nil
}

// Discard removes the staging directory.
func (st *Staged) Discard() error {
	return os.RemoveAll(st.dir)
}

// Stage writes chunks and optional assets for docID into a staging
// directory. The returned chunks are what a later LoadAll will read back.
func (s *ChunkStore) Stage(docID string, chunks []Chunk, originalPath, thumbnailPath string) (*Staged, error) {
	if !ValidID(docID) {
		return nil, kberr.New(kberr.CodeIngestInputInvalid, "invalid document id", kberr.FieldDocID(docID))
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return nil, kberr.Wrap(err, kberr.CodeStoreWriteFailure, "creating documents directory")
	}

	st := &Staged{
		DocID: docID,
		dir:   filepath.Join(s.dir, stagingPrefix+docID),
		final: s.DocDir(docID),
	}
	if err := os.Mkdir(st.dir, 0o755); err != nil {
		return nil, kberr.Wrap(err, kberr.CodeStoreWriteFailure, "creating staging directory", kberr.FieldDocID(docID))
	}

	canonical, err := s.writeStaged(st.dir, chunks, originalPath, thumbnailPath)
	if err != nil {
		st.Discard()
		return nil, kberr.Wrap(err, kberr.CodeStoreWriteFailure, "staging document", kberr.FieldDocID(docID))
	}
	st.Chunks = canonical
	return st, nil
}

// Persist stages and immediately promotes a document.
func (s *ChunkStore) Persist(docID string, chunks []Chunk, originalPath, thumbnailPath string) ([]Chunk, error) {
	st, err := s.Stage(docID, chunks, originalPath, thumbnailPath)
	if err != nil {
		return nil, err
	}
	if err := st.Promote(); err != nil {
		st.Discard()
		return nil, err
	}
	return st.Chunks, nil
}

func (s *ChunkStore) writeStaged(dir string, chunks []Chunk, originalPath, thumbnailPath string) ([]Chunk, error) {
	if originalPath != "" {
		if err := copyFile(originalPath, filepath.Join(dir, filepath.Base(originalPath))); err != nil {
			return nil, fmt.Errorf("failed to copy original file: %w", err)
		}
	}
	if thumbnailPath != "" {
		stemSource := originalPath
		if stemSource == "" {
			stemSource = thumbnailPath
		}
		if err := copyFile(thumbnailPath, filepath.Join(dir, ThumbnailName(stemSource))); err != nil {
			return nil, fmt.Errorf("failed to copy thumbnail: %w", err)
		}
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for i, c := range chunks {
		if c.Metadata == nil {
			c.Metadata = Metadata{}
		}
		if err := enc.Encode(c); err != nil {
			return nil, fmt.Errorf("failed to encode chunk %d: %w", i, err)
		}
	}

	canonical, err := decodeChunks(bytes.NewReader(buf.Bytes()))
	if err != nil {
		return nil, err
	}
	if err := writeFileSync(filepath.Join(dir, ChunksFile), buf.Bytes()); err != nil {
		return nil, fmt.Errorf("failed to write chunks: %w", err)
	}
	return canonical, nil
}

// ThumbnailName is the stored name of the thumbnail for a source file.
func ThumbnailName(sourcePath string) string {
	base := filepath.Base(sourcePath)
	return thumbnailPrefix + strings.TrimSuffix(base, filepath.Ext(base)) + ".png"
}

// Load reads the chunks of one document.
func (s *ChunkStore) Load(docID string) ([]Chunk, error) {
	if !ValidID(docID) {
		return nil, notFound(docID)
	}
	f, err := os.Open(filepath.Join(s.DocDir(docID), ChunksFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil, notFound(docID)
	}
	if err != nil {
		return nil, kberr.Wrap(err, kberr.CodeStoreReadFailure, "opening chunks", kberr.FieldDocID(docID))
	}
	defer f.Close()

	chunks, err := decodeChunks(f)
	if err != nil {
		return nil, kberr.Wrap(err, kberr.CodeStoreDocumentCorrupt, "reading chunks", kberr.FieldDocID(docID))
	}
	return chunks, nil
}

// LoadAll reads every document. Leftover staging directories are removed;
// documents whose chunk file is missing or unreadable are skipped.
func (s *ChunkStore) LoadAll() (map[string][]Chunk, error) {
	docs := make(map[string][]Chunk)

	entries, err := os.ReadDir(s.dir)
	if errors.Is(err, os.ErrNotExist) {
		return docs, nil
	}
	if err != nil {
		return nil, kberr.Wrap(err, kberr.CodeStoreReadFailure, "listing documents")
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		name := entry.Name()
		if strings.HasPrefix(name, ".") {
			if strings.HasPrefix(name, stagingPrefix) {
				log.Warn("Removing incomplete document from interrupted add", "dir", name)
				if err := os.RemoveAll(filepath.Join(s.dir, name)); err != nil {
					log.Warn("Failed to remove staging directory", "dir", name, "error", err)
				}
			}
			continue
		}
		if !ValidID(name) {
			log.Warn("Skipping unexpected directory in documents", "dir", name)
			continue
		}

		chunks, err := s.Load(name)
		if err != nil {
			log.Warn("Skipping unreadable document", "doc_id", name, "error", err)
			continue
		}
		docs[name] = chunks
	}

	log.Debug("Loaded documents", "count", len(docs))
	return docs, nil
}

// Exists reports whether the document's directory exists.
func (s *ChunkStore) Exists(docID string) bool {
	if !ValidID(docID) {
		return false
	}
	info, err := os.Stat(s.DocDir(docID))
	return err == nil && info.IsDir()
}

// Delete removes a document's directory. It reports false when there was
// nothing to remove.
func (s *ChunkStore) Delete(docID string) (bool, error) {
	if !s.Exists(docID) {
		return false, nil
	}
	if err := os.RemoveAll(s.DocDir(docID)); err != nil {
		return true, kberr.Wrap(err, kberr.CodeStoreWriteFailure, "removing document", kberr.FieldDocID(docID))
	}
	return true, nil
}

// Files lists the file names stored for a document, sorted.
func (s *ChunkStore) Files(docID string) ([]string, error) {
	if !ValidID(docID) {
		return nil, notFound(docID)
	}
	entries, err := os.ReadDir(s.DocDir(docID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, notFound(docID)
	}
	if err != nil {
		return nil, kberr.Wrap(err, kberr.CodeStoreReadFailure, "listing document files", kberr.FieldDocID(docID))
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	slices.Sort(names)
	return names, nil
}

func notFound(docID string) error {
	return kberr.Classify(kberr.ErrNotFound, kberr.CodeStoreDocumentNotFound, nil, "document not found", kberr.FieldDocID(docID))
}

func decodeChunks(r io.Reader) ([]Chunk, error) {
	var chunks []Chunk
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 64*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		var c Chunk
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if c.Metadata == nil {
			c.Metadata = Metadata{}
		}
		chunks = append(chunks, c)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return chunks, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func writeFileSync(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
