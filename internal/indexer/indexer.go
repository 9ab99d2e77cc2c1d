// Package indexer turns files into knowledge base documents: it routes each
// file by kind, chunks it, attaches metadata and adds it to the knowledge
// base.
package indexer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/nickcecere/kbase/internal/config"
	kberr "github.com/nickcecere/kbase/internal/errors"
	"github.com/nickcecere/kbase/internal/filter"
	"github.com/nickcecere/kbase/internal/fs"
	"github.com/nickcecere/kbase/internal/kb"
	"github.com/nickcecere/kbase/internal/store"
)

// Library is the part of the knowledge base the indexer writes to.
type Library interface {
	AddDocument(ctx context.Context, req kb.AddRequest) (string, error)
	DeleteDocument(ctx context.Context, docID string) (bool, error)
	FindByMetadata(key string, value any) []string
}

// DocumentMetadata is what a MetadataGenerator derives from a document.
type DocumentMetadata struct {
	Summary string   `json:"summary"`
	Tags    []string `json:"tags"`
}

// MetadataGenerator summarizes and tags a document's full text.
type MetadataGenerator interface {
	GenerateMetadata(ctx context.Context, text string) (DocumentMetadata, error)
}

// Describer produces a text description of an image.
type Describer interface {
	Describe(ctx context.Context, imagePath, mediaType string) (string, error)
}

// Indexer orchestrates the ingestion of files into the knowledge base.
type Indexer struct {
	lib       Library
	chunker   *fs.TextChunker
	cfg       *config.Config
	meta      MetadataGenerator
	describer Describer

	// Progress tracking
	progress Progress
	mu       sync.Mutex
}

// Progress tracks ingestion progress.
type Progress struct {
	TotalFiles     int
	ProcessedFiles int
	SkippedFiles   int
	TotalChunks    int
	Errors         int
	StartTime      time.Time
	CurrentFile    string
}

// ProgressFunc is called to report progress during ingestion.
type ProgressFunc func(Progress)

// Options configures an ingestion.
type Options struct {
	// Metadata is attached to every chunk. A sidecar file overrides it.
	Metadata store.Metadata

	// Root, when set, makes source_path the file's path relative to it.
	Root string

	// Force ingests files whose content is already in the knowledge base.
	Force bool

	// Replace deletes older documents with the same source_path once the
	// new one is added.
	Replace bool

	// IgnorePatterns are added to the configured ignore patterns.
	IgnorePatterns []string

	// OnProgress is called to report progress.
	OnProgress ProgressFunc
}

// Result describes one ingested file.
type Result struct {
	Path     string   `json:"path"`
	DocID    string   `json:"doc_id,omitempty"`
	Chunks   int      `json:"chunks"`
	Skipped  bool     `json:"skipped,omitempty"`
	Replaced []string `json:"replaced,omitempty"`
}

// Option configures an Indexer.
type Option func(*Indexer)

// WithMetadataGenerator enables AI summaries and tags.
func WithMetadataGenerator(g MetadataGenerator) Option {
	return func(idx *Indexer) { idx.meta = g }
}

// WithDescriber enables image descriptions.
func WithDescriber(d Describer) Option {
	return func(idx *Indexer) { idx.describer = d }
}

// New creates a new Indexer.
func New(lib Library, cfg *config.Config, opts ...Option) *Indexer {
	idx := &Indexer{
		lib: lib,
		chunker: fs.NewTextChunker(fs.ChunkOptions{
			ChunkSize:            cfg.Ingest.ChunkSize,
			ChunkOverlap:         cfg.Ingest.ChunkOverlap,
			JapaneseChunkSize:    cfg.Ingest.JapaneseChunkSize,
			JapaneseChunkOverlap: cfg.Ingest.JapaneseChunkOverlap,
		}),
		cfg: cfg,
	}
	for _, o := range opts {
		o(idx)
	}
	return idx
}

// IngestFile adds one file to the knowledge base. Files whose content was
// already ingested are skipped unless opts.Force is set.
func (idx *Indexer) IngestFile(ctx context.Context, path string, opts Options) (Result, error) {
	res := Result{Path: path}

	info, err := os.Stat(path)
	if err != nil {
		return res, fmt.Errorf("failed to stat file: %w", err)
	}
	if info.IsDir() {
		return res, unsupported(path, "path is a directory")
	}
	if limit := idx.cfg.Ingest.MaxFileSize; limit > 0 && info.Size() > limit {
		return res, unsupported(path, fmt.Sprintf("file is larger than %d bytes", limit))
	}

	kind := fs.DetectKind(path)
	switch {
	case !kind.Known():
		log.Warn("Unsupported file type", "path", path)
		return res, unsupported(path, "unsupported file type")
	case !kind.Extractable():
		log.Warn("No text extractor for file type", "path", path, "kind", kind)
		return res, unsupported(path, fmt.Sprintf("text extraction for %s files is not available", kind))
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return res, fmt.Errorf("failed to read file: %w", err)
	}
	hash := fs.HashContent(content)

	if !opts.Force {
		if existing := idx.lib.FindByMetadata(filter.KeySourceHash, hash); len(existing) > 0 {
			log.Info("File already in knowledge base, skipping", "path", path, "doc_id", existing[0])
			res.DocID = existing[0]
			res.Skipped = true
			return res, nil
		}
	}

	base, err := idx.baseMetadata(path, hash, opts)
	if err != nil {
		return res, err
	}

	var (
		texts     []string
		docType   = "text"
		thumbnail string
		fullText  string
	)
	switch kind {
	case fs.KindText:
		fullText = string(content)
		texts = idx.chunkTexts(fullText)
	case fs.KindHTML:
		doc, err := fs.ExtractHTML(strings.NewReader(string(content)))
		if err != nil {
			return res, kberr.Classify(kberr.ErrUnsupportedInput, kberr.CodeIngestInputInvalid, err,
				"unreadable html", kberr.FieldPath(path))
		}
		if doc.Author != "" && base.String(filter.KeyAuthor) == "" {
			base[filter.KeyAuthor] = doc.Author
		}
		fullText = doc.Text
		texts = idx.chunkTexts(fullText)
	case fs.KindImage:
		docType = "image"
		tmpDir, err := os.MkdirTemp("", "kbase-thumb-")
		if err != nil {
			return res, fmt.Errorf("failed to create thumbnail directory: %w", err)
		}
		defer os.RemoveAll(tmpDir)

		thumbnail = filepath.Join(tmpDir, store.ThumbnailName(path))
		if err := fs.MakeThumbnail(path, thumbnail, fs.ThumbnailSize); err != nil {
			return res, kberr.Classify(kberr.ErrUnsupportedInput, kberr.CodeIngestInputInvalid, err,
				"unreadable image", kberr.FieldPath(path))
		}
		fullText = idx.describe(ctx, path)
		texts = []string{fullText}
	}

	if idx.meta != nil && strings.TrimSpace(fullText) != "" {
		md, err := idx.meta.GenerateMetadata(ctx, fullText)
		if err != nil {
			log.Warn("Failed to generate AI metadata, continuing without it", "path", path, "error", err)
		} else {
			base[filter.KeyAISummary] = md.Summary
			base[filter.KeyAITags] = md.Tags
		}
	}

	chunks := make([]store.Chunk, len(texts))
	for i, text := range texts {
		md := base.Clone()
		md[filter.KeyPage] = i + 1
		md[filter.KeyType] = docType
		chunks[i] = store.Chunk{Text: text, Metadata: md}
	}

	docID, err := idx.lib.AddDocument(ctx, kb.AddRequest{
		Chunks:        chunks,
		OriginalPath:  path,
		ThumbnailPath: thumbnail,
	})
	if err != nil {
		return res, err
	}
	res.DocID = docID
	res.Chunks = len(chunks)

	if opts.Replace {
		if sp := base.String(filter.KeySourcePath); sp != "" {
			res.Replaced = idx.replaceOlder(ctx, sp, docID)
		}
	}
	return res, nil
}

// IngestDir ingests every recognised file under dir. Files that fail are
// logged and counted; the walk continues.
func (idx *Indexer) IngestDir(ctx context.Context, dir string, opts Options) ([]Result, error) {
	absPath, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve path: %w", err)
	}
	if opts.Root == "" {
		opts.Root = absPath
	}

	idx.mu.Lock()
	idx.progress = Progress{StartTime: time.Now()}
	idx.mu.Unlock()

	walker, err := fs.NewFileWalker(fs.WalkOptions{
		Root:           absPath,
		MaxFileSize:    idx.cfg.Ingest.MaxFileSize,
		IgnorePatterns: append(append([]string{}, idx.cfg.Ignore...), opts.IgnorePatterns...),
		UseGitignore:   true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create file walker: %w", err)
	}

	// First pass: collect files and count
	var files []fs.FileInfo
	if err := walker.Walk(func(fi fs.FileInfo) error {
		if fi.Kind.Extractable() {
			files = append(files, fi)
		}
		return nil
	}); err != nil {
		return nil, fmt.Errorf("failed to walk directory: %w", err)
	}

	idx.mu.Lock()
	idx.progress.TotalFiles = len(files)
	idx.mu.Unlock()
	log.Info("Found files to ingest", "count", len(files), "dir", absPath)

	var results []Result
	for _, fi := range files {
		if err := ctx.Err(); err != nil {
			return results, err
		}

		idx.mu.Lock()
		idx.progress.CurrentFile = fi.RelPath
		idx.mu.Unlock()

		res, err := idx.IngestFile(ctx, fi.Path, opts)
		idx.mu.Lock()
		switch {
		case err != nil:
			log.Warn("Failed to ingest file", "path", fi.RelPath, "error", err)
			idx.progress.Errors++
		case res.Skipped:
			idx.progress.SkippedFiles++
		default:
			idx.progress.ProcessedFiles++
			idx.progress.TotalChunks += res.Chunks
		}
		if opts.OnProgress != nil {
			opts.OnProgress(idx.progress)
		}
		idx.mu.Unlock()

		if err == nil {
			results = append(results, res)
		}
	}

	p := idx.Progress()
	log.Info("Ingestion complete",
		"added", p.ProcessedFiles,
		"skipped", p.SkippedFiles,
		"errors", p.Errors,
		"chunks", p.TotalChunks,
		"duration", time.Since(p.StartTime).Round(time.Millisecond),
	)
	return results, nil
}

// Progress returns the current ingestion progress.
func (idx *Indexer) Progress() Progress {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.progress
}

// RemoveSource deletes every document ingested from sourcePath and returns
// their ids.
func (idx *Indexer) RemoveSource(ctx context.Context, sourcePath string) ([]string, error) {
	var removed []string
	var errs []error
	for _, docID := range idx.lib.FindByMetadata(filter.KeySourcePath, sourcePath) {
		found, err := idx.lib.DeleteDocument(ctx, docID)
		if err != nil {
			errs = append(errs, err)
		}
		if found {
			removed = append(removed, docID)
		}
	}
	return removed, errors.Join(errs...)
}

func (idx *Indexer) baseMetadata(path, hash string, opts Options) (store.Metadata, error) {
	md := opts.Metadata.Clone()

	sidecar, err := LoadSidecar(path)
	if err != nil {
		return nil, err
	}
	md = md.Merge(sidecar)

	if v, ok := md[filter.KeyExpirationDate]; ok {
		s, isString := v.(string)
		if !isString || !filter.ValidDate(s) {
			return nil, kberr.Classify(kberr.ErrUnsupportedInput, kberr.CodeIngestInputInvalid, nil,
				"expiration_date must be YYYY-MM-DD", kberr.FieldPath(path))
		}
	}

	md[filter.KeySourceFile] = filepath.Base(path)
	md[filter.KeySourceHash] = hash
	if opts.Root != "" {
		if rel, err := filepath.Rel(opts.Root, path); err == nil && !strings.HasPrefix(rel, "..") {
			md[filter.KeySourcePath] = filepath.ToSlash(rel)
		}
	}
	return md, nil
}

func (idx *Indexer) chunkTexts(text string) []string {
	chunks := idx.chunker.Chunk(text)
	out := make([]string, len(chunks))
	for i, c := range chunks {
		out[i] = c.Content
	}
	return out
}

func (idx *Indexer) describe(ctx context.Context, path string) string {
	fallback := "image: " + filepath.Base(path)
	if idx.describer == nil {
		return fallback
	}
	desc, err := idx.describer.Describe(ctx, path, fs.ImageMediaType(path))
	if err != nil || strings.TrimSpace(desc) == "" {
		log.Warn("Failed to describe image, using file name", "path", path, "error", err)
		return fallback
	}
	return strings.TrimSpace(desc)
}

func (idx *Indexer) replaceOlder(ctx context.Context, sourcePath, keep string) []string {
	var replaced []string
	for _, docID := range idx.lib.FindByMetadata(filter.KeySourcePath, sourcePath) {
		if docID == keep {
			continue
		}
		if _, err := idx.lib.DeleteDocument(ctx, docID); err != nil {
			log.Warn("Failed to remove replaced document", "doc_id", docID, "error", err)
			continue
		}
		replaced = append(replaced, docID)
	}
	return replaced
}

func unsupported(path, msg string) error {
	return kberr.Classify(kberr.ErrUnsupportedInput, kberr.CodeIngestInputUnsupported, nil, msg, kberr.FieldPath(path))
}
