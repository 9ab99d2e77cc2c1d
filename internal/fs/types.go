// Package fs finds, reads and splits the files kbase ingests.
package fs

import (
	"io"
	"time"
)

// FileInfo represents metadata about a file.
type FileInfo struct {
	Path    string    // Absolute path to the file
	RelPath string    // Path relative to the root
	Size    int64     // File size in bytes
	ModTime time.Time // Last modification time
	Hash    string    // xxhash of file contents
	Kind    Kind      // Ingestion route
}

// Chunk represents a piece of a document's text.
type Chunk struct {
	Content string
	Index   int // 0-based position within the document
}

// WalkOptions configures the file walker.
type WalkOptions struct {
	// Root is the directory to start walking from.
	Root string

	// MaxFileSize is the maximum file size to process (in bytes).
	MaxFileSize int64

	// MaxFileCount is the maximum number of files to process.
	MaxFileCount int

	// IgnorePatterns are additional patterns to ignore (gitignore syntax).
	IgnorePatterns []string

	// IncludeHidden includes hidden files and directories.
	IncludeHidden bool

	// UseGitignore respects .gitignore files.
	UseGitignore bool

	// IncludeUnknown also yields files whose kind is not recognised, so the
	// caller can report them.
	IncludeUnknown bool
}

// ChunkOptions configures the chunker. Sizes are in characters.
type ChunkOptions struct {
	ChunkSize    int
	ChunkOverlap int

	// Used instead of the above for Japanese text.
	JapaneseChunkSize    int
	JapaneseChunkOverlap int
}

// DefaultWalkOptions returns sensible defaults for walking.
func DefaultWalkOptions() WalkOptions {
	return WalkOptions{
		MaxFileSize:  20 * 1024 * 1024, // 20MB
		MaxFileCount: 10000,
		UseGitignore: true,
	}
}

// DefaultChunkOptions returns sensible defaults for chunking.
func DefaultChunkOptions() ChunkOptions {
	return ChunkOptions{
		ChunkSize:            500,
		ChunkOverlap:         50,
		JapaneseChunkSize:    512,
		JapaneseChunkOverlap: 50,
	}
}

// Walker walks a directory tree and yields files.
type Walker interface {
	// Walk walks the directory tree and calls fn for each file.
	// The walk stops if fn returns an error.
	Walk(fn func(FileInfo) error) error

	// Stats returns statistics about the walk.
	Stats() WalkStats
}

// WalkStats contains statistics from a directory walk.
type WalkStats struct {
	FilesFound   int   // Total files found
	FilesSkipped int   // Files skipped due to size/pattern/etc
	DirsSkipped  int   // Directories skipped
	TotalBytes   int64 // Total bytes of files found
	SkippedBytes int64 // Total bytes of skipped files
}

// Chunker splits text into chunks.
type Chunker interface {
	Chunk(content string) []Chunk
	ChunkReader(r io.Reader) ([]Chunk, error)
}
