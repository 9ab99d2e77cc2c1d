package fs

import (
	"bufio"
	"io"
	"regexp"
	"slices"
	"strings"
	"unicode/utf8"
)

// japaneseRun matches a run of at least 50 Hiragana, Katakana or Kanji.
var japaneseRun = regexp.MustCompile(`[\x{3040}-\x{30ff}\x{4e00}-\x{9faf}]{50,}`)

// IsJapanese reports whether text contains enough Japanese to be split on
// sentence boundaries instead of lines.
func IsJapanese(text string) bool {
	return japaneseRun.MatchString(text)
}

// TextChunker implements basic text chunking with overlap.
type TextChunker struct {
	opts ChunkOptions
}

// NewTextChunker creates a new text chunker.
func NewTextChunker(opts ChunkOptions) *TextChunker {
	def := DefaultChunkOptions()
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = def.ChunkSize
	}
	if opts.ChunkOverlap < 0 || opts.ChunkOverlap >= opts.ChunkSize {
		opts.ChunkOverlap = min(def.ChunkOverlap, opts.ChunkSize/2)
	}
	if opts.JapaneseChunkSize <= 0 {
		opts.JapaneseChunkSize = def.JapaneseChunkSize
	}
	if opts.JapaneseChunkOverlap < 0 || opts.JapaneseChunkOverlap >= opts.JapaneseChunkSize {
		opts.JapaneseChunkOverlap = min(def.JapaneseChunkOverlap, opts.JapaneseChunkSize/2)
	}

	return &TextChunker{opts: opts}
}

// Chunk splits content into chunks. Whitespace-only content yields none.
func (c *TextChunker) Chunk(content string) []Chunk {
	if strings.TrimSpace(content) == "" {
		return nil
	}

	var pieces []string
	if IsJapanese(content) {
		pieces = packSentences(splitSentences(content), c.opts.JapaneseChunkSize, c.opts.JapaneseChunkOverlap)
	} else {
		pieces = c.chunkLines(content)
	}

	chunks := make([]Chunk, 0, len(pieces))
	for _, p := range pieces {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		chunks = append(chunks, Chunk{Content: p, Index: len(chunks)})
	}
	return chunks
}

// ChunkReader reads content from a reader and chunks it.
func (c *TextChunker) ChunkReader(r io.Reader) ([]Chunk, error) {
	var content strings.Builder
	scanner := bufio.NewScanner(r)
	// Increase buffer size for large lines
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024)

	for scanner.Scan() {
		content.WriteString(scanner.Text())
		content.WriteString("\n")
	}

	if err := scanner.Err(); err != nil {
		return nil, err
	}

	return c.Chunk(content.String()), nil
}

// chunkLines packs whole lines into chunks of at most ChunkSize characters
// and starts each chunk with trailing lines of the previous one.
func (c *TextChunker) chunkLines(content string) []string {
	var pieces []string
	for _, line := range strings.Split(content, "\n") {
		pieces = append(pieces, splitLong(line, c.opts.ChunkSize)...)
	}

	var out []string
	var current []string
	size := 0

	for _, piece := range pieces {
		n := utf8.RuneCountInString(piece) + 1 // +1 for newline

		if size+n > c.opts.ChunkSize && len(current) > 0 {
			out = append(out, strings.Join(current, "\n"))
			current, size = c.overlap(current)
		}

		current = append(current, piece)
		size += n
	}

	if len(current) > 0 {
		out = append(out, strings.Join(current, "\n"))
	}
	return out
}

// overlap returns the trailing lines that fit in ChunkOverlap.
func (c *TextChunker) overlap(lines []string) ([]string, int) {
	size := 0
	start := len(lines)
	for i := len(lines) - 1; i >= 0; i-- {
		n := utf8.RuneCountInString(lines[i]) + 1
		if size+n > c.opts.ChunkOverlap {
			break
		}
		size += n
		start = i
	}
	return slices.Clone(lines[start:]), size
}

// splitLong breaks a line longer than size at word boundaries. Words longer
// than size are cut.
func splitLong(line string, size int) []string {
	if utf8.RuneCountInString(line) <= size {
		return []string{line}
	}

	var out []string
	var b strings.Builder
	n := 0
	flush := func() {
		if n > 0 {
			out = append(out, b.String())
			b.Reset()
			n = 0
		}
	}

	for _, word := range strings.Fields(line) {
		runes := []rune(word)
		for len(runes) > size {
			flush()
			out = append(out, string(runes[:size]))
			runes = runes[size:]
		}
		wn := len(runes)
		if n > 0 && n+1+wn > size {
			flush()
		}
		if n > 0 {
			b.WriteByte(' ')
			n++
		}
		b.WriteString(string(runes))
		n += wn
	}
	flush()
	return out
}

// splitSentences splits after each 。！？ and newline, keeping the
// terminator with its sentence.
func splitSentences(text string) []string {
	var out []string
	var b strings.Builder
	for _, r := range text {
		b.WriteRune(r)
		switch r {
		case '。', '！', '？', '\n':
			out = append(out, b.String())
			b.Reset()
		}
	}
	if b.Len() > 0 {
		out = append(out, b.String())
	}
	return out
}

// packSentences concatenates sentences into chunks of about size
// characters. Each new chunk begins with the last overlap characters of
// the previous one. A single sentence longer than size becomes its own
// chunk.
func packSentences(sentences []string, size, overlap int) []string {
	var out []string
	var current []rune

	for _, s := range sentences {
		runes := []rune(s)
		if len(current)+len(runes) > size && len(current) > 0 {
			out = append(out, string(current))
			tail := current[max(0, len(current)-overlap):]
			current = append(slices.Clone(tail), runes...)
			continue
		}
		current = append(current, runes...)
	}

	if len(current) > 0 {
		out = append(out, string(current))
	}
	return out
}
