package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	kberr "github.com/nickcecere/kbase/internal/errors"
	"github.com/nickcecere/kbase/internal/indexer"
)

// maxMetadataInput caps the runes of document text sent for summarizing.
const maxMetadataInput = 12000

const maxTags = 10

const metadataPrompt = `Read the document below and reply with a single JSON object and nothing else:
{"summary": "<two or three sentence summary>", "tags": ["<keyword>", ...]}
Use at most ten short lowercase tags. Write the summary in the document's language.`

// MetadataGenerator derives a summary and tags for a document.
type MetadataGenerator struct {
	llm     Service
	timeout time.Duration
}

// NewMetadataGenerator creates a generator using svc.
func NewMetadataGenerator(svc Service, timeout time.Duration) *MetadataGenerator {
	return &MetadataGenerator{llm: svc, timeout: timeout}
}

// GenerateMetadata sends text once and parses the JSON reply.
func (g *MetadataGenerator) GenerateMetadata(ctx context.Context, text string) (indexer.DocumentMetadata, error) {
	if r := []rune(text); len(r) > maxMetadataInput {
		text = string(r[:maxMetadataInput])
	}

	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	reply, err := g.llm.Complete(ctx, []Message{
		{Role: RoleSystem, Content: metadataPrompt},
		{Role: RoleUser, Content: text},
	}, CompletionOptions{Temperature: 0, MaxTokens: 512})
	if err != nil {
		return indexer.DocumentMetadata{}, err
	}
	return parseMetadata(reply)
}

// parseMetadata extracts the JSON object from a model reply, tolerating
// code fences and surrounding prose.
func parseMetadata(reply string) (indexer.DocumentMetadata, error) {
	start := strings.Index(reply, "{")
	end := strings.LastIndex(reply, "}")
	if start < 0 || end < start {
		return indexer.DocumentMetadata{}, kberr.New(kberr.CodeProviderResponse,
			"metadata reply has no JSON object")
	}

	var meta indexer.DocumentMetadata
	if err := json.Unmarshal([]byte(reply[start:end+1]), &meta); err != nil {
		return indexer.DocumentMetadata{}, kberr.Wrap(err, kberr.CodeProviderResponse,
			fmt.Sprintf("invalid metadata reply: %v", err))
	}

	meta.Summary = strings.TrimSpace(meta.Summary)
	tags := make([]string, 0, len(meta.Tags))
	for _, t := range meta.Tags {
		t = strings.TrimSpace(t)
		if t != "" && !slices.Contains(tags, t) {
			tags = append(tags, t)
		}
	}
	if len(tags) > maxTags {
		tags = tags[:maxTags]
	}
	meta.Tags = tags
	return meta, nil
}
