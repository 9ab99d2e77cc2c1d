package llm

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"github.com/nickcecere/kbase/internal/filter"
	"github.com/nickcecere/kbase/internal/kb"
	"github.com/nickcecere/kbase/internal/store"
)

// Fixed answers returned instead of a generated one.
const (
	NoInformationAnswer    = "No information was found in the knowledge base. Check the expiration dates of the registered documents."
	GenerationFailedAnswer = "An error occurred while generating the answer."
)

// Searcher finds the chunks an answer is grounded on. *kb.Manager
// satisfies it.
type Searcher interface {
	Search(ctx context.Context, query string, k int, spec filter.Spec) ([]kb.Result, error)
}

// QAService generates answers to questions using knowledge base chunks as
// context.
type QAService struct {
	llm      Service
	searcher Searcher
	timeout  time.Duration
	now      func() time.Time
}

// QAOption customizes a QAService.
type QAOption func(*QAService)

// WithClock sets the clock that decides which documents have expired.
func WithClock(now func() time.Time) QAOption {
	return func(qa *QAService) { qa.now = now }
}

// WithTimeout bounds each generation call.
func WithTimeout(d time.Duration) QAOption {
	return func(qa *QAService) { qa.timeout = d }
}

// QAOptions configures the Q&A generation.
type QAOptions struct {
	// Temperature controls creativity (0-1).
	Temperature float64

	// MaxTokens limits the response length.
	MaxTokens int

	// MaxContextChunks is the number of chunks searched for and passed
	// as context.
	MaxContextChunks int
}

// DefaultQAOptions returns sensible defaults.
func DefaultQAOptions() QAOptions {
	return QAOptions{
		Temperature:      0,
		MaxTokens:        2048,
		MaxContextChunks: 5,
	}
}

// QAResult contains the answer and its sources.
type QAResult struct {
	Answer string `json:"answer"`

	// Sources holds the metadata of every context chunk, nearest first.
	Sources []store.Metadata `json:"sources"`

	// Results are the search hits behind Sources.
	Results []kb.Result `json:"-"`

	// Failed is set when Answer is GenerationFailedAnswer.
	Failed bool `json:"failed,omitempty"`
}

// NewQAService creates a new Q&A service.
func NewQAService(llm Service, searcher Searcher, opts ...QAOption) *QAService {
	qa := &QAService{
		llm:      llm,
		searcher: searcher,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(qa)
	}
	return qa
}

// Ask searches the knowledge base and answers question from what it finds.
// Unless spec already bounds the expiration date, expired documents are
// left out. A generation failure is reported through QAResult.Failed; the
// only error is a failed search.
func (qa *QAService) Ask(ctx context.Context, question string, spec filter.Spec, opts QAOptions) (*QAResult, error) {
	result, messages, err := qa.prepare(ctx, question, spec, opts)
	if err != nil || messages == nil {
		return result, err
	}

	gctx, cancel := qa.withTimeout(ctx)
	defer cancel()

	answer, err := qa.llm.Complete(gctx, messages, CompletionOptions{
		Temperature: opts.Temperature,
		MaxTokens:   opts.MaxTokens,
	})
	if err != nil {
		log.Error("Failed to generate answer", "provider", qa.llm.Provider(), "err", err)
		result.Answer = GenerationFailedAnswer
		result.Failed = true
		return result, nil
	}

	result.Answer = strings.TrimSpace(answer)
	return result, nil
}

// AskStream is Ask with the answer written to w as it is generated. If
// generation fails part way, GenerationFailedAnswer is written after what
// was already streamed.
func (qa *QAService) AskStream(ctx context.Context, question string, spec filter.Spec, opts QAOptions, w io.Writer) (*QAResult, error) {
	result, messages, err := qa.prepare(ctx, question, spec, opts)
	if err != nil {
		return nil, err
	}
	if messages == nil {
		_, err := io.WriteString(w, result.Answer)
		return result, err
	}

	gctx, cancel := qa.withTimeout(ctx)
	defer cancel()

	contentCh, errCh := qa.llm.CompleteStream(gctx, messages, CompletionOptions{
		Temperature: opts.Temperature,
		MaxTokens:   opts.MaxTokens,
	})

	var answer strings.Builder
	for piece := range contentCh {
		answer.WriteString(piece)
		if _, err := io.WriteString(w, piece); err != nil {
			cancel()
			for range contentCh {
			}
			return nil, err
		}
	}

	if err := <-errCh; err != nil {
		log.Error("Failed to generate answer", "provider", qa.llm.Provider(), "err", err)
		sep := ""
		if answer.Len() > 0 {
			sep = "\n\n"
		}
		if _, werr := io.WriteString(w, sep+GenerationFailedAnswer); werr != nil {
			return nil, werr
		}
		result.Answer = GenerationFailedAnswer
		result.Failed = true
		return result, nil
	}

	result.Answer = strings.TrimSpace(answer.String())
	return result, nil
}

// prepare runs the search. A nil message list means the result is final.
func (qa *QAService) prepare(ctx context.Context, question string, spec filter.Spec, opts QAOptions) (*QAResult, []Message, error) {
	k := opts.MaxContextChunks
	if k <= 0 {
		k = DefaultQAOptions().MaxContextChunks
	}

	results, err := qa.searcher.Search(ctx, question, k, qa.effectiveSpec(spec))
	if err != nil {
		return nil, nil, err
	}
	if len(results) == 0 {
		return &QAResult{Answer: NoInformationAnswer, Sources: []store.Metadata{}}, nil, nil
	}

	sources := make([]store.Metadata, len(results))
	for i, r := range results {
		sources[i] = r.Chunk.Metadata
	}

	messages := []Message{
		{Role: RoleSystem, Content: systemPrompt},
		{Role: RoleUser, Content: fmt.Sprintf(userPrompt, BuildContext(results), question)},
	}
	return &QAResult{Sources: sources, Results: results}, messages, nil
}

// effectiveSpec appends ExpirationAfter{today} unless spec bounds the
// expiration date itself.
func (qa *QAService) effectiveSpec(spec filter.Spec) filter.Spec {
	if spec.Has(filter.ExpirationStart{}) || spec.Has(filter.ExpirationEnd{}) {
		return spec
	}
	out := make(filter.Spec, 0, len(spec)+1)
	out = append(out, spec...)
	return append(out, filter.ExpirationAfter{Cutoff: qa.now().Format(filter.DateLayout)})
}

func (qa *QAService) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if qa.timeout > 0 {
		return context.WithTimeout(ctx, qa.timeout)
	}
	return context.WithCancel(ctx)
}

// BuildContext renders results as "[source: <file> page: <n>]" blocks
// separated by a blank line.
func BuildContext(results []kb.Result) string {
	blocks := make([]string, len(results))
	for i, r := range results {
		md := r.Chunk.Metadata
		page := any("")
		if p, ok := md[filter.KeyPage]; ok {
			page = p
		}
		blocks[i] = fmt.Sprintf("[source: %s page: %v]\n%s", md.String(filter.KeySourceFile), page, r.Chunk.Text)
	}
	return strings.Join(blocks, "\n\n")
}

const systemPrompt = `You answer questions using only the documents provided as context.
If the context does not contain the answer, say that you do not know instead of guessing.
Cite the source file and page of the passages you rely on.
Answer in the language of the question.`

const userPrompt = `Context:
%s

Question: %s`
