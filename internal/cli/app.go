package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/log"

	"github.com/nickcecere/kbase/internal/audit"
	"github.com/nickcecere/kbase/internal/config"
	"github.com/nickcecere/kbase/internal/embeddings"
	"github.com/nickcecere/kbase/internal/indexer"
	"github.com/nickcecere/kbase/internal/kb"
	"github.com/nickcecere/kbase/internal/llm"
)

// app bundles everything a command needs. Commands open it, use what they
// need and close it.
type app struct {
	cfg     *config.Config
	kb      *kb.Manager
	indexer *indexer.Indexer

	// llm and qa are nil when llm.provider is "none".
	llm llm.Service
	qa  *llm.QAService
}

// openApp opens the knowledge base described by the loaded configuration.
func openApp(ctx context.Context) (*app, error) {
	cfg := config.Get()

	emb, err := embeddings.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create embedding service: %w", err)
	}

	var rec audit.Recorder = audit.Nop{}
	if l, err := audit.Open(cfg.AuditPath()); err != nil {
		// History is not worth refusing to work over.
		log.Warn("Failed to open history database, history is disabled", "path", cfg.AuditPath(), "error", err)
	} else {
		rec = l
	}

	mgr, err := kb.Open(ctx, kb.Options{
		Root:                cfg.KnowledgeBase.Root,
		Embedder:            emb,
		Audit:               rec,
		OversampleFactor:    cfg.KnowledgeBase.OversampleFactor,
		RebuildOnCorruption: cfg.KnowledgeBase.RebuildOnCorruption,
	})
	if err != nil {
		rec.Close()
		return nil, fmt.Errorf("failed to open knowledge base: %w", err)
	}

	a := &app{cfg: cfg, kb: mgr}

	svc, err := llm.NewService(cfg)
	switch {
	case errors.Is(err, llm.ErrDisabled):
		log.Debug("No LLM configured")
	case err != nil:
		log.Warn("Failed to create LLM service, answers and AI metadata are disabled", "error", err)
	default:
		a.llm = svc
		a.qa = llm.NewQAService(svc, mgr, llm.WithTimeout(cfg.LLM.Timeout))
	}

	var opts []indexer.Option
	if a.llm != nil && cfg.Ingest.GenerateMetadata {
		opts = append(opts, indexer.WithMetadataGenerator(llm.NewMetadataGenerator(a.llm, cfg.LLM.Timeout)))
	}
	if a.llm != nil && cfg.Ingest.DescribeImages {
		if d, ok := llm.NewImageDescriber(a.llm, cfg.LLM.Timeout); ok {
			opts = append(opts, indexer.WithDescriber(d))
		} else {
			log.Warn("The configured LLM cannot read images, images are indexed by file name", "provider", a.llm.Provider())
		}
	}
	a.indexer = indexer.New(mgr, cfg, opts...)

	return a, nil
}

// Close closes the knowledge base and its history database.
func (a *app) Close() {
	if err := a.kb.Close(); err != nil {
		log.Warn("Failed to close knowledge base", "error", err)
	}
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
