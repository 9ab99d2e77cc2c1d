// Package watcher turns a directory into an inbox: files dropped into it are
// ingested, rewritten files replace their earlier version and removed files
// can be deleted from the knowledge base.
package watcher

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/fsnotify/fsnotify"
	gitignore "github.com/sabhiram/go-gitignore"

	"github.com/nickcecere/kbase/internal/config"
	kberr "github.com/nickcecere/kbase/internal/errors"
	"github.com/nickcecere/kbase/internal/fs"
	"github.com/nickcecere/kbase/internal/indexer"
	"github.com/nickcecere/kbase/internal/store"
)

// Ingester is the part of the indexer the watcher drives.
type Ingester interface {
	IngestFile(ctx context.Context, path string, opts indexer.Options) (indexer.Result, error)
	RemoveSource(ctx context.Context, sourcePath string) ([]string, error)
}

// Event names passed to the event callback.
const (
	EventIndex  = "index"
	EventSkip   = "skip"
	EventDelete = "delete"
	EventError  = "error"
)

type action int

const (
	actionIngest action = iota
	actionRemove
)

type pending struct {
	action action
	force  bool
	at     time.Time
}

// Watcher watches an inbox directory and keeps the knowledge base in step
// with it.
type Watcher struct {
	root     string
	ingester Ingester
	cfg      *config.Config
	ignore   *gitignore.GitIgnore
	metadata store.Metadata

	// pending holds the latest event per path until it has been quiet for
	// debounceTime.
	pending      map[string]pending
	pendingMu    sync.Mutex
	debounceTime time.Duration

	// callback for status updates
	onEvent func(event string, path string)
}

// Option configures the watcher.
type Option func(*Watcher)

// WithDebounceTime sets how long a path must be quiet before it is processed.
func WithDebounceTime(d time.Duration) Option {
	return func(w *Watcher) {
		w.debounceTime = d
	}
}

// WithEventCallback sets a callback for file events.
func WithEventCallback(fn func(event string, path string)) Option {
	return func(w *Watcher) {
		w.onEvent = fn
	}
}

// WithMetadata sets metadata attached to every file ingested from the inbox.
func WithMetadata(md store.Metadata) Option {
	return func(w *Watcher) {
		w.metadata = md.Clone()
	}
}

// New creates a watcher for root.
func New(root string, ing Ingester, cfg *config.Config, opts ...Option) (*Watcher, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(absRoot)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, kberr.Classify(kberr.ErrUnsupportedInput, kberr.CodeIngestInputInvalid, nil,
			"inbox is not a directory", kberr.FieldPath(absRoot))
	}

	w := &Watcher{
		root:         absRoot,
		ingester:     ing,
		cfg:          cfg,
		ignore:       gitignore.CompileIgnoreLines(cfg.Ignore...),
		pending:      make(map[string]pending),
		debounceTime: cfg.Watch.Debounce,
		onEvent:      func(string, string) {}, // noop default
	}

	for _, opt := range opts {
		opt(w)
	}
	if w.debounceTime <= 0 {
		w.debounceTime = config.DefaultWatchDebounce
	}

	return w, nil
}

// Root returns the absolute inbox path.
func (w *Watcher) Root() string {
	return w.root
}

// Start begins watching for file changes. Blocks until context is cancelled.
func (w *Watcher) Start(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	// Add all directories recursively
	if err := w.addDirectories(watcher, w.root); err != nil {
		return err
	}

	log.Info("Watching inbox", "root", w.root, "debounce", w.debounceTime)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		w.processDebounced(ctx)
	}()
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			w.handleEvent(event, watcher)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Error("Watcher error", "error", err)
		}
	}
}

// Scan queues every file already in the inbox. Files whose content is
// already in the knowledge base are skipped when processed.
func (w *Watcher) Scan() error {
	return filepath.WalkDir(w.root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if path != w.root && w.skipDir(path) {
				return filepath.SkipDir
			}
			return nil
		}
		if w.wanted(path) {
			w.enqueue(path, actionIngest, false, time.Now())
		}
		return nil
	})
}

// addDirectories recursively adds dir and its subdirectories to the watcher.
func (w *Watcher) addDirectories(watcher *fsnotify.Watcher, dir string) error {
	return filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil // Skip errors
		}

		if !d.IsDir() {
			return nil
		}
		if path != w.root && w.skipDir(path) {
			return filepath.SkipDir
		}

		if err := watcher.Add(path); err != nil {
			log.Debug("Failed to watch directory", "path", path, "error", err)
		}
		return nil
	})
}

// skipDir reports whether a directory is hidden or ignored.
func (w *Watcher) skipDir(path string) bool {
	if strings.HasPrefix(filepath.Base(path), ".") {
		return true
	}
	return w.ignored(path)
}

func (w *Watcher) ignored(path string) bool {
	rel, err := filepath.Rel(w.root, path)
	if err != nil {
		return false
	}
	return w.ignore.MatchesPath(filepath.ToSlash(rel))
}

// wanted reports whether path is a file the indexer can extract.
func (w *Watcher) wanted(path string) bool {
	if strings.HasPrefix(filepath.Base(path), ".") || w.ignored(path) {
		return false
	}
	return fs.DetectKind(path).Extractable()
}

// handleEvent processes a single file system event.
func (w *Watcher) handleEvent(event fsnotify.Event, watcher *fsnotify.Watcher) {
	path := event.Name
	now := time.Now()

	// A changed sidecar re-ingests the file it describes.
	if fs.IsSidecar(path) {
		owner := strings.TrimSuffix(strings.TrimSuffix(path, fs.SidecarSuffix), fs.SidecarSuffixAlt)
		if _, err := os.Stat(owner); err == nil && w.wanted(owner) {
			w.enqueue(owner, actionIngest, true, now)
		}
		return
	}

	if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
		if w.wanted(path) {
			w.enqueue(path, actionRemove, false, now)
		}
		return
	}

	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
		return
	}

	info, err := os.Stat(path)
	if err != nil {
		return
	}
	if info.IsDir() {
		// New directories are watched, and files moved in with them queued.
		if event.Has(fsnotify.Create) && watcher != nil && !w.skipDir(path) {
			if err := w.addDirectories(watcher, path); err != nil {
				log.Debug("Failed to watch directory", "path", path, "error", err)
			}
			filepath.WalkDir(path, func(p string, d os.DirEntry, err error) error {
				if err == nil && !d.IsDir() && w.wanted(p) {
					w.enqueue(p, actionIngest, false, now)
				}
				return nil
			})
		}
		return
	}

	if w.wanted(path) {
		w.enqueue(path, actionIngest, false, now)
	}
}

// enqueue records the latest action for path. A forced ingest stays forced
// until processed.
func (w *Watcher) enqueue(path string, a action, force bool, at time.Time) {
	w.pendingMu.Lock()
	defer w.pendingMu.Unlock()

	if prev, ok := w.pending[path]; ok && prev.action == actionIngest && a == actionIngest {
		force = force || prev.force
	}
	w.pending[path] = pending{action: a, force: force, at: at}
}

// processDebounced processes debounced file events periodically.
func (w *Watcher) processDebounced(ctx context.Context) {
	interval := max(w.debounceTime/2, 10*time.Millisecond)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			w.flush(ctx, now)
		}
	}
}

// flush processes every pending path that has been quiet for the debounce
// time as of now, in path order.
func (w *Watcher) flush(ctx context.Context, now time.Time) {
	w.pendingMu.Lock()
	due := make(map[string]pending)
	for path, p := range w.pending {
		if now.Sub(p.at) >= w.debounceTime {
			due[path] = p
			delete(w.pending, path)
		}
	}
	w.pendingMu.Unlock()

	paths := make([]string, 0, len(due))
	for path := range due {
		paths = append(paths, path)
	}
	slices.Sort(paths)

	for _, path := range paths {
		if ctx.Err() != nil {
			return
		}

		p := due[path]
		if p.action == actionIngest {
			if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
				p.action = actionRemove
			}
		}

		switch p.action {
		case actionIngest:
			w.ingest(ctx, path, p.force)
		case actionRemove:
			w.remove(ctx, path)
		}
	}
}

// ingest adds path and replaces earlier versions of it.
func (w *Watcher) ingest(ctx context.Context, path string, force bool) {
	rel := w.rel(path)

	res, err := w.ingester.IngestFile(ctx, path, indexer.Options{
		Metadata: w.metadata,
		Root:     w.root,
		Force:    force,
		Replace:  true,
	})
	switch {
	case err != nil:
		if kberr.IsUnsupported(err) {
			log.Warn("Skipped unsupported file", "file", rel, "error", err)
		} else {
			log.Error("Failed to ingest file", "file", rel, "error", err)
		}
		w.onEvent(EventError, rel)
	case res.Skipped:
		log.Debug("Content already in the knowledge base", "file", rel)
		w.onEvent(EventSkip, rel)
	default:
		log.Info("Ingested", "file", rel, "doc_id", res.DocID, "chunks", res.Chunks, "replaced", len(res.Replaced))
		w.onEvent(EventIndex, rel)
	}
}

// remove deletes the documents ingested from path when configured to.
func (w *Watcher) remove(ctx context.Context, path string) {
	rel := w.rel(path)
	if !w.cfg.Watch.DeleteOnRemove {
		log.Debug("File removed, keeping its documents", "file", rel)
		return
	}

	removed, err := w.ingester.RemoveSource(ctx, rel)
	if err != nil {
		log.Error("Failed to delete documents", "file", rel, "error", err)
		w.onEvent(EventError, rel)
		return
	}
	if len(removed) > 0 {
		log.Info("Removed from knowledge base", "file", rel, "documents", len(removed))
		w.onEvent(EventDelete, rel)
	}
}

// rel returns path relative to the inbox in slash form, the same form the
// indexer stores as source_path.
func (w *Watcher) rel(path string) string {
	rel, err := filepath.Rel(w.root, path)
	if err != nil {
		return filepath.ToSlash(path)
	}
	return filepath.ToSlash(rel)
}
