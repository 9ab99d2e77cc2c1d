package cli

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/nickcecere/kbase/internal/filter"
	"github.com/nickcecere/kbase/internal/ui"
	"github.com/nickcecere/kbase/internal/watcher"
)

var (
	watchNoInitial bool
	watchAuthor    string
	watchExpires   string
	watchMeta      []string
)

// watchCmd represents the watch command.
var watchCmd = &cobra.Command{
	Use:   "watch <inbox>",
	Short: "Watch an inbox directory and keep the knowledge base in sync",
	Long: `Watch a directory for file changes and ingest them automatically.

A new or changed file is ingested and replaces older documents from the same
path. With watch.delete_on_remove set, deleting a file deletes its documents.

The directory is scanned once at start (unless --no-initial is given); files
whose content is already stored are skipped.

Examples:
  kbase watch ~/inbox
  kbase watch ./shared --author ops --no-initial`,
	Args: cobra.ExactArgs(1),
	RunE: runWatchCmd,
}

func init() {
	watchCmd.Flags().BoolVar(&watchNoInitial, "no-initial", false, "skip the initial scan")
	watchCmd.Flags().StringVar(&watchAuthor, "author", "", "author stored with every ingested file")
	watchCmd.Flags().StringVar(&watchExpires, "expires", "", "expiration date stored with every ingested file")
	watchCmd.Flags().StringArrayVar(&watchMeta, "meta", nil, "extra metadata key=value (repeatable)")
}

func runWatchCmd(cmd *cobra.Command, args []string) error {
	absPath, err := filepath.Abs(args[0])
	if err != nil {
		return fmt.Errorf("failed to resolve path: %w", err)
	}

	md, err := parseKeyValues(watchMeta)
	if err != nil {
		return err
	}
	if watchAuthor != "" {
		md[filter.KeyAuthor] = watchAuthor
	}
	if watchExpires != "" {
		if !filter.ValidDate(watchExpires) {
			return fmt.Errorf("--expires must be YYYY-MM-DD, got %q", watchExpires)
		}
		md[filter.KeyExpirationDate] = watchExpires
	}

	ui.SetLongRunning()

	ctx, cancel := signalContext()
	defer cancel()

	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	w, err := newWatcher(a, absPath, watcher.WithMetadata(md))
	if err != nil {
		return err
	}

	if !watchNoInitial {
		if err := w.Scan(); err != nil {
			return fmt.Errorf("initial scan failed: %w", err)
		}
	}

	fmt.Println(ui.Header.Render("Watching for Changes"))
	fmt.Printf("Directory: %s\n", absPath)
	fmt.Println("Press Ctrl+C to stop.")
	fmt.Println()

	if err := w.Start(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

// newWatcher creates a watcher that reports its events through the logger.
func newWatcher(a *app, dir string, opts ...watcher.Option) (*watcher.Watcher, error) {
	opts = append([]watcher.Option{
		watcher.WithEventCallback(func(event, path string) {
			switch event {
			case watcher.EventError:
				log.Warn("Watcher failed to process file", "path", path)
			case watcher.EventSkip:
				log.Debug("File unchanged", "path", path)
			default:
				log.Info("Knowledge base updated", "event", event, "path", path)
			}
		}),
	}, opts...)

	w, err := watcher.New(dir, a.indexer, a.cfg, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	return w, nil
}

// watchInBackground runs a watcher until ctx is done, logging failures.
func watchInBackground(ctx context.Context, a *app, dir string) {
	w, err := newWatcher(a, dir)
	if err != nil {
		log.Error("Failed to start watcher", "dir", dir, "error", err)
		return
	}
	if err := w.Start(ctx); err != nil && ctx.Err() == nil {
		log.Error("Watcher error", "error", err)
	}
}
