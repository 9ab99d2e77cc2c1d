package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/nickcecere/kbase/internal/filter"
	"github.com/nickcecere/kbase/internal/indexer"
	"github.com/nickcecere/kbase/internal/ui"
)

var (
	addAuthor  string
	addExpires string
	addMeta    []string
	addForce   bool
	addReplace bool
	addIgnore  []string
)

// addCmd represents the add command
var addCmd = &cobra.Command{
	Use:   "add <path>...",
	Short: "Add files or directories to the knowledge base",
	Long: `Extract, chunk and embed files, then store them as documents.

Text, Markdown and HTML files are split into chunks. Images are stored with a
thumbnail and described by the LLM when ingest.describe_images is on.

A sidecar file named <file>.meta.yaml next to a file supplies its metadata and
takes precedence over the flags.

Examples:
  # Add a single file
  kbase add handbook.md --author hr --expires 2027-03-31

  # Add a directory with extra metadata
  kbase add ./policies --meta department=legal

  # Add a file even if the same content is already stored
  kbase add handbook.md --force`,
	Args: cobra.MinimumNArgs(1),
	RunE: runAdd,
}

func init() {
	addCmd.Flags().StringVar(&addAuthor, "author", "", "author stored with every chunk")
	addCmd.Flags().StringVar(&addExpires, "expires", "", "expiration date (YYYY-MM-DD)")
	addCmd.Flags().StringArrayVar(&addMeta, "meta", nil, "extra metadata key=value (repeatable)")
	addCmd.Flags().BoolVarP(&addForce, "force", "f", false, "add files whose content is already stored")
	addCmd.Flags().BoolVar(&addReplace, "replace", false, "delete older documents from the same source path")
	addCmd.Flags().StringSliceVarP(&addIgnore, "ignore", "i", nil, "additional patterns to ignore")
}

func runAdd(cmd *cobra.Command, args []string) error {
	md, err := parseKeyValues(addMeta)
	if err != nil {
		return err
	}
	if addAuthor != "" {
		md[filter.KeyAuthor] = addAuthor
	}
	if addExpires != "" {
		if !filter.ValidDate(addExpires) {
			return fmt.Errorf("--expires must be YYYY-MM-DD, got %q", addExpires)
		}
		md[filter.KeyExpirationDate] = addExpires
	}

	ctx, cancel := signalContext()
	defer cancel()

	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	opts := indexer.Options{
		Metadata:       md,
		Force:          addForce,
		Replace:        addReplace,
		IgnorePatterns: addIgnore,
	}

	start := time.Now()
	var added, skipped, failed, chunks int
	for _, path := range args {
		info, err := os.Stat(path)
		if err != nil {
			return fmt.Errorf("path does not exist: %s", path)
		}

		if !info.IsDir() {
			fileOpts := opts
			if addReplace {
				// A lone file's source path is its name within its directory.
				if abs, err := filepath.Abs(path); err == nil {
					fileOpts.Root = filepath.Dir(abs)
				}
			}
			res, err := a.indexer.IngestFile(ctx, path, fileOpts)
			if err != nil {
				failed++
				fmt.Printf("%s %s: %v\n", ui.Error.Render("✗"), path, err)
				continue
			}
			printIngestResult(res)
			if res.Skipped {
				skipped++
			} else {
				added++
				chunks += res.Chunks
			}
			continue
		}

		fmt.Println(ui.Header.Render("Adding " + path))
		lastUpdate := time.Now()
		dirOpts := opts
		dirOpts.OnProgress = func(p indexer.Progress) {
			if time.Since(lastUpdate) < 100*time.Millisecond {
				return
			}
			lastUpdate = time.Now()
			done := p.ProcessedFiles + p.SkippedFiles + p.Errors
			fmt.Printf("\r\033[K")
			fmt.Printf("Progress: %d/%d files | Chunks: %d | %s",
				done, p.TotalFiles, p.TotalChunks, truncatePath(p.CurrentFile, 40))
		}

		_, err = a.indexer.IngestDir(ctx, path, dirOpts)
		fmt.Printf("\r\033[K")
		p := a.indexer.Progress()
		added += p.ProcessedFiles
		skipped += p.SkippedFiles
		failed += p.Errors
		chunks += p.TotalChunks
		if err != nil {
			if ctx.Err() != nil {
				fmt.Println(ui.Warning.Render("Cancelled"))
				return nil
			}
			return fmt.Errorf("failed to add %s: %w", path, err)
		}
	}

	log.Debug("Add finished", "duration", time.Since(start))
	fmt.Println()
	fmt.Printf("  Added:    %d documents (%d chunks)\n", added, chunks)
	fmt.Printf("  Skipped:  %d already stored\n", skipped)
	if failed > 0 {
		fmt.Printf("  Failed:   %s\n", ui.Error.Render(fmt.Sprint(failed)))
	}
	fmt.Printf("  Duration: %s\n", time.Since(start).Round(time.Millisecond))
	return nil
}

func printIngestResult(res indexer.Result) {
	if res.Skipped {
		fmt.Printf("%s %s %s\n", ui.Dim.Render("="), res.Path, ui.Dim.Render("already stored as "+res.DocID))
		return
	}
	fmt.Printf("%s %s → %s (%d chunks)\n", ui.Success.Render("✓"), res.Path, ui.Highlight.Render(res.DocID), res.Chunks)
	for _, id := range res.Replaced {
		fmt.Printf("    %s\n", ui.Dim.Render("replaced "+id))
	}
}

// truncatePath shortens a path for display.
func truncatePath(path string, maxLen int) string {
	if len(path) <= maxLen {
		return path
	}
	return "..." + path[len(path)-maxLen+3:]
}
