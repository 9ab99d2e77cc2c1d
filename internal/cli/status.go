package cli

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/nickcecere/kbase/internal/audit"
	"github.com/nickcecere/kbase/internal/kb"
	"github.com/nickcecere/kbase/internal/ui"
)

var (
	historyLimit  int
	historyAction string
)

// statusCmd represents the status command
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show knowledge base status and statistics",
	Long: `Display information about the knowledge base including:
- Number of documents, chunks and index entries
- Embedding provider, model and dimension
- Documents missing from the index`,
	Args: cobra.NoArgs,
	RunE: runStatus,
}

// historyCmd represents the history command
var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show the operation history",
	Long: `List recorded operations, newest first.

Examples:
  kbase history
  kbase history --action delete_document --limit 5`,
	Args: cobra.NoArgs,
	RunE: runHistory,
}

// reindexCmd represents the reindex command
var reindexCmd = &cobra.Command{
	Use:   "reindex",
	Short: "Re-embed every document into a fresh index",
	Long: `Rebuild the vector index from the stored chunks.

Use this after changing the embedding model, or to recover documents that
were added while the embedding provider was unreachable.`,
	Args: cobra.NoArgs,
	RunE: runReindex,
}

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "maximum number of entries")
	historyCmd.Flags().StringVar(&historyAction, "action", "", "only entries for this action")
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	st := a.kb.Stats()

	fmt.Println(ui.Header.Render("Knowledge Base Status"))
	fmt.Println()
	fmt.Printf("  %s %s\n", ui.Dim.Render("Root:      "), st.Root)
	fmt.Printf("  %s %d\n", ui.Dim.Render("Documents: "), st.Documents)
	fmt.Printf("  %s %d\n", ui.Dim.Render("Chunks:    "), st.Chunks)
	fmt.Printf("  %s %d\n", ui.Dim.Render("Vectors:   "), st.Vectors)
	fmt.Printf("  %s %s (%s)\n", ui.Dim.Render("Model:     "), st.Model, st.Provider)
	if st.Dimension > 0 {
		fmt.Printf("  %s %d\n", ui.Dim.Render("Dimension: "), st.Dimension)
	}
	fmt.Printf("  %s %s\n", ui.Dim.Render("Health:    "), healthStatus(st))

	if orphans := a.kb.Orphans(); len(orphans) > 0 {
		fmt.Println()
		fmt.Println(ui.Warning.Render("Documents missing from the index:"))
		for _, id := range orphans {
			fmt.Printf("  %s\n", id)
		}
		fmt.Println(ui.Dim.Render("Run 'kbase reindex' to index them."))
	}

	fmt.Println()
	fmt.Println(ui.Dim.Render("Configuration:"))
	fmt.Printf("  Config file: %s\n", configFileDisplay())
	fmt.Printf("  History:     %s\n", a.cfg.AuditPath())
	fmt.Printf("  LLM:         %s\n", a.cfg.LLM.Provider)
	return nil
}

// healthStatus returns a health indicator based on stats.
func healthStatus(st kb.Stats) string {
	switch {
	case st.Documents == 0:
		return ui.Warning.Render("empty (no documents)")
	case st.Orphans > 0:
		return ui.Warning.Render(fmt.Sprintf("%d documents not indexed", st.Orphans))
	case st.Vectors < st.Chunks:
		return ui.Warning.Render("index is missing chunks (run 'kbase reindex')")
	}
	return ui.Success.Render("healthy")
}

func runHistory(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	entries, err := a.kb.Audit().List(ctx, audit.ListOptions{Limit: historyLimit, Action: historyAction})
	if err != nil {
		return fmt.Errorf("failed to read history: %w", err)
	}
	if len(entries) == 0 {
		fmt.Println("No history recorded.")
		return nil
	}

	for _, e := range entries {
		fmt.Printf("%s %s %s\n",
			ui.Dim.Render(formatTime(e.Timestamp)),
			ui.Highlight.Render(e.Action),
			ui.SourceRef.Render(formatDetail(e.Detail)),
		)
	}
	return nil
}

func formatDetail(detail map[string]any) string {
	parts := make([]string, 0, len(detail))
	for _, key := range slices.Sorted(maps.Keys(detail)) {
		parts = append(parts, fmt.Sprintf("%s=%v", key, detail[key]))
	}
	return strings.Join(parts, " ")
}

// formatTime formats a time for display.
func formatTime(t time.Time) string {
	if t.IsZero() {
		return "unknown"
	}
	t = t.Local()
	now := time.Now()
	if t.Year() == now.Year() && t.YearDay() == now.YearDay() {
		return "today " + t.Format("15:04:05")
	}
	return t.Format("2006-01-02 15:04")
}

func runReindex(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	stop := startSpinner("Re-embedding documents")
	start := time.Now()
	report, err := a.kb.Rebuild(ctx)
	stop()
	if err != nil {
		if ctx.Err() != nil {
			fmt.Println(ui.Warning.Render("Reindex cancelled, the previous index is unchanged"))
			return nil
		}
		return fmt.Errorf("reindex failed: %w", err)
	}

	log.Debug("Rebuild finished", "report", report)
	fmt.Println(ui.Success.Render("Reindex complete!"))
	fmt.Println()
	fmt.Printf("  Documents: %d\n", report.Documents)
	fmt.Printf("  Vectors:   %d\n", report.Vectors)
	if report.Degraded > 0 {
		fmt.Printf("  %s %d vectors used the fallback embedding\n", ui.Warning.Render("Degraded:"), report.Degraded)
	}
	for _, id := range report.Skipped {
		fmt.Printf("  %s %s\n", ui.Warning.Render("Skipped:"), id)
	}
	fmt.Printf("  Duration:  %s\n", time.Since(start).Round(time.Millisecond))
	return nil
}
