package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/nickcecere/kbase/internal/filter"
	"github.com/nickcecere/kbase/internal/kb"
	"github.com/nickcecere/kbase/internal/ui"
)

var (
	searchK       int
	searchContent bool
	searchJSON    bool
	searchFilters filterFlags
)

// searchCmd represents the search command
var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search the knowledge base by meaning",
	Long: `Find the chunks closest to a natural language query.

Filters narrow the results; the nearest k chunks that pass every filter are
returned.

Examples:
  # Basic search
  kbase search "how many vacation days do I get"

  # Show chunk text
  kbase search "expense limits" -c

  # Only documents by one author that have not expired
  kbase search "onboarding" --author hr --expires-after 2026-10-17

  # Filter on any metadata field
  kbase search "quarterly numbers" --meta department=finance --json`,
	Args: cobra.ExactArgs(1),
	RunE: runSearchCmd,
}

func init() {
	searchCmd.Flags().IntVarP(&searchK, "limit", "k", 0, "maximum number of results (default knowledge_base.default_k)")
	searchCmd.Flags().BoolVarP(&searchContent, "content", "c", false, "show chunk text in results")
	searchCmd.Flags().BoolVar(&searchJSON, "json", false, "output results as JSON")
	searchFilters.register(searchCmd)
}

func runSearchCmd(cmd *cobra.Command, args []string) error {
	query := args[0]
	spec, err := searchFilters.spec()
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	k := searchK
	if k <= 0 {
		k = a.cfg.KnowledgeBase.DefaultK
	}
	log.Debug("Starting search", "query", query, "k", k, "filters", spec.String())

	results, err := a.kb.Search(ctx, query, k, spec)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("search failed: %w", err)
	}

	if searchJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(results)
	}

	if len(results) == 0 {
		fmt.Println("No results found.")
		return nil
	}
	if results[0].QueryDegraded {
		fmt.Println(ui.Warning.Render("The embedding provider is unreachable; results are approximate."))
		fmt.Println()
	}
	displayResults(results, searchContent)
	return nil
}

// displayResults formats and displays search results.
func displayResults(results []kb.Result, showContent bool) {
	fmt.Printf("Found %d results:\n\n", len(results))

	for i, r := range results {
		md := r.Chunk.Metadata
		name := md.String(filter.KeySourcePath)
		if name == "" {
			name = md.String(filter.KeySourceFile)
		}
		if name == "" {
			name = r.DocID
		}

		fmt.Printf("%s %s %s\n",
			ui.Highlight.Render(fmt.Sprintf("[%d]", i+1)),
			ui.FilePath.Render(name),
			ui.FormatDistance(r.Distance),
		)

		var details []string
		if page, ok := md[filter.KeyPage]; ok {
			details = append(details, fmt.Sprintf("page %v", page))
		}
		if author := md.String(filter.KeyAuthor); author != "" {
			details = append(details, "by "+author)
		}
		if exp := md.String(filter.KeyExpirationDate); exp != "" {
			details = append(details, "expires "+exp)
		}
		details = append(details, r.DocID)
		fmt.Printf("    %s\n", ui.Dim.Render(strings.Join(details, " · ")))

		if showContent {
			fmt.Println()
			displayText(r.Chunk.Text, 15)
		}
		fmt.Println()
	}
}

// displayText prints text indented, keeping the first and last lines of
// long texts.
func displayText(text string, maxLines int) {
	lines := strings.Split(strings.TrimRight(text, "\n"), "\n")
	if len(lines) > maxLines {
		keep := maxLines / 2
		omitted := len(lines) - 2*keep
		lines = append(append(lines[:keep:keep], fmt.Sprintf("... (%d lines omitted)", omitted)), lines[len(lines)-keep:]...)
	}
	for _, line := range lines {
		fmt.Printf("    %s\n", ui.ResultContent.Render(truncateLine(line, 100)))
	}
}

// truncateLine shortens a line for display.
func truncateLine(line string, maxLen int) string {
	line = strings.ReplaceAll(line, "\t", "    ")
	r := []rune(line)
	if len(r) <= maxLen {
		return line
	}
	return string(r[:maxLen-3]) + "..."
}
