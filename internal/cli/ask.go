package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/glamour"
	"github.com/spf13/cobra"

	"github.com/nickcecere/kbase/internal/filter"
	"github.com/nickcecere/kbase/internal/llm"
	"github.com/nickcecere/kbase/internal/store"
	"github.com/nickcecere/kbase/internal/ui"
)

var (
	askK       int
	askStream  bool
	askJSON    bool
	askFilters filterFlags
)

// askCmd represents the ask command
var askCmd = &cobra.Command{
	Use:   "ask <question>",
	Short: "Answer a question from the knowledge base",
	Long: `Search the knowledge base and have the LLM answer from the chunks found.

Documents that have expired are left out unless --expires-from or --expires-to
is given. The sources the answer was drawn from are listed after it.

Examples:
  kbase ask "How many vacation days do new employees get?"

  # Print the answer as it is generated
  kbase ask "Who approves travel?" --stream

  # Ask about documents that expired during 2025
  kbase ask "What was the old policy?" --expires-from 2025-01-01 --expires-to 2025-12-31`,
	Args: cobra.ExactArgs(1),
	RunE: runAsk,
}

func init() {
	askCmd.Flags().IntVarP(&askK, "limit", "k", 0, "chunks given to the LLM as context (default 5)")
	askCmd.Flags().BoolVar(&askStream, "stream", false, "print the answer as it is generated")
	askCmd.Flags().BoolVar(&askJSON, "json", false, "output the answer and sources as JSON")
	askFilters.register(askCmd)
}

func runAsk(cmd *cobra.Command, args []string) error {
	question := args[0]
	spec, err := askFilters.spec()
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

	if a.qa == nil {
		return errors.New("no LLM is configured; set llm.provider to ollama, openai or anthropic")
	}

	opts := llm.DefaultQAOptions()
	opts.Temperature = a.cfg.LLM.Temperature
	if askK > 0 {
		opts.MaxContextChunks = askK
	}

	if askStream && !askJSON {
		fmt.Println(ui.Header.Render("Answer"))
		fmt.Println()
		res, err := a.qa.AskStream(ctx, question, spec, opts, os.Stdout)
		fmt.Println()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("failed to answer: %w", err)
		}
		printSources(res.Sources)
		return nil
	}

	stop := startSpinner("Generating answer")
	res, err := a.qa.Ask(ctx, question, spec, opts)
	stop()
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("failed to answer: %w", err)
	}

	if askJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}

	fmt.Println(ui.Header.Render("Answer"))
	fmt.Println()
	rendered, err := renderMarkdown(res.Answer)
	if err != nil {
		fmt.Println(res.Answer)
	} else {
		fmt.Print(rendered)
	}
	printSources(res.Sources)
	return nil
}

func printSources(sources []store.Metadata) {
	if len(sources) == 0 {
		return
	}
	fmt.Println(ui.HorizontalRule(40))
	fmt.Println(ui.Dim.Render("Sources:"))
	for i, md := range sources {
		name := md.String(filter.KeySourcePath)
		if name == "" {
			name = md.String(filter.KeySourceFile)
		}
		line := fmt.Sprintf("  [%d] %s", i+1, name)
		if page, ok := md[filter.KeyPage]; ok {
			line += fmt.Sprintf(" (page %v)", page)
		}
		if exp := md.String(filter.KeyExpirationDate); exp != "" {
			line += ui.Dim.Render(" expires " + exp)
		}
		fmt.Println(line)
	}
}

// startSpinner shows an animated spinner on stderr until the returned
// function is called.
func startSpinner(message string) func() {
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		frames := []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}
		ticker := time.NewTicker(80 * time.Millisecond)
		defer ticker.Stop()
		defer close(done)

		for i := 0; ; i = (i + 1) % len(frames) {
			select {
			case <-stop:
				fmt.Fprint(os.Stderr, "\r\033[2K")
				return
			case <-ticker.C:
				fmt.Fprintf(os.Stderr, "\r%s %s", ui.Highlight.Render(frames[i]), message)
			}
		}
	}()
	return func() {
		close(stop)
		<-done
	}
}

// renderMarkdown renders markdown content using glamour.
func renderMarkdown(content string) (string, error) {
	renderer, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(100),
	)
	if err != nil {
		return "", err
	}
	return renderer.Render(strings.TrimSpace(content))
}
