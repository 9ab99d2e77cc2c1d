package cli

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nickcecere/kbase/internal/ui"
)

var (
	deleteYes    bool
	deleteSource bool
)

// deleteCmd represents the delete command
var deleteCmd = &cobra.Command{
	Use:   "delete <doc-id>...",
	Short: "Delete documents from the knowledge base",
	Long: `Delete documents by id, removing their vectors and stored files.

With --source the arguments are source paths (as shown by 'kbase list') and
every document ingested from them is deleted.

Examples:
  kbase delete 0f9c2d3e-8a41-4c52-9a7e-3f1b2c4d5e6f
  kbase delete --source policies/travel.md --yes`,
	Args: cobra.MinimumNArgs(1),
	RunE: runDelete,
}

func init() {
	deleteCmd.Flags().BoolVarP(&deleteYes, "yes", "y", false, "do not ask for confirmation")
	deleteCmd.Flags().BoolVar(&deleteSource, "source", false, "arguments are source paths, not document ids")
}

func runDelete(cmd *cobra.Command, args []string) error {
	if !deleteYes {
		what := "documents"
		if deleteSource {
			what = "documents from"
		}
		fmt.Printf("Delete %s %s? [y/N]: ", what, strings.Join(args, ", "))
		answer, _ := bufio.NewReader(os.Stdin).ReadString('\n')
		if strings.ToLower(strings.TrimSpace(answer)) != "y" {
			fmt.Println("Cancelled.")
			return nil
		}
	}

	ctx, cancel := signalContext()
	defer cancel()

	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	var failed int
	for _, arg := range args {
		if deleteSource {
			ids, err := a.indexer.RemoveSource(ctx, arg)
			if err != nil {
				failed++
				fmt.Printf("%s %s: %v\n", ui.Error.Render("✗"), arg, err)
				continue
			}
			if len(ids) == 0 {
				fmt.Printf("%s no documents from %s\n", ui.Dim.Render("="), arg)
			}
			for _, id := range ids {
				fmt.Printf("%s %s (%s)\n", ui.Success.Render("✓"), id, arg)
			}
			continue
		}

		found, err := a.kb.DeleteDocument(ctx, arg)
		switch {
		case !found:
			failed++
			fmt.Printf("%s %s: not found\n", ui.Error.Render("✗"), arg)
		case err != nil:
			// The vectors are gone; only the files could not be removed.
			fmt.Printf("%s %s %s\n", ui.Warning.Render("!"), arg, ui.Dim.Render(err.Error()))
		default:
			fmt.Printf("%s %s\n", ui.Success.Render("✓"), arg)
		}
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d deletions failed", failed, len(args))
	}
	return nil
}
