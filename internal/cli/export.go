package cli

import (
	"fmt"
	"os"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/nickcecere/kbase/internal/audit"
	"github.com/nickcecere/kbase/internal/ui"
)

// exportCmd represents the export command
var exportCmd = &cobra.Command{
	Use:   "export <file|->",
	Short: "Export every chunk as JSON lines",
	Long: `Write every stored chunk as one {"doc_id", "text", "metadata"} JSON object
per line. Use - to write to stdout.

Examples:
  kbase export backup.jsonl
  kbase export - | jq -r .text`,
	Args: cobra.ExactArgs(1),
	RunE: runExport,
}

func runExport(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	if args[0] == "-" {
		n, err := a.kb.ExportTo(os.Stdout)
		if err != nil {
			return fmt.Errorf("export failed: %w", err)
		}
		if err := a.kb.Audit().Record(ctx, audit.ActionExportAll, map[string]any{"path": "-", "chunks": n}); err != nil {
			log.Warn("Failed to record export", "error", err)
		}
		log.Info("Exported chunks", "count", n)
		return nil
	}

	n, err := a.kb.ExportAll(ctx, args[0])
	if err != nil {
		return fmt.Errorf("export failed: %w", err)
	}
	fmt.Println(ui.Success.Render(fmt.Sprintf("Exported %d chunks to %s", n, args[0])))
	return nil
}
