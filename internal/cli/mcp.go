package cli

import (
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/nickcecere/kbase/internal/mcp"
	"github.com/nickcecere/kbase/internal/ui"
)

var mcpWatch string

// mcpCmd represents the MCP server command.
var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start an MCP server over stdio",
	Long: `Start a Model Context Protocol (MCP) server so AI assistants can use the
knowledge base.

The server communicates via stdin/stdout using JSON-RPC 2.0 and provides tools for:
  - kb_search: semantic search with metadata filters
  - kb_ask: answers with sources
  - kb_add_file: add a file
  - kb_delete: delete a document
  - kb_export: export every chunk as JSON lines
  - kb_list: list documents

With --watch the server also keeps an inbox directory in sync.

This command is typically started by an MCP client, not run directly.`,
	Args: cobra.NoArgs,
	RunE: runMcpCmd,
}

func init() {
	mcpCmd.Flags().StringVar(&mcpWatch, "watch", "", "inbox directory to watch while serving")
}

func runMcpCmd(cmd *cobra.Command, args []string) error {
	// stdout carries the protocol; the logger already writes to stderr.
	ui.SetLongRunning()

	ctx, cancel := signalContext()
	defer cancel()

	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	if mcpWatch != "" {
		dir, err := filepath.Abs(mcpWatch)
		if err != nil {
			return err
		}
		go watchInBackground(ctx, a, dir)
	}

	server := mcp.NewServer(a.kb, a.indexer, a.qa, a.cfg, mcp.WithVersion(version))
	return server.Run(ctx)
}
