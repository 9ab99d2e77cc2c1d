package cli

import (
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/nickcecere/kbase/internal/server"
	"github.com/nickcecere/kbase/internal/ui"
)

var (
	serveAddr  string
	serveWatch string
)

// serveCmd represents the serve command.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the knowledge base over HTTP",
	Long: `Start the HTTP API.

Endpoints:
  GET    /healthz
  GET    /metrics
  GET    /v1/documents
  POST   /v1/documents          JSON chunks or a multipart file upload
  GET    /v1/documents/{id}
  DELETE /v1/documents/{id}
  POST   /v1/search
  POST   /v1/ask
  GET    /v1/export             JSON lines
  GET    /v1/history
  GET    /v1/stats

Examples:
  kbase serve
  kbase serve --addr :8080 --watch ~/inbox`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (default server.addr)")
	serveCmd.Flags().StringVar(&serveWatch, "watch", "", "inbox directory to watch while serving")
}

func runServe(cmd *cobra.Command, args []string) error {
	ui.SetLongRunning()

	ctx, cancel := signalContext()
	defer cancel()

	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	addr := serveAddr
	if addr == "" {
		addr = a.cfg.Server.Addr
	}

	srv, err := server.New(server.Config{
		ListenAddr:     addr,
		AllowedOrigins: a.cfg.Server.AllowedOrigins,
		MaxUploadSize:  a.cfg.Ingest.MaxFileSize + 1<<20, // form overhead
		DefaultK:       a.cfg.KnowledgeBase.DefaultK,
		Temperature:    a.cfg.LLM.Temperature,
	}, a.kb, a.indexer, a.qa)
	if err != nil {
		return err
	}

	if serveWatch != "" {
		dir, err := filepath.Abs(serveWatch)
		if err != nil {
			return err
		}
		go watchInBackground(ctx, a, dir)
	}

	return srv.Start(ctx)
}
