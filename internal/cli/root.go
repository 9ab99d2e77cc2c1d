// Package cli implements the command-line interface for kbase.
package cli

import (
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/nickcecere/kbase/internal/config"
	"github.com/nickcecere/kbase/internal/ui"
)

var (
	// Version information set at build time
	version = "dev"
	commit  = "none"
	date    = "unknown"

	// Global flags
	cfgFile string
	debug   bool
)

// SetVersionInfo sets the version information from build flags.
func SetVersionInfo(v, c, d string) {
	version = v
	commit = c
	date = d
}

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "kbase",
	Short: "Local knowledge base with semantic search",
	Long: `kbase stores documents as embedded chunks and finds passages by meaning.

Documents are embedded with a local (Ollama) or cloud (OpenAI) model and kept
on disk next to a flat vector index. Searches can be narrowed by author, tags,
keywords, expiration dates or any metadata field, and an LLM can answer
questions from what is found.

Examples:
  # Add documents
  kbase add ./handbook --author hr --expires 2027-03-31

  # Search
  kbase search "how many vacation days"

  # Ask a question
  kbase ask "Who approves travel expenses?"

  # Keep an inbox directory in sync
  kbase watch ~/inbox`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		ui.SetDebug(debug)
		if debug {
			log.Debug("Debug logging enabled")
		}

		// Load configuration. version and config still run on a broken
		// config so it can be inspected and fixed.
		if err := config.Load(cfgFile); err != nil {
			if cmd == versionCmd || cmd == configCmd || cmd.Parent() == configCmd {
				log.Warn("Failed to load config", "error", err)
				return nil
			}
			return err
		}
		return nil
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	// Initialize UI styles and logger
	ui.InitLogger()

	// Persistent flags (available to all commands)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/kbase/config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")

	// Bind flags to viper
	_ = viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug"))

	// Add subcommands
	rootCmd.AddCommand(addCmd)
	rootCmd.AddCommand(deleteCmd)
	rootCmd.AddCommand(searchCmd)
	rootCmd.AddCommand(askCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(reindexCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(mcpCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}

// versionCmd shows version information
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("kbase %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", date)
	},
}
