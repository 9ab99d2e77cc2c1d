package cli

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nickcecere/kbase/internal/config"
	"github.com/nickcecere/kbase/internal/ui"
)

var configShowPath bool

// configCmd represents the config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or manage configuration",
	Long: `Display current configuration settings and config file locations.

Examples:
  # Show current configuration
  kbase config

  # Show config file paths
  kbase config --path

  # Store an API key in the OS keyring
  kbase config set-key openai`,
	Args: cobra.NoArgs,
	RunE: runConfig,
}

// configSetKeyCmd stores an API key in the OS keyring.
var configSetKeyCmd = &cobra.Command{
	Use:   "set-key <openai|anthropic> [key]",
	Short: "Store an API key in the OS keyring",
	Long: `Store an API key in the OS keyring so it need not live in a config file.

The key is read from stdin when it is not given as an argument. Keys in the
OPENAI_API_KEY and ANTHROPIC_API_KEY environment variables take precedence.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runConfigSetKey,
}

// configDeleteKeyCmd removes an API key from the OS keyring.
var configDeleteKeyCmd = &cobra.Command{
	Use:   "delete-key <openai|anthropic>",
	Short: "Remove an API key from the OS keyring",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.DeleteAPIKey(args[0]); err != nil {
			return err
		}
		fmt.Println(ui.Success.Render(fmt.Sprintf("Removed the %s key.", args[0])))
		return nil
	},
}

func init() {
	configCmd.Flags().BoolVar(&configShowPath, "path", false, "show config file paths")
	configCmd.AddCommand(configSetKeyCmd)
	configCmd.AddCommand(configDeleteKeyCmd)
}

func runConfigSetKey(cmd *cobra.Command, args []string) error {
	provider := args[0]
	var key string
	if len(args) == 2 {
		key = args[1]
	} else {
		fmt.Fprintf(os.Stderr, "Enter the %s API key: ", provider)
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && line == "" {
			return fmt.Errorf("failed to read key: %w", err)
		}
		key = line
	}

	if err := config.SetAPIKey(provider, strings.TrimSpace(key)); err != nil {
		return err
	}
	fmt.Println(ui.Success.Render(fmt.Sprintf("Stored the %s key in the keyring.", provider)))
	return nil
}

func configFileDisplay() string {
	if p := config.ConfigFilePath(); p != "" {
		return p
	}
	return "(none, using defaults)"
}

func runConfig(cmd *cobra.Command, args []string) error {
	cfg := config.Get()

	if configShowPath {
		fmt.Println(ui.SectionTitle.Render("Configuration Paths"))
		fmt.Println()
		fmt.Printf("Global config:  %s\n", config.GlobalConfigPath())
		fmt.Printf("Local config:   .kbaserc.yaml (searched from cwd upward)\n")
		fmt.Printf("Active config:  %s\n", configFileDisplay())
		fmt.Printf("Knowledge base: %s\n", cfg.KnowledgeBase.Root)
		fmt.Printf("History:        %s\n", cfg.AuditPath())
		return nil
	}

	fmt.Println(ui.SectionTitle.Render("Current Configuration"))
	fmt.Println()

	fmt.Println(ui.Bold.Render("Knowledge base:"))
	fmt.Printf("  Root: %s\n", cfg.KnowledgeBase.Root)
	fmt.Printf("  Default k: %d\n", cfg.KnowledgeBase.DefaultK)
	fmt.Printf("  Oversample factor: %d\n", cfg.KnowledgeBase.OversampleFactor)
	fmt.Printf("  Rebuild on corruption: %t\n", cfg.KnowledgeBase.RebuildOnCorruption)
	fmt.Println()

	fmt.Println(ui.Bold.Render("Embeddings:"))
	fmt.Printf("  Provider: %s\n", cfg.Embeddings.Provider)
	fmt.Printf("  Timeout: %s\n", cfg.Embeddings.Timeout)
	fmt.Printf("  Ollama URL: %s\n", cfg.Embeddings.Ollama.URL)
	fmt.Printf("  Ollama Model: %s\n", cfg.Embeddings.Ollama.Model)
	fmt.Printf("  OpenAI Model: %s\n", cfg.Embeddings.OpenAI.Model)
	if cfg.Embeddings.OpenAI.BaseURL != "" {
		fmt.Printf("  OpenAI Base URL: %s\n", cfg.Embeddings.OpenAI.BaseURL)
	}
	fmt.Printf("  OpenAI key: %s\n", keyState(cfg.Embeddings.OpenAI.APIKey, config.KeyOpenAI))
	fmt.Println()

	fmt.Println(ui.Bold.Render("LLM:"))
	fmt.Printf("  Provider: %s\n", cfg.LLM.Provider)
	fmt.Printf("  Timeout: %s\n", cfg.LLM.Timeout)
	fmt.Printf("  Temperature: %.2f\n", cfg.LLM.Temperature)
	fmt.Printf("  Ollama Model: %s\n", cfg.LLM.Ollama.Model)
	fmt.Printf("  OpenAI Model: %s\n", cfg.LLM.OpenAI.Model)
	fmt.Printf("  Anthropic Model: %s\n", cfg.LLM.Anthropic.Model)
	fmt.Printf("  Anthropic key: %s\n", keyState(cfg.LLM.Anthropic.APIKey, config.KeyAnthropic))
	fmt.Println()

	fmt.Println(ui.Bold.Render("Ingest:"))
	fmt.Printf("  Max File Size: %d bytes\n", cfg.Ingest.MaxFileSize)
	fmt.Printf("  Chunk Size: %d (overlap %d)\n", cfg.Ingest.ChunkSize, cfg.Ingest.ChunkOverlap)
	fmt.Printf("  Japanese Chunk Size: %d (overlap %d)\n", cfg.Ingest.JapaneseChunkSize, cfg.Ingest.JapaneseChunkOverlap)
	fmt.Printf("  AI metadata: %t\n", cfg.Ingest.GenerateMetadata)
	fmt.Printf("  Describe images: %t\n", cfg.Ingest.DescribeImages)
	fmt.Println()

	fmt.Println(ui.Bold.Render("Server:"))
	fmt.Printf("  Address: %s\n", cfg.Server.Addr)
	if len(cfg.Server.AllowedOrigins) > 0 {
		fmt.Printf("  Allowed origins: %s\n", strings.Join(cfg.Server.AllowedOrigins, ", "))
	}
	fmt.Println()

	fmt.Println(ui.Bold.Render("Watch:"))
	fmt.Printf("  Debounce: %s\n", cfg.Watch.Debounce)
	fmt.Printf("  Delete on remove: %t\n", cfg.Watch.DeleteOnRemove)
	fmt.Println()

	fmt.Println(ui.Bold.Render("Ignore Patterns:"))
	fmt.Printf("  %d patterns configured\n", len(cfg.Ignore))

	return nil
}

// keyState describes where an API key comes from without printing it.
func keyState(key, provider string) string {
	switch {
	case config.HasStoredAPIKey(provider):
		return "stored in keyring"
	case key != "":
		return "set"
	default:
		return ui.Dim.Render("not set")
	}
}
