package config

import (
	"os"
	"path/filepath"
	"time"
)

// Default configuration values
const (
	// Knowledge base defaults
	DefaultOversampleFactor = 5
	DefaultK                = 5

	// Embedding defaults
	DefaultEmbeddingProvider = "ollama"
	DefaultOllamaURL         = "http://localhost:11434"
	DefaultOllamaEmbedModel  = "nomic-embed-text"
	DefaultOpenAIEmbedModel  = "text-embedding-3-small"
	DefaultEmbeddingTimeout  = 30 * time.Second

	// LLM defaults
	DefaultLLMProvider    = "ollama"
	DefaultOllamaLLMModel = "llama3"
	DefaultOpenAILLMModel = "gpt-4o-mini"
	DefaultAnthropicModel = "claude-3-5-haiku-latest"
	DefaultLLMTimeout     = 2 * time.Minute
	DefaultTemperature    = 0.0

	// Ingest defaults
	DefaultMaxFileSize          = 20 << 20 // 20MB
	DefaultChunkSize            = 500
	DefaultChunkOverlap         = 50
	DefaultJapaneseChunkSize    = 512
	DefaultJapaneseChunkOverlap = 50

	// Server defaults
	DefaultServerAddr = "127.0.0.1:8088"

	// Watch defaults
	DefaultWatchDebounce = time.Second

	DefaultAuditFileName = "audit.db"

	// KeyringService is the OS keyring service API keys are stored under.
	KeyringService = "kbase"
)

// DefaultIgnorePatterns returns the file patterns skipped when ingesting a directory.
func DefaultIgnorePatterns() []string {
	return []string{
		// Version control
		".git/",
		".svn/",
		".hg/",

		// Editor and OS droppings
		".idea/",
		".vscode/",
		"*.swp",
		"*~",
		".DS_Store",
		"Thumbs.db",

		// Sidecar metadata is read alongside its file, never on its own
		"*.meta.yaml",
		"*.meta.yml",

		// Archives and executables
		"*.zip",
		"*.tar",
		"*.tar.gz",
		"*.tgz",
		"*.7z",
		"*.exe",
		"*.dll",
		"*.so",
	}
}

// DefaultConfigDir returns the default configuration directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".config/kbase"
	}
	return filepath.Join(home, ".config", "kbase")
}

// DefaultDataDir returns the default knowledge base root.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".local/share/kbase"
	}
	return filepath.Join(home, ".local", "share", "kbase")
}
