// Package config handles configuration loading and validation for kbase.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/viper"
)

// Config represents the complete kbase configuration.
type Config struct {
	KnowledgeBase KnowledgeBaseConfig `mapstructure:"knowledge_base"`
	Embeddings    EmbeddingsConfig    `mapstructure:"embeddings"`
	LLM           LLMConfig           `mapstructure:"llm"`
	Ingest        IngestConfig        `mapstructure:"ingest"`
	Audit         AuditConfig         `mapstructure:"audit"`
	Server        ServerConfig        `mapstructure:"server"`
	Watch         WatchConfig         `mapstructure:"watch"`
	Ignore        []string            `mapstructure:"ignore"`
}

// KnowledgeBaseConfig locates and tunes the vector store.
type KnowledgeBaseConfig struct {
	Root                string `mapstructure:"root" validate:"required"`
	OversampleFactor    int    `mapstructure:"oversample_factor" validate:"min=1,max=100"`
	DefaultK            int    `mapstructure:"default_k" validate:"min=1,max=1000"`
	RebuildOnCorruption bool   `mapstructure:"rebuild_on_corruption"`
}

// EmbeddingsConfig configures the embedding service.
type EmbeddingsConfig struct {
	Provider string            `mapstructure:"provider" validate:"oneof=ollama openai"`
	Timeout  time.Duration     `mapstructure:"timeout" validate:"gt=0"`
	Ollama   OllamaEmbedConfig `mapstructure:"ollama"`
	OpenAI   OpenAIEmbedConfig `mapstructure:"openai"`
}

// OllamaEmbedConfig configures Ollama embeddings.
type OllamaEmbedConfig struct {
	URL   string `mapstructure:"url" validate:"omitempty,url"`
	Model string `mapstructure:"model"`
}

// OpenAIEmbedConfig configures OpenAI embeddings.
type OpenAIEmbedConfig struct {
	Model      string `mapstructure:"model"`
	BaseURL    string `mapstructure:"base_url" validate:"omitempty,url"`
	APIKey     string `mapstructure:"api_key"`
	Dimensions int    `mapstructure:"dimensions" validate:"min=0"`
}

// LLMConfig configures the LLM used for answers, AI metadata and image
// descriptions.
type LLMConfig struct {
	Provider    string          `mapstructure:"provider" validate:"oneof=ollama openai anthropic none"`
	Timeout     time.Duration   `mapstructure:"timeout" validate:"gt=0"`
	Temperature float64         `mapstructure:"temperature" validate:"min=0,max=2"`
	Ollama      OllamaLLMConfig `mapstructure:"ollama"`
	OpenAI      OpenAILLMConfig `mapstructure:"openai"`
	Anthropic   AnthropicConfig `mapstructure:"anthropic"`
}

// OllamaLLMConfig configures Ollama LLM.
type OllamaLLMConfig struct {
	URL   string `mapstructure:"url" validate:"omitempty,url"`
	Model string `mapstructure:"model"`
}

// OpenAILLMConfig configures OpenAI LLM.
type OpenAILLMConfig struct {
	Model   string `mapstructure:"model"`
	BaseURL string `mapstructure:"base_url" validate:"omitempty,url"`
	APIKey  string `mapstructure:"api_key"`
}

// AnthropicConfig configures Anthropic LLM.
type AnthropicConfig struct {
	Model   string `mapstructure:"model"`
	BaseURL string `mapstructure:"base_url" validate:"omitempty,url"`
	APIKey  string `mapstructure:"api_key"`
}

// IngestConfig configures how files become chunks.
type IngestConfig struct {
	MaxFileSize          int64 `mapstructure:"max_file_size" validate:"gt=0"`
	ChunkSize            int   `mapstructure:"chunk_size" validate:"gt=0"`
	ChunkOverlap         int   `mapstructure:"chunk_overlap" validate:"min=0,ltfield=ChunkSize"`
	JapaneseChunkSize    int   `mapstructure:"japanese_chunk_size" validate:"gt=0"`
	JapaneseChunkOverlap int   `mapstructure:"japanese_chunk_overlap" validate:"min=0,ltfield=JapaneseChunkSize"`
	GenerateMetadata     bool  `mapstructure:"generate_metadata"`
	DescribeImages       bool  `mapstructure:"describe_images"`
}

// AuditConfig configures the operation history database.
type AuditConfig struct {
	Path string `mapstructure:"path"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Addr           string   `mapstructure:"addr" validate:"required,hostname_port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// WatchConfig configures the inbox watcher.
type WatchConfig struct {
	Debounce       time.Duration `mapstructure:"debounce" validate:"gte=0"`
	DeleteOnRemove bool          `mapstructure:"delete_on_remove"`
}

// AuditPath returns the audit database path, defaulting to a file in the
// knowledge base root.
func (c *Config) AuditPath() string {
	if c.Audit.Path != "" {
		return c.Audit.Path
	}
	return filepath.Join(c.KnowledgeBase.Root, DefaultAuditFileName)
}

// Global configuration instance
var cfg *Config

// Get returns the current configuration.
func Get() *Config {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return cfg
}

// DefaultConfig returns a configuration with default values.
func DefaultConfig() *Config {
	return &Config{
		KnowledgeBase: KnowledgeBaseConfig{
			Root:             DefaultDataDir(),
			OversampleFactor: DefaultOversampleFactor,
			DefaultK:         DefaultK,
		},
		Embeddings: EmbeddingsConfig{
			Provider: DefaultEmbeddingProvider,
			Timeout:  DefaultEmbeddingTimeout,
			Ollama: OllamaEmbedConfig{
				URL:   DefaultOllamaURL,
				Model: DefaultOllamaEmbedModel,
			},
			OpenAI: OpenAIEmbedConfig{
				Model: DefaultOpenAIEmbedModel,
			},
		},
		LLM: LLMConfig{
			Provider:    DefaultLLMProvider,
			Timeout:     DefaultLLMTimeout,
			Temperature: DefaultTemperature,
			Ollama: OllamaLLMConfig{
				URL:   DefaultOllamaURL,
				Model: DefaultOllamaLLMModel,
			},
			OpenAI: OpenAILLMConfig{
				Model: DefaultOpenAILLMModel,
			},
			Anthropic: AnthropicConfig{
				Model: DefaultAnthropicModel,
			},
		},
		Ingest: IngestConfig{
			MaxFileSize:          DefaultMaxFileSize,
			ChunkSize:            DefaultChunkSize,
			ChunkOverlap:         DefaultChunkOverlap,
			JapaneseChunkSize:    DefaultJapaneseChunkSize,
			JapaneseChunkOverlap: DefaultJapaneseChunkOverlap,
			GenerateMetadata:     true,
			DescribeImages:       true,
		},
		Server: ServerConfig{
			Addr: DefaultServerAddr,
		},
		Watch: WatchConfig{
			Debounce: DefaultWatchDebounce,
		},
		Ignore: DefaultIgnorePatterns(),
	}
}

// Load reads configuration from file, environment variables and the OS
// keyring, then validates it.
func Load(configFile string) error {
	setDefaults()

	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(DefaultConfigDir())
		viper.AddConfigPath(".")

		// A .kbaserc.yaml in the working directory or a parent wins
		if rcPath := findRCFile(); rcPath != "" {
			viper.SetConfigFile(rcPath)
		}
	}

	viper.SetEnvPrefix("KBASE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("error reading config file: %w", err)
		}
		log.Debug("No config file found, using defaults")
	} else {
		log.Debug("Loaded config from", "file", viper.ConfigFileUsed())
	}

	loaded := &Config{}
	if err := viper.Unmarshal(loaded); err != nil {
		return fmt.Errorf("error parsing config: %w", err)
	}
	loaded.KnowledgeBase.Root = expandHome(loaded.KnowledgeBase.Root)
	loaded.Audit.Path = expandHome(loaded.Audit.Path)

	resolveAPIKeys(loaded)

	if err := Validate(loaded); err != nil {
		return err
	}

	cfg = loaded
	return nil
}

// setDefaults sets default values in viper.
func setDefaults() {
	d := DefaultConfig()

	viper.SetDefault("knowledge_base.root", d.KnowledgeBase.Root)
	viper.SetDefault("knowledge_base.oversample_factor", d.KnowledgeBase.OversampleFactor)
	viper.SetDefault("knowledge_base.default_k", d.KnowledgeBase.DefaultK)
	viper.SetDefault("knowledge_base.rebuild_on_corruption", false)

	viper.SetDefault("embeddings.provider", DefaultEmbeddingProvider)
	viper.SetDefault("embeddings.timeout", DefaultEmbeddingTimeout)
	viper.SetDefault("embeddings.ollama.url", DefaultOllamaURL)
	viper.SetDefault("embeddings.ollama.model", DefaultOllamaEmbedModel)
	viper.SetDefault("embeddings.openai.model", DefaultOpenAIEmbedModel)
	viper.SetDefault("embeddings.openai.dimensions", 0)

	viper.SetDefault("llm.provider", DefaultLLMProvider)
	viper.SetDefault("llm.timeout", DefaultLLMTimeout)
	viper.SetDefault("llm.temperature", DefaultTemperature)
	viper.SetDefault("llm.ollama.url", DefaultOllamaURL)
	viper.SetDefault("llm.ollama.model", DefaultOllamaLLMModel)
	viper.SetDefault("llm.openai.model", DefaultOpenAILLMModel)
	viper.SetDefault("llm.anthropic.model", DefaultAnthropicModel)

	viper.SetDefault("ingest.max_file_size", d.Ingest.MaxFileSize)
	viper.SetDefault("ingest.chunk_size", d.Ingest.ChunkSize)
	viper.SetDefault("ingest.chunk_overlap", d.Ingest.ChunkOverlap)
	viper.SetDefault("ingest.japanese_chunk_size", d.Ingest.JapaneseChunkSize)
	viper.SetDefault("ingest.japanese_chunk_overlap", d.Ingest.JapaneseChunkOverlap)
	viper.SetDefault("ingest.generate_metadata", d.Ingest.GenerateMetadata)
	viper.SetDefault("ingest.describe_images", d.Ingest.DescribeImages)

	viper.SetDefault("audit.path", "")

	viper.SetDefault("server.addr", DefaultServerAddr)
	viper.SetDefault("server.allowed_origins", []string{})

	viper.SetDefault("watch.debounce", DefaultWatchDebounce)
	viper.SetDefault("watch.delete_on_remove", false)

	viper.SetDefault("ignore", DefaultIgnorePatterns())
}

// findRCFile searches for .kbaserc.yaml starting from current directory.
func findRCFile() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	dir := cwd
	for {
		rcPath := filepath.Join(dir, ".kbaserc.yaml")
		if _, err := os.Stat(rcPath); err == nil {
			return rcPath
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return ""
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}

// ConfigFilePath returns the path of the loaded config file, or empty string if none.
func ConfigFilePath() string {
	return viper.ConfigFileUsed()
}

// GlobalConfigPath returns the path to the global config file.
func GlobalConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}
