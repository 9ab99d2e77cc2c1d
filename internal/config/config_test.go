package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zalando/go-keyring"

	kberr "github.com/nickcecere/kbase/internal/errors"
)

func resetConfig(t *testing.T) {
	t.Helper()
	viper.Reset()
	cfg = nil
	keyring.MockInit()
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("ANTHROPIC_API_KEY", "")
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.NotNil(t, cfg)

	// Knowledge base defaults
	assert.Equal(t, DefaultDataDir(), cfg.KnowledgeBase.Root)
	assert.Equal(t, 5, cfg.KnowledgeBase.OversampleFactor)
	assert.False(t, cfg.KnowledgeBase.RebuildOnCorruption)

	// Embeddings defaults
	assert.Equal(t, DefaultEmbeddingProvider, cfg.Embeddings.Provider)
	assert.Equal(t, DefaultOllamaURL, cfg.Embeddings.Ollama.URL)
	assert.Equal(t, DefaultEmbeddingTimeout, cfg.Embeddings.Timeout)

	// LLM defaults
	assert.Equal(t, DefaultLLMProvider, cfg.LLM.Provider)
	assert.Equal(t, DefaultAnthropicModel, cfg.LLM.Anthropic.Model)

	// Ingest defaults
	assert.Equal(t, 500, cfg.Ingest.ChunkSize)
	assert.Equal(t, 50, cfg.Ingest.ChunkOverlap)
	assert.Equal(t, 512, cfg.Ingest.JapaneseChunkSize)
	assert.True(t, cfg.Ingest.GenerateMetadata)

	assert.Contains(t, cfg.Ignore, ".git/")
	assert.NoError(t, Validate(cfg))
}

func TestAuditPath(t *testing.T) {
	c := DefaultConfig()
	c.KnowledgeBase.Root = "/data/kb"
	assert.Equal(t, "/data/kb/audit.db", c.AuditPath())

	c.Audit.Path = "/var/log/kb.db"
	assert.Equal(t, "/var/log/kb.db", c.AuditPath())
}

func TestDefaultPaths(t *testing.T) {
	assert.Contains(t, DefaultConfigDir(), "kbase")
	assert.Contains(t, DefaultDataDir(), "kbase")
	assert.Contains(t, GlobalConfigPath(), "config.yaml")
}

func TestLoadWithConfigFile(t *testing.T) {
	resetConfig(t)

	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
knowledge_base:
  root: ` + tmpDir + `/kb
  oversample_factor: 8
embeddings:
  provider: openai
  timeout: 5s
  openai:
    model: text-embedding-3-large
    api_key: sk-file
llm:
  provider: anthropic
  anthropic:
    model: claude-sonnet-4-0
ingest:
  chunk_size: 800
  chunk_overlap: 80
watch:
  delete_on_remove: true
ignore:
  - "drafts/"
`
	require.NoError(t, os.WriteFile(configPath, []byte(configContent), 0o644))

	require.NoError(t, Load(configPath))
	loaded := Get()

	assert.Equal(t, tmpDir+"/kb", loaded.KnowledgeBase.Root)
	assert.Equal(t, 8, loaded.KnowledgeBase.OversampleFactor)
	assert.Equal(t, DefaultK, loaded.KnowledgeBase.DefaultK)
	assert.Equal(t, "openai", loaded.Embeddings.Provider)
	assert.Equal(t, 5*time.Second, loaded.Embeddings.Timeout)
	assert.Equal(t, "sk-file", loaded.Embeddings.OpenAI.APIKey)
	assert.Equal(t, "anthropic", loaded.LLM.Provider)
	assert.Equal(t, "claude-sonnet-4-0", loaded.LLM.Anthropic.Model)
	assert.Equal(t, 800, loaded.Ingest.ChunkSize)
	assert.Equal(t, DefaultJapaneseChunkSize, loaded.Ingest.JapaneseChunkSize)
	assert.True(t, loaded.Watch.DeleteOnRemove)
	assert.Equal(t, []string{"drafts/"}, loaded.Ignore)
	assert.Equal(t, configPath, ConfigFilePath())
}

func TestLoadEnvOverrides(t *testing.T) {
	resetConfig(t)
	tmpDir := t.TempDir()
	t.Setenv("KBASE_KNOWLEDGE_BASE_ROOT", tmpDir)
	t.Setenv("KBASE_EMBEDDINGS_PROVIDER", "openai")
	t.Setenv("OPENAI_API_KEY", "sk-env")

	configPath := filepath.Join(tmpDir, "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("llm:\n  provider: openai\n"), 0o644))

	require.NoError(t, Load(configPath))
	loaded := Get()

	assert.Equal(t, tmpDir, loaded.KnowledgeBase.Root)
	assert.Equal(t, "openai", loaded.Embeddings.Provider)
	assert.Equal(t, "sk-env", loaded.Embeddings.OpenAI.APIKey)
	assert.Equal(t, "sk-env", loaded.LLM.OpenAI.APIKey)
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"unknown provider", "embeddings:\n  provider: cohere\n", "Embeddings.Provider"},
		{"zero oversample", "knowledge_base:\n  oversample_factor: 0\n", "OversampleFactor"},
		{"overlap exceeds chunk", "ingest:\n  chunk_size: 100\n  chunk_overlap: 100\n", "ChunkOverlap"},
		{"bad server addr", "server:\n  addr: nowhere\n", "Server.Addr"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resetConfig(t)
			configPath := filepath.Join(t.TempDir(), "config.yaml")
			require.NoError(t, os.WriteFile(configPath, []byte(tt.content), 0o644))

			err := Load(configPath)
			require.Error(t, err)
			assert.True(t, kberr.HasCode(err, kberr.CodeConfigValidateInvalid))
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestAPIKeysFromKeyring(t *testing.T) {
	resetConfig(t)

	require.NoError(t, SetAPIKey(KeyAnthropic, "sk-ant-keyring"))
	assert.True(t, HasStoredAPIKey(KeyAnthropic))
	assert.False(t, HasStoredAPIKey(KeyOpenAI))

	c := DefaultConfig()
	resolveAPIKeys(c)
	assert.Equal(t, "sk-ant-keyring", c.LLM.Anthropic.APIKey)
	assert.Empty(t, c.LLM.OpenAI.APIKey)

	t.Run("environment wins over keyring", func(t *testing.T) {
		t.Setenv("ANTHROPIC_API_KEY", "sk-ant-env")
		c := DefaultConfig()
		resolveAPIKeys(c)
		assert.Equal(t, "sk-ant-env", c.LLM.Anthropic.APIKey)
	})

	t.Run("config wins over everything", func(t *testing.T) {
		c := DefaultConfig()
		c.LLM.Anthropic.APIKey = "sk-config"
		resolveAPIKeys(c)
		assert.Equal(t, "sk-config", c.LLM.Anthropic.APIKey)
	})

	require.NoError(t, DeleteAPIKey(KeyAnthropic))
	assert.False(t, HasStoredAPIKey(KeyAnthropic))
	require.NoError(t, DeleteAPIKey(KeyAnthropic))

	assert.Error(t, SetAPIKey("cohere", "x"))
	assert.Error(t, SetAPIKey(KeyOpenAI, ""))
}

func TestFindRCFile(t *testing.T) {
	root := t.TempDir()
	nested := filepath.Join(root, "a", "b")
	require.NoError(t, os.MkdirAll(nested, 0o755))
	rc := filepath.Join(root, ".kbaserc.yaml")
	require.NoError(t, os.WriteFile(rc, []byte("knowledge_base:\n  default_k: 3\n"), 0o644))

	t.Chdir(nested)
	found := findRCFile()
	resolved, err := filepath.EvalSymlinks(found)
	require.NoError(t, err)
	want, err := filepath.EvalSymlinks(rc)
	require.NoError(t, err)
	assert.Equal(t, want, resolved)
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "kb"), expandHome("~/kb"))
	assert.Equal(t, "/abs", expandHome("/abs"))
	assert.Equal(t, "", expandHome(""))
}
