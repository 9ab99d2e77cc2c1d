package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/charmbracelet/log"
	"github.com/zalando/go-keyring"
)

// Providers whose API keys can be kept in the OS keyring.
const (
	KeyOpenAI    = "openai"
	KeyAnthropic = "anthropic"
)

var keyEnv = map[string]string{
	KeyOpenAI:    "OPENAI_API_KEY",
	KeyAnthropic: "ANTHROPIC_API_KEY",
}

// resolveAPIKeys fills empty API keys from the environment, then from the
// OS keyring.
func resolveAPIKeys(c *Config) {
	openai := lookupKey(KeyOpenAI)
	if c.Embeddings.OpenAI.APIKey == "" {
		c.Embeddings.OpenAI.APIKey = openai
	}
	if c.LLM.OpenAI.APIKey == "" {
		c.LLM.OpenAI.APIKey = openai
	}
	if c.LLM.Anthropic.APIKey == "" {
		c.LLM.Anthropic.APIKey = lookupKey(KeyAnthropic)
	}
}

func lookupKey(provider string) string {
	if key := os.Getenv(keyEnv[provider]); key != "" {
		return key
	}
	key, err := keyring.Get(KeyringService, provider)
	if err != nil {
		if !errors.Is(err, keyring.ErrNotFound) {
			log.Debug("Keyring lookup failed", "provider", provider, "error", err)
		}
		return ""
	}
	return key
}

// SetAPIKey stores an API key for provider in the OS keyring.
func SetAPIKey(provider, key string) error {
	if _, ok := keyEnv[provider]; !ok {
		return fmt.Errorf("unknown provider %q (expected %s or %s)", provider, KeyOpenAI, KeyAnthropic)
	}
	if key == "" {
		return fmt.Errorf("API key is empty")
	}
	if err := keyring.Set(KeyringService, provider, key); err != nil {
		return fmt.Errorf("failed to store key in keyring: %w", err)
	}
	return nil
}

// DeleteAPIKey removes a stored key. Removing a key that is not stored is
// not an error.
func DeleteAPIKey(provider string) error {
	if err := keyring.Delete(KeyringService, provider); err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return fmt.Errorf("failed to delete key from keyring: %w", err)
	}
	return nil
}

// HasStoredAPIKey reports whether the keyring holds a key for provider.
func HasStoredAPIKey(provider string) bool {
	_, err := keyring.Get(KeyringService, provider)
	return err == nil
}
