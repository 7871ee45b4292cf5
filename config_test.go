package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadConfigDefaults(t *testing.T) {
	for _, key := range []string{
		"LLM_PROXY_KEY", "OPENAI_API_KEY", "OPENAI_BASE_URL", "OPENAI_MODEL",
		"PERPLEXITY_API_KEY", "LLM_DNS_SUFFIX", "LLM_SYSTEM_PROMPT",
	} {
		t.Setenv(key, "")
	}

	cfg := LoadConfig()
	assert.Equal(t, defaultSuffix, cfg.Suffix)
	assert.Equal(t, defaultModel, cfg.Model)
	assert.Equal(t, defaultHost, cfg.Host)
	assert.Equal(t, defaultPort, cfg.Port)
	assert.Equal(t, 30*time.Minute, cfg.SessionTTL)
	assert.Empty(t, cfg.Key)
}

func TestLoadConfigFromEnvironment(t *testing.T) {
	t.Setenv("LLM_PROXY_KEY", "k")
	t.Setenv("OPENAI_API_KEY", "oa")
	t.Setenv("OPENAI_BASE_URL", "http://localhost:11434/v1")
	t.Setenv("OPENAI_MODEL", "llama3")
	t.Setenv("PERPLEXITY_API_KEY", "pplx")
	t.Setenv("LLM_DNS_SUFFIX", "t.example.com")
	t.Setenv("LLM_SYSTEM_PROMPT", "be brief")

	cfg := LoadConfig()
	assert.Equal(t, "k", cfg.Key)
	assert.Equal(t, "oa", cfg.OpenAIAPIKey)
	assert.Equal(t, "http://localhost:11434/v1", cfg.OpenAIBaseURL)
	assert.Equal(t, "llama3", cfg.Model)
	assert.Equal(t, "pplx", cfg.PerplexityKey)
	assert.Equal(t, "t.example.com", cfg.Suffix)
	assert.Equal(t, "be brief", cfg.SystemPrompt)
}
