package main

import (
	"os"
	"time"

	"github.com/joho/godotenv"
)

const (
	defaultSuffix = "_sonos._tcp.local"
	defaultModel  = "gpt-4o-mini"
	defaultHost   = "127.0.0.1"
	defaultPort   = 5353
	defaultTTL    = 30 * time.Minute
)

// Config is captured once at startup and passed around read-only.
// Flags override individual fields before anything starts.
type Config struct {
	Key           string // shared symmetric key, base64url
	OpenAIAPIKey  string
	OpenAIBaseURL string
	Model         string
	PerplexityKey string
	SystemPrompt  string
	Suffix        string
	Host          string
	Port          int
	SessionTTL    time.Duration
}

func LoadConfig() Config {
	godotenv.Load() // a missing .env is fine

	return Config{
		Key:           os.Getenv("LLM_PROXY_KEY"),
		OpenAIAPIKey:  os.Getenv("OPENAI_API_KEY"),
		OpenAIBaseURL: os.Getenv("OPENAI_BASE_URL"),
		Model:         envOr("OPENAI_MODEL", defaultModel),
		PerplexityKey: os.Getenv("PERPLEXITY_API_KEY"),
		SystemPrompt:  os.Getenv("LLM_SYSTEM_PROMPT"),
		Suffix:        envOr("LLM_DNS_SUFFIX", defaultSuffix),
		Host:          defaultHost,
		Port:          defaultPort,
		SessionTTL:    defaultTTL,
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
