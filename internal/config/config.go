package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/kirillkom/docsearch/internal/core/domain"
)

const (
	LLMProviderOpenAI = "openai"
	LLMProviderOllama = "ollama"
)

// Config fields carry yaml tags so a RAG_CONFIG_FILE can supply defaults;
// environment variables override both the file and the built-in defaults.
type Config struct {
	APIPort  string `yaml:"api_port"`
	LogLevel string `yaml:"log_level"`

	// Zero disables the limiter or the in-flight cap.
	APIRateLimitRPS       float64 `yaml:"api_rate_limit_rps"`
	APIRateLimitBurst     int     `yaml:"api_rate_limit_burst"`
	APIMaxInFlight        int     `yaml:"api_max_inflight"`
	APIBackpressureWaitMS int     `yaml:"api_backpressure_wait_ms"`
	UploadMaxBytes        int64   `yaml:"upload_max_bytes"`

	IndexPath        string `yaml:"index_path"`
	IndexAutoRebuild bool   `yaml:"index_auto_rebuild"`
	EmbedModel       string `yaml:"embed_model"`
	// RAGFast forces the sparse TF-IDF index and shorter streamed answers.
	RAGFast bool `yaml:"rag_fast"`

	ChunkSize            int    `yaml:"chunk_size"`
	ChunkOverlap         int    `yaml:"chunk_overlap"`
	RAGTopK              int    `yaml:"rag_top_k"`
	RAGMaxK              int    `yaml:"rag_max_k"`
	ContextCharsPerChunk int    `yaml:"context_chars_per_chunk"`
	ContextMaxChars      int    `yaml:"context_max_chars"`
	Persona              string `yaml:"persona"`
	MaxOutputTokens      int    `yaml:"max_output_tokens"`
	FastMaxOutputTokens  int    `yaml:"fast_max_output_tokens"`
	WarmupEnabled        bool   `yaml:"warmup_enabled"`

	LLMProvider       string `yaml:"llm_provider"`
	LLMTimeoutSeconds int    `yaml:"llm_timeout_seconds"`

	OpenAIAPIKey            string  `yaml:"-"`
	OpenAIBaseURL           string  `yaml:"openai_base_url"`
	OpenAIModel             string  `yaml:"openai_model"`
	OpenAIOrganization      string  `yaml:"openai_organization"`
	OpenAIProject           string  `yaml:"openai_project"`
	OpenAIRequestsPerSecond float64 `yaml:"openai_requests_per_second"`

	OllamaURL       string `yaml:"ollama_url"`
	OllamaChatModel string `yaml:"ollama_chat_model"`

	PostgresDSN  string `yaml:"-"`
	SessionPairs int    `yaml:"session_pairs"`

	IngestAsync bool   `yaml:"ingest_async"`
	NATSURL     string `yaml:"nats_url"`
	NATSSubject string `yaml:"nats_subject"`
	StoragePath string `yaml:"storage_path"`
}

func Defaults() Config {
	return Config{
		APIPort:  "8001",
		LogLevel: "info",

		APIRateLimitBurst:     20,
		APIBackpressureWaitMS: 250,
		UploadMaxBytes:        32 << 20,

		IndexPath:  "./data/index",
		EmbedModel: "nomic-embed-text",

		ChunkSize:            500,
		ChunkOverlap:         50,
		RAGTopK:              4,
		RAGMaxK:              6,
		ContextCharsPerChunk: 800,
		ContextMaxChars:      5000,
		Persona:              "concise",
		MaxOutputTokens:      512,
		FastMaxOutputTokens:  256,
		WarmupEnabled:        true,

		LLMProvider:       LLMProviderOpenAI,
		LLMTimeoutSeconds: 60,

		OpenAIBaseURL:           "https://api.openai.com/v1",
		OpenAIModel:             "gpt-3.5-turbo-0125",
		OpenAIRequestsPerSecond: 2,

		OllamaURL:       "http://localhost:11434",
		OllamaChatModel: "llama3.1:8b",

		SessionPairs: 5,

		NATSURL:     "nats://localhost:4222",
		NATSSubject: "docsearch.uploads",
		StoragePath: "./data/uploads",
	}
}

// Load reads .env files (never overriding variables already set), then the
// optional YAML file named by RAG_CONFIG_FILE, then the environment.
func Load() (Config, error) {
	for _, path := range []string{".env", os.Getenv("DOTENV_PATH")} {
		if path == "" {
			continue
		}
		if err := godotenv.Load(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", path, err)
		}
	}

	cfg := Defaults()
	if path := os.Getenv("RAG_CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	cfg = Config{
		APIPort:  mustEnv("API_PORT", cfg.APIPort),
		LogLevel: mustEnv("LOG_LEVEL", cfg.LogLevel),

		APIRateLimitRPS:       mustEnvFloat("API_RATE_LIMIT_RPS", cfg.APIRateLimitRPS),
		APIRateLimitBurst:     mustEnvInt("API_RATE_LIMIT_BURST", cfg.APIRateLimitBurst),
		APIMaxInFlight:        mustEnvInt("API_MAX_INFLIGHT", cfg.APIMaxInFlight),
		APIBackpressureWaitMS: mustEnvInt("API_BACKPRESSURE_WAIT_MS", cfg.APIBackpressureWaitMS),
		UploadMaxBytes:        int64(mustEnvInt("UPLOAD_MAX_BYTES", int(cfg.UploadMaxBytes))),

		IndexPath:        mustEnv("INDEX_PATH", cfg.IndexPath),
		IndexAutoRebuild: mustEnvBool("INDEX_AUTO_REBUILD", cfg.IndexAutoRebuild),
		EmbedModel:       mustEnv("EMBED_MODEL", cfg.EmbedModel),
		RAGFast:          mustEnvBool("RAG_FAST", cfg.RAGFast),

		ChunkSize:            mustEnvInt("CHUNK_SIZE", cfg.ChunkSize),
		ChunkOverlap:         mustEnvInt("CHUNK_OVERLAP", cfg.ChunkOverlap),
		RAGTopK:              mustEnvInt("RAG_TOP_K", cfg.RAGTopK),
		RAGMaxK:              mustEnvInt("RAG_MAX_K", cfg.RAGMaxK),
		ContextCharsPerChunk: mustEnvInt("RAG_CONTEXT_CHARS_PER_CHUNK", cfg.ContextCharsPerChunk),
		ContextMaxChars:      mustEnvInt("RAG_CONTEXT_MAX_CHARS", cfg.ContextMaxChars),
		Persona:              mustEnv("RAG_PERSONA", cfg.Persona),
		MaxOutputTokens:      mustEnvInt("OPENAI_MAX_OUTPUT_TOKENS", cfg.MaxOutputTokens),
		FastMaxOutputTokens:  mustEnvInt("RAG_FAST_MAX_OUTPUT_TOKENS", cfg.FastMaxOutputTokens),
		WarmupEnabled:        mustEnvBool("RAG_WARMUP", cfg.WarmupEnabled),

		LLMProvider:       strings.ToLower(mustEnv("LLM_PROVIDER", cfg.LLMProvider)),
		LLMTimeoutSeconds: mustEnvInt("LLM_TIMEOUT_SECONDS", cfg.LLMTimeoutSeconds),

		OpenAIAPIKey:            mustEnv("OPENAI_API_KEY", cfg.OpenAIAPIKey),
		OpenAIBaseURL:           mustEnv("OPENAI_BASE_URL", cfg.OpenAIBaseURL),
		OpenAIModel:             mustEnv("OPENAI_MODEL", cfg.OpenAIModel),
		OpenAIOrganization:      firstEnv([]string{"OPENAI_ORG", "OPENAI_ORGANIZATION", "OPENAI_ORG_ID"}, cfg.OpenAIOrganization),
		OpenAIProject:           firstEnv([]string{"OPENAI_PROJECT", "OPENAI_PROJECT_ID"}, cfg.OpenAIProject),
		OpenAIRequestsPerSecond: mustEnvFloat("OPENAI_REQUESTS_PER_SECOND", cfg.OpenAIRequestsPerSecond),

		OllamaURL:       mustEnv("OLLAMA_URL", cfg.OllamaURL),
		OllamaChatModel: mustEnv("OLLAMA_CHAT_MODEL", cfg.OllamaChatModel),

		PostgresDSN:  mustEnv("POSTGRES_DSN", cfg.PostgresDSN),
		SessionPairs: mustEnvInt("SESSION_PAIRS", cfg.SessionPairs),

		IngestAsync: mustEnvBool("INGEST_ASYNC", cfg.IngestAsync),
		NATSURL:     mustEnv("NATS_URL", cfg.NATSURL),
		NATSSubject: mustEnv("NATS_SUBJECT", cfg.NATSSubject),
		StoragePath: mustEnv("STORAGE_PATH", cfg.StoragePath),
	}
	return cfg, nil
}

// Validate reports settings the engine cannot start with.
func (c Config) Validate() error {
	var problems []string
	if c.ChunkSize <= 0 {
		problems = append(problems, fmt.Sprintf("CHUNK_SIZE must be positive, got %d", c.ChunkSize))
	}
	if c.ChunkOverlap < 0 || c.ChunkOverlap >= c.ChunkSize {
		problems = append(problems, fmt.Sprintf("CHUNK_OVERLAP must be in [0, CHUNK_SIZE), got %d", c.ChunkOverlap))
	}
	if c.RAGMaxK <= 0 {
		problems = append(problems, fmt.Sprintf("RAG_MAX_K must be positive, got %d", c.RAGMaxK))
	}
	if c.RAGTopK <= 0 || c.RAGTopK > c.RAGMaxK {
		problems = append(problems, fmt.Sprintf("RAG_TOP_K must be in [1, RAG_MAX_K], got %d", c.RAGTopK))
	}
	if c.ContextCharsPerChunk <= 0 || c.ContextMaxChars <= 0 {
		problems = append(problems, "context budgets must be positive")
	}
	if c.LLMProvider != LLMProviderOpenAI && c.LLMProvider != LLMProviderOllama {
		problems = append(problems, fmt.Sprintf("LLM_PROVIDER must be %q or %q, got %q", LLMProviderOpenAI, LLMProviderOllama, c.LLMProvider))
	}
	if c.UploadMaxBytes <= 0 {
		problems = append(problems, fmt.Sprintf("UPLOAD_MAX_BYTES must be positive, got %d", c.UploadMaxBytes))
	}
	if strings.TrimSpace(c.IndexPath) == "" {
		problems = append(problems, "INDEX_PATH is required")
	}
	if len(problems) > 0 {
		return domain.WrapError(domain.ErrInvalidConfig, "config", errors.New(strings.Join(problems, "; ")))
	}
	return nil
}

// StreamMaxTokens is the completion budget for streamed answers.
func (c Config) StreamMaxTokens() int {
	if c.RAGFast {
		return c.FastMaxOutputTokens
	}
	return c.MaxOutputTokens
}

func mustEnv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func firstEnv(keys []string, fallback string) string {
	for _, key := range keys {
		if v := os.Getenv(key); v != "" {
			return v
		}
	}
	return fallback
}

func mustEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func mustEnvFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func mustEnvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return parsed
}
