package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	// Server
	Port        string `yaml:"port"`
	Host        string `yaml:"host"`
	Environment string `yaml:"environment"`
	FrontendURL string `yaml:"frontend_url"` // CORS origin

	// Database
	DBDriver string `yaml:"db_driver"` // "sqlite" | "postgres"
	DBPath   string `yaml:"db_path"`   // SQLite path
	DBUrl    string `yaml:"database_url"`

	// Auth
	AuthMode               string `yaml:"auth_mode"` // "supabase" | "local"
	SupabaseURL            string `yaml:"supabase_url"`
	SupabaseAnonKey        string `yaml:"supabase_anon_key"`
	SupabaseServiceRoleKey string `yaml:"supabase_service_role_key"`
	SupabaseJWTSecret      string `yaml:"supabase_jwt_secret"`
	TokenExpiryHours       int    `yaml:"token_expiry_hours"`

	// LLM
	OpenAIAPIKey         string `yaml:"openai_api_key"`
	OpenAIBaseURL        string `yaml:"openai_base_url"`
	OpenAIChatModel      string `yaml:"openai_chat_model"`
	OpenAIEmbeddingModel string `yaml:"openai_embedding_model"`
	AnthropicAPIKey      string `yaml:"anthropic_api_key"`
	AgentMaxTurns        int    `yaml:"agent_max_turns"`

	// Cache
	RedisURL string `yaml:"redis_url"`

	// RAG
	VectorStore          string        `yaml:"vector_store"` // "sql" | "weaviate"
	WeaviateHost         string        `yaml:"weaviate_host"`
	WeaviateScheme       string        `yaml:"weaviate_scheme"`
	RAGSchedulerEnabled  bool          `yaml:"rag_scheduler_enabled"`
	RAGIngestInterval    time.Duration `yaml:"rag_ingest_interval"`
	RAGIngestConcurrency int           `yaml:"rag_ingest_concurrency"`

	// Object storage
	S3Endpoint  string `yaml:"s3_endpoint"`
	S3AccessKey string `yaml:"s3_access_key"`
	S3SecretKey string `yaml:"s3_secret_key"`
	S3Bucket    string `yaml:"s3_bucket"`
	S3UseSSL    bool   `yaml:"s3_use_ssl"`

	// Chat
	ChatRatePerMinute int `yaml:"chat_rate_per_minute"`

	// Security
	InternalSecret string `yaml:"internal_secret"` // shared secret for /internal routes

	// Logging
	LogLevel string `yaml:"log_level"`
}

func defaults() *Config {
	return &Config{
		Port:                 "4000",
		Host:                 "0.0.0.0",
		Environment:          "development",
		FrontendURL:          "http://localhost:5500",
		DBDriver:             "sqlite",
		DBPath:               "./data/punypage.db",
		AuthMode:             "supabase",
		TokenExpiryHours:     720,
		OpenAIChatModel:      "gpt-4o-mini",
		OpenAIEmbeddingModel: "text-embedding-3-small",
		AgentMaxTurns:        8,
		VectorStore:          "sql",
		WeaviateScheme:       "http",
		RAGSchedulerEnabled:  true,
		RAGIngestInterval:    300 * time.Second,
		RAGIngestConcurrency: 4,
		S3Bucket:             "punypage-exports",
		ChatRatePerMinute:    30,
		LogLevel:             "info",
	}
}

// Load reads configuration from the YAML file named by PUNYPAGE_CONFIG (if
// any) and then applies environment overrides.
func Load() *Config {
	cfg, err := LoadFile(os.Getenv("PUNYPAGE_CONFIG"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v, using environment only\n", err)
		cfg = defaults()
		applyEnv(cfg)
	}
	return cfg
}

// LoadFile is Load with an explicit config file path. An empty path skips the
// file.
func LoadFile(path string) (*Config, error) {
	cfg := defaults()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	applyEnv(cfg)
	return cfg, nil
}

func applyEnv(c *Config) {
	c.Port = getEnvAlias("PUNYPAGE_PORT", "PORT", c.Port)
	c.Host = getEnv("HOST", c.Host)
	c.Environment = getEnv("ENVIRONMENT", c.Environment)
	c.FrontendURL = getEnv("FRONTEND_URL", c.FrontendURL)

	c.DBDriver = getEnv("DB_DRIVER", c.DBDriver)
	c.DBPath = getEnv("DB_PATH", c.DBPath)
	c.DBUrl = getEnv("DATABASE_URL", c.DBUrl)

	c.AuthMode = getEnv("AUTH_MODE", c.AuthMode)
	c.SupabaseURL = getEnv("SUPABASE_URL", c.SupabaseURL)
	c.SupabaseAnonKey = getEnv("SUPABASE_ANON_KEY", c.SupabaseAnonKey)
	c.SupabaseServiceRoleKey = getEnv("SUPABASE_SERVICE_ROLE_KEY", c.SupabaseServiceRoleKey)
	c.SupabaseJWTSecret = getEnv("SUPABASE_JWT_SECRET", c.SupabaseJWTSecret)
	c.TokenExpiryHours = getEnvInt("TOKEN_EXPIRY_HOURS", c.TokenExpiryHours)

	c.OpenAIAPIKey = getEnv("OPENAI_API_KEY", c.OpenAIAPIKey)
	c.OpenAIBaseURL = getEnv("OPENAI_BASE_URL", c.OpenAIBaseURL)
	c.OpenAIChatModel = getEnv("OPENAI_CHAT_MODEL", c.OpenAIChatModel)
	c.OpenAIEmbeddingModel = getEnv("OPENAI_EMBEDDING_MODEL", c.OpenAIEmbeddingModel)
	c.AnthropicAPIKey = getEnv("ANTHROPIC_API_KEY", c.AnthropicAPIKey)
	c.AgentMaxTurns = getEnvInt("AGENT_MAX_TURNS", c.AgentMaxTurns)

	c.RedisURL = getEnv("REDIS_URL", c.RedisURL)

	c.VectorStore = getEnv("VECTOR_STORE", c.VectorStore)
	c.WeaviateHost = getEnv("WEAVIATE_HOST", c.WeaviateHost)
	c.WeaviateScheme = getEnv("WEAVIATE_SCHEME", c.WeaviateScheme)
	c.RAGSchedulerEnabled = getEnvBool("RAG_SCHEDULER_ENABLED", c.RAGSchedulerEnabled)
	c.RAGIngestInterval = getEnvDuration("RAG_INGEST_INTERVAL", c.RAGIngestInterval)
	c.RAGIngestConcurrency = getEnvInt("RAG_INGEST_CONCURRENCY", c.RAGIngestConcurrency)

	c.S3Endpoint = getEnv("S3_ENDPOINT", c.S3Endpoint)
	c.S3AccessKey = getEnv("S3_ACCESS_KEY", c.S3AccessKey)
	c.S3SecretKey = getEnv("S3_SECRET_KEY", c.S3SecretKey)
	c.S3Bucket = getEnv("S3_BUCKET", c.S3Bucket)
	c.S3UseSSL = getEnvBool("S3_USE_SSL", c.S3UseSSL)

	c.ChatRatePerMinute = getEnvInt("CHAT_RATE_PER_MINUTE", c.ChatRatePerMinute)
	c.InternalSecret = getEnv("INTERNAL_SECRET", c.InternalSecret)
	c.LogLevel = getEnvAlias("PUNYPAGE_LOG_LEVEL", "LOG_LEVEL", c.LogLevel)
}

// Validate reports the first configuration value that cannot work.
func (c *Config) Validate() error {
	switch c.DBDriver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported db driver: %s", c.DBDriver)
	}
	if c.DBDriver == "postgres" && c.DBUrl == "" {
		return fmt.Errorf("DATABASE_URL is required for postgres driver")
	}
	switch c.AuthMode {
	case AuthModeSupabase:
		if c.SupabaseURL == "" && c.SupabaseJWTSecret == "" {
			return fmt.Errorf("SUPABASE_URL or SUPABASE_JWT_SECRET is required for supabase auth")
		}
	case AuthModeLocal:
	default:
		return fmt.Errorf("unsupported auth mode: %s", c.AuthMode)
	}
	switch c.VectorStore {
	case "sql":
	case "weaviate":
		if c.WeaviateHost == "" {
			return fmt.Errorf("WEAVIATE_HOST is required for weaviate vector store")
		}
	default:
		return fmt.Errorf("unsupported vector store: %s", c.VectorStore)
	}
	if c.AnthropicAPIKey != "" && !strings.HasPrefix(c.AnthropicAPIKey, "sk-ant-") {
		return fmt.Errorf("ANTHROPIC_API_KEY must start with sk-ant-")
	}
	if c.RAGIngestInterval <= 0 {
		return fmt.Errorf("RAG_INGEST_INTERVAL must be positive")
	}
	return nil
}

// Addr is the listen address.
func (c *Config) Addr() string {
	return c.Host + ":" + c.Port
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

const (
	AuthModeSupabase = "supabase"
	AuthModeLocal    = "local"
)

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvAlias(primary, legacy, fallback string) string {
	return getEnv(primary, getEnv(legacy, fallback))
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

// getEnvDuration accepts Go durations ("5m") or plain seconds ("300").
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	return fallback
}
