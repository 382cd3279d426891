package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

const (
	StorePostgres = "postgres"
	StoreBadger   = "badger"

	ProviderGemini = "gemini"
	ProviderOpenAI = "openai"
	ProviderLocal  = "local"
)

type Config struct {
	DatabaseURL string
	SslCertPath string
	StoreDriver string
	BadgerPath  string

	AwsAccessKey string
	AwsSecretKey string
	AwsRegion    string
	BucketName   string

	EmbedProvider   string
	GeminiAPIKey    string
	OpenAIAPIKey    string
	LocalEmbedHost  string
	EmbedModel      string
	EmbedDim        int
	EmbedPricePerMT float64

	ChunkMaxTokens   int
	ChunkOverlap     int
	EmbedBatchSize   int
	EmbedMaxAttempts int
	Workers          int
	AutoEmbed        bool

	JWTSecret   string
	CORSOrigins []string
	Port        string
}

// LoadConfig loads the environment variables and return config
func LoadConfig() *Config {

	_ = godotenv.Load()

	provider := strings.ToLower(getEnv("EMBED_PROVIDER", ProviderGemini))
	cfg := &Config{
		DatabaseURL: getEnv("DATABASE_URL", ""),
		SslCertPath: getEnv("SSL_CERT_PATH", ""),
		StoreDriver: strings.ToLower(getEnv("STORE_DRIVER", StorePostgres)),
		BadgerPath:  getEnv("BADGER_PATH", ""),

		AwsAccessKey: getEnv("AWS_ACCESS_KEY", ""),
		AwsSecretKey: getEnv("AWS_SECRET_KEY", ""),
		AwsRegion:    getEnv("AWS_REGION", "us-east-2"),
		BucketName:   getEnv("BUCKET_NAME", "contexta-docs"),

		EmbedProvider:   provider,
		GeminiAPIKey:    getEnv("GEMINI_API_KEY", ""),
		OpenAIAPIKey:    getEnv("OPENAI_API_KEY", ""),
		LocalEmbedHost:  getEnv("LOCAL_EMBED_HOST", "http://localhost:11434/v1"),
		EmbedModel:      getEnv("EMBED_MODEL", defaultModel(provider)),
		EmbedDim:        getEnvInt("EMBED_DIM", 0),
		EmbedPricePerMT: getEnvFloat("EMBED_PRICE_PER_MTOK", 0),

		ChunkMaxTokens:   getEnvInt("CHUNK_MAX_TOKENS", 512),
		ChunkOverlap:     getEnvInt("CHUNK_OVERLAP", 50),
		EmbedBatchSize:   getEnvInt("EMBED_BATCH_SIZE", 20),
		EmbedMaxAttempts: getEnvInt("EMBED_MAX_ATTEMPTS", 4),
		Workers:          getEnvInt("WORKERS", 4),
		AutoEmbed:        getEnvBool("AUTO_EMBED", true),

		JWTSecret:   getEnv("JWT_SECRET", ""),
		CORSOrigins: splitList(getEnv("CORS_ORIGINS", "http://localhost:3000")),
		Port:        getEnv("PORT", "8080"),
	}

	return cfg
}

// Validate reports every problem at once so a misconfigured deploy fails with one message.
func (c *Config) Validate() error {
	var errs []error

	switch c.StoreDriver {
	case StorePostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL not set"))
		}
	case StoreBadger:
	default:
		errs = append(errs, fmt.Errorf("STORE_DRIVER %q is not one of postgres, badger", c.StoreDriver))
	}

	switch c.EmbedProvider {
	case ProviderGemini, ProviderOpenAI, ProviderLocal:
	default:
		errs = append(errs, fmt.Errorf("EMBED_PROVIDER %q is not one of gemini, openai, local", c.EmbedProvider))
	}

	if c.ChunkMaxTokens <= 0 {
		errs = append(errs, fmt.Errorf("CHUNK_MAX_TOKENS must be positive, got %d", c.ChunkMaxTokens))
	}
	if c.ChunkOverlap < 0 || c.ChunkOverlap >= c.ChunkMaxTokens {
		errs = append(errs, fmt.Errorf("CHUNK_OVERLAP must be in [0, CHUNK_MAX_TOKENS), got %d", c.ChunkOverlap))
	}
	if c.EmbedBatchSize <= 0 {
		errs = append(errs, fmt.Errorf("EMBED_BATCH_SIZE must be positive, got %d", c.EmbedBatchSize))
	}
	if c.EmbedMaxAttempts <= 0 {
		errs = append(errs, fmt.Errorf("EMBED_MAX_ATTEMPTS must be positive, got %d", c.EmbedMaxAttempts))
	}
	if c.Workers <= 0 {
		errs = append(errs, fmt.Errorf("WORKERS must be positive, got %d", c.Workers))
	}
	if c.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET not set"))
	}

	return errors.Join(errs...)
}

func defaultModel(provider string) string {
	switch provider {
	case ProviderOpenAI:
		return "text-embedding-3-small"
	case ProviderLocal:
		return "nomic-embed-text"
	default:
		return "text-embedding-004"
	}
}

// Helper to read environment variables with a default fallback
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvInt(key string, def int) int {
	v := getEnv(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("WARN: %s=%q not an int, using default %d", key, v, def)
		return def
	}
	return n
}

func getEnvFloat(key string, def float64) float64 {
	v := getEnv(key, "")
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		log.Printf("WARN: %s=%q not a number, using default %g", key, v, def)
		return def
	}
	return f
}

func getEnvBool(key string, def bool) bool {
	v := getEnv(key, "")
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		log.Printf("WARN: %s=%q not a bool, using default %t", key, v, def)
		return def
	}
	return b
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
