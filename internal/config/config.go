package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/Conceptual-Machines/nectar-api/internal/stablediffusion"
)

// Config holds the application configuration
type Config struct {
	// Environment
	Environment string
	Port        string

	// Database
	DatabaseURL    string
	StoreBatchSize int // ids per batched scene read

	// Stable Diffusion (hosted)
	StableDiffusionAPIKey  string
	StableDiffusionBaseURL string
	StableDiffusionModelID string
	NegativePrompt         string // overrides the built-in negative prompt when set

	// Retry, polling and timeouts for generation jobs
	GenerationMaxRetries     int
	GenerationBaseDelay      time.Duration
	GenerationMaxDelay       time.Duration
	GenerationMaxJitter      time.Duration
	GenerationPollInterval   time.Duration
	GenerationMaxPolls       int
	GenerationSubmitTimeout  time.Duration
	GenerationPollTimeout    time.Duration
	GenerationJobBudget      time.Duration
	DefaultVariationSamples  int
	DefaultVariationStrength float64

	// Artifact mirror (optional, S3)
	ArtifactBucket string
	ArtifactRegion string
	ArtifactPrefix string

	// Observability
	SentryDSN         string // Sentry DSN for error tracking
	LangfusePublicKey string // Langfuse public key
	LangfuseSecretKey string // Langfuse secret key
	LangfuseHost      string // Langfuse host URL (cloud or self-hosted)
	LangfuseEnabled   bool   // Feature flag for Langfuse

	// Auth mode
	// - "none": No auth (self-hosted, local dev)
	// - "gateway": Trust X-User-* headers from the upstream gateway
	// - "jwt": Validate HMAC bearer tokens signed with JWTSecret
	AuthMode  string
	JWTSecret string
}

func Load() *Config {
	return &Config{
		Environment:    getEnv("ENVIRONMENT", "development"),
		Port:           getEnv("PORT", "8080"),
		DatabaseURL:    getEnv("DATABASE_URL", ""),
		StoreBatchSize: getEnvInt("STORE_BATCH_SIZE", 100),

		StableDiffusionAPIKey:  getEnv("STABLE_DIFFUSION_API_KEY", ""),
		StableDiffusionBaseURL: getEnv("STABLE_DIFFUSION_BASE_URL", stablediffusion.DefaultBaseURL),
		StableDiffusionModelID: getEnv("STABLE_DIFFUSION_MODEL_ID", stablediffusion.DefaultModelID),
		NegativePrompt:         getEnv("NEGATIVE_PROMPT", ""),

		GenerationMaxRetries:     getEnvInt("GENERATION_MAX_RETRIES", stablediffusion.DefaultMaxRetries),
		GenerationBaseDelay:      getEnvDuration("GENERATION_BASE_DELAY", stablediffusion.DefaultBaseDelay),
		GenerationMaxDelay:       getEnvDuration("GENERATION_MAX_DELAY", stablediffusion.DefaultMaxDelay),
		GenerationMaxJitter:      getEnvDuration("GENERATION_MAX_JITTER", stablediffusion.DefaultMaxJitter),
		GenerationPollInterval:   getEnvDuration("GENERATION_POLL_INTERVAL", stablediffusion.DefaultPollInterval),
		GenerationMaxPolls:       getEnvInt("GENERATION_MAX_POLLS", stablediffusion.DefaultMaxPollingAttempts),
		GenerationSubmitTimeout:  getEnvDuration("GENERATION_SUBMIT_TIMEOUT", stablediffusion.DefaultSubmitTimeout),
		GenerationPollTimeout:    getEnvDuration("GENERATION_POLL_TIMEOUT", stablediffusion.DefaultPollTimeout),
		GenerationJobBudget:      getEnvDuration("GENERATION_JOB_BUDGET", stablediffusion.DefaultJobBudget),
		DefaultVariationSamples:  getEnvInt("DEFAULT_VARIATION_SAMPLES", 4),
		DefaultVariationStrength: getEnvFloat("DEFAULT_VARIATION_STRENGTH", stablediffusion.DefaultStrength),

		ArtifactBucket: getEnv("ARTIFACT_BUCKET", ""),
		ArtifactRegion: getEnv("ARTIFACT_REGION", getEnv("AWS_REGION", "us-east-1")),
		ArtifactPrefix: getEnv("ARTIFACT_PREFIX", "scenes/"),

		SentryDSN:         getEnv("SENTRY_DSN", ""),
		LangfusePublicKey: getEnv("LANGFUSE_PUBLIC_KEY", ""),
		LangfuseSecretKey: getEnv("LANGFUSE_SECRET_KEY", ""),
		LangfuseHost:      getEnv("LANGFUSE_HOST", "https://cloud.langfuse.com"),
		LangfuseEnabled:   getEnv("LANGFUSE_ENABLED", "false") == "true",
		AuthMode:          getEnv("AUTH_MODE", "none"), // Default to no auth for self-hosted
		JWTSecret:         getEnv("JWT_SECRET", ""),
	}
}

// GenerationConfig returns the job client configuration
func (c *Config) GenerationConfig() stablediffusion.Config {
	return stablediffusion.Config{
		APIKey:             c.StableDiffusionAPIKey,
		BaseURL:            c.StableDiffusionBaseURL,
		ModelID:            c.StableDiffusionModelID,
		NegativePrompt:     c.NegativePrompt,
		MaxRetries:         c.GenerationMaxRetries,
		BaseDelay:          c.GenerationBaseDelay,
		MaxDelay:           c.GenerationMaxDelay,
		MaxJitter:          c.GenerationMaxJitter,
		PollInterval:       c.GenerationPollInterval,
		MaxPollingAttempts: c.GenerationMaxPolls,
		SubmitTimeout:      c.GenerationSubmitTimeout,
		PollTimeout:        c.GenerationPollTimeout,
		JobBudget:          c.GenerationJobBudget,
	}
}

func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		log.Printf("⚠️  Invalid %s=%q, using default %d", key, value, defaultValue)
		return defaultValue
	}
	return parsed
}

func getEnvFloat(key string, defaultValue float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		log.Printf("⚠️  Invalid %s=%q, using default %v", key, value, defaultValue)
		return defaultValue
	}
	return parsed
}

// getEnvDuration accepts Go durations ("20s") or plain seconds ("20")
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		return time.Duration(seconds) * time.Second
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		log.Printf("⚠️  Invalid %s=%q, using default %s", key, value, defaultValue)
		return defaultValue
	}
	return parsed
}

// IsGatewayMode returns true if running behind the auth gateway
func (c *Config) IsGatewayMode() bool {
	return c.AuthMode == "gateway"
}

// IsJWTMode returns true if bearer tokens are validated locally
func (c *Config) IsJWTMode() bool {
	return c.AuthMode == "jwt"
}

// ArtifactMirrorEnabled reports whether generated images are re-hosted in S3
func (c *Config) ArtifactMirrorEnabled() bool {
	return c.ArtifactBucket != ""
}
