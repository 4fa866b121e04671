package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Daggahh/flow3.chat/internal/domain"
)

// ProviderKeyEnv names the variable holding each vendor's default key.
var ProviderKeyEnv = map[domain.ProviderID]string{
	domain.ProviderOpenAI:     "OPENAI_API_KEY",
	domain.ProviderAnthropic:  "ANTHROPIC_API_KEY",
	domain.ProviderGoogle:     "GOOGLE_DEFAULT_API_KEY",
	domain.ProviderMistral:    "MISTRAL_API_KEY",
	domain.ProviderCohere:     "COHERE_API_KEY",
	domain.ProviderDeepSeek:   "DEEPSEEK_API_KEY",
	domain.ProviderPerplexity: "PERPLEXITY_API_KEY",
	domain.ProviderGrok:       "XAI_API_KEY",
	domain.ProviderOpenRouter: "OPENROUTER_API_KEY",
}

type Config struct {
	Addr             string
	LogLevel         string
	PodName          string
	OTLPEndpoint     string
	// TraceSampleRatio is the share of chat turns traced when OTLPEndpoint is set.
	TraceSampleRatio float64

	RedisURL    string
	DatabaseURL string
	CatalogFile string

	EncryptionKey string
	AuthSecret    string
	AWSRegion     string
	SecretsName   string
	SNSTopicARN   string

	// DefaultKeys are the process-wide vendor keys used when a caller has none.
	DefaultKeys map[domain.ProviderID]string

	SerperAPIKey   string
	WeatherBaseURL string

	ChatMaxDuration time.Duration
	ChatMaxSteps    int
	ChatMaxRetries  int
	ChatRPM         int
	GuestFreeLimit  int

	// Graceful shutdown
	ShutdownTimeout time.Duration
}

func Load() (*Config, error) {
	hostname, _ := os.Hostname()

	cfg := &Config{
		Addr:             getEnv("ADDR", ":8080"),
		LogLevel:         getEnv("LOG_LEVEL", "info"),
		PodName:          getEnv("POD_NAME", hostname),
		OTLPEndpoint:     getEnv("OTLP_ENDPOINT", ""),
		TraceSampleRatio: getFloatEnv("TRACE_SAMPLE_RATIO", 1),
		RedisURL:         getEnv("REDIS_URL", ""),
		DatabaseURL:      getEnv("DATABASE_URL", ""),
		CatalogFile:      getEnv("CATALOG_FILE", ""),
		EncryptionKey:    getEnv("ENCRYPTION_KEY", ""),
		AuthSecret:       getEnv("AUTH_SECRET", ""),
		AWSRegion:        getEnv("AWS_REGION", "us-east-1"),
		SecretsName:      getEnv("SECRETS_NAME", ""),
		SNSTopicARN:      getEnv("SNS_TOPIC_ARN", ""),
		DefaultKeys:      make(map[domain.ProviderID]string),
		SerperAPIKey:     getEnv("SERPER_API_KEY", ""),
		WeatherBaseURL:   getEnv("WEATHER_BASE_URL", "https://api.open-meteo.com"),
		ChatMaxDuration:  getDurationEnv("CHAT_MAX_DURATION", 60*time.Second),
		ChatMaxSteps:     getIntEnv("CHAT_MAX_STEPS", 5),
		ChatMaxRetries:   getIntEnv("CHAT_MAX_RETRIES", 2),
		ChatRPM:          getIntEnv("CHAT_RPM", 30),
		GuestFreeLimit:   getIntEnv("GUEST_FREE_LIMIT", 10),
		ShutdownTimeout:  getDurationEnv("SHUTDOWN_TIMEOUT", 30*time.Second),
	}

	for p, env := range ProviderKeyEnv {
		if v := getEnv(env, ""); v != "" {
			cfg.DefaultKeys[p] = v
		}
	}

	return cfg, nil
}

// Overlay replaces settings with values keyed by their environment variable
// name, as stored in a secrets manager entry. Unknown keys are ignored.
func (c *Config) Overlay(values map[string]string) {
	for key, v := range values {
		if v == "" {
			continue
		}
		switch key {
		case "ENCRYPTION_KEY":
			c.EncryptionKey = v
		case "AUTH_SECRET":
			c.AuthSecret = v
		case "DATABASE_URL":
			c.DatabaseURL = v
		case "REDIS_URL":
			c.RedisURL = v
		case "SERPER_API_KEY":
			c.SerperAPIKey = v
		default:
			for p, env := range ProviderKeyEnv {
				if env == key {
					c.DefaultKeys[p] = v
				}
			}
		}
	}
}

// Validate reports missing required secrets and out-of-range limits.
func (c *Config) Validate() error {
	var missing []string
	if c.EncryptionKey == "" {
		missing = append(missing, "ENCRYPTION_KEY")
	}
	if c.AuthSecret == "" {
		missing = append(missing, "AUTH_SECRET")
	}

	var errs []error
	if len(missing) > 0 {
		errs = append(errs, fmt.Errorf("missing required settings: %s", strings.Join(missing, ", ")))
	}
	if c.ChatMaxDuration <= 0 {
		errs = append(errs, errors.New("CHAT_MAX_DURATION must be positive"))
	}
	if c.ChatMaxSteps < 1 {
		errs = append(errs, errors.New("CHAT_MAX_STEPS must be at least 1"))
	}
	if c.ChatMaxRetries < 0 {
		errs = append(errs, errors.New("CHAT_MAX_RETRIES must not be negative"))
	}
	if c.TraceSampleRatio < 0 || c.TraceSampleRatio > 1 {
		errs = append(errs, errors.New("TRACE_SAMPLE_RATIO must be between 0 and 1"))
	}
	if c.GuestFreeLimit < 0 {
		errs = append(errs, errors.New("GUEST_FREE_LIMIT must not be negative"))
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrConfiguration, err)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getDurationEnv accepts whole seconds ("60") or a Go duration ("1m").
func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if seconds, err := strconv.Atoi(value); err == nil {
			return time.Duration(seconds) * time.Second
		}
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
