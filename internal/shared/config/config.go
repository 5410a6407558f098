package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

// Config holds all configuration for the gateway
type Config struct {
	// Server
	Port string
	Env  string

	// Storage
	RedisURL    string
	DatabaseURL string

	// Inbound auth
	GatewayAPIKey string

	// OAuth identity
	OAuthClientID     string
	OAuthClientSecret string
	RefreshToken      string
	TokenURL          string

	// Backend
	CodeAssistEndpoint    string
	CodeAssistAPIVersion  string
	PersonalProjectID     string
	UpstreamHeaderTimeout time.Duration

	// Reasoning and context defaults
	IncludeReasoning bool
	ShowReasoning    bool
	CleanContext     bool

	// Capability overrides
	CapabilitiesFile string

	// Observability
	LogLevel     string
	LogFile      string
	OTLPEndpoint string
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Try to load .env file (ignore error if not found)
	_ = godotenv.Load()

	headerTimeout, err := getEnvInt("UPSTREAM_HEADER_TIMEOUT_SECONDS", 60)
	if err != nil {
		return nil, err
	}
	includeReasoning, err := getEnvBool("INCLUDE_REASONING", true)
	if err != nil {
		return nil, err
	}
	showReasoning, err := getEnvBool("SHOW_REASONING", true)
	if err != nil {
		return nil, err
	}
	cleanContext, err := getEnvBool("CLEAN_CONTEXT", true)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Port:                  getEnv("PORT", "8080"),
		Env:                   getEnv("ENV", "development"),
		RedisURL:              getEnv("REDIS_URL", ""),
		DatabaseURL:           getEnv("DATABASE_URL", ""),
		GatewayAPIKey:         getEnv("GATEWAY_API_KEY", ""),
		OAuthClientID:         getEnv("GOOGLE_CLIENT_ID", ""),
		OAuthClientSecret:     getEnv("GOOGLE_CLIENT_SECRET", ""),
		RefreshToken:          getEnv("GOOGLE_REFRESH_TOKEN", ""),
		TokenURL:              getEnv("OAUTH_TOKEN_URL", "https://oauth2.googleapis.com/token"),
		CodeAssistEndpoint:    strings.TrimSuffix(getEnv("CODE_ASSIST_ENDPOINT", "https://cloudcode-pa.googleapis.com"), "/"),
		CodeAssistAPIVersion:  getEnv("CODE_ASSIST_API_VERSION", "v1internal"),
		PersonalProjectID:     strings.TrimSpace(getEnv("PERSONAL_PROJECT_ID", "")),
		UpstreamHeaderTimeout: time.Duration(headerTimeout) * time.Second,
		IncludeReasoning:      includeReasoning,
		ShowReasoning:         showReasoning,
		CleanContext:          cleanContext,
		CapabilitiesFile:      getEnv("CAPABILITIES_FILE", ""),
		LogLevel:              getEnv("LOG_LEVEL", "info"),
		LogFile:               getEnv("LOG_FILE", ""),
		OTLPEndpoint:          getEnv("OTLP_ENDPOINT", ""),
	}

	// The gemini-cli credential blob carries the refresh token when no explicit one is set
	if cfg.RefreshToken == "" {
		if blob := getEnv("GEMINI_OAUTH_CREDS", ""); blob != "" {
			if !gjson.Valid(blob) {
				return nil, fmt.Errorf("GEMINI_OAUTH_CREDS is not valid JSON")
			}
			cfg.RefreshToken = gjson.Get(blob, "refresh_token").String()
		}
	}

	if _, err := strconv.Atoi(cfg.Port); err != nil {
		return nil, fmt.Errorf("PORT must be numeric, got %q", cfg.Port)
	}
	if _, err := log.ParseLevel(cfg.LogLevel); err != nil {
		return nil, fmt.Errorf("invalid LOG_LEVEL: %w", err)
	}
	if cfg.UpstreamHeaderTimeout <= 0 {
		return nil, fmt.Errorf("UPSTREAM_HEADER_TIMEOUT_SECONDS must be positive")
	}

	return cfg, nil
}

// HasPersonalIdentity reports whether a personal project is configured.
func (c *Config) HasPersonalIdentity() bool {
	return c.PersonalProjectID != ""
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	intVal, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q", key, value)
	}
	return intVal, nil
}

func getEnvBool(key string, defaultValue bool) (bool, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	boolVal, err := strconv.ParseBool(strings.TrimSpace(value))
	if err != nil {
		return false, fmt.Errorf("%s must be a boolean, got %q", key, value)
	}
	return boolVal, nil
}
