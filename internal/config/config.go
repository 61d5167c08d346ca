package config

import (
	"errors"
	"os"
	"strings"
)

type Config struct {
	Port            string
	DatabaseURL     string
	VerifyToken     string
	AppSecret       string
	PageAccessToken string
	IGBusinessID    string
	GraphAPIVersion string
	GraphBaseURL    string
	MatchEmptyAny   bool
	AdminUser       string
	AdminPass       string
	LogLevel        string
	LogFormat       string
	Environment     string
}

// Load reads configuration from the environment. Values are read once here
// and passed around explicitly; nothing else in the application touches the
// environment at call time.
func Load() *Config {
	return &Config{
		Port:            getEnvOrDefault("PORT", "8080"),
		DatabaseURL:     getEnvOrDefault("DATABASE_URL", "instareply.db"),
		VerifyToken:     os.Getenv("VERIFY_TOKEN"),
		AppSecret:       os.Getenv("APP_SECRET"),
		PageAccessToken: os.Getenv("PAGE_ACCESS_TOKEN"),
		IGBusinessID:    os.Getenv("IG_BUSINESS_ID"),
		GraphAPIVersion: getEnvOrDefault("GRAPH_API_VERSION", "v24.0"),
		GraphBaseURL:    getEnvOrDefault("GRAPH_BASE_URL", "https://graph.facebook.com"),
		MatchEmptyAny:   isTruthy(os.Getenv("MATCH_EMPTY_ANY")),
		AdminUser:       os.Getenv("ADMIN_USER"),
		AdminPass:       os.Getenv("ADMIN_PASS"),
		LogLevel:        getEnvOrDefault("LOG_LEVEL", "INFO"),
		LogFormat:       getEnvOrDefault("LOG_FORMAT", "text"),
		Environment:     getEnvOrDefault("ENVIRONMENT", "development"),
	}
}

func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return errors.New("DATABASE_URL is required")
	}

	validLogLevels := []string{"DEBUG", "INFO", "WARN", "ERROR"}
	if !contains(validLogLevels, strings.ToUpper(c.LogLevel)) {
		return errors.New("LOG_LEVEL must be one of: DEBUG, INFO, WARN, ERROR")
	}

	validLogFormats := []string{"text", "json"}
	if !contains(validLogFormats, strings.ToLower(c.LogFormat)) {
		return errors.New("LOG_FORMAT must be one of: text, json")
	}

	// VERIFY_TOKEN, APP_SECRET and PAGE_ACCESS_TOKEN are deliberately not
	// required: an empty APP_SECRET disables signature verification
	// (development bypass) and a missing PAGE_ACCESS_TOKEN makes every
	// outbound send fail fast with a configuration-error result.
	return nil
}

// UsesPostgres reports whether DatabaseURL selects the Postgres backend.
// Anything that is not a postgres URL is treated as a SQLite path.
func (c *Config) UsesPostgres() bool {
	return strings.HasPrefix(c.DatabaseURL, "postgres://") ||
		strings.HasPrefix(c.DatabaseURL, "postgresql://")
}

func (c *Config) IsProduction() bool {
	return strings.ToLower(c.Environment) == "production"
}

func isTruthy(v string) bool {
	switch strings.ToLower(v) {
	case "1", "true", "yes":
		return true
	}
	return false
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}
