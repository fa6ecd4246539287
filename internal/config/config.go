package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
)

// Version is reported by the health endpoint. Overridden at build time with -ldflags.
var Version = "1.0.0"

const (
	BackendSQLite = "sqlite"
	BackendPebble = "pebble"
)

type Config struct {
	HTTPPort           string
	StoreBackend       string
	DatabaseURL        string
	PebbleDir          string
	LogLevel           string
	LogFormat          string
	CORSAllowedOrigins []string
	TracingEnabled     bool
	MessagePageLimit   int
	KnowledgeBaseFile  string
}

// LoadConfig reads the optional env files (".env" when none are given) and then the
// process environment. Variables already set in the environment win over file values.
func LoadConfig(envFiles ...string) (*Config, error) {
	if len(envFiles) == 0 {
		if err := godotenv.Load(); err != nil {
			slog.Debug("no .env file found, relying on environment variables")
		}
	} else if err := godotenv.Load(envFiles...); err != nil {
		return nil, errors.Wrapf(err, "failed to load env files %v", envFiles)
	}

	cfg := &Config{
		HTTPPort:           getEnv("HTTP_PORT", "8080"),
		StoreBackend:       strings.ToLower(getEnv("STORE_BACKEND", BackendSQLite)),
		DatabaseURL:        getEnv("DATABASE_URL", "chat_agent.db"),
		PebbleDir:          getEnv("PEBBLE_DIR", "chat_agent.pebble"),
		LogLevel:           strings.ToLower(getEnv("LOG_LEVEL", "info")),
		LogFormat:          strings.ToLower(getEnv("LOG_FORMAT", "text")),
		CORSAllowedOrigins: getEnvAsList("CORS_ALLOWED_ORIGINS"),
		KnowledgeBaseFile:  getEnv("KNOWLEDGE_BASE_FILE", ""),
	}

	var err error
	if cfg.TracingEnabled, err = getEnvAsBool("TRACING_ENABLED", false); err != nil {
		return nil, err
	}
	if cfg.MessagePageLimit, err = getEnvAsInt("MESSAGE_PAGE_LIMIT", 100); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	switch c.StoreBackend {
	case BackendSQLite, BackendPebble:
	default:
		return errors.Errorf("invalid STORE_BACKEND %q: must be %q or %q", c.StoreBackend, BackendSQLite, BackendPebble)
	}
	if c.MessagePageLimit <= 0 {
		return errors.Errorf("invalid MESSAGE_PAGE_LIMIT %d: must be positive", c.MessagePageLimit)
	}
	if _, err := strconv.Atoi(c.HTTPPort); err != nil {
		return errors.Errorf("invalid HTTP_PORT %q", c.HTTPPort)
	}
	return nil
}

func getEnv(key string, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) (int, error) {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue, nil
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid %s", key)
	}
	return value, nil
}

func getEnvAsBool(key string, defaultValue bool) (bool, error) {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue, nil
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return false, errors.Wrapf(err, "invalid %s", key)
	}
	return value, nil
}

func getEnvAsList(key string) []string {
	var out []string
	for _, part := range strings.Split(getEnv(key, ""), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
