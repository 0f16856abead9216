package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds settings shared by the api, gateway and messaging binaries.
type Config struct {
	Env string

	APIPort     string
	GatewayPort string

	ScyllaHosts []string
	Keyspace    string
	RedisAddr   string

	KafkaBrokers []string
	KafkaTopic   string

	JWTSecret string
	TokenTTL  time.Duration

	// SnowflakeNode must be unique per running process that mints message
	// ids, or replicas can generate colliding ids.
	SnowflakeNode int64

	DirectoryURL string

	// Backend selects the store adapter: "scylla" or "memory" (dev only).
	Backend string
}

// Load reads configuration from environment variables, falling back to a
// .env file in development.
func Load() *Config {
	_ = godotenv.Load()

	cfg := &Config{
		Env:           getEnv("ENV", "development"),
		APIPort:       getEnv("API_PORT", "8081"),
		GatewayPort:   getEnv("GATEWAY_PORT", "8080"),
		ScyllaHosts:   splitList(getEnv("SCYLLA_HOSTS", "localhost:9042")),
		Keyspace:      getEnv("SCYLLA_KEYSPACE", "orgchat"),
		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		KafkaBrokers:  splitList(getEnv("KAFKA_BROKERS", "localhost:19092")),
		KafkaTopic:    getEnv("KAFKA_TOPIC", "chat-events"),
		JWTSecret:     getEnv("JWT_SECRET", "dev-only-secret"),
		TokenTTL:      24 * time.Hour,
		SnowflakeNode: getEnvInt64("SNOWFLAKE_NODE", 1),
		DirectoryURL:  os.Getenv("DIRECTORY_URL"),
		Backend:       getEnv("STORE_BACKEND", "scylla"),
	}

	if cfg.Env == "production" && cfg.JWTSecret == "dev-only-secret" {
		panic("JWT_SECRET is required in production")
	}

	return cfg
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		panic(fmt.Sprintf("%s must be an integer, got %q", key, raw))
	}
	return value
}

func splitList(value string) []string {
	var out []string
	for _, entry := range strings.Split(value, ",") {
		entry = strings.TrimSpace(entry)
		if entry != "" {
			out = append(out, entry)
		}
	}
	return out
}
