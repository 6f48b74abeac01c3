// Package config loads daemon and CLI configuration from an optional YAML
// file and the environment.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration values.
type Config struct {
	// HTTP API
	Listen    string `yaml:"listen"`
	ServerURL string `yaml:"server_url"`

	// Job store; empty means the in-memory store.
	PostgresDSN string `yaml:"postgres_dsn"`

	// Key-value store the bulk operations run against.
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`

	// Artifact bucket; empty bucket means the in-memory store.
	S3Endpoint  string `yaml:"s3_endpoint"`
	S3Region    string `yaml:"s3_region"`
	S3Bucket    string `yaml:"s3_bucket"`
	S3AccessKey string `yaml:"s3_access_key"`
	S3SecretKey string `yaml:"s3_secret_key"`

	// Progress consumption
	PollInterval time.Duration `yaml:"poll_interval"`

	// Logging
	LogFile  string     `yaml:"log_file"`
	LogLevel slog.Level `yaml:"-"`

	LogLevelName string `yaml:"log_level"`
}

// Load reads configuration: defaults, then the YAML file named by
// KVADMIN_CONFIG (if any), then environment variables on top.
func Load() (Config, error) {
	cfg := Config{
		Listen:       ":8080",
		ServerURL:    "http://localhost:8080",
		RedisAddr:    "localhost:6379",
		S3Region:     "us-east-1",
		PollInterval: 1500 * time.Millisecond,
		LogFile:      "/tmp/kvadmind.log",
		LogLevelName: "INFO",
	}

	if path := os.Getenv("KVADMIN_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file: %w", err)
		}
	}

	cfg.Listen = getEnv("KVADMIN_LISTEN", cfg.Listen)
	cfg.ServerURL = getEnv("KVADMIN_SERVER_URL", cfg.ServerURL)
	cfg.PostgresDSN = getEnv("KVADMIN_POSTGRES_DSN", cfg.PostgresDSN)
	cfg.RedisAddr = getEnv("KVADMIN_REDIS_ADDR", cfg.RedisAddr)
	cfg.RedisPassword = getEnv("KVADMIN_REDIS_PASSWORD", cfg.RedisPassword)
	cfg.S3Endpoint = getEnv("KVADMIN_S3_ENDPOINT", cfg.S3Endpoint)
	cfg.S3Region = getEnv("KVADMIN_S3_REGION", cfg.S3Region)
	cfg.S3Bucket = getEnv("KVADMIN_S3_BUCKET", cfg.S3Bucket)
	cfg.S3AccessKey = getEnv("KVADMIN_S3_ACCESS_KEY", cfg.S3AccessKey)
	cfg.S3SecretKey = getEnv("KVADMIN_S3_SECRET_KEY", cfg.S3SecretKey)
	cfg.LogFile = getEnv("KVADMIN_LOG_FILE", cfg.LogFile)
	cfg.LogLevelName = getEnv("KVADMIN_LOG_LEVEL", cfg.LogLevelName)

	if v := os.Getenv("KVADMIN_REDIS_DB"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("KVADMIN_REDIS_DB must be an integer: %w", err)
		}
		cfg.RedisDB = n
	}
	if v := os.Getenv("KVADMIN_POLL_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("KVADMIN_POLL_INTERVAL must be a duration: %w", err)
		}
		cfg.PollInterval = d
	}

	cfg.LogLevel = parseLogLevel(cfg.LogLevelName)
	return cfg, nil
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
