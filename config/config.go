package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

type Config struct {
	RedisAddr       string
	RedisPassword   string
	RedisDB         int
	RedisPrefix     string
	PendingQueue    string
	ProcessingQueue string
	DeadlineSet     string
	ResponseQueue   string
	LimiterPrefix   string
	WorkerCount     int
	S3Bucket        string
	S3Region        string
	AWSS3AccessKey  string
	AWSS3SecretKey  string
	S3Endpoint      string
	S3UsePathStyle  bool
	DatabaseURL     string
	ChangesTable    string
	BaseConfigFile  string
	TenantsDir      string
	TenantConfig    string
	DefaultTenant   string
	LogLevel        string
	LogFormat       string
	ServerVersion   string
}

func Load() *Config {
	redisPrefix := getEnv("REDIS_PREFIX", "")
	dbHost := getEnv("DB_HOST", "localhost")
	dbPort := getEnv("DB_PORT", "5432")
	dbName := getEnv("DB_DATABASE", "docserver")
	dbUser := getEnv("DB_USERNAME", "docserver")
	dbPassword := getEnv("DB_PASSWORD", "")
	dbSSLMode := getEnv("DB_SSLMODE", "disable")
	dbSSLCert := getEnv("DB_SSLCERT", "")
	dbSSLKey := getEnv("DB_SSLKEY", "")
	dbSSLRootCert := getEnv("DB_SSLROOTCERT", "")

	// lib/pq supports "key=value" connection strings and this avoids
	// URI escaping issues for special characters in passwords.
	var dbURL string
	if dbPassword != "" {
		dbURL = fmt.Sprintf(
			"host=%s port=%s dbname=%s user=%s password=%s sslmode=%s",
			dbHost, dbPort, dbName, dbUser, dbPassword, dbSSLMode,
		)
	} else {
		dbURL = fmt.Sprintf(
			"host=%s port=%s dbname=%s user=%s sslmode=%s",
			dbHost, dbPort, dbName, dbUser, dbSSLMode,
		)
	}

	if dbSSLCert != "" {
		dbURL += fmt.Sprintf(" sslcert=%s", dbSSLCert)
	}
	if dbSSLKey != "" {
		dbURL += fmt.Sprintf(" sslkey=%s", dbSSLKey)
	}
	if dbSSLRootCert != "" {
		dbURL += fmt.Sprintf(" sslrootcert=%s", dbSSLRootCert)
	}

	return &Config{
		RedisAddr:     getEnv("REDIS_ADDR", "redis:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_CONVERTER_DB", 0),
		RedisPrefix:   redisPrefix,
		PendingQueue:  applyPrefix(getEnv("CONVERTER_TASK_QUEUE", "converter:tasks"), redisPrefix),
		ProcessingQueue: applyPrefix(
			getEnv("CONVERTER_PROCESSING_QUEUE", "converter:processing"),
			redisPrefix,
		),
		DeadlineSet: applyPrefix(
			getEnv("CONVERTER_DEADLINE_SET", "converter:deadlines"),
			redisPrefix,
		),
		ResponseQueue: applyPrefix(
			getEnv("CONVERTER_RESPONSE_QUEUE", "converter:responses"),
			redisPrefix,
		),
		LimiterPrefix:  applyPrefix("converter:limiter:", redisPrefix),
		WorkerCount:    getEnvInt("CONVERTER_WORKER_COUNT", 1),
		S3Bucket:       getEnv("AWS_BUCKET", "cache"),
		S3Region:       getEnvWithFallback("S3_REGION", "AWS_DEFAULT_REGION", "us-east-1"),
		AWSS3AccessKey: getEnvWithFallback("S3_KEY", "AWS_ACCESS_KEY_ID", ""),
		AWSS3SecretKey: getEnvWithFallback("S3_SECRET", "AWS_SECRET_ACCESS_KEY", ""),
		S3Endpoint:     getEnv("S3_ENDPOINT", ""),
		S3UsePathStyle: getEnvBool("S3_USE_PATH_STYLE_ENDPOINT", false),
		DatabaseURL:    dbURL,
		ChangesTable:   getEnv("DB_TABLE_CHANGES", "doc_changes"),
		BaseConfigFile: getEnv("CONVERTER_CONFIG", "config/default.toml"),
		TenantsDir:     getEnv("TENANTS_DIR", ""),
		TenantConfig:   getEnv("TENANTS_CONFIG_FILE", "config.json"),
		DefaultTenant:  getEnv("TENANTS_DEFAULT", "localhost"),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		LogFormat:      getEnv("LOG_FORMAT", "text"),
		ServerVersion:  getEnv("SERVER_VERSION", "0.0.0"),
	}
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvWithFallback(primaryKey, secondaryKey, fallback string) string {
	if value := os.Getenv(primaryKey); value != "" {
		return value
	}
	if value := os.Getenv(secondaryKey); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return fallback
}

func applyPrefix(key string, prefix string) string {
	if prefix == "" {
		return key
	}
	return prefix + key
}

func getEnvBool(key string, fallback bool) bool {
	if value := os.Getenv(key); value != "" {
		switch strings.ToLower(value) {
		case "1", "true", "yes", "on":
			return true
		case "0", "false", "no", "off":
			return false
		}
	}
	return fallback
}
