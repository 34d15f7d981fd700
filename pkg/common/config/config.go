package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	// Server
	ServerPort     string
	ServerHost     string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	MaxRequestBody int64

	// Database
	PostgresHost     string
	PostgresPort     string
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Redis
	RedisHost     string
	RedisPort     string
	RedisPassword string
	RedisDB       int

	// Kafka
	KafkaBrokers []string
	KafkaGroupID string

	// OIDC
	OIDCIssuer       string
	OIDCClientID     string
	OIDCClientSecret string

	// Risk model
	SchemaPath      string
	ArtifactDir     string
	ModelName       string
	DefaultLookback time.Duration

	// Reference values
	ReferenceCacheTTL time.Duration

	// Training
	TrainingMaxWorkers int

	// Ingestion
	IngestAllowedSources []string
	IngestStatusTTL      time.Duration
	TerminologyPath      string
}

func Load() *Config {
	return &Config{
		ServerPort:     getEnv("SERVER_PORT", "8080"),
		ServerHost:     getEnv("SERVER_HOST", "0.0.0.0"),
		ReadTimeout:    getDuration("READ_TIMEOUT", 30*time.Second),
		WriteTimeout:   getDuration("WRITE_TIMEOUT", 30*time.Second),
		MaxRequestBody: int64(getIntEnv("MAX_REQUEST_BODY_BYTES", 4*1024*1024)),

		PostgresHost:     getEnv("POSTGRES_HOST", "localhost"),
		PostgresPort:     getEnv("POSTGRES_PORT", "5432"),
		PostgresUser:     getEnv("POSTGRES_USER", "clinsight"),
		PostgresPassword: getEnv("POSTGRES_PASSWORD", "clinsight123"),
		PostgresDB:       getEnv("POSTGRES_DB", "clinsight"),
		PostgresSSLMode:  getEnv("POSTGRES_SSLMODE", "disable"),

		RedisHost:     getEnv("REDIS_HOST", "localhost"),
		RedisPort:     getEnv("REDIS_PORT", "6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getIntEnv("REDIS_DB", 0),

		KafkaBrokers: getStringSliceEnv("KAFKA_BROKERS", []string{"localhost:9092"}),
		KafkaGroupID: getEnv("KAFKA_GROUP_ID", "clinsight-platform"),

		OIDCIssuer:       getEnv("OIDC_ISSUER", ""),
		OIDCClientID:     getEnv("OIDC_CLIENT_ID", ""),
		OIDCClientSecret: getEnv("OIDC_CLIENT_SECRET", ""),

		SchemaPath:      getEnv("FEATURE_SCHEMA_PATH", "configs/feature_schema.yaml"),
		ArtifactDir:     getEnv("MODEL_ARTIFACT_DIR", "artifacts"),
		ModelName:       getEnv("MODEL_NAME", "mortality"),
		DefaultLookback: getDuration("DEFAULT_LOOKBACK", 72*time.Hour),

		ReferenceCacheTTL: getDuration("REFERENCE_CACHE_TTL", 10*time.Minute),

		TrainingMaxWorkers: getIntEnv("TRAINING_MAX_WORKERS", 2),

		IngestAllowedSources: getStringSliceEnv("INGEST_ALLOWED_SOURCES", nil),
		IngestStatusTTL:      getDuration("INGEST_STATUS_TTL", 7*24*time.Hour),
		TerminologyPath:      getEnv("TERMINOLOGY_PATH", ""),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getStringSliceEnv(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		return []string{value}
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
