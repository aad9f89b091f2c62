// Package config loads LogCar's external configuration surface (spec §6,
// SPEC_FULL.md §6): environment variables with an optional TOML file
// overlay.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/BurntSushi/toml"
	"github.com/docker/go-units"
)

// Config is the full external configuration surface.
type Config struct {
	// Core (spec §6)
	MaxChunkLength    int    `toml:"max_chunk_length"`
	MaxLogRequestSize int    `toml:"max_log_request_size"`
	EncryptionEnabled bool   `toml:"encryption_enabled"`
	EncryptionKey     string `toml:"encryption_key"`
	DeploymentID      string `toml:"deployment_id"`
	EnvironmentID     string `toml:"environment_id"`
	BackboardURL      string `toml:"backboard_url"`

	// Ambient (SPEC_FULL.md §6)
	MaxFragmentCount  int    `toml:"max_fragment_count"`
	OffloadThreshold  int    `toml:"offload_threshold"`
	S3Bucket          string `toml:"s3_bucket"`
	S3Endpoint        string `toml:"s3_endpoint"`
	S3Region          string `toml:"s3_region"`
	NATSURL           string `toml:"nats_url"`
	NATSSubjectPrefix string `toml:"nats_subject_prefix"`
	CacheBytes        int    `toml:"cache_bytes"`
	HTTPAddr          string `toml:"http_addr"`
	CORSOrigin        string `toml:"cors_origin"`

	// MaxUploadBytes bounds the multipart file-upload endpoint (A4). Set
	// via MAX_UPLOAD_SIZE as a human-readable size string (e.g. "32MB").
	MaxUploadBytes int64 `toml:"-"`
}

// Defaults returns the configuration surface's documented defaults.
func Defaults() Config {
	return Config{
		MaxChunkLength:    60000,
		MaxLogRequestSize: 5000,
		MaxFragmentCount:  20000,
		OffloadThreshold:  500000,
		CacheBytes:        32 << 20,
		HTTPAddr:          ":8080",
		CORSOrigin:        "*",
		MaxUploadBytes:    32 << 20,
	}
}

// Load builds a Config starting from Defaults, overlaying environment
// variables, then overlaying a TOML file if CONFIG_FILE names one.
func Load() (Config, error) {
	cfg := Defaults()
	applyEnv(&cfg)

	if path := envOr("CONFIG_FILE", ""); path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: decode %s: %w", path, err)
		}
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.MaxChunkLength = envOrInt("MAX_CHUNK_LENGTH", cfg.MaxChunkLength)
	cfg.MaxLogRequestSize = envOrInt("MAX_LOG_REQUEST_SIZE", cfg.MaxLogRequestSize)
	cfg.MaxFragmentCount = envOrInt("MAX_FRAGMENT_COUNT", cfg.MaxFragmentCount)
	cfg.OffloadThreshold = envOrInt("OFFLOAD_THRESHOLD", cfg.OffloadThreshold)
	cfg.CacheBytes = envOrInt("CACHE_BYTES", cfg.CacheBytes)

	cfg.EncryptionEnabled = envOrBool("ENCRYPTION_ENABLED", cfg.EncryptionEnabled)
	cfg.EncryptionKey = envOr("ENCRYPTION_KEY", cfg.EncryptionKey)
	cfg.DeploymentID = envOr("DEPLOYMENT_ID", cfg.DeploymentID)
	cfg.EnvironmentID = envOr("ENVIRONMENT_ID", cfg.EnvironmentID)
	cfg.BackboardURL = envOr("BACKBOARD_URL", cfg.BackboardURL)

	cfg.S3Bucket = envOr("S3_BUCKET", cfg.S3Bucket)
	cfg.S3Endpoint = envOr("S3_ENDPOINT", cfg.S3Endpoint)
	cfg.S3Region = envOr("S3_REGION", cfg.S3Region)
	cfg.NATSURL = envOr("NATS_URL", cfg.NATSURL)
	cfg.NATSSubjectPrefix = envOr("NATS_SUBJECT_PREFIX", cfg.NATSSubjectPrefix)
	cfg.HTTPAddr = envOr("HTTP_ADDR", cfg.HTTPAddr)
	cfg.CORSOrigin = envOr("CORS_ORIGIN", cfg.CORSOrigin)

	if v := os.Getenv("MAX_UPLOAD_SIZE"); v != "" {
		if n, err := units.RAMInBytes(v); err == nil {
			cfg.MaxUploadBytes = n
		}
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envOrBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}
