// Package config provides configuration management for condfmt commands.
package config

import (
	"encoding/base64"
	"fmt"
	"os"
	"strings"
	"time"
)

// Backends a rule command can operate on.
const (
	BackendGrist = "grist"
	BackendLocal = "local"
)

// Environment variables holding secrets. Secrets are never read from files.
const (
	EnvGristAPIKey = "CF_GRIST_API_KEY"
	EnvHMACSecret  = "CF_HMAC_SECRET"
)

// Config is the full condfmt configuration.
type Config struct {
	Backend string
	Grist   GristConfig
	Local   LocalConfig
	Server  ServerConfig
}

// GristConfig addresses the remote document service.
type GristConfig struct {
	ServerURL      string
	RequestTimeout time.Duration
	APIKey         string // from CF_GRIST_API_KEY only
}

// LocalConfig locates the local document engine's files.
type LocalConfig struct {
	DataDir string
}

// ServerConfig holds configuration for the gRPC rule API service.
type ServerConfig struct {
	Host           string
	Port           int
	MaxConnections int
	RequestTimeout time.Duration
	MaxBatchSize   int
	MetricsAddr    string // empty disables the metrics listener
}

// DefaultConfig returns configuration with default values.
func DefaultConfig() *Config {
	return &Config{
		Backend: BackendGrist,
		Grist: GristConfig{
			ServerURL:      "http://localhost:8484",
			RequestTimeout: 30 * time.Second,
		},
		Local: LocalConfig{
			DataDir: "./data",
		},
		Server: ServerConfig{
			Host:           "0.0.0.0",
			Port:           50051,
			MaxConnections: 1000,
			RequestTimeout: 30 * time.Second,
			MaxBatchSize:   100,
			MetricsAddr:    ":9090",
		},
	}
}

// HMACSecrets extracts HMAC secrets from environment variables.
// Supports CF_HMAC_SECRET (single) and CF_HMAC_SECRET_N (rotation).
// Returns map of secret_id -> decoded secret bytes.
// Secret IDs are UUIDv7 (32 hex chars without hyphens) matching API key format.
func HMACSecrets() (map[string][]byte, error) {
	secrets := make(map[string][]byte)

	// Format: <secret_id>:<base64_secret>
	if val := os.Getenv(EnvHMACSecret); val != "" {
		secretID, decoded, err := ParseHMACSecretWithID(val)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", EnvHMACSecret, err)
		}
		secrets[secretID] = decoded
	}

	// Numbered secrets keep old keys valid while a new secret rolls out.
	for i := 1; ; i++ {
		key := fmt.Sprintf("%s_%d", EnvHMACSecret, i)
		val := os.Getenv(key)
		if val == "" {
			break
		}
		secretID, decoded, err := ParseHMACSecretWithID(val)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", key, err)
		}
		if _, exists := secrets[secretID]; exists {
			return nil, fmt.Errorf("duplicate secret_id '%s' found in environment variables (check %s and %s_* for conflicts)",
				secretID, EnvHMACSecret, EnvHMACSecret)
		}
		secrets[secretID] = decoded
	}

	return secrets, nil
}

// ParseHMACSecretWithID parses secret_id:base64_secret format.
// Secret ID must be 32 lowercase hex chars (UUIDv7 without hyphens).
func ParseHMACSecretWithID(envValue string) (secretID string, secret []byte, err error) {
	parts := strings.SplitN(strings.TrimSpace(envValue), ":", 2)
	if len(parts) != 2 {
		return "", nil, fmt.Errorf("format must be <secret_id>:<base64_secret>")
	}

	secretID = parts[0]
	if len(secretID) != 32 {
		return "", nil, fmt.Errorf("secret_id must be 32 hex chars (UUIDv7 without hyphens)")
	}
	for _, c := range secretID {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f')) {
			return "", nil, fmt.Errorf("secret_id must be hex chars only")
		}
	}

	secret, err = base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return "", nil, fmt.Errorf("invalid base64 encoding: %w", err)
	}
	if len(secret) < 32 {
		return "", nil, fmt.Errorf("secret must be at least 32 bytes, got %d", len(secret))
	}

	return secretID, secret, nil
}
