package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
)

const (
	testSecretID = "0123456789abcdef0123456789abcdef"
	testSecret   = "dGVzdHNlY3JldDEyMzQ1Njc4OTBhYmNkZWZnaGlqa2xtbm9w"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "condfmt.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestHMACSecrets(t *testing.T) {
	t.Run("single secret", func(t *testing.T) {
		t.Setenv("CF_HMAC_SECRET", testSecretID+":"+testSecret)

		secrets, err := HMACSecrets()
		if err != nil {
			t.Fatalf("HMACSecrets failed: %v", err)
		}
		if len(secrets) != 1 {
			t.Errorf("expected 1 secret, got %d", len(secrets))
		}
		if _, ok := secrets[testSecretID]; !ok {
			t.Errorf("secret_id not found in map")
		}
	})

	t.Run("multiple numbered secrets", func(t *testing.T) {
		t.Setenv("CF_HMAC_SECRET_1", testSecretID+":"+testSecret)
		t.Setenv("CF_HMAC_SECRET_2", "fedcba9876543210fedcba9876543210:YW5vdGhlcnNlY3JldDEyMzQ1Njc4OTBhYmNkZWZnaGlqa2xtbm9w")

		secrets, err := HMACSecrets()
		if err != nil {
			t.Fatalf("HMACSecrets failed: %v", err)
		}
		if len(secrets) != 2 {
			t.Errorf("expected 2 secrets, got %d", len(secrets))
		}
	})

	t.Run("gap stops numbered scan", func(t *testing.T) {
		t.Setenv("CF_HMAC_SECRET_1", testSecretID+":"+testSecret)
		t.Setenv("CF_HMAC_SECRET_3", "fedcba9876543210fedcba9876543210:YW5vdGhlcnNlY3JldDEyMzQ1Njc4OTBhYmNkZWZnaGlqa2xtbm9w")

		secrets, err := HMACSecrets()
		if err != nil {
			t.Fatalf("HMACSecrets failed: %v", err)
		}
		if len(secrets) != 1 {
			t.Errorf("expected 1 secret, got %d", len(secrets))
		}
	})

	t.Run("duplicate secret_id between single and numbered", func(t *testing.T) {
		t.Setenv("CF_HMAC_SECRET", testSecretID+":"+testSecret)
		t.Setenv("CF_HMAC_SECRET_1", testSecretID+":"+testSecret)

		if _, err := HMACSecrets(); err == nil {
			t.Error("expected error for duplicate secret_id")
		}
	})

	t.Run("invalid format", func(t *testing.T) {
		t.Setenv("CF_HMAC_SECRET", "invalid_format")

		if _, err := HMACSecrets(); err == nil {
			t.Error("expected error for invalid format")
		}
	})
}

func TestParseHMACSecretWithID(t *testing.T) {
	tests := []struct {
		name    string
		value   string
		wantErr bool
	}{
		{"valid format", testSecretID + ":" + testSecret, false},
		{"missing colon", testSecretID, true},
		{"invalid secret_id length", "tooshort:" + testSecret, true},
		{"non-hex chars in secret_id", "0123456789abcdefGHIJKLMNOPQRSTUV:" + testSecret, true},
		{"invalid base64", testSecretID + ":not-valid-base64!!!", true},
		{"secret too short", testSecretID + ":c2hvcnQ=", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, secret, err := ParseHMACSecretWithID(tt.value)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseHMACSecretWithID() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && (id != testSecretID || len(secret) < 32) {
				t.Errorf("got id %s and %d-byte secret", id, len(secret))
			}
		})
	}
}

func TestLoadConfig(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		cfg, err := LoadConfig("", nil)
		if err != nil {
			t.Fatalf("LoadConfig failed: %v", err)
		}
		if cfg.Backend != BackendGrist {
			t.Errorf("expected backend grist, got %s", cfg.Backend)
		}
		if cfg.Server.Port != 50051 {
			t.Errorf("expected port 50051, got %d", cfg.Server.Port)
		}
		if cfg.Grist.RequestTimeout != 30*time.Second {
			t.Errorf("expected timeout 30s, got %v", cfg.Grist.RequestTimeout)
		}
		if cfg.Server.MaxBatchSize != 100 {
			t.Errorf("expected max_batch_size 100, got %d", cfg.Server.MaxBatchSize)
		}
		if cfg.Local.DataDir != "./data" {
			t.Errorf("expected data_dir ./data, got %s", cfg.Local.DataDir)
		}
	})

	t.Run("environment override", func(t *testing.T) {
		t.Setenv("CF_SERVER_PORT", "9999")
		t.Setenv("CF_BACKEND", "LOCAL")
		t.Setenv("CF_GRIST_API_KEY", "key-from-env")

		cfg, err := LoadConfig("", nil)
		if err != nil {
			t.Fatalf("LoadConfig failed: %v", err)
		}
		if cfg.Server.Port != 9999 {
			t.Errorf("expected port 9999, got %d", cfg.Server.Port)
		}
		if cfg.Backend != BackendLocal {
			t.Errorf("expected backend local, got %s", cfg.Backend)
		}
		if cfg.Grist.APIKey != "key-from-env" {
			t.Errorf("expected API key from environment, got %q", cfg.Grist.APIKey)
		}
	})

	t.Run("file < env < flag", func(t *testing.T) {
		path := writeConfig(t, "server:\n  port: 7000\n  max_batch_size: 5\ngrist:\n  server_url: https://docs.example.com\n")
		t.Setenv("CF_SERVER_PORT", "8000")

		fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
		fs.Int("port", 0, "")
		fs.Int("batch", 0, "")
		if err := fs.Parse([]string{"--port", "9000"}); err != nil {
			t.Fatal(err)
		}

		cfg, err := LoadConfig(path, FlagBindings{
			"server.port":           fs.Lookup("port"),
			"server.max_batch_size": fs.Lookup("batch"),
		})
		if err != nil {
			t.Fatalf("LoadConfig failed: %v", err)
		}
		if cfg.Server.Port != 9000 {
			t.Errorf("flag should win: expected port 9000, got %d", cfg.Server.Port)
		}
		if cfg.Server.MaxBatchSize != 5 {
			t.Errorf("unset flag must not override file: expected 5, got %d", cfg.Server.MaxBatchSize)
		}
		if cfg.Grist.ServerURL != "https://docs.example.com" {
			t.Errorf("expected server_url from file, got %s", cfg.Grist.ServerURL)
		}
	})

	t.Run("invalid values", func(t *testing.T) {
		for env, val := range map[string]string{
			"CF_SERVER_PORT":           "70000",
			"CF_SERVER_MAX_BATCH_SIZE": "0",
			"CF_BACKEND":               "excel",
			"CF_GRIST_REQUEST_TIMEOUT": "-1s",
		} {
			t.Run(env, func(t *testing.T) {
				t.Setenv(env, val)
				if _, err := LoadConfig("", nil); err == nil {
					t.Errorf("expected error for %s=%s", env, val)
				}
			})
		}
	})

	t.Run("missing file", func(t *testing.T) {
		if _, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"), nil); err == nil {
			t.Error("expected error for missing config file")
		}
	})
}
