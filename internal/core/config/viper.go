package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// FlagBindings maps config keys to command-line flags. A flag only overrides
// the key when it was set explicitly.
type FlagBindings map[string]*pflag.Flag

// LoadConfig loads configuration using viper.
// CLI flags > environment > config file > defaults precedence.
func LoadConfig(configPath string, flags FlagBindings) (*Config, error) {
	v := viper.New()

	def := DefaultConfig()
	v.SetDefault("backend", def.Backend)
	v.SetDefault("grist.server_url", def.Grist.ServerURL)
	v.SetDefault("grist.request_timeout", def.Grist.RequestTimeout.String())
	v.SetDefault("local.data_dir", def.Local.DataDir)
	v.SetDefault("server.host", def.Server.Host)
	v.SetDefault("server.port", def.Server.Port)
	v.SetDefault("server.max_connections", def.Server.MaxConnections)
	v.SetDefault("server.request_timeout", def.Server.RequestTimeout.String())
	v.SetDefault("server.max_batch_size", def.Server.MaxBatchSize)
	v.SetDefault("server.metrics_addr", def.Server.MetricsAddr)

	// Bind environment variables with CF_ prefix
	v.SetEnvPrefix("CF")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Secrets must be environment-only per 12-factor principles
		if err := validateNoSecretsInConfig(v); err != nil {
			return nil, err
		}
	}

	for key, flag := range flags {
		if flag != nil && flag.Changed {
			if err := v.BindPFlag(key, flag); err != nil {
				return nil, fmt.Errorf("bind flag %s: %w", flag.Name, err)
			}
		}
	}

	cfg := &Config{
		Backend: strings.ToLower(v.GetString("backend")),
		Grist: GristConfig{
			ServerURL:      v.GetString("grist.server_url"),
			RequestTimeout: v.GetDuration("grist.request_timeout"),
			APIKey:         os.Getenv(EnvGristAPIKey),
		},
		Local: LocalConfig{
			DataDir: v.GetString("local.data_dir"),
		},
		Server: ServerConfig{
			Host:           v.GetString("server.host"),
			Port:           v.GetInt("server.port"),
			MaxConnections: v.GetInt("server.max_connections"),
			RequestTimeout: v.GetDuration("server.request_timeout"),
			MaxBatchSize:   v.GetInt("server.max_batch_size"),
			MetricsAddr:    v.GetString("server.metrics_addr"),
		},
	}

	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validateConfig checks the backend, port range and positive limits.
func validateConfig(cfg *Config) error {
	switch cfg.Backend {
	case BackendGrist:
		if cfg.Grist.ServerURL == "" {
			return fmt.Errorf("grist.server_url is required for the grist backend")
		}
	case BackendLocal:
		if cfg.Local.DataDir == "" {
			return fmt.Errorf("local.data_dir is required for the local backend")
		}
	default:
		return fmt.Errorf("backend must be %q or %q, got %q", BackendGrist, BackendLocal, cfg.Backend)
	}
	if cfg.Grist.RequestTimeout <= 0 {
		return fmt.Errorf("grist.request_timeout must be positive, got %v", cfg.Grist.RequestTimeout)
	}
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", cfg.Server.Port)
	}
	if cfg.Server.MaxConnections <= 0 {
		return fmt.Errorf("max_connections must be positive, got %d", cfg.Server.MaxConnections)
	}
	if cfg.Server.RequestTimeout <= 0 {
		return fmt.Errorf("request_timeout must be positive, got %v", cfg.Server.RequestTimeout)
	}
	if cfg.Server.MaxBatchSize <= 0 {
		return fmt.Errorf("max_batch_size must be positive, got %d", cfg.Server.MaxBatchSize)
	}
	return nil
}

// secretKeys are config keys that may only come from the environment.
var secretKeys = []string{
	"hmac_secret", "server.hmac_secret",
	"api_key", "grist.api_key",
}

// validateNoSecretsInConfig enforces environment-only secrets (12-factor principle).
func validateNoSecretsInConfig(v *viper.Viper) error {
	for _, key := range secretKeys {
		if !v.InConfig(key) {
			continue
		}
		if strings.Contains(key, "hmac") {
			return fmt.Errorf("HMAC secrets not allowed in config files (use %s environment variable)", EnvHMACSecret)
		}
		return fmt.Errorf("API keys not allowed in config files (use %s environment variable)", EnvGristAPIKey)
	}
	return nil
}
