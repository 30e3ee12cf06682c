package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/solatis/condfmt/internal/core/config"
)

var (
	configFile string
	dbURL      string
	logLevel   string
	logFormat  string

	// Set by the root command before any subcommand runs.
	cfg    *config.Config
	logger *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "condfmt",
	Short: "Conditional formatting rule manager",
	Long: `condfmt manages conditional formatting rules of tabular documents, on a remote
document service or on local document files, from the command line or as a gRPC service.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		l, err := newLogger(cmd.ErrOrStderr(), logLevel, logFormat)
		if err != nil {
			return err
		}
		logger = l
		slog.SetDefault(logger)

		flags := cmd.Flags()
		loaded, err := config.LoadConfig(configFile, config.FlagBindings{
			"backend":               flags.Lookup("backend"),
			"grist.server_url":      flags.Lookup("server-url"),
			"local.data_dir":        flags.Lookup("data-dir"),
			"server.host":           flags.Lookup("host"),
			"server.port":           flags.Lookup("port"),
			"server.metrics_addr":   flags.Lookup("metrics-addr"),
			"server.max_batch_size": flags.Lookup("max-batch-size"),
		})
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		cfg = loaded
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file path")
	rootCmd.PersistentFlags().StringVar(&dbURL, "db-url", "", "control database URL (sqlite://path or postgres://...)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "json", "log format (json, text)")
	rootCmd.PersistentFlags().String("backend", "", "document backend (grist, local)")
	rootCmd.PersistentFlags().String("server-url", "", "document service URL (grist backend)")
	rootCmd.PersistentFlags().String("data-dir", "", "document directory (local backend)")
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// newLogger builds the process logger from the --log-level and --log-format flags.
func newLogger(w io.Writer, level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid --log-level %q (debug, info, warn, error)", level)
	}
	opts := &slog.HandlerOptions{Level: lvl}
	switch strings.ToLower(format) {
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	case "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	}
	return nil, fmt.Errorf("invalid --log-format %q (json, text)", format)
}

// requireDBURL returns --db-url, falling back to CF_DB_URL.
func requireDBURL() (string, error) {
	if dbURL == "" {
		if env := os.Getenv("CF_DB_URL"); env != "" {
			return env, nil
		}
		return "", fmt.Errorf("--db-url required")
	}
	return dbURL, nil
}
