package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/solatis/condfmt/internal/core/api"
	"github.com/solatis/condfmt/internal/core/auth"
	"github.com/solatis/condfmt/internal/core/config"
	"github.com/solatis/condfmt/internal/core/metrics"
	"github.com/solatis/condfmt/internal/core/server"
	"github.com/solatis/condfmt/internal/rules"
)

// Version is the condfmt release.
const Version = "0.1.0"

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the gRPC rule service",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("host", "0.0.0.0", "gRPC server host")
	serveCmd.Flags().Int("port", 50051, "gRPC server port")
	serveCmd.Flags().String("metrics-addr", ":9090", "Prometheus /metrics listen address (empty disables)")
	serveCmd.Flags().Int("max-batch-size", 100, "maximum rules in one replace request")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	database, queries, err := openControlDB()
	if err != nil {
		return err
	}
	defer database.Close()

	secrets, err := config.HMACSecrets()
	if err != nil {
		return fmt.Errorf("failed to load HMAC secrets: %w", err)
	}
	if len(secrets) == 0 {
		return fmt.Errorf("no HMAC secrets configured (set %s environment variable)", config.EnvHMACSecret)
	}
	authenticator := auth.NewAuthenticator(secrets, queries)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	recorder, err := metrics.New(registry)
	if err != nil {
		return fmt.Errorf("failed to register metrics: %w", err)
	}

	docAPI, release, err := openBackend(cfg)
	if err != nil {
		return err
	}
	defer release()

	manager, err := rules.NewService(docAPI, rules.WithLogger(logger), rules.WithRecorder(recorder))
	if err != nil {
		return fmt.Errorf("failed to create rule manager: %w", err)
	}

	service, err := api.NewRuleAPIService(manager, api.NewAuditLog(queries), &cfg.Server, logger)
	if err != nil {
		return fmt.Errorf("failed to create service: %w", err)
	}

	grpcServer, err := server.NewGRPCServer(&cfg.Server, service, authenticator, logger)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	errChan := make(chan error, 2)

	var metricsServer *http.Server
	if cfg.Server.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		metricsServer = &http.Server{Addr: cfg.Server.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errChan <- fmt.Errorf("metrics listener: %w", err)
			}
		}()
		logger.Info("metrics listening", "addr", cfg.Server.MetricsAddr)
	}

	logger.Info("starting condfmt rule service",
		"version", Version,
		"backend", cfg.Backend,
		"host", cfg.Server.Host,
		"port", cfg.Server.Port)
	go func() {
		errChan <- grpcServer.Start(ctx)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return err
	case <-sigChan:
		logger.Info("shutting down gracefully")
		if metricsServer != nil {
			shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			_ = metricsServer.Shutdown(shutdownCtx)
		}
		return grpcServer.Shutdown(ctx)
	}
}
