package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	mmate "github.com/glimte/mmate-rpc"
	"github.com/glimte/mmate-rpc/api"
	"github.com/glimte/mmate-rpc/config"
	"github.com/glimte/mmate-rpc/internal/log"
	"github.com/spf13/cobra"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

type flags struct {
	configPath string
	rabbit     string
	apiVersion int
	port       int
	timeout    time.Duration
	logLevel   string
}

func main() {
	var f flags

	rootCmd := &cobra.Command{
		Use:   "mmate-api",
		Short: "HTTP front door that answers requests through RabbitMQ workers",
		Long: `mmate-api serves POST /echo. Each request is published to the api exchange
and the HTTP response is the reply a worker sends back on the shared reply queue.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, f)
			if err != nil {
				return err
			}
			return run(cfg)
		},
	}

	rootCmd.Flags().StringVarP(&f.configPath, "config", "c", "", "Path to a YAML config file")
	rootCmd.Flags().StringVarP(&f.rabbit, "rabbit", "r", "", "RabbitMQ host or amqp:// URL")
	rootCmd.Flags().IntVarP(&f.apiVersion, "api", "a", 0, "API version namespace (v{N}.api)")
	rootCmd.Flags().IntVarP(&f.port, "port", "p", 9090, "HTTP listen port")
	rootCmd.Flags().DurationVar(&f.timeout, "timeout", 0, "Request timeout (default from config, 5s)")
	rootCmd.Flags().StringVar(&f.logLevel, "log-level", "", "Log level: debug, info, warn, error")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "ERR: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig reads the config file and applies explicitly set flags over it
func loadConfig(cmd *cobra.Command, f flags) (*config.Config, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return nil, err
	}

	changed := cmd.Flags().Changed
	if changed("rabbit") {
		cfg.Broker.URL = f.rabbit
	}
	if changed("api") {
		cfg.API.Version = f.apiVersion
	}
	if changed("port") {
		cfg.API.Listen = fmt.Sprintf(":%d", f.port)
	}
	if changed("timeout") {
		cfg.Bridge.RequestTimeout = f.timeout
		if cfg.Bridge.ReplyTTL < f.timeout {
			cfg.Bridge.ReplyTTL = f.timeout
		}
	}
	if changed("log-level") {
		cfg.Log.Level = f.logLevel
	}

	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func run(cfg *config.Config) error {
	logger := log.Setup(cfg.Log.Level, cfg.Log.Format, "mmate-api")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("connecting to broker", "routingKey", cfg.RoutingKey(), "replyQueue", cfg.Bridge.ReplyQueue)
	client, err := mmate.NewClient(ctx, cfg, mmate.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("failed to start client: %w", err)
	}
	defer func() {
		if err := client.Close(); err != nil {
			logger.Error("shutdown failed", "error", err)
		}
	}()

	server := api.New(api.Config{
		Listen:          cfg.API.Listen,
		MaxBodyBytes:    cfg.API.MaxBodyBytes,
		RequestTimeout:  cfg.Bridge.RequestTimeout,
		ShutdownTimeout: cfg.API.ShutdownTimeout,
	}, client.Bridge(), client.Metrics(), client.Health(), logger)

	if err := server.Start(ctx); err != nil {
		return err
	}
	logger.Info("shutdown gracefully")
	return nil
}
