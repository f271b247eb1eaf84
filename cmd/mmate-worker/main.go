package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	mmate "github.com/glimte/mmate-rpc"
	"github.com/glimte/mmate-rpc/config"
	"github.com/glimte/mmate-rpc/internal/log"
	"github.com/glimte/mmate-rpc/worker"
	"github.com/spf13/cobra"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	var (
		configPath  string
		rabbit      string
		apiVersion  int
		delay       time.Duration
		concurrency int
		logLevel    string
	)

	rootCmd := &cobra.Command{
		Use:           "mmate-worker",
		Short:         "Echo worker answering mmate-api requests",
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			changed := cmd.Flags().Changed
			if changed("rabbit") {
				cfg.Broker.URL = rabbit
			}
			if changed("api") {
				cfg.API.Version = apiVersion
			}
			if changed("delay") {
				cfg.Worker.WorkDelay = delay
			}
			if changed("concurrency") {
				cfg.Worker.Concurrency = concurrency
			}
			if changed("log-level") {
				cfg.Log.Level = logLevel
			}
			if err := config.Validate(cfg); err != nil {
				return err
			}
			return run(cfg)
		},
	}

	rootCmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to a YAML config file")
	rootCmd.Flags().StringVarP(&rabbit, "rabbit", "r", "", "RabbitMQ host or amqp:// URL")
	rootCmd.Flags().IntVarP(&apiVersion, "api", "a", 0, "API version namespace (v{N}.api.q)")
	rootCmd.Flags().DurationVar(&delay, "delay", 750*time.Millisecond, "Simulated work per request")
	rootCmd.Flags().IntVar(&concurrency, "concurrency", 4, "Requests processed in parallel")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "ERR: %v\n", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	logger := log.Setup(cfg.Log.Level, cfg.Log.Format, "mmate-worker")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// an unroutable reply has no caller left to wait for it, and a failed
	// publish would requeue the request forever
	cfg.Broker.Mandatory = false
	transport, err := mmate.Dial(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer transport.Close()

	if err := transport.DeclareTopology(ctx, mmate.WorkerTopology(cfg)); err != nil {
		return fmt.Errorf("failed to declare topology: %w", err)
	}

	echo := worker.NewEchoWorker(transport.Publisher(), transport.Subscriber(), cfg.RequestQueue(),
		worker.WithWorkDelay(cfg.Worker.WorkDelay),
		worker.WithConcurrency(cfg.Worker.Concurrency),
		worker.WithPrefetchCount(cfg.Worker.PrefetchCount),
		worker.WithLogger(logger),
	)
	if err := echo.Start(ctx); err != nil {
		return err
	}

	<-ctx.Done()
	logger.Info("shutdown gracefully")
	return echo.Stop()
}
