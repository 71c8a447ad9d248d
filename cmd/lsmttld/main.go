package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dray-io/lsmttl/internal/config"
	"github.com/dray-io/lsmttl/internal/logging"
)

var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	if len(os.Args) > 1 && (os.Args[1] == "--version" || os.Args[1] == "-version") {
		fmt.Printf("lsmttld version %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	subcommand := os.Args[1]
	switch subcommand {
	case "serve":
		runServe(os.Args[2:])
	case "policy":
		runPolicy(os.Args[2:])
	case "decode-key":
		runDecodeKey(os.Args[2:])
	case "decode-value":
		runDecodeValue(os.Args[2:])
	case "finalize":
		runFinalize(os.Args[2:])
	case "version":
		fmt.Printf("lsmttld version %s (built %s, commit %s)\n", version, buildTime, gitCommit)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", subcommand)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`Usage: lsmttld <command> [options]

Commands:
  serve         Run the expiry daemon (policy authority, sweeps, health)
  policy        Manage collection expiry policies (get, set, delete, list, apply, default)
  decode-key    Decode an internal key and print its record kind and collection
  decode-value  Print the write time carried by an object value
  finalize      List the files of a manifest that can be dropped whole
  version       Print version information

Run 'lsmttld <command> --help' for more information on a command.`)
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFromPath(path)
	}
	return config.Load()
}

func runServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	healthAddr := fs.String("health-addr", "", "Override health endpoint address (e.g., :9091)")
	metricsAddr := fs.String("metrics-addr", "", "Override metrics endpoint address (e.g., :9090)")
	grpcAddr := fs.String("grpc-addr", "", "Override gRPC health address (e.g., :9092)")
	sweep := fs.Bool("sweep", false, "Enable the manifest sweep regardless of config")
	owner := fs.String("owner", "", "Sweep lease owner (default: hostname)")

	fs.Usage = func() {
		fmt.Println(`Usage: lsmttld serve [options]

Run the expiry daemon. Resolves collection policies from the configured
authority, keeps them fresh, sweeps manifests for expired files and serves
HTTP and gRPC health checks.

Options:`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	if *healthAddr != "" {
		cfg.Observability.HealthAddr = *healthAddr
	}
	if *metricsAddr != "" {
		cfg.Observability.MetricsAddr = *metricsAddr
	}
	if *grpcAddr != "" {
		cfg.Observability.GRPCAddr = *grpcAddr
	}
	if *sweep {
		cfg.Sweep.Enabled = true
		if err := cfg.Validate(); err != nil {
			fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
			os.Exit(1)
		}
	}

	logger := logging.New(logging.Config{
		Level:  logging.ParseLevel(cfg.Observability.LogLevel),
		Format: logging.ParseFormat(cfg.Observability.LogFormat),
	})
	logging.SetGlobal(logger)

	sweepOwner := *owner
	if sweepOwner == "" {
		sweepOwner, _ = os.Hostname()
	}

	daemon, err := NewDaemon(DaemonOptions{
		Config:    cfg,
		Logger:    logger,
		Version:   version,
		GitCommit: gitCommit,
		Owner:     sweepOwner,
	})
	if err != nil {
		logger.Errorf("failed to create daemon", map[string]any{"error": err.Error()})
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		errCh <- daemon.Run(ctx)
	}()

	select {
	case sig := <-sigCh:
		logger.Infof("received shutdown signal", map[string]any{"signal": sig.String()})
	case err := <-errCh:
		if err != nil {
			logger.Errorf("daemon error", map[string]any{"error": err.Error()})
			os.Exit(1)
		}
		return
	}

	logger.Info("initiating graceful shutdown")
	cancel()

	shutdownTimer := time.NewTimer(30 * time.Second)
	defer shutdownTimer.Stop()
	select {
	case err := <-errCh:
		if err != nil {
			logger.Errorf("shutdown error", map[string]any{"error": err.Error()})
			os.Exit(1)
		}
	case <-shutdownTimer.C:
		logger.Error("shutdown timed out")
		os.Exit(1)
	}

	logger.Info("daemon shutdown complete")
}
