package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/olivenet-iot/meter-gateway/internal/config"
	"github.com/olivenet-iot/meter-gateway/internal/gateway"
	"github.com/olivenet-iot/meter-gateway/internal/logging"
)

type serveFlags struct {
	configPath string
	listenIP   string
	listenPort int
}

func newServeCmd() *cobra.Command {
	flags := &serveFlags{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the meter gateway",
		Long: `Run metergw as a TCP listener that accepts meter connections, classifies
their protocol, dispatches commands, polls registers on a schedule, and
republishes telemetry over MQTT.

Configuration is loaded from metergw.yaml (or --config). CLI flags override
the listen address from that file.

Press Ctrl+C to stop the gateway gracefully.`,
		Example: `  # Start with defaults plus metergw.yaml
  metergw serve

  # Override the listen port
  metergw serve --listen-port 9000

  # Use a custom config file
  metergw serve --config ./staging.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := runServe(flags); err != nil {
				os.Exit(2)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&flags.configPath, "config", "metergw.yaml", "Gateway config file path")
	cmd.Flags().StringVar(&flags.listenIP, "listen-ip", "", "Override listen_ip from the config file")
	cmd.Flags().IntVar(&flags.listenPort, "listen-port", 0, "Override listen_port from the config file")

	return cmd
}

func runServe(flags *serveFlags) error {
	cfg, err := config.Load(flags.configPath)
	if errors.Is(err, os.ErrNotExist) {
		cfg = config.Default()
	} else if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: failed to load config: %v\n", err)
		return fmt.Errorf("load config: %w", err)
	}

	if flags.listenIP != "" {
		cfg.ListenIP = flags.listenIP
	}
	if flags.listenPort != 0 {
		cfg.ListenPort = flags.listenPort
	}

	logger, err := logging.NewLoggerWithOptions(
		logging.LevelFromString(cfg.Logging.Level),
		cfg.Logging.File,
		cfg.Logging.Format,
		cfg.Logging.LogEvery,
	)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer logger.Close()

	logger.LogStartup(fmt.Sprintf("%s:%d", cfg.ListenIP, cfg.ListenPort), cfg.MaxConnections, cfg.HeartbeatIntervalMs, cfg.ConnectionTimeoutMs, flags.configPath)

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("create gateway: %w", err)
	}

	if err := gw.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: failed to start gateway: %v\n", err)
		return fmt.Errorf("start gateway: %w", err)
	}

	fmt.Fprintf(os.Stdout, "Gateway listening on %s:%d\n", cfg.ListenIP, cfg.ListenPort)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	fmt.Fprintf(os.Stdout, "\nShutting down gateway...\n")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := gw.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown gateway: %w", err)
	}

	return nil
}
