package main

import (
	"fmt"
	"net"
	"os"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/spf13/cobra"

	"github.com/olivenet-iot/meter-gateway/internal/config"
)

type healthcheckFlags struct {
	configPath string
	timeoutMs  int
}

func newHealthcheckCmd() *cobra.Command {
	flags := &healthcheckFlags{}

	cmd := &cobra.Command{
		Use:   "healthcheck",
		Short: "Probe a running gateway's TCP listener and MQTT broker",
		Long: `Dial the gateway's configured TCP listen address and, if a bus is
configured, its MQTT broker. Exits 0 if both are reachable, 1 otherwise.

Intended for container orchestrators and monitoring probes, not interactive use.`,
		Example: `  metergw healthcheck
  metergw healthcheck --config ./staging.yaml --timeout-ms 2000`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !runHealthcheck(flags) {
				os.Exit(1)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&flags.configPath, "config", "metergw.yaml", "Gateway config file path")
	cmd.Flags().IntVar(&flags.timeoutMs, "timeout-ms", 3000, "Per-probe timeout in milliseconds")

	return cmd
}

func runHealthcheck(flags *healthcheckFlags) bool {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		cfg = config.Default()
	}

	timeout := time.Duration(flags.timeoutMs) * time.Millisecond
	healthy := true

	addr := fmt.Sprintf("%s:%d", loopbackIfUnspecified(cfg.ListenIP), cfg.ListenPort)
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "TCP listener %s unreachable: %v\n", addr, err)
		healthy = false
	} else {
		conn.Close()
		fmt.Fprintf(os.Stdout, "TCP listener %s OK\n", addr)
	}

	if cfg.Bus.BrokerURL != "" {
		if err := probeBroker(cfg.Bus, timeout); err != nil {
			fmt.Fprintf(os.Stderr, "MQTT broker %s unreachable: %v\n", cfg.Bus.BrokerURL, err)
			healthy = false
		} else {
			fmt.Fprintf(os.Stdout, "MQTT broker %s OK\n", cfg.Bus.BrokerURL)
		}
	}

	return healthy
}

func probeBroker(bus config.BusConfig, timeout time.Duration) error {
	opts := mqtt.NewClientOptions().
		AddBroker(bus.BrokerURL).
		SetClientID(bus.ClientID + "-healthcheck").
		SetConnectTimeout(timeout).
		SetAutoReconnect(false)
	if bus.Username != "" {
		opts.SetUsername(bus.Username)
		opts.SetPassword(bus.Password)
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(timeout) {
		return fmt.Errorf("connect timed out after %s", timeout)
	}
	defer client.Disconnect(100)
	return token.Error()
}

func loopbackIfUnspecified(ip string) string {
	if ip == "" || ip == "0.0.0.0" {
		return "127.0.0.1"
	}
	return ip
}
