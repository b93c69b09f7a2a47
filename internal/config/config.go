// Package config loads and validates the meter gateway's YAML configuration.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// RegisterGroup selects which R645 registers the poller reads each cycle.
type RegisterGroup string

const (
	RegisterGroupEnergy        RegisterGroup = "energy"
	RegisterGroupInstantaneous RegisterGroup = "instantaneous"
	RegisterGroupAll           RegisterGroup = "all"
	RegisterGroupCustom        RegisterGroup = "custom"
)

// ZeroAddressAction controls how the heartbeat parser resolves the
// all-zeros meter identity.
type ZeroAddressAction string

const (
	ZeroAddressAccept ZeroAddressAction = "accept"
	ZeroAddressUseIP  ZeroAddressAction = "use_ip"
)

// PollingConfig configures the periodic register poller.
type PollingConfig struct {
	Enabled         bool          `yaml:"enabled"`
	IntervalMs      int           `yaml:"interval_ms"`
	RegisterGroup   RegisterGroup `yaml:"register_group"`
	CustomRegisters []string      `yaml:"custom_registers,omitempty"`
	TimeoutMs       int           `yaml:"timeout_ms"`
	Retries         int           `yaml:"retries"`
	StaggerMs       int           `yaml:"stagger_ms"`
}

// DLMSConfig configures VW/DLMS association and query behavior.
type DLMSConfig struct {
	Enabled               bool   `yaml:"enabled"`
	PassiveOnly           bool   `yaml:"passive_only"`
	AssociationTimeoutMs  int    `yaml:"association_timeout_ms"`
	QueryTimeoutMs        int    `yaml:"query_timeout_ms"`
	WrapOutgoing          bool   `yaml:"wrap_outgoing"`
	IvyDestination        uint16 `yaml:"ivy_destination"`
	AutoAssociate         bool   `yaml:"auto_associate"`
}

// HeartbeatConfig configures heartbeat acknowledgement and the zero-address policy.
type HeartbeatConfig struct {
	AckEnabled        bool              `yaml:"ack_enabled"`
	AckPayloadHex     string            `yaml:"ack_payload_hex,omitempty"`
	ZeroAddressAction ZeroAddressAction `yaml:"zero_address_action"`
}

// BusConfig configures the MQTT publish/subscribe connection.
// This is ambient scaffolding around the bus contract in spec §6, not a
// reimplementation of the bus itself.
type BusConfig struct {
	BrokerURL string `yaml:"broker_url"`
	ClientID  string `yaml:"client_id,omitempty"`
	Username  string `yaml:"username,omitempty"`
	Password  string `yaml:"password,omitempty"`
	TopicPrefix string `yaml:"topic_prefix"`
	QoS       byte   `yaml:"qos"`
}

// LoggingConfig configures the gateway's logger.
type LoggingConfig struct {
	Level    string `yaml:"level"`    // silent|error|info|verbose|debug
	File     string `yaml:"file,omitempty"`
	Format   string `yaml:"format"`   // text|json
	LogEvery int    `yaml:"log_every"`
}

// Config is the top-level gateway configuration tree.
type Config struct {
	ListenPort          int    `yaml:"listen_port"`
	ListenIP            string `yaml:"listen_ip"`
	MaxConnections      int    `yaml:"max_connections"`
	HeartbeatIntervalMs int    `yaml:"heartbeat_interval_ms"`
	ConnectionTimeoutMs int    `yaml:"connection_timeout_ms"`

	Polling   PollingConfig   `yaml:"polling"`
	DLMS      DLMSConfig      `yaml:"dlms"`
	Heartbeat HeartbeatConfig `yaml:"heartbeat"`
	Bus       BusConfig       `yaml:"bus"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// WrapConfigError annotates a configuration error with the file it came
// from, in the teacher's "wrap with user-facing context" style.
func WrapConfigError(err error, path string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("configuration error in %s: %w", path, err)
}

// Default returns a Config populated with the gateway's operational defaults,
// mirroring the timeout defaults called out in the concurrency model.
func Default() *Config {
	return &Config{
		ListenPort:          8899,
		ListenIP:            "0.0.0.0",
		MaxConnections:      500,
		HeartbeatIntervalMs: 30000,
		ConnectionTimeoutMs: 90000,
		Polling: PollingConfig{
			Enabled:       true,
			IntervalMs:    60000,
			RegisterGroup: RegisterGroupEnergy,
			TimeoutMs:     5000,
			Retries:       2,
			StaggerMs:     100,
		},
		DLMS: DLMSConfig{
			Enabled:              true,
			PassiveOnly:          true,
			AssociationTimeoutMs: 5000,
			QueryTimeoutMs:       5000,
			WrapOutgoing:         true,
			IvyDestination:       0x0001,
			AutoAssociate:        false,
		},
		Heartbeat: HeartbeatConfig{
			AckEnabled:        false,
			ZeroAddressAction: ZeroAddressAccept,
		},
		Bus: BusConfig{
			BrokerURL:   "tcp://localhost:1883",
			TopicPrefix: "metergw",
			QoS:         1,
		},
		Logging: LoggingConfig{
			Level:    "info",
			Format:   "text",
			LogEvery: 1,
		},
	}
}

// Load reads a YAML file at path and merges it onto Default().
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, WrapConfigError(err, path)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, WrapConfigError(fmt.Errorf("parse yaml: %w", err), path)
	}

	if err := cfg.Validate(); err != nil {
		return nil, WrapConfigError(err, path)
	}

	return cfg, nil
}

// Validate checks the configuration for internally-consistent values.
func (c *Config) Validate() error {
	if c.ListenPort <= 0 || c.ListenPort > 65535 {
		return fmt.Errorf("listen_port %d out of range", c.ListenPort)
	}
	if c.MaxConnections <= 0 {
		return fmt.Errorf("max_connections must be positive")
	}
	if c.HeartbeatIntervalMs <= 0 {
		return fmt.Errorf("heartbeat_interval_ms must be positive")
	}
	if c.ConnectionTimeoutMs <= c.HeartbeatIntervalMs {
		return fmt.Errorf("connection_timeout_ms must exceed heartbeat_interval_ms")
	}
	switch c.Polling.RegisterGroup {
	case RegisterGroupEnergy, RegisterGroupInstantaneous, RegisterGroupAll, RegisterGroupCustom, "":
	default:
		return fmt.Errorf("polling.register_group %q not recognized", c.Polling.RegisterGroup)
	}
	if c.Polling.RegisterGroup == RegisterGroupCustom && len(c.Polling.CustomRegisters) == 0 {
		return fmt.Errorf("polling.register_group custom requires polling.custom_registers")
	}
	switch c.Heartbeat.ZeroAddressAction {
	case ZeroAddressAccept, ZeroAddressUseIP, "":
	default:
		return fmt.Errorf("heartbeat.zero_address_action %q not recognized", c.Heartbeat.ZeroAddressAction)
	}
	if c.Bus.BrokerURL == "" {
		return fmt.Errorf("bus.broker_url is required")
	}
	return nil
}
