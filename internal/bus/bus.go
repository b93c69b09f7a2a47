// Package bus implements the gateway's MQTT publish/subscribe surface: one
// telemetry/status/event topic tree per meter, a retained gateway-wide
// status topic, and a per-meter command request/response exchange.
package bus

import (
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/olivenet-iot/meter-gateway/internal/config"
	"github.com/olivenet-iot/meter-gateway/internal/dispatcher"
	"github.com/olivenet-iot/meter-gateway/internal/egress"
	"github.com/olivenet-iot/meter-gateway/internal/logging"
)

// CommandHandler processes an inbound command request for meterID and
// returns the response to publish back on its reply topic.
type CommandHandler func(meterID string, req dispatcher.Request) dispatcher.Response

// Bus wraps an MQTT client with the gateway's topic conventions.
type Bus struct {
	client  mqtt.Client
	prefix  string
	qos     byte
	logger  *logging.Logger
	handler CommandHandler
}

// GatewayStatus is the retained payload published to "<prefix>/gateway/status".
type GatewayStatus struct {
	Online           bool      `json:"online"`
	StartedAt        time.Time `json:"started_at"`
	ConnectedMeters  int       `json:"connected_meters"`
	IdentifiedMeters int       `json:"identified_meters"`
	Timestamp        time.Time `json:"timestamp"`
}

// New connects to the configured broker and returns a Bus ready to publish.
// handler is invoked for every inbound "command/request" message, once the
// caller subscribes via SubscribeCommands.
func New(cfg config.BusConfig, logger *logging.Logger, handler CommandHandler) (*Bus, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.BrokerURL)
	if cfg.ClientID != "" {
		opts.SetClientID(cfg.ClientID)
	} else {
		opts.SetClientID(fmt.Sprintf("metergw-%s", uuid.NewString()))
	}
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetOnConnectHandler(func(mqtt.Client) {
		if logger != nil {
			logger.Info("connected to MQTT broker %s", cfg.BrokerURL)
		}
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		if logger != nil {
			logger.Error("MQTT connection lost: %v", err)
		}
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("bus: timed out connecting to %s", cfg.BrokerURL)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("bus: connect to %s: %w", cfg.BrokerURL, err)
	}

	prefix := cfg.TopicPrefix
	if prefix == "" {
		prefix = "metergw"
	}

	return &Bus{client: client, prefix: prefix, qos: cfg.QoS, logger: logger, handler: handler}, nil
}

// Close publishes an offline gateway status and disconnects.
func (b *Bus) Close() {
	b.PublishGatewayStatus(GatewayStatus{Online: false, Timestamp: time.Now()})
	b.client.Disconnect(250)
}

func (b *Bus) publish(topic string, retained bool, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("bus: marshal payload for %s: %w", topic, err)
	}
	token := b.client.Publish(topic, b.qos, retained, data)
	token.Wait()
	if err := token.Error(); err != nil {
		if b.logger != nil {
			b.logger.Error("publish to %s failed: %v", topic, err)
		}
		return err
	}
	return nil
}

func (b *Bus) meterTopic(meterID, suffix string) string {
	return fmt.Sprintf("%s/v1/meters/%s/%s", b.prefix, meterID, suffix)
}

// PublishTelemetry publishes one decoded register reading to a meter's
// telemetry topic.
func (b *Bus) PublishTelemetry(ev egress.Event) error {
	return b.publish(b.meterTopic(ev.MeterID, "telemetry"), false, ev)
}

// PublishStatus publishes a connection-lifecycle transition for a meter.
func (b *Bus) PublishStatus(meterID string, status interface{}) error {
	return b.publish(b.meterTopic(meterID, "status"), false, status)
}

// PublishEvent publishes an unsolicited telemetry push (DataNotification,
// EventNotification) or a relay-state observation for a meter.
func (b *Bus) PublishEvent(meterID string, event interface{}) error {
	return b.publish(b.meterTopic(meterID, "events"), false, event)
}

// PublishCommandResponse publishes the outcome of a dispatched command back
// to the meter's command/response topic.
func (b *Bus) PublishCommandResponse(meterID string, resp dispatcher.Response) error {
	return b.publish(b.meterTopic(meterID, "command/response"), false, resp)
}

// PublishGatewayStatus publishes the gateway-wide status as a retained
// message, so a subscriber connecting later immediately sees current state.
func (b *Bus) PublishGatewayStatus(status GatewayStatus) error {
	return b.publish(fmt.Sprintf("%s/gateway/status", b.prefix), true, status)
}

// SubscribeCommands subscribes to every meter's command/request topic and
// routes inbound requests to the configured handler, publishing its
// response back to that meter's command/response topic.
func (b *Bus) SubscribeCommands() error {
	topic := fmt.Sprintf("%s/v1/meters/+/command/request", b.prefix)
	token := b.client.Subscribe(topic, b.qos, b.onCommandRequest)
	token.Wait()
	return token.Error()
}

func (b *Bus) onCommandRequest(_ mqtt.Client, msg mqtt.Message) {
	meterID := meterIDFromTopic(msg.Topic(), b.prefix)
	if meterID == "" {
		return
	}

	var req dispatcher.Request
	if err := json.Unmarshal(msg.Payload(), &req); err != nil {
		if b.logger != nil {
			b.logger.Error("command request from %s: invalid JSON: %v", meterID, err)
		}
		return
	}

	if b.handler == nil {
		return
	}
	resp := b.handler(meterID, req)
	if err := b.PublishCommandResponse(meterID, resp); err != nil && b.logger != nil {
		b.logger.Error("publish command response for %s: %v", meterID, err)
	}
}

// meterIDFromTopic extracts the meter id from a
// "<prefix>/v1/meters/<id>/command/request" topic.
func meterIDFromTopic(topic, prefix string) string {
	want := prefix + "/v1/meters/"
	if len(topic) <= len(want) || topic[:len(want)] != want {
		return ""
	}
	rest := topic[len(want):]
	for i := 0; i < len(rest); i++ {
		if rest[i] == '/' {
			return rest[:i]
		}
	}
	return ""
}
