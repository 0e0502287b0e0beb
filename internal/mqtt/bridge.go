// Package mqtt maintains the optional MQTT side channel: a retained
// availability topic announcing the process to Home Assistant, and a
// subscription to the zigbee2mqtt bridge device list whose expose
// schemas feed typed capabilities into the catalog. Disabled entirely
// when no broker is configured.
package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/hearthflow/hearthflow/internal/catalog"
	"github.com/hearthflow/hearthflow/internal/config"
	"github.com/hearthflow/hearthflow/internal/discovery"
)

// bridgeDevicesTopic carries the retained zigbee2mqtt device list,
// republished by the bridge whenever a device joins or leaves.
const bridgeDevicesTopic = "zigbee2mqtt/bridge/devices"

// SchemaSink receives parsed expose schemas. Satisfied by
// discovery.Discoverer.
type SchemaSink interface {
	ApplyExposeSchema(ident string, caps []catalog.Capability) (bool, error)
}

// Bridge owns the MQTT connection.
type Bridge struct {
	cfg    config.MQTTConfig
	sink   SchemaSink
	logger *slog.Logger
	cm     *autopaho.ConnectionManager
}

// New creates a Bridge but does not connect. Call [Bridge.Start] to
// begin the connection.
func New(cfg config.MQTTConfig, sink SchemaSink, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{cfg: cfg, sink: sink, logger: logger}
}

// Start connects to the broker, publishes the birth message, and
// subscribes to the bridge device list. Blocks until ctx is cancelled.
func (b *Bridge) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(b.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	availTopic := b.availabilityTopic()

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: b.cfg.Username,
		ConnectPassword: []byte(b.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   availTopic,
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			b.logger.Info("mqtt connected to broker", "broker", b.cfg.Broker)
			b.publishAvailability(ctx, cm, "online")
			b.subscribe(ctx, cm)
		},
		OnConnectError: func(err error) {
			b.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: "hearthflow-" + b.cfg.DeviceName,
		},
	}

	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	b.cm = cm

	cm.AddOnPublishReceived(func(pr autopaho.PublishReceived) (bool, error) {
		func() {
			defer func() {
				if r := recover(); r != nil {
					b.logger.Error("mqtt message handler panicked",
						"topic", pr.Packet.Topic, "panic", r)
				}
			}()
			b.handleMessage(pr.Packet.Topic, pr.Packet.Payload)
		}()
		return true, nil
	})

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		// autopaho keeps retrying in the background.
		b.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	<-ctx.Done()
	return nil
}

// Stop publishes the offline availability message and disconnects.
func (b *Bridge) Stop(ctx context.Context) error {
	if b.cm == nil {
		return nil
	}
	b.publishAvailability(ctx, b.cm, "offline")
	return b.cm.Disconnect(ctx)
}

func (b *Bridge) availabilityTopic() string {
	return "hearthflow/" + b.cfg.DeviceName + "/availability"
}

func (b *Bridge) publishAvailability(ctx context.Context, cm *autopaho.ConnectionManager, status string) {
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   b.availabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		b.logger.Warn("mqtt availability publish failed", "status", status, "error", err)
	}
}

func (b *Bridge) subscribe(ctx context.Context, cm *autopaho.ConnectionManager) {
	if _, err := cm.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{
			{Topic: bridgeDevicesTopic, QoS: 1},
		},
	}); err != nil {
		b.logger.Warn("mqtt subscribe failed", "topic", bridgeDevicesTopic, "error", err)
	}
}

func (b *Bridge) handleMessage(topic string, payload []byte) {
	if topic != bridgeDevicesTopic {
		return
	}
	applied, err := b.applyBridgeDevices(payload)
	if err != nil {
		b.logger.Warn("bridge device list not parseable", "error", err)
		return
	}
	b.logger.Info("expose schemas applied from bridge", "devices", applied)
}

// bridgeDevice is the slice of the zigbee2mqtt device announcement we
// consume. Devices without a definition (coordinators, unsupported
// hardware) carry no schema.
type bridgeDevice struct {
	IEEEAddress string `json:"ieee_address"`
	Definition  *struct {
		Exposes json.RawMessage `json:"exposes"`
	} `json:"definition"`
}

// applyBridgeDevices parses the retained device list and feeds each
// expose schema into the sink. Returns how many devices matched a
// catalog row.
func (b *Bridge) applyBridgeDevices(payload []byte) (int, error) {
	var devices []bridgeDevice
	if err := json.Unmarshal(payload, &devices); err != nil {
		return 0, fmt.Errorf("decode bridge devices: %w", err)
	}

	applied := 0
	for _, dev := range devices {
		if dev.IEEEAddress == "" || dev.Definition == nil || len(dev.Definition.Exposes) == 0 {
			continue
		}
		caps, err := discovery.ParseExposes(dev.Definition.Exposes)
		if err != nil {
			b.logger.Warn("expose schema not parseable",
				"ieee_address", dev.IEEEAddress, "error", err)
			continue
		}
		if len(caps) == 0 {
			continue
		}
		matched, err := b.sink.ApplyExposeSchema(dev.IEEEAddress, caps)
		if err != nil {
			b.logger.Warn("expose schema not applied",
				"ieee_address", dev.IEEEAddress, "error", err)
			continue
		}
		if matched {
			applied++
		} else {
			b.logger.Debug("expose schema for unknown device",
				"ieee_address", dev.IEEEAddress)
		}
	}
	return applied, nil
}
