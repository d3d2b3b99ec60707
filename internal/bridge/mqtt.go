package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/ukydev/fleet-telemetry/internal/models"
)

const mqttPublishTimeout = 5 * time.Second

var ErrPublishTimeout = errors.New("mqtt publish timed out")

// tokenPublisher is the part of mqtt.Client the bridge needs.
type tokenPublisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// MQTTBridge publishes every sample to {root}/telemetry and
// {root}/telemetry/{vehicleId}.
type MQTTBridge struct {
	client  tokenPublisher
	root    string
	qos     byte
	timeout time.Duration
}

func NewMQTTBridge(client tokenPublisher, root string) *MQTTBridge {
	if root == "" {
		root = "fleet"
	}
	return &MQTTBridge{client: client, root: root, timeout: mqttPublishTimeout}
}

// ConnectMQTT dials the broker with automatic reconnects enabled.
func ConnectMQTT(broker, clientID string) (mqtt.Client, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectTimeout(10 * time.Second)

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(15 * time.Second) {
		// stop the background connect retries
		client.Disconnect(0)
		return nil, fmt.Errorf("connect to mqtt broker %s: timed out", broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect to mqtt broker %s: %w", broker, err)
	}
	return client, nil
}

func (b *MQTTBridge) Name() string { return "mqtt" }

func (b *MQTTBridge) FleetTopic() string { return b.root + "/telemetry" }

func (b *MQTTBridge) VehicleTopic(vehicleID string) string {
	return b.root + "/telemetry/" + vehicleID
}

func (b *MQTTBridge) Forward(ctx context.Context, sample models.TelemetrySample) error {
	payload, err := json.Marshal(sample)
	if err != nil {
		return fmt.Errorf("marshal telemetry: %w", err)
	}
	for _, topic := range []string{b.FleetTopic(), b.VehicleTopic(sample.VehicleID)} {
		if err := b.publish(ctx, topic, payload); err != nil {
			return err
		}
	}
	return nil
}

func (b *MQTTBridge) publish(ctx context.Context, topic string, payload []byte) error {
	token := b.client.Publish(topic, b.qos, false, payload)
	timer := time.NewTimer(b.timeout)
	defer timer.Stop()
	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("%s: %w", topic, ErrPublishTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}
