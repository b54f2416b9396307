package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/andresmejia3/vigil/internal/config"
	"github.com/andresmejia3/vigil/internal/types"
)

// MQTT publishes event summaries so other systems (home automation, dashboards)
// can react to detections. Media files are not sent over MQTT, only their paths.
type MQTT struct {
	cfg    config.MQTTConfig
	camera string
	Client mqtt.Client
}

// EventMessage is the JSON payload published on <topic>/events.
type EventMessage struct {
	Kind      Kind             `json:"kind"`
	Camera    string           `json:"camera"`
	Text      string           `json:"text,omitempty"`
	Path      string           `json:"path,omitempty"`
	Event     *types.ClipEvent `json:"event,omitempty"`
	Published time.Time        `json:"published"`
}

// NewMQTT creates the sink. Call Connect before use.
func NewMQTT(cfg config.MQTTConfig, camera string) *MQTT {
	return &MQTT{cfg: cfg, camera: camera}
}

// Connect establishes the broker connection. Reconnects are handled by paho;
// publishes made while disconnected fail and are not replayed.
func (m *MQTT) Connect(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s", m.cfg.Broker))
	clientID := m.cfg.ClientID
	if clientID == "" {
		clientID = "vigil-" + m.camera
	}
	opts.SetClientID(clientID)
	if m.cfg.Username != "" {
		opts.SetUsername(m.cfg.Username)
		opts.SetPassword(m.cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(c mqtt.Client) {
		slog.Info("mqtt connection established", "broker", m.cfg.Broker, "client_id", clientID)
	}
	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		slog.Warn("mqtt connection lost, will auto-reconnect", "error", err, "broker", m.cfg.Broker)
	}

	m.Client = mqtt.NewClient(opts)

	token := m.Client.Connect()
	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(5 * time.Second):
		return fmt.Errorf("mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connection failed: %w", err)
	}
	return nil
}

// Topic is where event messages are published.
func (m *MQTT) Topic() string {
	return m.cfg.Topic + "/events"
}

// Name identifies the sink in logs and delivery records.
func (m *MQTT) Name() string { return "mqtt" }

// Deliver publishes a JSON summary of the notification.
func (m *MQTT) Deliver(ctx context.Context, n Notification) error {
	if m.Client == nil || !m.Client.IsConnected() {
		return fmt.Errorf("mqtt not connected")
	}

	payload, err := json.Marshal(EventMessage{
		Kind:      n.Kind,
		Camera:    m.camera,
		Text:      n.Text,
		Path:      n.Path,
		Event:     n.Event,
		Published: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	token := m.Client.Publish(m.Topic(), m.cfg.QoS, false, payload)
	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(5 * time.Second):
		return fmt.Errorf("publish timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish failed: %w", err)
	}
	return nil
}

// Disconnect closes the broker connection.
func (m *MQTT) Disconnect() {
	if m.Client != nil && m.Client.IsConnected() {
		m.Client.Disconnect(250)
	}
}
