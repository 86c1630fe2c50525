package report

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/i474232898/lindas-relay/internal/hydro"
)

// Publisher is the part of mqtt.Client used to publish summaries.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// MQTTReporter publishes every cycle summary as JSON to a topic.
type MQTTReporter struct {
	client  Publisher
	topic   string
	timeout time.Duration
	logger  *slog.Logger
}

// NewMQTTReporter wraps an already connected publisher.
func NewMQTTReporter(client Publisher, topic string, logger *slog.Logger) *MQTTReporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &MQTTReporter{client: client, topic: topic, timeout: 5 * time.Second, logger: logger}
}

// ConnectMQTT connects to broker (e.g. tcp://localhost:1883).
func ConnectMQTT(ctx context.Context, broker, clientID string) (mqtt.Client, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(false).
		SetOrderMatters(false)

	client := mqtt.NewClient(opts)
	token := client.Connect()

	timeout := 10 * time.Second
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	if !token.WaitTimeout(timeout) {
		return nil, fmt.Errorf("mqtt connect to %s: timed out", broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect to %s: %w", broker, err)
	}
	return client, nil
}

// Report implements hydro.Reporter. Publish failures are logged only.
func (r *MQTTReporter) Report(_ context.Context, s hydro.CycleSummary) {
	payload, err := json.Marshal(s)
	if err != nil {
		r.logger.Error("marshal cycle summary", "cycle_id", s.ID, "error", err)
		return
	}

	token := r.client.Publish(r.topic, 1, false, payload)
	if !token.WaitTimeout(r.timeout) {
		r.logger.Warn("mqtt publish timed out", "topic", r.topic, "cycle_id", s.ID)
		return
	}
	if err := token.Error(); err != nil {
		r.logger.Warn("mqtt publish failed", "topic", r.topic, "cycle_id", s.ID, "error", err)
	}
}
