package dispatch

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/opencode-ai/cadence/internal/models"
	"github.com/opencode-ai/cadence/internal/mqtt"
)

// Publisher is the subset of the MQTT client the sink needs.
type Publisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
}

// MQTT publishes email intents and webhook intents to their own topics.
type MQTT struct {
	pub    Publisher
	topics mqtt.Topics
	qos    byte
}

// NewMQTT creates an MQTT sink.
func NewMQTT(pub Publisher, topics mqtt.Topics, qos byte) *MQTT {
	return &MQTT{pub: pub, topics: topics, qos: qos}
}

// Dispatch implements Sink.
func (m *MQTT) Dispatch(ctx context.Context, intent models.Intent) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var (
		topic   string
		payload any
	)
	switch {
	case intent.Email != nil:
		topic, payload = m.topics.EmailIntents(), intent.Email
	case intent.Webhook != nil:
		topic, payload = m.topics.WebhookIntents(), intent.Webhook
	default:
		return fmt.Errorf("intent of kind %q has no body", intent.Kind)
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s intent: %w", intent.Kind, err)
	}
	return m.pub.Publish(topic, data, m.qos, false)
}
