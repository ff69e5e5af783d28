package notifier

import (
	"context"
	"encoding/json"
	"fmt"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/wardpager/wardpager/internal/config"
	"github.com/wardpager/wardpager/internal/types"
)

// Publisher is the part of mqtt.Client the channel needs.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// MQTTChannel publishes payloads to ward devices subscribed on
// {topic_prefix}/{recipient}.
type MQTTChannel struct {
	log    zerolog.Logger
	client Publisher
	prefix string
	qos    byte
}

// ConnectMQTT connects to the broker.
func ConnectMQTT(cfg config.MQTTConfig, password string) (mqtt.Client, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if password != "" {
		opts.SetPassword(password)
	}

	opts.SetAutoReconnect(true)
	opts.SetCleanSession(true)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}
	return client, nil
}

// NewMQTTChannel creates a channel publishing through client.
func NewMQTTChannel(log zerolog.Logger, client Publisher, topicPrefix string, qos byte) *MQTTChannel {
	return &MQTTChannel{
		log:    log.With().Str("component", "mqtt").Logger(),
		client: client,
		prefix: topicPrefix,
		qos:    qos,
	}
}

func (m *MQTTChannel) Name() string { return "mqtt" }

// Send publishes and waits for the broker acknowledgement or ctx.
func (m *MQTTChannel) Send(ctx context.Context, recipientID string, payload types.Payload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	topic := m.prefix + "/" + recipientID
	token := m.client.Publish(topic, m.qos, false, data)

	select {
	case <-token.Done():
	case <-ctx.Done():
		return fmt.Errorf("publish to %s: %w", topic, ctx.Err())
	}

	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to publish to topic %s: %w", topic, err)
	}
	return nil
}
