package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"

	"github.com/HendrickFS/bio-supply-twin/config"
)

// MQTTConsumer subscribes to the device telemetry topic and feeds readings
// to the ingestor
type MQTTConsumer struct {
	client   mqtt.Client
	ingestor *Ingestor
	topic    string
	qos      byte
	log      *logrus.Logger
}

// NewMQTTConsumer connects to the broker and creates a consumer
func NewMQTTConsumer(cfg config.MQTTConfig, ingestor *Ingestor, log *logrus.Logger) (*MQTTConsumer, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetUsername(cfg.Username).
		SetPassword(cfg.Password).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second)

	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		log.WithError(err).Warn("MQTT connection lost")
	}
	opts.OnConnect = func(_ mqtt.Client) {
		log.WithField("broker", cfg.Broker).Info("MQTT connected")
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("timed out connecting to mqtt broker %s", cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("failed to connect to mqtt broker %s: %w", cfg.Broker, err)
	}

	return &MQTTConsumer{
		client:   client,
		ingestor: ingestor,
		topic:    cfg.Topic,
		qos:      byte(cfg.QoS),
		log:      log,
	}, nil
}

// Start subscribes to the telemetry topic. Messages are handled on paho's
// dispatch goroutines; errors are logged and the message dropped since
// MQTT offers no redelivery to ask for.
func (c *MQTTConsumer) Start(ctx context.Context) error {
	handler := func(_ mqtt.Client, msg mqtt.Message) {
		var payload ReadingPayload
		if err := json.Unmarshal(msg.Payload(), &payload); err != nil {
			c.log.WithError(err).WithField("topic", msg.Topic()).Warn("Dropping undecodable MQTT message")
			return
		}

		if _, err := c.ingestor.Ingest(ctx, payload); err != nil {
			c.log.WithError(err).WithField("entity_id", payload.EntityID).Debug("MQTT reading not applied")
		}
	}

	token := c.client.Subscribe(c.topic, c.qos, handler)
	if !token.WaitTimeout(10 * time.Second) {
		return fmt.Errorf("timed out subscribing to %s", c.topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", c.topic, err)
	}

	c.log.WithField("topic", c.topic).Info("MQTT consumer started")
	return nil
}

// Stop unsubscribes and disconnects
func (c *MQTTConsumer) Stop() {
	if token := c.client.Unsubscribe(c.topic); token.Wait() && token.Error() != nil {
		c.log.WithError(token.Error()).Warn("Failed to unsubscribe from MQTT topic")
	}
	c.client.Disconnect(250)
	c.log.Info("MQTT consumer stopped")
}
