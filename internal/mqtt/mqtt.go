package mqtt

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"ohbridge/internal/logging"
	"ohbridge/internal/models"
)

const publishTimeout = 5 * time.Second

// NewMQTTClient creates an MQTT client and connects it
func NewMQTTClient(broker, clientID string, logger *slog.Logger) (mqtt.Client, error) {
	logger = logging.Component(logger, "mqtt")
	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			logger.Warn("connection lost", "broker", broker, "error", err)
		}).
		SetOnConnectHandler(func(mqtt.Client) {
			logger.Info("connected", "broker", broker)
		})
	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, token.Error()
	}
	return client, nil
}

// Publisher is the MQTT sink for emitted node messages. Messages go to
// <prefix>/<node>, end messages to <prefix>/<node>/end.
type Publisher struct {
	client mqtt.Client
	prefix string
	qos    byte
	logger *slog.Logger
}

func NewPublisher(client mqtt.Client, prefix string, logger *slog.Logger) *Publisher {
	return &Publisher{
		client: client,
		prefix: strings.Trim(prefix, "/"),
		qos:    1,
		logger: logging.Component(logger, "mqtt"),
	}
}

// Topic returns the topic msg is published on
func (p *Publisher) Topic(msg models.Message) string {
	topic := p.prefix + "/" + msg.Node
	if msg.End {
		topic += "/end"
	}
	return topic
}

// Publish sends msg as JSON and waits for the broker to accept it
func (p *Publisher) Publish(msg models.Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("mqtt: encode message: %w", err)
	}
	topic := p.Topic(msg)
	token := p.client.Publish(topic, p.qos, false, body)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("mqtt: publish %s: timed out", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt: publish %s: %w", topic, err)
	}
	p.logger.Debug("published", "topic", topic)
	return nil
}

// SubscribeInputs delivers messages on <prefix>/<node>/input to fn
func (p *Publisher) SubscribeInputs(fn func(node string, payload []byte)) error {
	filter := p.prefix + "/+/input"
	token := p.client.Subscribe(filter, p.qos, func(_ mqtt.Client, m mqtt.Message) {
		node, ok := inputNode(p.prefix, m.Topic())
		if !ok {
			return
		}
		fn(node, m.Payload())
	})
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("mqtt: subscribe %s: timed out", filter)
	}
	return token.Error()
}

func inputNode(prefix, topic string) (string, bool) {
	rest, ok := strings.CutPrefix(topic, prefix+"/")
	if !ok {
		return "", false
	}
	node, ok := strings.CutSuffix(rest, "/input")
	if !ok || node == "" || strings.Contains(node, "/") {
		return "", false
	}
	return node, true
}
