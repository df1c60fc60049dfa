package mqtt

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ohbridge/internal/logging"
	"ohbridge/internal/models"
)

type doneToken struct{ err error }

func (t doneToken) Wait() bool                     { return true }
func (t doneToken) WaitTimeout(time.Duration) bool { return true }
func (t doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (t doneToken) Error() error { return t.err }

type published struct {
	topic   string
	payload []byte
}

type fakeMessage struct {
	mqtt.Message
	topic   string
	payload []byte
}

func (m fakeMessage) Topic() string   { return m.topic }
func (m fakeMessage) Payload() []byte { return m.payload }

// fakeClient implements the calls the publisher uses
type fakeClient struct {
	mqtt.Client
	err      error
	sent     []published
	handlers map[string]mqtt.MessageHandler
}

func (c *fakeClient) Publish(topic string, _ byte, _ bool, payload any) mqtt.Token {
	c.sent = append(c.sent, published{topic: topic, payload: payload.([]byte)})
	return doneToken{err: c.err}
}

func (c *fakeClient) Subscribe(topic string, _ byte, h mqtt.MessageHandler) mqtt.Token {
	if c.handlers == nil {
		c.handlers = make(map[string]mqtt.MessageHandler)
	}
	c.handlers[topic] = h
	return doneToken{}
}

func TestPublish(t *testing.T) {
	client := &fakeClient{}
	p := NewPublisher(client, "/ohbridge/", logging.Nop())

	require.NoError(t, p.Publish(models.Message{Node: "hallway", Payload: "ON"}))
	require.NoError(t, p.Publish(models.Message{Node: "hallway", Payload: "OFF", End: true}))

	require.Len(t, client.sent, 2)
	assert.Equal(t, "ohbridge/hallway", client.sent[0].topic)
	assert.Equal(t, "ohbridge/hallway/end", client.sent[1].topic)

	var got models.Message
	require.NoError(t, json.Unmarshal(client.sent[1].payload, &got))
	assert.Equal(t, "OFF", got.Payload)
	assert.True(t, got.End)
}

func TestPublishError(t *testing.T) {
	p := NewPublisher(&fakeClient{err: errors.New("not connected")}, "ohbridge", logging.Nop())
	err := p.Publish(models.Message{Node: "x"})
	assert.ErrorContains(t, err, "ohbridge/x")
	assert.ErrorContains(t, err, "not connected")
}

func TestSubscribeInputs(t *testing.T) {
	client := &fakeClient{}
	p := NewPublisher(client, "ohbridge", logging.Nop())

	var nodes []string
	require.NoError(t, p.SubscribeInputs(func(node string, payload []byte) {
		nodes = append(nodes, node+"="+string(payload))
	}))
	h := client.handlers["ohbridge/+/input"]
	require.NotNil(t, h)

	h(client, fakeMessage{topic: "ohbridge/hallway/input", payload: []byte(`"RESET"`)})
	h(client, fakeMessage{topic: "other/hallway/input", payload: []byte("x")})
	h(client, fakeMessage{topic: "ohbridge/a/b/input", payload: []byte("x")})

	assert.Equal(t, []string{`hallway="RESET"`}, nodes)
}
