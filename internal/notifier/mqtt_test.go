package notifier

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wardpager/wardpager/internal/types"
)

type fakeToken struct {
	done chan struct{}
	err  error
}

func completedToken(err error) *fakeToken {
	t := &fakeToken{done: make(chan struct{}), err: err}
	close(t.done)
	return t
}

func (t *fakeToken) Wait() bool                     { <-t.done; return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Done() <-chan struct{}          { return t.done }
func (t *fakeToken) Error() error                   { return t.err }

type fakePublisher struct {
	topic   string
	qos     byte
	payload []byte
	token   mqtt.Token
}

func (p *fakePublisher) Publish(topic string, qos byte, _ bool, payload interface{}) mqtt.Token {
	p.topic = topic
	p.qos = qos
	p.payload = payload.([]byte)
	return p.token
}

func TestMQTTSend(t *testing.T) {
	pub := &fakePublisher{token: completedToken(nil)}
	ch := NewMQTTChannel(zerolog.Nop(), pub, "wardpager/alerts", 1)

	require.NoError(t, ch.Send(context.Background(), "ward-3-display", types.Payload{AlertID: "a-1"}))
	assert.Equal(t, "wardpager/alerts/ward-3-display", pub.topic)
	assert.Equal(t, byte(1), pub.qos)

	var got types.Payload
	require.NoError(t, json.Unmarshal(pub.payload, &got))
	assert.Equal(t, "a-1", got.AlertID)
}

func TestMQTTSendBrokerError(t *testing.T) {
	pub := &fakePublisher{token: completedToken(errors.New("not connected"))}
	ch := NewMQTTChannel(zerolog.Nop(), pub, "wardpager/alerts", 0)

	err := ch.Send(context.Background(), "ward-3-display", types.Payload{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not connected")
}

func TestMQTTSendContextDeadline(t *testing.T) {
	pub := &fakePublisher{token: &fakeToken{done: make(chan struct{})}}
	ch := NewMQTTChannel(zerolog.Nop(), pub, "wardpager/alerts", 1)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := ch.Send(ctx, "ward-3-display", types.Payload{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
