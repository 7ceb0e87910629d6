package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/bl4ck0w1/lynxscan/pkg/models"
	"github.com/bl4ck0w1/lynxscan/pkg/utils"
	"github.com/streadway/amqp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeChannel struct {
	declared   []string
	published  []amqp.Publishing
	keys       []string
	publishErr error
	closed     int
}

func (c *fakeChannel) ExchangeDeclare(name, kind string, _, _, _, _ bool, _ amqp.Table) error {
	c.declared = append(c.declared, name+"/"+kind)
	return nil
}

func (c *fakeChannel) Publish(_, key string, _, _ bool, msg amqp.Publishing) error {
	if c.publishErr != nil {
		return c.publishErr
	}
	c.keys = append(c.keys, key)
	c.published = append(c.published, msg)
	return nil
}

func (c *fakeChannel) Close() error {
	c.closed++
	return nil
}

func newTestPublisher(chans ...*fakeChannel) (*AMQPPublisher, *int) {
	p := NewAMQPPublisher("amqp://test", "lynxscan.events", utils.NewNopLogger())
	dials := 0
	p.dial = func(string) (*amqp.Connection, channel, error) {
		if dials >= len(chans) {
			return nil, nil, errors.New("connection refused")
		}
		ch := chans[dials]
		dials++
		return nil, ch, nil
	}
	return p, &dials
}

func TestAMQPPublisherPublishes(t *testing.T) {
	ch := &fakeChannel{}
	p, dials := newTestPublisher(ch)

	ev := models.ScanEvent{Type: models.EventScanCompleted, RunID: "run-1", UserID: "alice", Duration: 2 * time.Second}
	require.NoError(t, p.Publish(context.Background(), ev))
	require.NoError(t, p.Publish(context.Background(), ev))

	assert.Equal(t, 1, *dials)
	assert.Equal(t, []string{"lynxscan.events/topic"}, ch.declared)
	assert.Equal(t, []string{models.EventScanCompleted, models.EventScanCompleted}, ch.keys)

	msg := ch.published[0]
	assert.Equal(t, "application/json", msg.ContentType)
	assert.Equal(t, "run-1", msg.MessageId)
	var decoded models.ScanEvent
	require.NoError(t, json.Unmarshal(msg.Body, &decoded))
	assert.Equal(t, "alice", decoded.UserID)
}

func TestAMQPPublisherReconnectsAfterFailure(t *testing.T) {
	broken := &fakeChannel{publishErr: errors.New("channel closed")}
	healthy := &fakeChannel{}
	p, dials := newTestPublisher(broken, healthy)

	ev := models.ScanEvent{Type: models.EventScanFailed, RunID: "run-2"}
	assert.Error(t, p.Publish(context.Background(), ev))
	assert.Equal(t, 1, broken.closed)

	require.NoError(t, p.Publish(context.Background(), ev))
	assert.Equal(t, 2, *dials)
	assert.Len(t, healthy.published, 1)
}

func TestAMQPPublisherDialFailure(t *testing.T) {
	p, _ := newTestPublisher()
	err := p.Publish(context.Background(), models.ScanEvent{Type: models.EventScanFailed})
	assert.ErrorContains(t, err, "connect to amqp")
}

func TestAMQPPublisherClosed(t *testing.T) {
	p, _ := newTestPublisher(&fakeChannel{})
	require.NoError(t, p.Close())
	assert.ErrorIs(t, p.Publish(context.Background(), models.ScanEvent{Type: models.EventScanCompleted}), ErrClosed)
}

func TestNewPublisher(t *testing.T) {
	assert.IsType(t, NopPublisher{}, NewPublisher(models.EventsConfig{}, nil))
	assert.IsType(t, &AMQPPublisher{}, NewPublisher(models.EventsConfig{AMQPURL: "amqp://localhost", Exchange: "x"}, nil))
	assert.NoError(t, NopPublisher{}.Publish(context.Background(), models.ScanEvent{}))
}
