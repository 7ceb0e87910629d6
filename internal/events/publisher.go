package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bl4ck0w1/lynxscan/pkg/models"
	"github.com/sirupsen/logrus"
	"github.com/streadway/amqp"
)

var ErrClosed = errors.New("publisher is closed")

// channel is the subset of *amqp.Channel the publisher uses.
type channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQPPublisher sends scan events to a topic exchange, using the event type as the
// routing key. The connection is opened lazily and reopened after a failure.
type AMQPPublisher struct {
	url      string
	exchange string
	logger   *logrus.Logger
	dial     func(url string) (*amqp.Connection, channel, error)

	mu     sync.Mutex
	conn   *amqp.Connection
	ch     channel
	closed bool
}

func NewAMQPPublisher(url, exchange string, logger *logrus.Logger) *AMQPPublisher {
	if logger == nil {
		logger = logrus.New()
	}
	return &AMQPPublisher{
		url:      url,
		exchange: exchange,
		logger:   logger,
		dial:     dialAMQP,
	}
}

func dialAMQP(url string) (*amqp.Connection, channel, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, nil, err
	}
	return conn, ch, nil
}

func (p *AMQPPublisher) Publish(ctx context.Context, ev models.ScanEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	if err := p.ensureChannel(); err != nil {
		return err
	}

	err = p.ch.Publish(
		p.exchange, // exchange
		ev.Type,    // routing key
		false,      // mandatory
		false,      // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    ev.RunID,
			Timestamp:    time.Now().UTC(),
			Type:         ev.Type,
			Body:         body,
		})
	if err != nil {
		p.reset()
		return fmt.Errorf("publish %s: %w", ev.Type, err)
	}
	p.logger.Debugf("published %s for run %s", ev.Type, ev.RunID)
	return nil
}

func (p *AMQPPublisher) ensureChannel() error {
	if p.ch != nil {
		return nil
	}
	conn, ch, err := p.dial(p.url)
	if err != nil {
		return fmt.Errorf("connect to amqp: %w", err)
	}
	if err := ch.ExchangeDeclare(
		p.exchange, // name
		"topic",    // kind
		true,       // durable
		false,      // delete when unused
		false,      // internal
		false,      // no-wait
		nil,        // arguments
	); err != nil {
		ch.Close()
		if conn != nil {
			conn.Close()
		}
		return fmt.Errorf("declare exchange %s: %w", p.exchange, err)
	}
	p.conn, p.ch = conn, ch
	return nil
}

func (p *AMQPPublisher) reset() {
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		_ = p.conn.Close()
	}
	p.conn, p.ch = nil, nil
}

func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.reset()
	return nil
}

// NopPublisher drops every event.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, models.ScanEvent) error { return nil }

func (NopPublisher) Close() error { return nil }

type Publisher interface {
	Publish(ctx context.Context, ev models.ScanEvent) error
	Close() error
}

// NewPublisher returns an AMQP publisher when a URL is configured.
func NewPublisher(cfg models.EventsConfig, logger *logrus.Logger) Publisher {
	if cfg.AMQPURL == "" {
		return NopPublisher{}
	}
	return NewAMQPPublisher(cfg.AMQPURL, cfg.Exchange, logger)
}
