package broadcast

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/google/uuid"
	"github.com/streadway/amqp"

	"github.com/lsd-guardian/guardian/internal/types"
)

// RabbitMQPublisher publishes messages to a single topic exchange over
// AMQP, retrying transient publish failures with capped exponential
// backoff within BUS_PUBLISH_TIMEOUT, per §5/§7.
type RabbitMQPublisher struct {
	conn     *amqp.Connection
	ch       *amqp.Channel
	exchange string
	routingKey string
	timeout  time.Duration
}

// RabbitMQConfig bundles the RABBITMQ_* options from §6.
type RabbitMQConfig struct {
	URL      string
	Login    string
	Passcode string
	Topic    string
	Timeout  time.Duration
}

// DialRabbitMQ connects and declares the topic exchange the daemon
// publishes to.
func DialRabbitMQ(cfg RabbitMQConfig) (*RabbitMQPublisher, error) {
	url := cfg.URL
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, types.Transient("broadcast.DialRabbitMQ", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, types.Transient("broadcast.DialRabbitMQ", fmt.Errorf("opening channel: %w", err))
	}
	if err := ch.ExchangeDeclare(cfg.Topic, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, types.Transient("broadcast.DialRabbitMQ", fmt.Errorf("declaring exchange: %w", err))
	}
	return &RabbitMQPublisher{conn: conn, ch: ch, exchange: cfg.Topic, timeout: cfg.Timeout}, nil
}

func (p *RabbitMQPublisher) Publish(ctx context.Context, msg Message) error {
	body, err := Encode(msg)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	corrID := uuid.NewString()
	backoff := 100 * time.Millisecond
	var lastErr error
	for attempt := 0; ; attempt++ {
		err := p.ch.Publish(p.exchange, p.routingKey, false, false, amqp.Publishing{
			ContentType: "application/json",
			MessageId:   corrID,
			Body:        body,
		})
		if err == nil {
			return nil
		}
		lastErr = err
		log.Warn("broadcast: rabbitmq publish failed, retrying", "correlation_id", corrID, "attempt", attempt, "err", err)

		select {
		case <-ctx.Done():
			return types.Transient("broadcast.RabbitMQPublisher.Publish", fmt.Errorf("giving up after %d attempts: %w", attempt+1, lastErr))
		case <-time.After(jitter(backoff)):
		}
		backoff *= 2
		if backoff > 5*time.Second {
			backoff = 5 * time.Second
		}
	}
}

func (p *RabbitMQPublisher) Close() error {
	if err := p.ch.Close(); err != nil {
		return err
	}
	return p.conn.Close()
}

func jitter(d time.Duration) time.Duration {
	return d/2 + time.Duration(rand.Int63n(int64(d)))
}
