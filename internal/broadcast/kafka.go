package broadcast

import (
	"context"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/ethereum/go-ethereum/log"

	"github.com/lsd-guardian/guardian/internal/types"
)

// KafkaPublisher publishes messages to BROKER_TOPIC via a synchronous
// Sarama producer, retrying within BUS_PUBLISH_TIMEOUT on transient
// failures.
type KafkaPublisher struct {
	producer sarama.SyncProducer
	topic    string
	timeout  time.Duration
}

// KafkaConfig bundles the KAFKA_* options from §6.
type KafkaConfig struct {
	Brokers       []string
	ClientID      string
	Topic         string
	SSL           bool
	SASLMechanism string
	Username      string
	Password      string
	Timeout       time.Duration
}

// DialKafka builds a synchronous producer against cfg.Brokers.
func DialKafka(cfg KafkaConfig) (*KafkaPublisher, error) {
	conf := sarama.NewConfig()
	conf.ClientID = cfg.ClientID
	conf.Producer.Return.Successes = true
	conf.Producer.RequiredAcks = sarama.WaitForAll
	conf.Producer.Retry.Max = 5
	conf.Net.TLS.Enable = cfg.SSL

	if cfg.SASLMechanism != "" {
		conf.Net.SASL.Enable = true
		conf.Net.SASL.User = cfg.Username
		conf.Net.SASL.Password = cfg.Password
		conf.Net.SASL.Mechanism = sarama.SASLMechanism(cfg.SASLMechanism)
	}

	producer, err := sarama.NewSyncProducer(cfg.Brokers, conf)
	if err != nil {
		return nil, types.Transient("broadcast.DialKafka", err)
	}
	return &KafkaPublisher{producer: producer, topic: cfg.Topic, timeout: cfg.Timeout}, nil
}

func (p *KafkaPublisher) Publish(ctx context.Context, msg Message) error {
	body, err := Encode(msg)
	if err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() {
		_, _, err := p.producer.SendMessage(&sarama.ProducerMessage{
			Topic: p.topic,
			Key:   sarama.StringEncoder(fmt.Sprintf("%s-%d-%d", msg.Type, msg.BlockNumber, msg.StakingModuleID)),
			Value: sarama.ByteEncoder(body),
		})
		done <- err
	}()

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	select {
	case err := <-done:
		if err != nil {
			log.Warn("broadcast: kafka publish failed", "err", err)
			return types.Transient("broadcast.KafkaPublisher.Publish", err)
		}
		return nil
	case <-ctx.Done():
		return types.Transient("broadcast.KafkaPublisher.Publish", ctx.Err())
	}
}

func (p *KafkaPublisher) Close() error {
	return p.producer.Close()
}
