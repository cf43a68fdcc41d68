package relay

import (
	"context"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/segmentio/kafka-go"

	"github.com/uhyunpark/matchcore/params"
)

// Message is one encoded event. Key is the event's partition key, so every
// event of an account or a symbol lands on the same partition in order.
type Message struct {
	Key   []byte
	Value []byte
}

// Publisher delivers a batch synchronously. A nil error means the broker
// acknowledged every message.
type Publisher interface {
	Publish(ctx context.Context, msgs []Message) error
	Close() error
}

// NewPublisher builds the publisher selected by cfg.Driver. It returns
// (nil, nil) for "none".
func NewPublisher(cfg params.Events) (Publisher, error) {
	switch cfg.Driver {
	case "", "none":
		return nil, nil
	case "kafka-go":
		return NewKafkaPublisher(cfg.Brokers, cfg.Topic), nil
	case "sarama":
		return NewSaramaPublisher(cfg.Brokers, cfg.Topic)
	default:
		return nil, fmt.Errorf("unknown events driver %q", cfg.Driver)
	}
}

type KafkaPublisher struct {
	writer *kafka.Writer
}

func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			Async:        false,
			BatchTimeout: 10 * time.Millisecond,
		},
	}
}

func (p *KafkaPublisher) Publish(ctx context.Context, msgs []Message) error {
	out := make([]kafka.Message, len(msgs))
	for i, m := range msgs {
		out[i] = kafka.Message{Key: m.Key, Value: m.Value}
	}
	return p.writer.WriteMessages(ctx, out...)
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

type SaramaPublisher struct {
	producer sarama.SyncProducer
	topic    string
}

func NewSaramaPublisher(brokers []string, topic string) (*SaramaPublisher, error) {
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 5
	cfg.Producer.Partitioner = sarama.NewHashPartitioner

	producer, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create sarama producer: %w", err)
	}
	return &SaramaPublisher{producer: producer, topic: topic}, nil
}

// Publish ignores ctx; the sync producer bounds itself with its own retry
// and timeout settings.
func (p *SaramaPublisher) Publish(_ context.Context, msgs []Message) error {
	out := make([]*sarama.ProducerMessage, len(msgs))
	for i, m := range msgs {
		out[i] = &sarama.ProducerMessage{
			Topic: p.topic,
			Key:   sarama.ByteEncoder(m.Key),
			Value: sarama.ByteEncoder(m.Value),
		}
	}
	return p.producer.SendMessages(out)
}

func (p *SaramaPublisher) Close() error {
	return p.producer.Close()
}
