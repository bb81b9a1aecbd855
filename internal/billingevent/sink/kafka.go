package sink

import (
	"context"
	"fmt"
	"strings"

	"github.com/IBM/sarama"
	"github.com/smallbiznis/nestbill/internal/billingevent/domain"
)

// KafkaSink produces one record per event keyed by subscription id, so a
// subscription's events stay ordered within a partition.
type KafkaSink struct {
	producer sarama.SyncProducer
	topic    string
}

func NewKafkaSink(brokers []string, topic string) (*KafkaSink, error) {
	if len(brokers) == 0 || strings.TrimSpace(topic) == "" {
		return nil, domain.ErrSinkNotConfigured
	}

	cfg := sarama.NewConfig()
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 3
	cfg.Producer.Return.Successes = true
	cfg.Producer.Idempotent = true
	cfg.Net.MaxOpenRequests = 1
	cfg.Version = sarama.V2_8_0_0

	producer, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}
	return newKafkaSink(producer, topic), nil
}

func newKafkaSink(producer sarama.SyncProducer, topic string) *KafkaSink {
	return &KafkaSink{producer: producer, topic: strings.TrimSpace(topic)}
}

func (s *KafkaSink) Name() string { return "kafka" }

func (s *KafkaSink) Publish(_ context.Context, event domain.BillingEvent) error {
	value, err := event.Marshal()
	if err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{
		Topic: s.topic,
		Key:   sarama.StringEncoder(event.SubscriptionID.String()),
		Value: sarama.ByteEncoder(value),
		Headers: []sarama.RecordHeader{
			{Key: []byte("event_type"), Value: []byte(event.EventType)},
			{Key: []byte("idempotency_key"), Value: []byte(event.IdempotencyKey)},
		},
	}
	if _, _, err := s.producer.SendMessage(msg); err != nil {
		return fmt.Errorf("send billing event to %q: %w", s.topic, err)
	}
	return nil
}

func (s *KafkaSink) Close() error {
	return s.producer.Close()
}
