package events

import (
	"context"
	"encoding/json"
	"sync/atomic"

	sarama "github.com/IBM/sarama"
)

// KafkaSink publishes events as JSON messages keyed by lock key, so all
// events of one key land on the same partition in order.
type KafkaSink struct {
	producer  sarama.SyncProducer
	topic     string
	published atomic.Uint64
}

// NewKafkaSink wraps an existing producer.
func NewKafkaSink(producer sarama.SyncProducer, topic string) *KafkaSink {
	return &KafkaSink{producer: producer, topic: topic}
}

// DialKafkaSink connects a new SyncProducer to brokers.
func DialKafkaSink(brokers []string, topic string, cfg *sarama.Config) (*KafkaSink, error) {
	if cfg == nil {
		cfg = sarama.NewConfig()
	}
	cfg.Producer.Return.Successes = true
	producer, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, err
	}
	return NewKafkaSink(producer, topic), nil
}

// Emit implements Sink.
func (s *KafkaSink) Emit(ctx context.Context, ev Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{
		Topic: s.topic,
		Key:   sarama.StringEncoder(ev.Key),
		Value: sarama.ByteEncoder(data),
		Headers: []sarama.RecordHeader{
			{Key: []byte("type"), Value: []byte(ev.Type)},
		},
	}
	if _, _, err := s.producer.SendMessage(msg); err != nil {
		return err
	}
	s.published.Add(1)
	return nil
}

// Published returns the number of events acknowledged by the broker.
func (s *KafkaSink) Published() uint64 {
	return s.published.Load()
}

// Close releases the underlying producer.
func (s *KafkaSink) Close() error {
	return s.producer.Close()
}
