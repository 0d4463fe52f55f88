// Package ingest moves worker position updates off the request path: the
// gateway publishes them to kafka and the consumer process folds them into
// the redis geo index.
package ingest

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/servlink/internal/models"
)

type KafkaProducer struct {
	writer *kafka.Writer
}

func NewKafkaProducer(brokers []string, topic string) *KafkaProducer {
	w := kafka.NewWriter(kafka.WriterConfig{Brokers: brokers, Topic: topic, Balancer: &kafka.LeastBytes{}})
	return &KafkaProducer{writer: w}
}

// PublishPosition emits one worker position keyed by worker id so all
// updates for a worker land on the same partition, in order.
func (k *KafkaProducer) PublishPosition(w models.Worker) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	b, _ := json.Marshal(w)
	return k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(w.ID), Value: b})
}

func (k *KafkaProducer) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
