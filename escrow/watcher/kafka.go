package watcher

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
)

// Producer is the part of *kafka.Producer the sink uses.
type Producer interface {
	Produce(msg *kafka.Message, deliveryChan chan kafka.Event) error
	Close()
}

// NewKafkaProducer connects an idempotent producer to brokers.
func NewKafkaProducer(brokers []string, clientID string) (*kafka.Producer, error) {
	config := kafka.ConfigMap{
		"bootstrap.servers":  strings.Join(brokers, ","),
		"client.id":          clientID,
		"acks":               "all",
		"enable.idempotence": true,
	}
	producer, err := kafka.NewProducer(&config)
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}
	return producer, nil
}

// KafkaSink publishes each observation as a JSON record keyed by
// chain, handle, and index.
type KafkaSink struct {
	producer Producer
	topic    string
}

// NewKafkaSink builds a sink publishing to topic.
func NewKafkaSink(producer Producer, topic string) (*KafkaSink, error) {
	if producer == nil {
		return nil, fmt.Errorf("kafka sink: producer required")
	}
	if strings.TrimSpace(topic) == "" {
		return nil, fmt.Errorf("kafka sink: topic required")
	}
	return &KafkaSink{producer: producer, topic: topic}, nil
}

// Name implements Sink.
func (s *KafkaSink) Name() string { return "kafka" }

// Deliver implements Sink. It returns once the broker acknowledged every
// message of the batch.
func (s *KafkaSink) Deliver(ctx context.Context, batch []Observation) error {
	reports := make(chan kafka.Event, len(batch))
	for _, o := range batch {
		value, err := json.Marshal(NewRecord(o))
		if err != nil {
			return fmt.Errorf("encode %s record: %w", o.Name, err)
		}
		topic := s.topic
		err = s.producer.Produce(&kafka.Message{
			TopicPartition: kafka.TopicPartition{Topic: &topic, Partition: kafka.PartitionAny},
			Key:            []byte(fmt.Sprintf("%s:%s:%d", o.Chain, o.Handle, o.Index)),
			Value:          value,
			Headers:        []kafka.Header{{Key: "event", Value: []byte(o.Name)}},
		}, reports)
		if err != nil {
			return fmt.Errorf("produce: %w", err)
		}
	}
	for pending := len(batch); pending > 0; {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-reports:
			switch e := ev.(type) {
			case *kafka.Message:
				if e.TopicPartition.Error != nil {
					return fmt.Errorf("deliver to %s: %w", s.topic, e.TopicPartition.Error)
				}
				pending--
			case kafka.Error:
				return fmt.Errorf("kafka: %w", e)
			}
		}
	}
	return nil
}

// Close releases the producer.
func (s *KafkaSink) Close() { s.producer.Close() }
