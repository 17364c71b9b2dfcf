// Package kafka forwards domain events from the in-process bus to a Kafka topic.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/IBM/sarama"

	"github.com/frahmantamala/member-payments/internal/core/events"
)

type envelope struct {
	ID        string      `json:"id"`
	Type      string      `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

type Forwarder struct {
	producer sarama.SyncProducer
	topic    string
	logger   *slog.Logger
}

// NewProducer builds a sync producer that waits for all in-sync replicas.
func NewProducer(brokers []string) (sarama.SyncProducer, error) {
	config := sarama.NewConfig()
	config.Producer.Return.Successes = true
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 5

	producer, err := sarama.NewSyncProducer(brokers, config)
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}
	return producer, nil
}

func NewForwarder(producer sarama.SyncProducer, topic string, logger *slog.Logger) *Forwarder {
	return &Forwarder{producer: producer, topic: topic, logger: logger}
}

// Register subscribes the forwarder to every event on the bus.
func (f *Forwarder) Register(bus *events.EventBus) {
	bus.Subscribe(events.AllEvents, f.Handle)
}

// Handle publishes one event. Messages are keyed by intent id so a consumer sees each
// intent's events in order.
func (f *Forwarder) Handle(ctx context.Context, event events.Event) error {
	data, err := json.Marshal(envelope{
		ID:        event.EventID(),
		Type:      event.EventType(),
		Timestamp: event.OccurredAt(),
		Data:      event.Payload(),
	})
	if err != nil {
		return fmt.Errorf("marshal %s: %w", event.EventType(), err)
	}

	msg := &sarama.ProducerMessage{
		Topic: f.topic,
		Value: sarama.ByteEncoder(data),
		Headers: []sarama.RecordHeader{
			{Key: []byte("event_type"), Value: []byte(event.EventType())},
		},
	}
	if key := intentKey(event); key != "" {
		msg.Key = sarama.StringEncoder(key)
	}

	partition, offset, err := f.producer.SendMessage(msg)
	if err != nil {
		return fmt.Errorf("send %s to kafka: %w", event.EventType(), err)
	}

	f.logger.Debug("event forwarded to kafka",
		"event_type", event.EventType(),
		"event_id", event.EventID(),
		"partition", partition,
		"offset", offset)
	return nil
}

func (f *Forwarder) Close() error {
	return f.producer.Close()
}

func intentKey(event events.Event) string {
	data, ok := event.Payload().(map[string]interface{})
	if !ok {
		return ""
	}
	id, _ := data["intent_id"].(string)
	return id
}
