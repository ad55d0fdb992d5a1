// Package events publishes job and task state transitions to a Kafka topic.
//
// The stream is an audit trail for downstream consumers (dashboards, alerts).
// Publishing is fire-and-forget: the scheduler never blocks or fails on the
// event path.
package events

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/fairyhunter13/outreach-orchestrator/internal/domain"
)

// TopicEvents is the Kafka topic for orchestrator state transitions.
const TopicEvents = "orchestrator-events"

// KafkaPublisher implements domain.EventPublisher on franz-go.
type KafkaPublisher struct {
	client *kgo.Client
}

// NewKafkaPublisher connects to the brokers and ensures the topic exists.
func NewKafkaPublisher(ctx domain.Context, brokers []string) (*KafkaPublisher, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("op=events.NewKafkaPublisher: no seed brokers provided")
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.RequestRetries(10),
		kgo.ProducerBatchMaxBytes(1_000_000),
	)
	if err != nil {
		return nil, fmt.Errorf("op=events.NewKafkaPublisher: %w", err)
	}
	if err := createTopicIfNotExists(ctx, client, TopicEvents, 1, 1); err != nil {
		// Non-fatal: the topic usually pre-exists in shared clusters.
		slog.Warn("event topic ensure failed", slog.String("topic", TopicEvents), slog.Any("error", err))
	}
	slog.Info("kafka event publisher ready", slog.Any("brokers", brokers))
	return &KafkaPublisher{client: client}, nil
}

// Publish emits one event asynchronously. Errors are logged, never returned;
// the audit stream must not stall scheduling.
func (p *KafkaPublisher) Publish(ctx domain.Context, e domain.Event) {
	b, err := json.Marshal(e)
	if err != nil {
		slog.Error("event marshal failed", slog.String("type", e.Type), slog.Any("error", err))
		return
	}
	record := &kgo.Record{
		Topic: TopicEvents,
		Key:   []byte(e.JobID), // per-job ordering
		Value: b,
		Headers: []kgo.RecordHeader{
			{Key: "type", Value: []byte(e.Type)},
		},
	}
	p.client.Produce(ctx, record, func(_ *kgo.Record, err error) {
		if err != nil {
			slog.Error("event publish failed",
				slog.String("type", e.Type),
				slog.String("job_id", e.JobID),
				slog.Any("error", err))
		}
	})
}

// Close flushes and closes the underlying client.
func (p *KafkaPublisher) Close() error {
	if p.client != nil {
		p.client.Close()
	}
	return nil
}
