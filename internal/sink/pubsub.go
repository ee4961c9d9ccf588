// Package sink forwards usage events to Cloud Pub/Sub for durable,
// at-least-once delivery to downstream billing consumers. The local
// store append stays synchronous; the sink is fire-and-forget.
package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"cloud.google.com/go/pubsub"

	"github.com/agentmold/backend/internal/store"
)

// Sink publishes usage events. The nil *PubSubSink is a no-op so the
// gateway can hold one unconditionally.
type Sink interface {
	EmitUsage(event store.UsageEvent)
	Close() error
}

// PubSubSink publishes every usage event to one topic, ordered per
// customer so downstream consumers replay a tenant's spend in order.
type PubSubSink struct {
	client *pubsub.Client
	topic  *pubsub.Topic
	logger *log.Logger
}

// NewPubSubSink connects to Pub/Sub and creates the topic if missing.
func NewPubSubSink(projectID, topicID string) (*PubSubSink, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub.NewClient: %w", err)
	}

	topic := client.Topic(topicID)
	exists, err := topic.Exists(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("topic.Exists: %w", err)
	}
	if !exists {
		topic, err = client.CreateTopic(ctx, topicID)
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("CreateTopic: %w", err)
		}
	}
	topic.EnableMessageOrdering = true

	s := &PubSubSink{
		client: client,
		topic:  topic,
		logger: log.New(log.Writer(), "[SINK] ", log.LstdFlags),
	}
	s.logger.Printf("✅ Connected to Pub/Sub topic: projects/%s/topics/%s", projectID, topicID)
	return s, nil
}

// EmitUsage publishes one usage event. Failures are logged, never
// surfaced to the request path.
func (s *PubSubSink) EmitUsage(event store.UsageEvent) {
	if s == nil {
		return
	}
	payload, err := json.Marshal(event)
	if err != nil {
		s.logger.Printf("❌ marshal usage event %s: %v", event.CorrelationID, err)
		return
	}

	msg := &pubsub.Message{
		Data: payload,
		Attributes: map[string]string{
			"event_type":     string(event.EventType),
			"customer_id":    event.CustomerID,
			"agent_id":       event.AgentID,
			"correlation_id": event.CorrelationID,
			"ts":             event.Timestamp.Format(time.RFC3339Nano),
		},
		OrderingKey: event.CustomerID,
	}

	result := s.topic.Publish(context.Background(), msg)
	go func() {
		if _, err := result.Get(context.Background()); err != nil {
			s.logger.Printf("❌ publish usage event %s: %v", event.CorrelationID, err)
		}
	}()
}

// Close drains pending publishes and releases the client.
func (s *PubSubSink) Close() error {
	if s == nil {
		return nil
	}
	s.topic.Stop()
	return s.client.Close()
}
