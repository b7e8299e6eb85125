package events

import (
	"context"
	"fmt"
	"log"
	"time"

	"cloud.google.com/go/pubsub"

	"github.com/disputeworks/core/internal/domain"
)

// PubSubFanout republishes every committed domain event envelope to a Cloud
// Pub/Sub topic for downstream analytics consumers. It wraps the in-process
// Bus: engines still get ordered synchronous delivery; Pub/Sub gets durable
// at-least-once delivery ordered per aggregate.
type PubSubFanout struct {
	*Bus

	client *pubsub.Client
	topic  *pubsub.Topic
	logger *log.Logger
}

// NewPubSubFanout connects to Pub/Sub and creates the topic if missing.
func NewPubSubFanout(bus *Bus, projectID, topicID string) (*PubSubFanout, error) {
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

	// Per-aggregate ordering downstream mirrors the in-process guarantee.
	topic.EnableMessageOrdering = true

	f := &PubSubFanout{
		Bus:    bus,
		client: client,
		topic:  topic,
		logger: log.New(log.Writer(), "[PUBSUB] ", log.LstdFlags),
	}
	f.logger.Printf("✅ Connected to Pub/Sub topic %s", topicID)
	return f, nil
}

// Publish forwards to the in-process bus, then to Pub/Sub.
func (f *PubSubFanout) Publish(ctx context.Context, evs []*domain.Event) {
	f.Bus.Publish(ctx, evs)

	for _, ev := range evs {
		payload, err := ev.JSON()
		if err != nil {
			f.logger.Printf("❌ Marshal event %s: %v", ev.ID, err)
			continue
		}
		f.topic.Publish(ctx, &pubsub.Message{
			Data:        payload,
			OrderingKey: ev.AggregateID,
			Attributes: map[string]string{
				"type":           ev.Type,
				"tenant":         ev.TenantID,
				"aggregate_type": ev.AggregateType,
			},
		})
	}
}

// Close flushes and shuts down the Pub/Sub client.
func (f *PubSubFanout) Close() {
	f.topic.Stop()
	f.client.Close()
}
