// Package pubsub publishes job notifications to Google Cloud Pub/Sub.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawlsched/internal/crawler"
)

// Publisher publishes JSON payloads to one topic per name.
type Publisher struct {
	client *pubsub.Client
	logger *zap.Logger
	topics map[string]*pubsub.Topic
}

// New connects to projectID and checks that topic exists.
func New(ctx context.Context, projectID, topic string, logger *zap.Logger) (*Publisher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, crawler.NewSetupError("pubsub client", err)
	}
	p := &Publisher{client: client, logger: logger.Named("pubsub"), topics: make(map[string]*pubsub.Topic)}
	t := client.Topic(topic)
	ok, err := t.Exists(ctx)
	if err != nil {
		p.closeAfterFailure()
		return nil, fmt.Errorf("check topic %q: %w", topic, err)
	}
	if !ok {
		p.closeAfterFailure()
		return nil, crawler.NewSetupError("pubsub topic", fmt.Errorf("topic %q does not exist in project %q", topic, projectID))
	}
	p.topics[topic] = t
	return p, nil
}

func (p *Publisher) closeAfterFailure() {
	if err := p.client.Close(); err != nil {
		p.logger.Warn("failed to close pubsub client", zap.Error(err))
	}
}

// Publish marshals payload to JSON and publishes it to topic. Notifications
// carry their job and status as attributes so subscribers can filter.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	t, ok := p.topics[topic]
	if !ok {
		return "", fmt.Errorf("publish: topic %q is not configured", topic)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	msg := &pubsub.Message{Data: data}
	if n, ok := payload.(crawler.Notification); ok {
		msg.Attributes = map[string]string{"job_id": n.JobID, "status": string(n.Status)}
	}
	id, err := t.Publish(ctx, msg).Get(ctx)
	if err != nil {
		return "", crawler.NewTransientError("publish message", err)
	}
	return id, nil
}

// Close flushes pending messages and releases the client.
func (p *Publisher) Close() error {
	for _, t := range p.topics {
		t.Stop()
	}
	return p.client.Close()
}
