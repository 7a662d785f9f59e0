// Package notify publishes ledger events to RabbitMQ for downstream consumers.
package notify

import (
	"context"
	"time"
)

const (
	EventGrantIssued = "credit.grant_issued"
	EventDebited     = "credit.debited"
)

// Event is the JSON body published for every committed ledger change.
// The event type doubles as the routing key.
type Event struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	UserID     string         `json:"user_id"`
	Payload    map[string]any `json:"payload,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}

type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// Noop drops events when no broker is configured.
type Noop struct{}

func (Noop) Publish(context.Context, Event) error { return nil }
