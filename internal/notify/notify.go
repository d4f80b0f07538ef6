package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nsqio/go-nsq"

	"github.com/hookrelay/hookrelay/internal/tracing"
)

// Wakeup is the message published to the events topic whenever an event is
// queued. Workers treat it as a nudge to run a processing pass; the database
// row remains the source of truth.
type Wakeup struct {
	Type         string            `json:"type"` // "event.queued"
	EventID      string            `json:"event_id"`
	WebhookID    string            `json:"webhook_id,omitempty"`
	ActionID     string            `json:"action_id,omitempty"`
	QueuedAt     string            `json:"queued_at"` // RFC3339
	TraceHeaders map[string]string `json:"trace_headers,omitempty"`
}

const WakeupType = "event.queued"

// Publisher fans event notifications out over NSQ.
type Publisher interface {
	EventQueued(ctx context.Context, eventID, webhookID, actionID string) error
	DeadLettered(ctx context.Context, dl DeadLetter) error
	Ping(ctx context.Context) error
}

// NSQPublisher publishes wake-up and dead-letter messages to nsqd.
type NSQPublisher struct {
	prod        *nsq.Producer
	eventsTopic string
	dlqTopic    string
}

func NewNSQPublisher(prod *nsq.Producer, eventsTopic, dlqTopic string) *NSQPublisher {
	return &NSQPublisher{prod: prod, eventsTopic: eventsTopic, dlqTopic: dlqTopic}
}

func (p *NSQPublisher) EventQueued(ctx context.Context, eventID, webhookID, actionID string) error {
	msg := Wakeup{
		Type:         WakeupType,
		EventID:      eventID,
		WebhookID:    webhookID,
		ActionID:     actionID,
		QueuedAt:     time.Now().UTC().Format(time.RFC3339),
		TraceHeaders: tracing.InjectHeaders(ctx),
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return p.prod.Publish(p.eventsTopic, b)
}

func (p *NSQPublisher) DeadLettered(ctx context.Context, dl DeadLetter) error {
	dl.TraceHeaders = tracing.InjectHeaders(ctx)
	b, err := json.Marshal(dl)
	if err != nil {
		return err
	}
	return p.prod.Publish(p.dlqTopic, b)
}

func (p *NSQPublisher) Ping(ctx context.Context) error {
	return p.prod.Ping()
}

// Noop discards every notification. Used when NSQ is not configured.
type Noop struct{}

func (Noop) EventQueued(ctx context.Context, eventID, webhookID, actionID string) error { return nil }
func (Noop) DeadLettered(ctx context.Context, dl DeadLetter) error                      { return nil }
func (Noop) Ping(ctx context.Context) error                                            { return nil }
