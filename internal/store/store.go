// Package store defines the repository contracts the delivery engine
// consumes and provides the in-memory and Postgres implementations.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/hookrelay/hookrelay/internal/action"
	"github.com/hookrelay/hookrelay/internal/event"
	"github.com/hookrelay/hookrelay/internal/routing"
)

var (
	// ErrNotFound reports expected absence; callers branch on it rather
	// than treating it as a defect.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyClaimed reports that another worker won the claim race.
	// The loser skips the event.
	ErrAlreadyClaimed = errors.New("event already claimed")
)

// Webhook is a configured inbound endpoint. The key is the shared secret
// checked before anything is stored; Routing optionally maps payload
// content to destination actions.
type Webhook struct {
	ID       string
	Key      string
	ActionID string // default destination when routing yields nothing
	Routing  *routing.Configuration
	Enabled  bool
	Config   map[string]any
}

// Receipt is the durable record of one accepted inbound call, 1:1 with
// the event it spawned.
type Receipt struct {
	ResponseID    string            `json:"response_id"`
	WebhookID     string            `json:"webhook_id"`
	RawHeaders    map[string]string `json:"raw_headers,omitempty"`
	RawBody       []byte            `json:"raw_body"`
	ContentType   string            `json:"content_type"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	Timestamp     time.Time         `json:"timestamp"`
}

// Result is the stored outcome of an event's attempt series.
type Result struct {
	ResponseID string         `json:"response_id"`
	Success    bool           `json:"success"`
	Output     map[string]any `json:"output,omitempty"`
	Error      string         `json:"error,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

// WebhookRepository looks up webhook configuration.
type WebhookRepository interface {
	GetWebhook(ctx context.Context, id string) (*Webhook, error)
	ValidateKey(ctx context.Context, id, key string) (bool, error)
}

// ActionRepository looks up pre-registered actions and protocols.
type ActionRepository interface {
	GetAction(ctx context.Context, id string) (*action.Action, error)
	GetProtocol(ctx context.Context, id string) (*action.Protocol, error)
}

// EventRepository persists events and receipts and owns the two atomic
// operations the engine's correctness rests on: dedup-aware recording of
// received deliveries, and the pending/scheduled_retry -> processing claim.
type EventRepository interface {
	// RecordReceived persists the receipt and its pending event. When the
	// receipt carries a correlation id that matches a non-terminal event
	// for the same webhook, the existing response id is returned with
	// created == false and nothing new is stored. The check-and-insert is
	// atomic with respect to concurrent duplicate deliveries.
	RecordReceived(ctx context.Context, rcpt *Receipt, ev *event.Event) (responseID string, created bool, err error)

	GetEvent(ctx context.Context, id string) (*event.Event, error)

	// Claim atomically moves one event from pending/scheduled_retry to
	// processing; events whose next_retry_at is in the future are not
	// claimable. Exactly one of n racing claimers wins; the rest get
	// ErrAlreadyClaimed.
	Claim(ctx context.Context, id string, now time.Time) (*event.Event, error)

	// ClaimBatch claims up to limit due events, oldest first.
	ClaimBatch(ctx context.Context, now time.Time, limit int) ([]*event.Event, error)

	// Update persists mutations made by the event's owning worker.
	Update(ctx context.Context, ev *event.Event) error
}

// ResultRepository stores and serves terminal outcomes.
type ResultRepository interface {
	StoreResult(ctx context.Context, res *Result) error
	GetResult(ctx context.Context, responseID string) (*Result, error)
}

// Set bundles the repositories a component needs. Constructed once at
// startup and passed by injection; there is no process-global state.
type Set struct {
	Webhooks WebhookRepository
	Actions  ActionRepository
	Events   EventRepository
	Results  ResultRepository
}
