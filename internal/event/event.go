package event

import (
	"time"

	"github.com/google/uuid"
)

// Direction marks which way a message is flowing relative to the service.
type Direction string

const (
	DirectionIncoming Direction = "incoming"
	DirectionOutgoing Direction = "outgoing"
)

// MetadataField is one name/value/category triple attached to an event.
// Order is preserved.
type MetadataField struct {
	Name     string `json:"name"`
	Value    string `json:"value"`
	Category string `json:"category,omitempty"`
}

// Event is one attempt-series for one delivery. Created by the ingestion
// pipeline in StatusPending; mutated only by the queue processor and retry
// scheduler afterwards. Events are never deleted by this engine.
type Event struct {
	ID            string          `json:"id"`
	ActionID      string          `json:"action_id"`
	Direction     Direction       `json:"direction"`
	Content       []byte          `json:"content"`
	ContentType   string          `json:"content_type"`
	Status        Status          `json:"status"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Metadata      []MetadataField `json:"metadata,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	ProcessedAt   *time.Time      `json:"processed_at,omitempty"`
	RetryCount    int             `json:"retry_count"`
	NextRetryAt   *time.Time      `json:"next_retry_at,omitempty"`
	LastError     string          `json:"last_error,omitempty"`
}

// New creates a pending event with a fresh id.
func New(actionID string, direction Direction, content []byte, contentType, correlationID string) *Event {
	return &Event{
		ID:            uuid.NewString(),
		ActionID:      actionID,
		Direction:     direction,
		Content:       content,
		ContentType:   contentType,
		Status:        StatusPending,
		CorrelationID: correlationID,
		CreatedAt:     time.Now().UTC(),
	}
}

// AddMetadata appends a metadata triple, preserving insertion order.
func (e *Event) AddMetadata(name, value, category string) {
	e.Metadata = append(e.Metadata, MetadataField{Name: name, Value: value, Category: category})
}
