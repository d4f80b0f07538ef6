package event

import "fmt"

// Status is the lifecycle state of an event.
type Status string

const (
	StatusPending        Status = "pending"
	StatusProcessing     Status = "processing"
	StatusCompleted      Status = "completed"
	StatusFailed         Status = "failed"
	StatusScheduledRetry Status = "scheduled_retry"
	StatusExhausted Status = "exhausted"

	// StatusRejected is terminal pending -> rejected. The ingestion
	// pipeline rejects before any event exists, so nothing here produces
	// it; the state is reserved for stores that persist then validate.
	StatusRejected Status = "rejected"
)

// transitions is the canonical lifecycle table. Anything outside it is a
// programming error, surfaced as InvalidTransitionError.
var transitions = map[Status][]Status{
	StatusPending:        {StatusProcessing, StatusRejected},
	StatusProcessing:     {StatusCompleted, StatusFailed},
	StatusFailed:         {StatusScheduledRetry, StatusExhausted},
	StatusScheduledRetry: {StatusProcessing},
	StatusCompleted:      {},
	StatusExhausted:      {},
	StatusRejected:       {},
}

// InvalidTransitionError reports an attempt to move an event outside the
// lifecycle table. Callers treat it as a defect, not a business failure.
type InvalidTransitionError struct {
	EventID string
	From    Status
	To      Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("event %s: invalid transition %s -> %s", e.EventID, e.From, e.To)
}

// CanTransition reports whether from -> to is in the lifecycle table.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition moves the event to the given status, failing loudly on any
// move the lifecycle table does not allow.
func (e *Event) Transition(to Status) error {
	if !CanTransition(e.Status, to) {
		return &InvalidTransitionError{EventID: e.ID, From: e.Status, To: to}
	}
	e.Status = to
	return nil
}

// Terminal reports whether the status ends the attempt series. A failed
// event is not terminal: it still moves to scheduled_retry or exhausted.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusExhausted || s == StatusRejected
}

// Public maps internal statuses onto the four states exposed by the status
// endpoint. A scheduled retry is still externally "processing"; exhausted
// and rejected both surface as "failed".
func (s Status) Public() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusProcessing, StatusScheduledRetry:
		return "processing"
	case StatusCompleted:
		return "completed"
	default:
		return "failed"
	}
}
