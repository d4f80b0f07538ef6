package notify

import "time"

const DLQType = "event.dlq"

// DeadLetter is the envelope published to the dead letter topic when an
// event's retry budget runs out.
type DeadLetter struct {
	Type         string            `json:"type"`    // "event.dlq"
	Version      string            `json:"version"` // schema version
	At           string            `json:"at"`      // RFC3339 time the DLQ was emitted
	Reason       string            `json:"reason"`  // human/debug text
	EventID      string            `json:"event_id"`
	ActionID     string            `json:"action_id,omitempty"`
	RetryCount   int               `json:"retry_count"`
	LastError    string            `json:"last_error,omitempty"`
	TraceHeaders map[string]string `json:"trace_headers,omitempty"`
}

func NewDeadLetter(eventID, actionID string, retryCount int, lastErr, reason string) DeadLetter {
	return DeadLetter{
		Type:       DLQType,
		Version:    "v1",
		At:         time.Now().Format(time.RFC3339Nano),
		Reason:     reason,
		EventID:    eventID,
		ActionID:   actionID,
		RetryCount: retryCount,
		LastError:  lastErr,
	}
}
