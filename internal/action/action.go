// Package action holds the canonical Action and Protocol shapes the
// delivery engine operates on.
package action

import (
	"time"

	"github.com/hookrelay/hookrelay/internal/delivery"
)

// Protocol describes one way of executing actions. The delivery policy is
// the protocol's default; actions may override it within AllowedSemantics.
type Protocol struct {
	ID               string              `json:"id"`
	Name             string              `json:"name"`
	Description      string              `json:"description,omitempty"`
	DefaultPolicy    delivery.Policy     `json:"default_policy"`
	AllowedSemantics []delivery.Semantic `json:"allowed_semantics,omitempty"`
}

// Action is a pre-registered unit of work the engine can execute.
type Action struct {
	ID          string           `json:"id"`
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	ProtocolID  string           `json:"protocol_id"`
	Config      map[string]any   `json:"config,omitempty"`
	Policy      *delivery.Policy `json:"policy,omitempty"` // nil = protocol default
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

// EffectivePolicy returns the action's policy override when present,
// otherwise the protocol default. Overrides are validated against the
// protocol's allowed semantics at registration time.
func (a *Action) EffectivePolicy(p Protocol) delivery.Policy {
	if a.Policy != nil {
		return *a.Policy
	}
	return p.DefaultPolicy
}

// Result is the outcome of one handler execution.
type Result struct {
	ActionID    string         `json:"action_id"`
	RequestID   string         `json:"request_id"`
	Success     bool           `json:"success"`
	Output      map[string]any `json:"output,omitempty"`
	Error       string         `json:"error,omitempty"`
	Permanent   bool           `json:"permanent,omitempty"` // failure the handler reports as non-retryable
	CompletedAt time.Time      `json:"completed_at"`
}
