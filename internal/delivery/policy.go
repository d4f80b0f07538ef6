package delivery

import (
	"errors"
	"fmt"
	"time"
)

// ErrIncompatibleSemantic is the sentinel wrapped by every PolicyError.
var ErrIncompatibleSemantic = errors.New("policy incompatible with delivery semantic")

// PolicyError reports a policy/semantic mismatch detected at construction
// or override time. It is a configuration-time failure and never surfaces
// during delivery of an in-flight event.
type PolicyError struct {
	Semantic string
	Reason   string
}

func (e *PolicyError) Error() string {
	return fmt.Sprintf("delivery policy for %q: %s", e.Semantic, e.Reason)
}

func (e *PolicyError) Unwrap() error { return ErrIncompatibleSemantic }

// Policy binds a semantic to concrete retry and expiry configuration.
// A Policy is attached to a Protocol as its default and may be overridden
// per Action; both paths go through Validate.
type Policy struct {
	Semantic   Semantic       `json:"semantic"`
	MaxRetries *int           `json:"max_retries"` // nil = unlimited
	RetryDelay time.Duration  `json:"retry_delay"` // base backoff duration
	Expiry     *time.Duration `json:"expiry"`      // nil = never expires
}

// DefaultRetryDelay is used when a policy is built without an explicit base delay.
const DefaultRetryDelay = 30 * time.Second

// NewPolicy constructs a validated Policy. maxRetries of nil means
// unlimited attempts; a zero retryDelay falls back to DefaultRetryDelay.
func NewPolicy(semantic Semantic, maxRetries *int, retryDelay time.Duration, expiry *time.Duration) (Policy, error) {
	if retryDelay <= 0 {
		retryDelay = DefaultRetryDelay
	}
	p := Policy{
		Semantic:   semantic,
		MaxRetries: maxRetries,
		RetryDelay: retryDelay,
		Expiry:     expiry,
	}
	if err := Validate(p); err != nil {
		return Policy{}, err
	}
	return p, nil
}

// Validate checks the policy invariants against its semantic. It is pure
// and safe to call from any goroutine.
func Validate(p Policy) error {
	if !p.Semantic.AllowsRetry {
		if p.MaxRetries == nil || *p.MaxRetries != 0 {
			return &PolicyError{
				Semantic: p.Semantic.Name,
				Reason:   "semantic forbids retries but max_retries is not zero",
			}
		}
	}
	if p.Semantic.RequiresDedup && !p.Semantic.RequiresAck {
		return &PolicyError{
			Semantic: p.Semantic.Name,
			Reason:   "deduplication requires acknowledgment",
		}
	}
	return nil
}

// ValidateOverride checks a caller-supplied policy override against the
// set of semantics a protocol allows. Overrides outside the allowed set
// are rejected rather than silently accepted.
func ValidateOverride(p Policy, allowed []Semantic) error {
	if err := Validate(p); err != nil {
		return err
	}
	for _, s := range allowed {
		if s.ID == p.Semantic.ID {
			return nil
		}
	}
	return &PolicyError{
		Semantic: p.Semantic.Name,
		Reason:   "semantic not permitted by protocol",
	}
}

// Unlimited reports whether the policy allows unbounded retry attempts.
func (p Policy) Unlimited() bool { return p.MaxRetries == nil }
