// Package retry decides whether a failed event gets another attempt and
// when, using capped exponential backoff over the action's delivery policy.
package retry

import (
	"time"

	"github.com/hookrelay/hookrelay/internal/delivery"
	"github.com/hookrelay/hookrelay/internal/event"
)

// DefaultCap bounds the computed backoff delay.
const DefaultCap = time.Hour

// Decision is the outcome of evaluating a failed event against its policy.
type Decision struct {
	Retry       bool
	Delay       time.Duration
	NextRetryAt time.Time
	Reason      string // set when Retry is false
}

// Scheduler computes backoff delays and retry eligibility. It is
// stateless apart from its configuration and safe for concurrent use.
type Scheduler struct {
	cap time.Duration
	now func() time.Time
}

// NewScheduler returns a scheduler with the given delay cap; zero or
// negative means DefaultCap.
func NewScheduler(cap time.Duration) *Scheduler {
	if cap <= 0 {
		cap = DefaultCap
	}
	return &Scheduler{cap: cap, now: func() time.Time { return time.Now().UTC() }}
}

// Backoff returns min(base * 2^retryCount, cap). retryCount is the event's
// current attempt count, 0-based.
func (s *Scheduler) Backoff(retryCount int, base time.Duration) time.Duration {
	if base <= 0 {
		base = delivery.DefaultRetryDelay
	}
	d := base
	for i := 0; i < retryCount; i++ {
		d *= 2
		if d >= s.cap {
			return s.cap
		}
	}
	if d > s.cap {
		return s.cap
	}
	return d
}

// Decide evaluates a failed event against the policy without mutating it.
func (s *Scheduler) Decide(ev *event.Event, p delivery.Policy) Decision {
	now := s.now()
	if !p.Semantic.AllowsRetry {
		return Decision{Reason: "semantic forbids retry"}
	}
	if !p.Unlimited() && ev.RetryCount >= *p.MaxRetries {
		return Decision{Reason: "max retries reached"}
	}
	if p.Expiry != nil && now.Sub(ev.CreatedAt) >= *p.Expiry {
		return Decision{Reason: "event expired"}
	}
	delay := s.Backoff(ev.RetryCount, p.RetryDelay)
	return Decision{
		Retry:       true,
		Delay:       delay,
		NextRetryAt: now.Add(delay),
	}
}

// Apply decides and transitions the failed event accordingly: eligible
// events move to scheduled_retry with next_retry_at set and the attempt
// count bumped, others move to exhausted. The transition itself can only
// fail on a defect (event not in failed state).
func (s *Scheduler) Apply(ev *event.Event, p delivery.Policy) (Decision, error) {
	d := s.Decide(ev, p)
	if !d.Retry {
		if err := ev.Transition(event.StatusExhausted); err != nil {
			return d, err
		}
		ev.NextRetryAt = nil
		return d, nil
	}
	if err := ev.Transition(event.StatusScheduledRetry); err != nil {
		return d, err
	}
	ev.RetryCount++
	next := d.NextRetryAt
	ev.NextRetryAt = &next
	return d, nil
}
