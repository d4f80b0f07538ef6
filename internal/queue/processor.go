// Package queue drains pending events: it claims due work, executes the
// action's protocol handler, and settles each event as completed, scheduled
// for retry, or exhausted.
package queue

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/hookrelay/hookrelay/internal/action"
	"github.com/hookrelay/hookrelay/internal/delivery"
	"github.com/hookrelay/hookrelay/internal/event"
	"github.com/hookrelay/hookrelay/internal/logging"
	"github.com/hookrelay/hookrelay/internal/metrics"
	"github.com/hookrelay/hookrelay/internal/notify"
	"github.com/hookrelay/hookrelay/internal/protocol"
	"github.com/hookrelay/hookrelay/internal/retry"
	"github.com/hookrelay/hookrelay/internal/store"
	"github.com/hookrelay/hookrelay/internal/tracing"
)

var (
	errUnknownAction      = errors.New("action not registered")
	errUnknownProtocolRef = errors.New("action references unknown protocol")
)

// Stats summarizes one processing pass. Failed counts every failed attempt;
// RetryScheduled is the subset that got another attempt, the remainder went
// to exhausted.
type Stats struct {
	Processed      int `json:"processed"`
	Succeeded      int `json:"succeeded"`
	Failed         int `json:"failed"`
	RetryScheduled int `json:"retry_scheduled"`
}

// Options tunes processor behavior beyond its collaborators.
type Options struct {
	PublishDLQ bool
}

// Processor owns the claim-execute-settle loop. Safe for concurrent use;
// the claim is what keeps two processors off the same event.
type Processor struct {
	stores     store.Set
	registry   *protocol.Registry
	scheduler  *retry.Scheduler
	pub        notify.Publisher
	log        *logging.Logger
	publishDLQ bool
	now        func() time.Time
}

func NewProcessor(stores store.Set, registry *protocol.Registry, scheduler *retry.Scheduler, pub notify.Publisher, log *logging.Logger, opts Options) *Processor {
	if pub == nil {
		pub = notify.Noop{}
	}
	return &Processor{
		stores:     stores,
		registry:   registry,
		scheduler:  scheduler,
		pub:        pub,
		log:        log,
		publishDLQ: opts.PublishDLQ,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// ProcessBatch claims up to limit due events and processes them in claim
// order. A handler failure settles its own event and never aborts the rest
// of the batch.
func (p *Processor) ProcessBatch(ctx context.Context, limit int) (Stats, error) {
	ctx, span := tracing.StartSpan(ctx, "queue.ProcessBatch",
		attribute.Int("limit", limit),
	)
	defer span.End()

	var stats Stats
	events, err := p.stores.Events.ClaimBatch(ctx, p.now(), limit)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return stats, err
	}

	for _, ev := range events {
		p.processClaimed(ctx, ev, &stats)
	}

	span.SetAttributes(
		attribute.Int("processed", stats.Processed),
		attribute.Int("succeeded", stats.Succeeded),
		attribute.Int("failed", stats.Failed),
		attribute.Int("retry_scheduled", stats.RetryScheduled),
	)
	return stats, nil
}

// ProcessOne claims and processes a single event, typically in response to
// a wake-up message. Losing the claim race or finding the event not yet due
// is not an error.
func (p *Processor) ProcessOne(ctx context.Context, eventID string) error {
	ev, err := p.stores.Events.Claim(ctx, eventID, p.now())
	if err != nil {
		if errors.Is(err, store.ErrAlreadyClaimed) {
			metrics.RecordClaimConflict()
			return nil
		}
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}
	var stats Stats
	p.processClaimed(ctx, ev, &stats)
	return nil
}

// processClaimed executes one already-claimed event and settles it. The
// event is in processing state on entry.
func (p *Processor) processClaimed(ctx context.Context, ev *event.Event, stats *Stats) {
	ctx, span := tracing.StartSpan(ctx, "queue.process_event",
		attribute.String("event_id", ev.ID),
		attribute.String("action_id", ev.ActionID),
		attribute.Int("retry_count", ev.RetryCount),
	)
	defer span.End()

	stats.Processed++

	act, proto, err := p.resolveAction(ctx, ev.ActionID)
	if err != nil {
		// An event pointing at a missing or unregistered action cannot
		// succeed on a later attempt either.
		p.settleFailure(ctx, ev, delivery.Policy{}, err.Error(), true, stats)
		return
	}
	policy := act.EffectivePolicy(*proto)
	if act.Policy != nil {
		if err := delivery.ValidateOverride(policy, allowedSemantics(proto)); err != nil {
			// A corrupt override must not drive retry decisions.
			p.settleFailure(ctx, ev, delivery.Policy{}, "policy override rejected: "+err.Error(), true, stats)
			return
		}
	}

	handler, err := p.registry.Handler(proto.ID, act.Config)
	if err != nil {
		p.settleFailure(ctx, ev, policy, err.Error(), true, stats)
		return
	}

	// No engine-level deadline: timeouts and cancellation are the
	// handler's own contract.
	start := time.Now()
	res, execErr := handler.Execute(ctx, act, ev.Content)
	metrics.RecordHandlerLatency(proto.ID, time.Since(start))

	if execErr != nil {
		p.settleFailure(ctx, ev, policy, execErr.Error(), false, stats)
		return
	}
	if !res.Success {
		p.settleFailure(ctx, ev, policy, res.Error, res.Permanent, stats)
		return
	}

	p.settleSuccess(ctx, ev, res, stats)
}

// allowedSemantics is the override budget for a protocol: its declared
// allowed set, or just the default policy's semantic when it declares none.
func allowedSemantics(proto *action.Protocol) []delivery.Semantic {
	if len(proto.AllowedSemantics) > 0 {
		return proto.AllowedSemantics
	}
	return []delivery.Semantic{proto.DefaultPolicy.Semantic}
}

func (p *Processor) resolveAction(ctx context.Context, actionID string) (*action.Action, *action.Protocol, error) {
	act, err := p.stores.Actions.GetAction(ctx, actionID)
	if err != nil {
		return nil, nil, errors.Join(errUnknownAction, err)
	}
	proto, err := p.stores.Actions.GetProtocol(ctx, act.ProtocolID)
	if err != nil {
		return act, nil, errors.Join(errUnknownProtocolRef, err)
	}
	return act, proto, nil
}

func (p *Processor) settleSuccess(ctx context.Context, ev *event.Event, res *action.Result, stats *Stats) {
	if err := ev.Transition(event.StatusCompleted); err != nil {
		p.log.WithContext(ctx).WithEvent(ev.ID).WithError(err).Error("settle success: bad state")
		return
	}
	now := p.now()
	ev.ProcessedAt = &now
	ev.LastError = ""
	ev.NextRetryAt = nil

	if err := p.stores.Events.Update(ctx, ev); err != nil {
		tracing.SetSpanError(ctx, err)
		p.log.WithContext(ctx).WithEvent(ev.ID).WithError(err).Error("persist completed event")
		return
	}
	if err := p.stores.Results.StoreResult(ctx, &store.Result{
		ResponseID: ev.ID,
		Success:    true,
		Output:     res.Output,
		Timestamp:  now,
	}); err != nil {
		p.log.WithContext(ctx).WithEvent(ev.ID).WithError(err).Error("store success result")
	}

	stats.Succeeded++
	metrics.RecordOutcome("completed")
	p.log.WithContext(ctx).WithEvent(ev.ID).WithAction(ev.ActionID).Info("event completed")
}

func (p *Processor) settleFailure(ctx context.Context, ev *event.Event, policy delivery.Policy, msg string, permanent bool, stats *Stats) {
	if err := ev.Transition(event.StatusFailed); err != nil {
		p.log.WithContext(ctx).WithEvent(ev.ID).WithError(err).Error("settle failure: bad state")
		return
	}
	ev.LastError = msg
	stats.Failed++

	exhaustedReason := ""
	if permanent {
		if err := ev.Transition(event.StatusExhausted); err != nil {
			p.log.WithContext(ctx).WithEvent(ev.ID).WithError(err).Error("settle failure: bad state")
			return
		}
		ev.NextRetryAt = nil
		exhaustedReason = "permanent failure"
	} else {
		decision, err := p.scheduler.Apply(ev, policy)
		if err != nil {
			p.log.WithContext(ctx).WithEvent(ev.ID).WithError(err).Error("retry decision failed")
			return
		}
		if decision.Retry {
			stats.RetryScheduled++
			metrics.RecordOutcome("retry_scheduled")
			metrics.RecordRetry(failureClass(msg))
			tracing.AddSpanEvent(ctx, "retry_scheduled",
				attribute.String("next_retry_at", decision.NextRetryAt.Format(time.RFC3339)),
			)
			p.log.WithContext(ctx).WithEvent(ev.ID).WithAction(ev.ActionID).
				WithField("retry_count", ev.RetryCount).
				WithField("next_retry_at", decision.NextRetryAt.Format(time.RFC3339)).
				Warn("event failed, retry scheduled")
		} else {
			exhaustedReason = decision.Reason
		}
	}

	now := p.now()
	if ev.Status == event.StatusExhausted {
		ev.ProcessedAt = &now
	}
	if err := p.stores.Events.Update(ctx, ev); err != nil {
		tracing.SetSpanError(ctx, err)
		p.log.WithContext(ctx).WithEvent(ev.ID).WithError(err).Error("persist failed event")
		return
	}

	if ev.Status != event.StatusExhausted {
		return
	}

	metrics.RecordOutcome("exhausted")
	metrics.RecordExhausted()
	if err := p.stores.Results.StoreResult(ctx, &store.Result{
		ResponseID: ev.ID,
		Success:    false,
		Error:      msg,
		Timestamp:  now,
	}); err != nil {
		p.log.WithContext(ctx).WithEvent(ev.ID).WithError(err).Error("store failure result")
	}
	if p.publishDLQ {
		dl := notify.NewDeadLetter(ev.ID, ev.ActionID, ev.RetryCount, msg, exhaustedReason)
		if err := p.pub.DeadLettered(ctx, dl); err != nil {
			p.log.WithContext(ctx).WithEvent(ev.ID).WithError(err).Error("dlq publish failed")
		}
	}
	p.log.WithContext(ctx).WithEvent(ev.ID).WithAction(ev.ActionID).
		WithField("reason", exhaustedReason).
		WithField("retry_count", ev.RetryCount).
		Error("event exhausted")
}

// failureClass pulls the classification prefix handlers put in front of
// their error text, e.g. "http_5xx: status 503".
func failureClass(msg string) string {
	reason, _, found := strings.Cut(msg, ":")
	if !found || reason == "" || strings.ContainsRune(reason, ' ') {
		return "other"
	}
	return reason
}
