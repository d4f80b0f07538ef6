// Package webhook implements the inbound ingestion pipeline: key check,
// payload normalization, routing, idempotent storage, and worker wake-up.
package webhook

import (
	"context"
	"errors"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.opentelemetry.io/otel/attribute"

	"github.com/hookrelay/hookrelay/internal/event"
	"github.com/hookrelay/hookrelay/internal/logging"
	"github.com/hookrelay/hookrelay/internal/metrics"
	"github.com/hookrelay/hookrelay/internal/notify"
	"github.com/hookrelay/hookrelay/internal/store"
	"github.com/hookrelay/hookrelay/internal/tracing"
)

// MaxBodyBytes is the default size cap for a normalized inbound payload.
const MaxBodyBytes = 1_000_000

// Rejections. The API layer maps these to status codes; none of them leak
// whether a webhook id exists.
var (
	ErrUnauthorized     = errors.New("unknown webhook or invalid key")
	ErrPayloadTooLarge  = errors.New("payload exceeds size limit")
	ErrMalformedPayload = errors.New("malformed payload")
	ErrNoDestination    = errors.New("no destination action for payload")
)

// jsonSorted marshals maps with sorted keys so equal payloads always
// normalize to identical bytes.
var jsonSorted = jsoniter.Config{SortMapKeys: true}.Froze()

// Request is one inbound delivery before normalization. Payload carries the
// decoded JSON document when the content type is JSON; Raw carries the bytes
// verbatim for everything else.
type Request struct {
	Headers       map[string]string
	ContentType   string
	Payload       any
	Raw           []byte
	CorrelationID string
}

// Accepted is the ingestion acknowledgment. ResponseID is the handle for
// later status polls.
type Accepted struct {
	ResponseID    string    `json:"response_id"`
	Status        string    `json:"status"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// StatusReport is the public view of an event's progress.
type StatusReport struct {
	ResponseID    string         `json:"response_id"`
	Status        string         `json:"status"`
	Output        map[string]any `json:"output,omitempty"`
	Error         string         `json:"error,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
}

// Pipeline accepts inbound deliveries and records them as pending events.
type Pipeline struct {
	stores       store.Set
	pub          notify.Publisher
	log          *logging.Logger
	maxBodyBytes int64
	now          func() time.Time
}

func NewPipeline(stores store.Set, pub notify.Publisher, log *logging.Logger, maxBodyBytes int64) *Pipeline {
	if pub == nil {
		pub = notify.Noop{}
	}
	if maxBodyBytes <= 0 {
		maxBodyBytes = MaxBodyBytes
	}
	return &Pipeline{
		stores:       stores,
		pub:          pub,
		log:          log,
		maxBodyBytes: maxBodyBytes,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// Receive runs the full ingestion path for one delivery. The key check runs
// before anything touches storage; rejected deliveries leave no trace beyond
// a metric and a log line.
func (p *Pipeline) Receive(ctx context.Context, webhookID, key string, req Request) (*Accepted, error) {
	ctx, span := tracing.StartSpan(ctx, "webhook.Receive",
		attribute.String("webhook_id", webhookID),
	)
	defer span.End()

	ok, err := p.stores.Webhooks.ValidateKey(ctx, webhookID, key)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		tracing.SetSpanError(ctx, err)
		return nil, err
	}
	if !ok {
		metrics.RecordWebhookRejected("unauthorized")
		p.log.WithContext(ctx).WithWebhook(webhookID).Warn("delivery rejected: unauthorized")
		return nil, ErrUnauthorized
	}

	wh, err := p.stores.Webhooks.GetWebhook(ctx, webhookID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			metrics.RecordWebhookRejected("unauthorized")
			return nil, ErrUnauthorized
		}
		tracing.SetSpanError(ctx, err)
		return nil, err
	}

	body, message, err := p.normalize(req)
	if err != nil {
		metrics.RecordWebhookRejected(rejectionReason(err))
		p.log.WithContext(ctx).WithWebhook(webhookID).WithError(err).Warn("delivery rejected")
		return nil, err
	}
	if int64(len(body)) > p.maxBodyBytes {
		metrics.RecordWebhookRejected("too_large")
		p.log.WithContext(ctx).WithWebhook(webhookID).
			WithField("body_bytes", len(body)).Warn("delivery rejected: payload too large")
		return nil, ErrPayloadTooLarge
	}

	destinations := p.resolveDestinations(wh, message)
	if len(destinations) == 0 {
		metrics.RecordWebhookRejected("no_destination")
		p.log.WithContext(ctx).WithWebhook(webhookID).Warn("delivery rejected: no destination action")
		return nil, ErrNoDestination
	}
	span.SetAttributes(attribute.Int("destination_count", len(destinations)))

	ev := event.New(destinations[0], event.DirectionIncoming, body, req.ContentType, req.CorrelationID)
	ev.AddMetadata("webhook_id", webhookID, "ingest")
	rcpt := &store.Receipt{
		ResponseID:    ev.ID,
		WebhookID:     webhookID,
		RawHeaders:    req.Headers,
		RawBody:       body,
		ContentType:   req.ContentType,
		CorrelationID: req.CorrelationID,
		Timestamp:     p.now(),
	}

	tracing.AddSpanEvent(ctx, "db.record_received")
	responseID, created, err := p.stores.Events.RecordReceived(ctx, rcpt, ev)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return nil, err
	}
	if !created {
		metrics.RecordWebhookDeduped()
		tracing.AddSpanEvent(ctx, "duplicate_delivery_absorbed")
		p.log.WithContext(ctx).WithWebhook(webhookID).WithEvent(responseID).
			WithField("correlation_id", req.CorrelationID).Info("duplicate delivery absorbed")
		return &Accepted{
			ResponseID:    responseID,
			Status:        "accepted",
			CorrelationID: req.CorrelationID,
			Timestamp:     p.now(),
		}, nil
	}
	span.SetAttributes(attribute.String("event_id", responseID))

	// Extra destinations get their own event each. Their correlation id is
	// left empty so they do not dedup against the primary; the link back is
	// kept in metadata.
	for _, dest := range destinations[1:] {
		extra := event.New(dest, event.DirectionIncoming, body, req.ContentType, "")
		extra.AddMetadata("webhook_id", webhookID, "ingest")
		extra.AddMetadata("primary_response_id", responseID, "ingest")
		if req.CorrelationID != "" {
			extra.AddMetadata("correlation_id", req.CorrelationID, "ingest")
		}
		extraRcpt := &store.Receipt{
			ResponseID:  extra.ID,
			WebhookID:   webhookID,
			RawHeaders:  req.Headers,
			RawBody:     body,
			ContentType: req.ContentType,
			Timestamp:   p.now(),
		}
		if _, _, err := p.stores.Events.RecordReceived(ctx, extraRcpt, extra); err != nil {
			tracing.SetSpanError(ctx, err)
			return nil, err
		}
		if nerr := p.pub.EventQueued(ctx, extra.ID, webhookID, dest); nerr != nil {
			p.log.WithContext(ctx).WithEvent(extra.ID).WithError(nerr).Warn("wake-up publish failed")
		}
	}

	metrics.RecordWebhookReceived(webhookID)
	if nerr := p.pub.EventQueued(ctx, responseID, webhookID, destinations[0]); nerr != nil {
		// The poll loop picks the event up regardless.
		p.log.WithContext(ctx).WithEvent(responseID).WithError(nerr).Warn("wake-up publish failed")
	}

	p.log.WithContext(ctx).WithWebhook(webhookID).WithEvent(responseID).
		WithField("destinations", len(destinations)).Info("delivery accepted")

	return &Accepted{
		ResponseID:    responseID,
		Status:        "accepted",
		CorrelationID: req.CorrelationID,
		Timestamp:     p.now(),
	}, nil
}

// Status reports the public state of a previously accepted delivery.
func (p *Pipeline) Status(ctx context.Context, responseID string) (*StatusReport, error) {
	ev, err := p.stores.Events.GetEvent(ctx, responseID)
	if err != nil {
		return nil, err
	}

	report := &StatusReport{
		ResponseID:    ev.ID,
		Status:        ev.Status.Public(),
		CorrelationID: ev.CorrelationID,
		Timestamp:     ev.CreatedAt,
	}
	if ev.ProcessedAt != nil {
		report.Timestamp = *ev.ProcessedAt
	}

	if ev.Status.Terminal() {
		res, err := p.stores.Results.GetResult(ctx, responseID)
		switch {
		case err == nil:
			report.Output = res.Output
			report.Error = res.Error
			report.Timestamp = res.Timestamp
		case errors.Is(err, store.ErrNotFound):
			report.Error = ev.LastError
		default:
			return nil, err
		}
	} else if ev.LastError != "" {
		report.Error = ev.LastError
	}

	return report, nil
}

// normalize produces the canonical stored bytes for a request and, when the
// payload is a JSON object, the message used for routing evaluation.
func (p *Pipeline) normalize(req Request) ([]byte, map[string]any, error) {
	if req.Payload != nil {
		body, err := jsonSorted.Marshal(req.Payload)
		if err != nil {
			return nil, nil, ErrMalformedPayload
		}
		message, _ := req.Payload.(map[string]any)
		return body, message, nil
	}
	return req.Raw, nil, nil
}

func (p *Pipeline) resolveDestinations(wh *store.Webhook, message map[string]any) []string {
	if wh.Routing != nil {
		if dests := wh.Routing.Resolve(message); len(dests) > 0 {
			return dests
		}
	}
	if wh.ActionID != "" {
		return []string{wh.ActionID}
	}
	return nil
}

func rejectionReason(err error) string {
	switch {
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrPayloadTooLarge):
		return "too_large"
	case errors.Is(err, ErrMalformedPayload):
		return "malformed"
	case errors.Is(err, ErrNoDestination):
		return "no_destination"
	default:
		return "other"
	}
}
