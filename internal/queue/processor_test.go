package queue

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/hookrelay/hookrelay/internal/action"
	"github.com/hookrelay/hookrelay/internal/delivery"
	"github.com/hookrelay/hookrelay/internal/event"
	"github.com/hookrelay/hookrelay/internal/logging"
	"github.com/hookrelay/hookrelay/internal/notify"
	"github.com/hookrelay/hookrelay/internal/protocol"
	"github.com/hookrelay/hookrelay/internal/retry"
	"github.com/hookrelay/hookrelay/internal/store"
)

// stubHandler scripts one outcome per Execute call, repeating the last
// outcome when the script runs out.
type stubHandler struct {
	results []*action.Result
	execErr error
	calls   int
}

func (h *stubHandler) Execute(_ context.Context, act *action.Action, _ []byte) (*action.Result, error) {
	h.calls++
	if h.execErr != nil {
		return nil, h.execErr
	}
	i := h.calls - 1
	if i >= len(h.results) {
		i = len(h.results) - 1
	}
	res := *h.results[i]
	res.ActionID = act.ID
	return &res, nil
}

func (h *stubHandler) ValidateConfig() error                  { return nil }
func (h *stubHandler) TestConnection(_ context.Context) error { return nil }

type capturingPublisher struct {
	deadLetters []notify.DeadLetter
}

func (c *capturingPublisher) EventQueued(_ context.Context, _, _, _ string) error { return nil }
func (c *capturingPublisher) DeadLettered(_ context.Context, dl notify.DeadLetter) error {
	c.deadLetters = append(c.deadLetters, dl)
	return nil
}
func (c *capturingPublisher) Ping(_ context.Context) error { return nil }

func intPtr(n int) *int { return &n }

// fixture wires a memory store with one protocol, one action, and a stub
// handler behind the registry.
func fixture(t *testing.T, h *stubHandler, maxRetries *int) (*Processor, *store.Memory, *capturingPublisher) {
	t.Helper()
	mem := store.NewMemory()
	mem.AddProtocol(&action.Protocol{
		ID:   "stub",
		Name: "Stub",
		DefaultPolicy: delivery.Policy{
			Semantic:   delivery.AtLeastOnce,
			MaxRetries: maxRetries,
			RetryDelay: 30 * time.Second,
		},
	})
	mem.AddAction(&action.Action{
		ID:         "act-1",
		Name:       "stub action",
		ProtocolID: "stub",
	})

	reg := protocol.NewRegistry()
	reg.Register("stub", func(_ map[string]any) (protocol.Handler, error) { return h, nil })

	pub := &capturingPublisher{}
	p := NewProcessor(mem.Set(), reg, retry.NewScheduler(0), pub, logging.New("test"), Options{PublishDLQ: true})
	return p, mem, pub
}

func queueEvent(t *testing.T, mem *store.Memory, actionID string) *event.Event {
	t.Helper()
	ev := event.New(actionID, event.DirectionIncoming, []byte(`{"n":1}`), "application/json", "")
	rcpt := &store.Receipt{ResponseID: ev.ID, WebhookID: "wh-1", RawBody: ev.Content, Timestamp: time.Now()}
	if _, _, err := mem.RecordReceived(context.Background(), rcpt, ev); err != nil {
		t.Fatalf("RecordReceived() error = %v", err)
	}
	return ev
}

func TestProcessBatch_Success(t *testing.T) {
	h := &stubHandler{results: []*action.Result{{
		Success: true,
		Output:  map[string]any{"http_status": 200},
	}}}
	p, mem, _ := fixture(t, h, intPtr(3))
	ev := queueEvent(t, mem, "act-1")

	stats, err := p.ProcessBatch(context.Background(), 10)
	if err != nil {
		t.Fatalf("ProcessBatch() error = %v", err)
	}
	want := Stats{Processed: 1, Succeeded: 1}
	if stats != want {
		t.Errorf("stats = %+v, want %+v", stats, want)
	}

	got, _ := mem.GetEvent(context.Background(), ev.ID)
	if got.Status != event.StatusCompleted {
		t.Errorf("event status = %q, want %q", got.Status, event.StatusCompleted)
	}
	if got.ProcessedAt == nil {
		t.Error("ProcessedAt should be set on completion")
	}

	res, err := mem.GetResult(context.Background(), ev.ID)
	if err != nil {
		t.Fatalf("GetResult() error = %v", err)
	}
	if !res.Success {
		t.Error("stored result should be a success")
	}
}

func TestProcessBatch_TransientFailureSchedulesRetry(t *testing.T) {
	h := &stubHandler{results: []*action.Result{{
		Success: false,
		Error:   "http_5xx: status 503",
	}}}
	p, mem, pub := fixture(t, h, intPtr(3))
	ev := queueEvent(t, mem, "act-1")

	stats, err := p.ProcessBatch(context.Background(), 10)
	if err != nil {
		t.Fatalf("ProcessBatch() error = %v", err)
	}
	want := Stats{Processed: 1, Failed: 1, RetryScheduled: 1}
	if stats != want {
		t.Errorf("stats = %+v, want %+v", stats, want)
	}

	got, _ := mem.GetEvent(context.Background(), ev.ID)
	if got.Status != event.StatusScheduledRetry {
		t.Errorf("event status = %q, want %q", got.Status, event.StatusScheduledRetry)
	}
	if got.RetryCount != 1 {
		t.Errorf("RetryCount = %d, want 1", got.RetryCount)
	}
	if got.NextRetryAt == nil {
		t.Fatal("NextRetryAt should be set")
	}
	if got.LastError != "http_5xx: status 503" {
		t.Errorf("LastError = %q", got.LastError)
	}
	if len(pub.deadLetters) != 0 {
		t.Errorf("retryable failure should not dead-letter, got %v", pub.deadLetters)
	}

	// Not due yet: another pass claims nothing.
	stats, err = p.ProcessBatch(context.Background(), 10)
	if err != nil {
		t.Fatalf("ProcessBatch() error = %v", err)
	}
	if stats.Processed != 0 {
		t.Errorf("not-yet-due event was claimed, stats = %+v", stats)
	}
}

func TestProcessBatch_ExhaustsAfterMaxRetries(t *testing.T) {
	h := &stubHandler{results: []*action.Result{{
		Success: false,
		Error:   "http_5xx: status 503",
	}}}
	p, mem, pub := fixture(t, h, intPtr(2))
	ev := queueEvent(t, mem, "act-1")
	ctx := context.Background()

	// Run each attempt by forcing the event due again between passes.
	for attempt := 0; attempt < 3; attempt++ {
		got, _ := mem.GetEvent(ctx, ev.ID)
		if got.Status == event.StatusScheduledRetry {
			past := time.Now().Add(-time.Second)
			got.NextRetryAt = &past
			if err := mem.Update(ctx, got); err != nil {
				t.Fatalf("Update() error = %v", err)
			}
		}
		if _, err := p.ProcessBatch(ctx, 10); err != nil {
			t.Fatalf("ProcessBatch() error = %v", err)
		}
	}

	got, _ := mem.GetEvent(ctx, ev.ID)
	if got.Status != event.StatusExhausted {
		t.Fatalf("event status = %q, want %q", got.Status, event.StatusExhausted)
	}
	if got.RetryCount != 2 {
		t.Errorf("RetryCount = %d, want 2", got.RetryCount)
	}

	res, err := mem.GetResult(ctx, ev.ID)
	if err != nil {
		t.Fatalf("GetResult() error = %v", err)
	}
	if res.Success {
		t.Error("exhausted event should store a failure result")
	}

	if len(pub.deadLetters) != 1 {
		t.Fatalf("expected 1 dead letter, got %d", len(pub.deadLetters))
	}
	dl := pub.deadLetters[0]
	if dl.EventID != ev.ID || dl.RetryCount != 2 {
		t.Errorf("dead letter = %+v", dl)
	}
	if dl.Reason != "max retries reached" {
		t.Errorf("dead letter reason = %q, want %q", dl.Reason, "max retries reached")
	}
}

func TestProcessBatch_PermanentFailureSkipsRetry(t *testing.T) {
	h := &stubHandler{results: []*action.Result{{
		Success:   false,
		Error:     "http_4xx: status 404",
		Permanent: true,
	}}}
	p, mem, pub := fixture(t, h, intPtr(5))
	ev := queueEvent(t, mem, "act-1")

	stats, err := p.ProcessBatch(context.Background(), 10)
	if err != nil {
		t.Fatalf("ProcessBatch() error = %v", err)
	}
	want := Stats{Processed: 1, Failed: 1}
	if stats != want {
		t.Errorf("stats = %+v, want %+v", stats, want)
	}

	got, _ := mem.GetEvent(context.Background(), ev.ID)
	if got.Status != event.StatusExhausted {
		t.Errorf("event status = %q, want %q", got.Status, event.StatusExhausted)
	}
	if got.RetryCount != 0 {
		t.Errorf("RetryCount = %d, want 0", got.RetryCount)
	}
	if len(pub.deadLetters) != 1 {
		t.Fatalf("expected 1 dead letter, got %d", len(pub.deadLetters))
	}
	if pub.deadLetters[0].Reason != "permanent failure" {
		t.Errorf("dead letter reason = %q", pub.deadLetters[0].Reason)
	}
}

func TestProcessBatch_ExecuteErrorIsTransient(t *testing.T) {
	h := &stubHandler{execErr: errors.New("dial tcp: connection refused")}
	p, mem, _ := fixture(t, h, intPtr(3))
	ev := queueEvent(t, mem, "act-1")

	if _, err := p.ProcessBatch(context.Background(), 10); err != nil {
		t.Fatalf("ProcessBatch() error = %v", err)
	}
	got, _ := mem.GetEvent(context.Background(), ev.ID)
	if got.Status != event.StatusScheduledRetry {
		t.Errorf("event status = %q, want %q", got.Status, event.StatusScheduledRetry)
	}
}

func TestProcessBatch_UnknownActionIsPermanent(t *testing.T) {
	h := &stubHandler{results: []*action.Result{{Success: true}}}
	p, mem, pub := fixture(t, h, intPtr(3))
	ev := queueEvent(t, mem, "act-missing")

	stats, err := p.ProcessBatch(context.Background(), 10)
	if err != nil {
		t.Fatalf("ProcessBatch() error = %v", err)
	}
	if stats.Failed != 1 || stats.RetryScheduled != 0 {
		t.Errorf("stats = %+v", stats)
	}

	got, _ := mem.GetEvent(context.Background(), ev.ID)
	if got.Status != event.StatusExhausted {
		t.Errorf("event status = %q, want %q", got.Status, event.StatusExhausted)
	}
	if h.calls != 0 {
		t.Errorf("handler should not run for unknown action, calls = %d", h.calls)
	}
	if len(pub.deadLetters) != 1 {
		t.Errorf("expected dead letter for unknown action")
	}
}

func TestProcessBatch_FailureDoesNotAbortBatch(t *testing.T) {
	h := &stubHandler{results: []*action.Result{
		{Success: false, Error: "http_5xx: status 500"},
		{Success: true, Output: map[string]any{"http_status": 200}},
	}}
	p, mem, _ := fixture(t, h, intPtr(3))
	queueEvent(t, mem, "act-1")
	queueEvent(t, mem, "act-1")

	stats, err := p.ProcessBatch(context.Background(), 10)
	if err != nil {
		t.Fatalf("ProcessBatch() error = %v", err)
	}
	want := Stats{Processed: 2, Succeeded: 1, Failed: 1, RetryScheduled: 1}
	if stats != want {
		t.Errorf("stats = %+v, want %+v", stats, want)
	}
}

func TestProcessBatch_RespectsLimit(t *testing.T) {
	h := &stubHandler{results: []*action.Result{{Success: true}}}
	p, mem, _ := fixture(t, h, intPtr(3))
	for i := 0; i < 5; i++ {
		queueEvent(t, mem, "act-1")
	}

	stats, err := p.ProcessBatch(context.Background(), 2)
	if err != nil {
		t.Fatalf("ProcessBatch() error = %v", err)
	}
	if stats.Processed != 2 {
		t.Errorf("Processed = %d, want 2", stats.Processed)
	}
}

func TestProcessOne(t *testing.T) {
	h := &stubHandler{results: []*action.Result{{Success: true}}}
	p, mem, _ := fixture(t, h, intPtr(3))
	ev := queueEvent(t, mem, "act-1")
	ctx := context.Background()

	if err := p.ProcessOne(ctx, ev.ID); err != nil {
		t.Fatalf("ProcessOne() error = %v", err)
	}
	got, _ := mem.GetEvent(ctx, ev.ID)
	if got.Status != event.StatusCompleted {
		t.Errorf("event status = %q, want %q", got.Status, event.StatusCompleted)
	}

	// Already settled: the claim fails quietly.
	if err := p.ProcessOne(ctx, ev.ID); err != nil {
		t.Errorf("ProcessOne() on settled event error = %v", err)
	}
	// Unknown ids are a no-op, the wake-up topic can outlive events.
	if err := p.ProcessOne(ctx, "no-such-event"); err != nil {
		t.Errorf("ProcessOne() on unknown event error = %v", err)
	}
}

// deadlineHandler records whether the engine imposed a deadline on the
// context it executes under.
type deadlineHandler struct {
	sawDeadline bool
	delay       time.Duration
}

func (h *deadlineHandler) Execute(ctx context.Context, act *action.Action, _ []byte) (*action.Result, error) {
	_, h.sawDeadline = ctx.Deadline()
	time.Sleep(h.delay)
	return &action.Result{ActionID: act.ID, Success: true}, nil
}

func (h *deadlineHandler) ValidateConfig() error                  { return nil }
func (h *deadlineHandler) TestConnection(_ context.Context) error { return nil }

func TestProcessBatch_NoEngineDeadlineOnHandler(t *testing.T) {
	mem := store.NewMemory()
	// Streaming forbids retries: if the engine cancelled a slow handler
	// here, the delivery would be lost for good.
	mem.AddProtocol(&action.Protocol{
		ID:   "slow",
		Name: "Slow",
		DefaultPolicy: delivery.Policy{
			Semantic:   delivery.Streaming,
			MaxRetries: intPtr(0),
		},
	})
	mem.AddAction(&action.Action{ID: "act-slow", Name: "slow action", ProtocolID: "slow"})

	h := &deadlineHandler{delay: 50 * time.Millisecond}
	reg := protocol.NewRegistry()
	reg.Register("slow", func(_ map[string]any) (protocol.Handler, error) { return h, nil })
	p := NewProcessor(mem.Set(), reg, retry.NewScheduler(0), nil, logging.New("test"), Options{})

	ev := queueEvent(t, mem, "act-slow")
	if _, err := p.ProcessBatch(context.Background(), 10); err != nil {
		t.Fatalf("ProcessBatch() error = %v", err)
	}

	if h.sawDeadline {
		t.Error("handler context carried an engine-imposed deadline")
	}
	got, _ := mem.GetEvent(context.Background(), ev.ID)
	if got.Status != event.StatusCompleted {
		t.Errorf("event status = %q, want %q", got.Status, event.StatusCompleted)
	}
	if got.LastError != "" {
		t.Errorf("LastError = %q, want empty", got.LastError)
	}
}

func TestProcessBatch_RejectsOverrideOutsideAllowedSemantics(t *testing.T) {
	h := &stubHandler{results: []*action.Result{{Success: true}}}
	p, mem, pub := fixture(t, h, intPtr(3))

	// The stub protocol declares no allowed set, so only its default
	// at-least-once semantic is permitted.
	mem.AddAction(&action.Action{
		ID:         "act-bad-override",
		Name:       "override outside budget",
		ProtocolID: "stub",
		Policy: &delivery.Policy{
			Semantic:   delivery.Streaming,
			MaxRetries: intPtr(0),
		},
	})
	ev := queueEvent(t, mem, "act-bad-override")

	stats, err := p.ProcessBatch(context.Background(), 10)
	if err != nil {
		t.Fatalf("ProcessBatch() error = %v", err)
	}
	if stats.Failed != 1 || stats.RetryScheduled != 0 {
		t.Errorf("stats = %+v", stats)
	}
	if h.calls != 0 {
		t.Errorf("handler should not run under a rejected override, calls = %d", h.calls)
	}

	got, _ := mem.GetEvent(context.Background(), ev.ID)
	if got.Status != event.StatusExhausted {
		t.Errorf("event status = %q, want %q", got.Status, event.StatusExhausted)
	}
	if !strings.HasPrefix(got.LastError, "policy override rejected") {
		t.Errorf("LastError = %q", got.LastError)
	}
	if len(pub.deadLetters) != 1 {
		t.Errorf("expected dead letter for rejected override")
	}
}

func TestProcessBatch_AcceptsOverrideWithinAllowedSemantics(t *testing.T) {
	h := &stubHandler{results: []*action.Result{{Success: true}}}
	mem := store.NewMemory()
	mem.AddProtocol(&action.Protocol{
		ID:   "stub",
		Name: "Stub",
		DefaultPolicy: delivery.Policy{
			Semantic:   delivery.AtLeastOnce,
			MaxRetries: intPtr(3),
			RetryDelay: 30 * time.Second,
		},
		AllowedSemantics: []delivery.Semantic{delivery.AtLeastOnce, delivery.ExactlyOnce},
	})
	mem.AddAction(&action.Action{
		ID:         "act-ok-override",
		Name:       "override inside budget",
		ProtocolID: "stub",
		Policy: &delivery.Policy{
			Semantic:   delivery.ExactlyOnce,
			MaxRetries: intPtr(1),
			RetryDelay: time.Second,
		},
	})
	reg := protocol.NewRegistry()
	reg.Register("stub", func(_ map[string]any) (protocol.Handler, error) { return h, nil })
	p := NewProcessor(mem.Set(), reg, retry.NewScheduler(0), nil, logging.New("test"), Options{})

	ev := queueEvent(t, mem, "act-ok-override")
	if _, err := p.ProcessBatch(context.Background(), 10); err != nil {
		t.Fatalf("ProcessBatch() error = %v", err)
	}

	if h.calls != 1 {
		t.Errorf("handler calls = %d, want 1", h.calls)
	}
	got, _ := mem.GetEvent(context.Background(), ev.ID)
	if got.Status != event.StatusCompleted {
		t.Errorf("event status = %q, want %q", got.Status, event.StatusCompleted)
	}
}

func TestFailureClass(t *testing.T) {
	tests := []struct {
		msg  string
		want string
	}{
		{"http_5xx: status 503", "http_5xx"},
		{"timeout: context deadline exceeded", "timeout"},
		{"connection_refused: dial tcp", "connection_refused"},
		{"something went wrong", "other"},
		{"", "other"},
	}
	for _, tt := range tests {
		if got := failureClass(tt.msg); got != tt.want {
			t.Errorf("failureClass(%q) = %q, want %q", tt.msg, got, tt.want)
		}
	}
}
