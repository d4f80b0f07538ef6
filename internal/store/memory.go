package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hookrelay/hookrelay/internal/action"
	"github.com/hookrelay/hookrelay/internal/event"
)

// Memory is an in-process implementation of all four repositories, used
// for tests and single-node deployments. A single mutex makes the dedup
// check-and-insert and the claim CAS atomic.
type Memory struct {
	mu        sync.Mutex
	webhooks  map[string]*Webhook
	actions   map[string]*action.Action
	protocols map[string]*action.Protocol
	events    map[string]*event.Event
	receipts  map[string]*Receipt
	results   map[string]*Result
	order     []string // event ids in arrival order
}

func NewMemory() *Memory {
	return &Memory{
		webhooks:  make(map[string]*Webhook),
		actions:   make(map[string]*action.Action),
		protocols: make(map[string]*action.Protocol),
		events:    make(map[string]*event.Event),
		receipts:  make(map[string]*Receipt),
		results:   make(map[string]*Result),
	}
}

// Set returns the memory store wired as a repository set.
func (m *Memory) Set() Set {
	return Set{Webhooks: m, Actions: m, Events: m, Results: m}
}

// AddWebhook registers a webhook configuration.
func (m *Memory) AddWebhook(w *Webhook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.webhooks[w.ID] = w
}

// AddAction registers an action.
func (m *Memory) AddAction(a *action.Action) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.actions[a.ID] = a
}

// AddProtocol registers a protocol definition.
func (m *Memory) AddProtocol(p *action.Protocol) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.protocols[p.ID] = p
}

func (m *Memory) GetWebhook(_ context.Context, id string) (*Webhook, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.webhooks[id]
	if !ok || !w.Enabled {
		return nil, fmt.Errorf("webhook %s: %w", id, ErrNotFound)
	}
	return w, nil
}

func (m *Memory) ValidateKey(_ context.Context, id, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.webhooks[id]
	return ok && w.Enabled && w.Key == key, nil
}

func (m *Memory) GetAction(_ context.Context, id string) (*action.Action, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.actions[id]
	if !ok {
		return nil, fmt.Errorf("action %s: %w", id, ErrNotFound)
	}
	return a, nil
}

func (m *Memory) GetProtocol(_ context.Context, id string) (*action.Protocol, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.protocols[id]
	if !ok {
		return nil, fmt.Errorf("protocol %s: %w", id, ErrNotFound)
	}
	return p, nil
}

func (m *Memory) RecordReceived(_ context.Context, rcpt *Receipt, ev *event.Event) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Dedup: an existing non-terminal event for the same webhook and
	// correlation id absorbs the duplicate delivery.
	if rcpt.CorrelationID != "" {
		for _, id := range m.order {
			existing := m.events[id]
			if existing.CorrelationID == rcpt.CorrelationID &&
				m.receipts[id] != nil && m.receipts[id].WebhookID == rcpt.WebhookID &&
				!existing.Status.Terminal() {
				return existing.ID, false, nil
			}
		}
	}

	cp := *ev
	m.events[ev.ID] = &cp
	m.receipts[ev.ID] = rcpt
	m.order = append(m.order, ev.ID)
	return ev.ID, true, nil
}

func (m *Memory) GetEvent(_ context.Context, id string) (*event.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev, ok := m.events[id]
	if !ok {
		return nil, fmt.Errorf("event %s: %w", id, ErrNotFound)
	}
	cp := *ev
	return &cp, nil
}

func (m *Memory) Claim(_ context.Context, id string, now time.Time) (*event.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.claimLocked(id, now)
}

func (m *Memory) claimLocked(id string, now time.Time) (*event.Event, error) {
	ev, ok := m.events[id]
	if !ok {
		return nil, fmt.Errorf("event %s: %w", id, ErrNotFound)
	}
	if !claimable(ev, now) {
		return nil, fmt.Errorf("event %s: %w", id, ErrAlreadyClaimed)
	}
	if err := ev.Transition(event.StatusProcessing); err != nil {
		return nil, err
	}
	cp := *ev
	return &cp, nil
}

func (m *Memory) ClaimBatch(_ context.Context, now time.Time, limit int) ([]*event.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var claimed []*event.Event
	for _, id := range m.order {
		if len(claimed) >= limit {
			break
		}
		if !claimable(m.events[id], now) {
			continue
		}
		ev, err := m.claimLocked(id, now)
		if err != nil {
			return nil, err
		}
		claimed = append(claimed, ev)
	}
	return claimed, nil
}

func (m *Memory) Update(_ context.Context, ev *event.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.events[ev.ID]; !ok {
		return fmt.Errorf("event %s: %w", ev.ID, ErrNotFound)
	}
	cp := *ev
	m.events[ev.ID] = &cp
	return nil
}

func (m *Memory) StoreResult(_ context.Context, res *Result) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results[res.ResponseID] = res
	return nil
}

func (m *Memory) GetResult(_ context.Context, responseID string) (*Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	res, ok := m.results[responseID]
	if !ok {
		return nil, fmt.Errorf("result %s: %w", responseID, ErrNotFound)
	}
	return res, nil
}

func claimable(ev *event.Event, now time.Time) bool {
	switch ev.Status {
	case event.StatusPending:
		return true
	case event.StatusScheduledRetry:
		return ev.NextRetryAt == nil || !ev.NextRetryAt.After(now)
	default:
		return false
	}
}
