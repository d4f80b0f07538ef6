package event

import (
	"errors"
	"testing"
)

func TestTransitionTable(t *testing.T) {
	tests := []struct {
		name string
		from Status
		to   Status
		ok   bool
	}{
		{"claim pending", StatusPending, StatusProcessing, true},
		{"reject at ingestion", StatusPending, StatusRejected, true},
		{"handler success", StatusProcessing, StatusCompleted, true},
		{"handler failure", StatusProcessing, StatusFailed, true},
		{"schedule retry", StatusFailed, StatusScheduledRetry, true},
		{"exhaust retries", StatusFailed, StatusExhausted, true},
		{"reclaim scheduled retry", StatusScheduledRetry, StatusProcessing, true},

		{"pending cannot complete directly", StatusPending, StatusCompleted, false},
		{"pending cannot fail directly", StatusPending, StatusFailed, false},
		{"processing cannot retry directly", StatusProcessing, StatusScheduledRetry, false},
		{"completed is terminal", StatusCompleted, StatusProcessing, false},
		{"exhausted is terminal", StatusExhausted, StatusScheduledRetry, false},
		{"rejected is terminal", StatusRejected, StatusProcessing, false},
		{"rejected never reaches processing", StatusRejected, StatusProcessing, false},
		{"no self transition", StatusProcessing, StatusProcessing, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CanTransition(tt.from, tt.to); got != tt.ok {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.ok)
			}

			ev := New("action-1", DirectionIncoming, nil, "application/json", "")
			ev.Status = tt.from
			err := ev.Transition(tt.to)
			if tt.ok {
				if err != nil {
					t.Fatalf("Transition(%s -> %s) unexpected error: %v", tt.from, tt.to, err)
				}
				if ev.Status != tt.to {
					t.Errorf("Transition() status = %s, want %s", ev.Status, tt.to)
				}
				return
			}
			if err == nil {
				t.Fatalf("Transition(%s -> %s) error = nil, want InvalidTransitionError", tt.from, tt.to)
			}
			var ite *InvalidTransitionError
			if !errors.As(err, &ite) {
				t.Fatalf("Transition() error type = %T, want *InvalidTransitionError", err)
			}
			if ite.From != tt.from || ite.To != tt.to {
				t.Errorf("InvalidTransitionError = %s -> %s, want %s -> %s", ite.From, ite.To, tt.from, tt.to)
			}
			if ev.Status != tt.from {
				t.Errorf("Transition() mutated status to %s on invalid move", ev.Status)
			}
		})
	}
}

func TestEveryStatusReachableFromPending(t *testing.T) {
	reached := map[Status]bool{StatusPending: true}
	frontier := []Status{StatusPending}
	for len(frontier) > 0 {
		s := frontier[0]
		frontier = frontier[1:]
		for _, next := range transitions[s] {
			if !reached[next] {
				reached[next] = true
				frontier = append(frontier, next)
			}
		}
	}
	all := []Status{
		StatusPending, StatusProcessing, StatusCompleted, StatusFailed,
		StatusScheduledRetry, StatusExhausted, StatusRejected,
	}
	for _, s := range all {
		if !reached[s] {
			t.Errorf("status %s is not reachable from pending", s)
		}
	}
}

func TestTerminal(t *testing.T) {
	terminal := map[Status]bool{
		StatusPending:        false,
		StatusProcessing:     false,
		StatusFailed:         false,
		StatusScheduledRetry: false,
		StatusCompleted:      true,
		StatusExhausted:      true,
		StatusRejected:       true,
	}
	for s, want := range terminal {
		if got := s.Terminal(); got != want {
			t.Errorf("%s.Terminal() = %v, want %v", s, got, want)
		}
	}
}

func TestPublicStatus(t *testing.T) {
	tests := []struct {
		status Status
		want   string
	}{
		{StatusPending, "pending"},
		{StatusProcessing, "processing"},
		{StatusScheduledRetry, "processing"},
		{StatusCompleted, "completed"},
		{StatusFailed, "failed"},
		{StatusExhausted, "failed"},
		{StatusRejected, "failed"},
	}
	for _, tt := range tests {
		if got := tt.status.Public(); got != tt.want {
			t.Errorf("%s.Public() = %q, want %q", tt.status, got, tt.want)
		}
	}
}

func TestNewEvent(t *testing.T) {
	ev := New("action-9", DirectionIncoming, []byte(`{"a":1}`), "application/json", "corr-1")
	if ev.ID == "" {
		t.Error("New() empty id")
	}
	if ev.Status != StatusPending {
		t.Errorf("New() status = %s, want pending", ev.Status)
	}
	if ev.RetryCount != 0 {
		t.Errorf("New() retry count = %d, want 0", ev.RetryCount)
	}
	ev.AddMetadata("source", "unit", "test")
	ev.AddMetadata("order", "1", "test")
	if len(ev.Metadata) != 2 || ev.Metadata[0].Name != "source" {
		t.Errorf("AddMetadata() did not preserve order: %+v", ev.Metadata)
	}
}
