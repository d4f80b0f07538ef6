package delivery

import (
	"errors"
	"testing"
	"time"
)

func intPtr(n int) *int { return &n }

func TestNewPolicy(t *testing.T) {
	tests := []struct {
		name       string
		semantic   Semantic
		maxRetries *int
		wantErr    bool
	}{
		{
			name:       "at-least-once with bounded retries",
			semantic:   AtLeastOnce,
			maxRetries: intPtr(5),
		},
		{
			name:       "at-least-once with unlimited retries",
			semantic:   AtLeastOnce,
			maxRetries: nil,
		},
		{
			name:       "exactly-once with bounded retries",
			semantic:   ExactlyOnce,
			maxRetries: intPtr(3),
		},
		{
			name:       "streaming with zero retries",
			semantic:   Streaming,
			maxRetries: intPtr(0),
		},
		{
			name:       "streaming with nonzero retries rejected",
			semantic:   Streaming,
			maxRetries: intPtr(1),
			wantErr:    true,
		},
		{
			name:       "streaming with unlimited retries rejected",
			semantic:   Streaming,
			maxRetries: nil,
			wantErr:    true,
		},
		{
			name: "dedup without ack rejected",
			semantic: Semantic{
				ID:            "broken",
				Name:          "Broken",
				AllowsRetry:   true,
				RequiresDedup: true,
			},
			maxRetries: intPtr(1),
			wantErr:    true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := NewPolicy(tt.semantic, tt.maxRetries, 30*time.Second, nil)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("NewPolicy() error = nil, want PolicyError")
				}
				if !errors.Is(err, ErrIncompatibleSemantic) {
					t.Errorf("NewPolicy() error = %v, want ErrIncompatibleSemantic", err)
				}
				var pe *PolicyError
				if !errors.As(err, &pe) {
					t.Errorf("NewPolicy() error type = %T, want *PolicyError", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("NewPolicy() unexpected error: %v", err)
			}
			if p.Semantic.ID != tt.semantic.ID {
				t.Errorf("NewPolicy() semantic = %q, want %q", p.Semantic.ID, tt.semantic.ID)
			}
		})
	}
}

func TestNewPolicyDefaultsRetryDelay(t *testing.T) {
	p, err := NewPolicy(AtLeastOnce, intPtr(3), 0, nil)
	if err != nil {
		t.Fatalf("NewPolicy() unexpected error: %v", err)
	}
	if p.RetryDelay != DefaultRetryDelay {
		t.Errorf("NewPolicy() RetryDelay = %v, want %v", p.RetryDelay, DefaultRetryDelay)
	}
}

func TestValidateOverride(t *testing.T) {
	policy, err := NewPolicy(ExactlyOnce, intPtr(3), 30*time.Second, nil)
	if err != nil {
		t.Fatalf("NewPolicy() unexpected error: %v", err)
	}

	if err := ValidateOverride(policy, []Semantic{AtLeastOnce, ExactlyOnce}); err != nil {
		t.Errorf("ValidateOverride() with allowed semantic, error = %v", err)
	}
	if err := ValidateOverride(policy, []Semantic{Streaming}); err == nil {
		t.Error("ValidateOverride() with disallowed semantic, error = nil")
	} else if !errors.Is(err, ErrIncompatibleSemantic) {
		t.Errorf("ValidateOverride() error = %v, want ErrIncompatibleSemantic", err)
	}
}

func TestSemanticCatalogueInvariants(t *testing.T) {
	// Every built-in semantic that requires dedup must also require ack.
	for _, s := range Semantics() {
		if s.RequiresDedup && !s.RequiresAck {
			t.Errorf("semantic %q requires dedup without ack", s.ID)
		}
	}
}

func TestSemanticByID(t *testing.T) {
	s, ok := SemanticByID("exactly_once")
	if !ok {
		t.Fatal("SemanticByID(exactly_once) not found")
	}
	if !s.RequiresDedup || !s.RequiresAck {
		t.Errorf("exactly_once flags = %+v, want dedup+ack", s)
	}
	if _, ok := SemanticByID("nope"); ok {
		t.Error("SemanticByID(nope) found, want miss")
	}
}

func TestUnlimited(t *testing.T) {
	unbounded, err := NewPolicy(AtLeastOnce, nil, time.Second, nil)
	if err != nil {
		t.Fatalf("NewPolicy() unexpected error: %v", err)
	}
	if !unbounded.Unlimited() {
		t.Error("Unlimited() = false for nil max retries")
	}
	bounded, err := NewPolicy(AtLeastOnce, intPtr(2), time.Second, nil)
	if err != nil {
		t.Fatalf("NewPolicy() unexpected error: %v", err)
	}
	if bounded.Unlimited() {
		t.Error("Unlimited() = true for bounded max retries")
	}
}
