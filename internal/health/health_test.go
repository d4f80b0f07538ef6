package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHTTPHandler_NilPool(t *testing.T) {
	handler := HTTPHandler(nil, nil)
	req := httptest.NewRequest("GET", "/healthz", nil)
	w := httptest.NewRecorder()

	handler(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("HTTPHandler(nil, nil) status code = %d, want %d", w.Code, http.StatusOK)
	}

	contentType := w.Header().Get("Content-Type")
	if contentType != "application/json" {
		t.Errorf("HTTPHandler() Content-Type = %q, want %q", contentType, "application/json")
	}

	var status Status
	if err := json.Unmarshal(w.Body.Bytes(), &status); err != nil {
		t.Errorf("HTTPHandler(nil, nil) JSON parse error: %v", err)
	}

	if !status.OK {
		t.Errorf("HTTPHandler(nil, nil) Status.OK = false, want true")
	}
	if status.Message != "ok" {
		t.Errorf("HTTPHandler(nil, nil) Status.Message = %q, want %q", status.Message, "ok")
	}
	if !status.Database {
		t.Errorf("HTTPHandler(nil, nil) Status.Database = false, want true")
	}
}

func TestHTTPHandler_ExtraChecks(t *testing.T) {
	tests := []struct {
		name         string
		checks       map[string]Check
		expectedCode int
		expectedOK   bool
		expected     map[string]bool
	}{
		{
			name: "all checks pass",
			checks: map[string]Check{
				"queue": func(ctx context.Context) error { return nil },
			},
			expectedCode: http.StatusOK,
			expectedOK:   true,
			expected:     map[string]bool{"queue": true},
		},
		{
			name: "failing check marks service unhealthy",
			checks: map[string]Check{
				"queue": func(ctx context.Context) error { return errors.New("nsqd unreachable") },
			},
			expectedCode: http.StatusServiceUnavailable,
			expectedOK:   false,
			expected:     map[string]bool{"queue": false},
		},
		{
			name: "mixed checks report individually",
			checks: map[string]Check{
				"queue":    func(ctx context.Context) error { return nil },
				"receiver": func(ctx context.Context) error { return errors.New("refused") },
			},
			expectedCode: http.StatusServiceUnavailable,
			expectedOK:   false,
			expected:     map[string]bool{"queue": true, "receiver": false},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := HTTPHandler(nil, tt.checks)
			req := httptest.NewRequest("GET", "/healthz", nil)
			w := httptest.NewRecorder()

			handler(w, req)

			if w.Code != tt.expectedCode {
				t.Errorf("status code = %d, want %d", w.Code, tt.expectedCode)
			}

			var status Status
			if err := json.Unmarshal(w.Body.Bytes(), &status); err != nil {
				t.Fatalf("JSON parse error: %v", err)
			}
			if status.OK != tt.expectedOK {
				t.Errorf("Status.OK = %v, want %v", status.OK, tt.expectedOK)
			}
			for name, want := range tt.expected {
				if status.Checks[name] != want {
					t.Errorf("Status.Checks[%q] = %v, want %v", name, status.Checks[name], want)
				}
			}
		})
	}
}

func TestHTTPHandler_CheckReceivesDeadline(t *testing.T) {
	var sawDeadline bool
	handler := HTTPHandler(nil, map[string]Check{
		"deadline": func(ctx context.Context) error {
			_, sawDeadline = ctx.Deadline()
			return nil
		},
	})

	req := httptest.NewRequest("GET", "/healthz", nil)
	w := httptest.NewRecorder()
	handler(w, req)

	if !sawDeadline {
		t.Error("check context should carry a deadline")
	}
}
