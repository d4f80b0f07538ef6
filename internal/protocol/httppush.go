package protocol

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hookrelay/hookrelay/internal/action"
)

const (
	// HTTPPushID is the registry id for the HTTP push protocol.
	HTTPPushID = "http_push"

	// SignatureHeader carries "sha256=<hex>" over body||timestamp.
	SignatureHeader = "X-Hookrelay-Signature"
	// TimestampHeader carries the signing time as unix seconds.
	TimestampHeader = "X-Hookrelay-Timestamp"

	defaultPushTimeout = 15 * time.Second
)

// HTTPPush delivers event content to a configured URL with an HMAC-SHA256
// signature. Non-2xx responses and transport errors are reported through
// the Result; only other 4xx statuses are marked permanent.
type HTTPPush struct {
	url    string
	secret string
	client *http.Client
}

// NewHTTPPush builds a push handler from an action config. Recognized
// keys: "url" (required), "secret", "timeout" (duration string).
func NewHTTPPush(config map[string]any) (Handler, error) {
	h := &HTTPPush{client: &http.Client{Timeout: defaultPushTimeout}}
	if v, ok := config["url"].(string); ok {
		h.url = v
	}
	if v, ok := config["secret"].(string); ok {
		h.secret = v
	}
	if v, ok := config["timeout"].(string); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("http_push config: bad timeout %q: %w", v, err)
		}
		h.client.Timeout = d
	}
	if err := h.ValidateConfig(); err != nil {
		return nil, err
	}
	return h, nil
}

// RegisterHTTPPush installs the push handler factory on a registry.
func RegisterHTTPPush(r *Registry) {
	r.Register(HTTPPushID, NewHTTPPush)
}

func (h *HTTPPush) ValidateConfig() error {
	if h.url == "" {
		return errors.New("http_push config: url is required")
	}
	if _, err := url.ParseRequestURI(h.url); err != nil {
		return fmt.Errorf("http_push config: invalid url: %w", err)
	}
	return nil
}

// TestConnection probes the target with a HEAD request. Any response at
// all counts as reachable.
func (h *HTTPPush) TestConnection(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, h.url, nil)
	if err != nil {
		return err
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return err
	}
	return resp.Body.Close()
}

func (h *HTTPPush) Execute(ctx context.Context, act *action.Action, content []byte) (*action.Result, error) {
	res := &action.Result{ActionID: act.ID, RequestID: act.ID}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(content))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	// Sign: HMAC over body||timestamp.
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	req.Header.Set(TimestampHeader, ts)
	if h.secret != "" {
		mac := hmac.New(sha256.New, []byte(h.secret))
		mac.Write(content)
		mac.Write([]byte(ts))
		req.Header.Set(SignatureHeader, "sha256="+hex.EncodeToString(mac.Sum(nil)))
	}

	start := time.Now()
	resp, doErr := h.client.Do(req)
	latency := time.Since(start)
	status := 0
	if doErr == nil {
		status = resp.StatusCode
		_ = resp.Body.Close()
	}
	res.CompletedAt = time.Now().UTC()

	if doErr == nil && status >= 200 && status < 300 {
		res.Success = true
		res.Output = map[string]any{
			"http_status": status,
			"latency_ms":  latency.Milliseconds(),
		}
		return res, nil
	}

	res.Error = FailureReason(doErr, status)
	if doErr != nil {
		res.Error = fmt.Sprintf("%s: %s", res.Error, doErr.Error())
	} else {
		res.Error = fmt.Sprintf("%s: status %d", res.Error, status)
	}
	// Client errors other than timeout-ish and throttling won't get better
	// with a retry.
	res.Permanent = status >= 400 && status < 500 && status != 408 && status != 429
	return res, nil
}

// FailureReason classifies a delivery failure for metrics and retry
// decisions.
func FailureReason(doErr error, status int) string {
	if doErr != nil {
		errLower := strings.ToLower(doErr.Error())
		if strings.Contains(errLower, "timeout") || strings.Contains(errLower, "deadline exceeded") {
			return "timeout"
		}
		if strings.Contains(errLower, "connection refused") {
			return "connection_refused"
		}
		if strings.Contains(errLower, "no such host") || strings.Contains(errLower, "dns") {
			return "dns_error"
		}
		return "network"
	}
	if status >= 500 {
		return "http_5xx"
	}
	if status == 429 {
		return "http_429"
	}
	if status >= 400 {
		return "http_4xx"
	}
	return "other"
}
