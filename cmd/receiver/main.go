// Command receiver is a test endpoint for http_push actions: it verifies
// signatures, can fail the first N requests, and can delay responses, which
// makes retry behavior observable end to end.
package main

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/hookrelay/hookrelay/internal/config"
	"github.com/hookrelay/hookrelay/internal/protocol"
)

var reqCount atomic.Int64

func main() {
	cfg := config.FromEnv()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte(`{"ok":true}`)) })
	mux.HandleFunc("/hook", func(w http.ResponseWriter, r *http.Request) {
		handleHook(w, r, cfg)
	})

	srv := &http.Server{
		Addr:         cfg.Receiver.Port,
		Handler:      mux,
		ReadTimeout:  cfg.Receiver.ReadTimeout,
		WriteTimeout: cfg.Receiver.WriteTimeout,
		IdleTimeout:  cfg.Receiver.IdleTimeout,
	}
	log.Printf("receiver listening on %s", srv.Addr)
	log.Fatal(srv.ListenAndServe())
}

func handleHook(w http.ResponseWriter, r *http.Request, cfg config.Config) {
	count := reqCount.Add(1)
	b, _ := io.ReadAll(r.Body)
	defer r.Body.Close()

	if cfg.Receiver.ResponseDelayMS > 0 {
		time.Sleep(time.Duration(cfg.Receiver.ResponseDelayMS) * time.Millisecond)
	}

	if cfg.Receiver.EndpointSecret != "" {
		leeway := time.Duration(cfg.Receiver.SigningLeewaySeconds) * time.Second
		ok, msg := verifySignature(cfg.Receiver.EndpointSecret, b,
			r.Header.Get(protocol.TimestampHeader), r.Header.Get(protocol.SignatureHeader), leeway)
		if !ok {
			log.Printf("receiver failed to verify signature: %s", msg)
			http.Error(w, "invalid signature: "+msg, http.StatusUnauthorized)
			return
		}
	}

	// Simulate flakiness: first N requests -> 500
	if count <= int64(cfg.Receiver.FailFirstN) {
		log.Printf("FAILING (%d/%d) %s headers=%d body=%s", count, cfg.Receiver.FailFirstN, r.URL.Path, len(r.Header), truncate(string(b), 160))
		http.Error(w, "temporary failure", http.StatusInternalServerError)
		return
	}

	log.Printf("receiver OK %s  headers=%d body=%q", r.URL.Path, len(r.Header), truncate(string(b), 160))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`ok`))
}

func verifySignature(secret string, body []byte, ts, sigHeaderVal string, leeway time.Duration) (bool, string) {
	if ts == "" || sigHeaderVal == "" {
		return false, "missing headers"
	}
	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return false, "invalid timestamp"
	}
	// reject if timestamp is too old/new
	now := time.Now().Unix()
	if abs64(now-unix) > int64(leeway.Seconds()) {
		return false, "timestamp outside leeway"
	}
	if !strings.HasPrefix(sigHeaderVal, "sha256=") {
		return false, "bad signature scheme"
	}
	got := strings.TrimPrefix(sigHeaderVal, "sha256=")
	if _, err := hex.DecodeString(got); err != nil {
		return false, "signature not hex"
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	mac.Write([]byte(ts))
	want := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(got), []byte(want)) {
		return false, "sig mismatch"
	}
	return true, ""
}

// abs64 returns the absolute value of an int64
func abs64(x int64) int64 {
	if x < 0 {
		return -x
	}
	return x
}

// truncate truncates a string to the specified length and adds an ellipsis if truncated
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return fmt.Sprintf("%s...", s[:n])
}
