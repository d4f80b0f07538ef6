// Package api exposes the ingestion pipeline over HTTP: webhook intake,
// status polling, and health.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/hookrelay/hookrelay/internal/logging"
	"github.com/hookrelay/hookrelay/internal/store"
	"github.com/hookrelay/hookrelay/internal/webhook"
)

// KeyHeader is the header alternative to the ?key= query parameter.
const KeyHeader = "X-Hookrelay-Key"

// CorrelationHeader carries the caller's idempotency handle.
const CorrelationHeader = "X-Correlation-Id"

type errorBody struct {
	Error string `json:"error"`
}

// Server routes HTTP traffic to the ingestion pipeline.
type Server struct {
	pipeline *webhook.Pipeline
	log      *logging.Logger
	maxBody  int64
}

func NewServer(pipeline *webhook.Pipeline, log *logging.Logger, maxBody int64) *Server {
	if maxBody <= 0 {
		maxBody = webhook.MaxBodyBytes
	}
	return &Server{pipeline: pipeline, log: log, maxBody: maxBody}
}

// Routes registers the server's handlers on mux and returns it.
func (s *Server) Routes(mux *http.ServeMux) *http.ServeMux {
	if mux == nil {
		mux = http.NewServeMux()
	}
	mux.HandleFunc("POST /webhooks/{id}", s.handleReceive)
	mux.HandleFunc("GET /status/{id}", s.handleStatus)
	return mux
}

func (s *Server) handleReceive(w http.ResponseWriter, r *http.Request) {
	webhookID := r.PathValue("id")
	key := r.URL.Query().Get("key")
	if key == "" {
		key = r.Header.Get(KeyHeader)
	}

	// Read capped at one byte past the limit so oversized bodies are
	// detected without buffering them whole.
	body, err := io.ReadAll(io.LimitReader(r.Body, s.maxBody+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}
	if int64(len(body)) > s.maxBody {
		writeError(w, http.StatusRequestEntityTooLarge, "payload exceeds size limit")
		return
	}

	req := webhook.Request{
		Headers:       flattenHeaders(r.Header),
		ContentType:   r.Header.Get("Content-Type"),
		CorrelationID: r.Header.Get(CorrelationHeader),
	}
	if isJSON(req.ContentType) {
		var payload any
		if err := json.Unmarshal(body, &payload); err != nil {
			writeError(w, http.StatusBadRequest, "malformed JSON payload")
			return
		}
		req.Payload = payload
	} else {
		req.Raw = body
	}

	acc, err := s.pipeline.Receive(r.Context(), webhookID, key, req)
	if err != nil {
		s.writeReceiveError(w, r, webhookID, err)
		return
	}
	writeJSON(w, http.StatusAccepted, acc)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	rep, err := s.pipeline.Status(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "unknown response id")
			return
		}
		s.log.WithContext(r.Context()).WithError(err).Error("status lookup failed")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (s *Server) writeReceiveError(w http.ResponseWriter, r *http.Request, webhookID string, err error) {
	switch {
	case errors.Is(err, webhook.ErrUnauthorized):
		// Same response for unknown id and bad key.
		writeError(w, http.StatusNotFound, "unknown webhook")
	case errors.Is(err, webhook.ErrPayloadTooLarge):
		writeError(w, http.StatusRequestEntityTooLarge, "payload exceeds size limit")
	case errors.Is(err, webhook.ErrMalformedPayload):
		writeError(w, http.StatusBadRequest, "malformed payload")
	case errors.Is(err, webhook.ErrNoDestination):
		writeError(w, http.StatusUnprocessableEntity, "no destination for payload")
	default:
		s.log.WithContext(r.Context()).WithWebhook(webhookID).WithError(err).Error("ingest failed")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func isJSON(contentType string) bool {
	if contentType == "" {
		return true // default per the wire contract
	}
	mediaType := contentType
	if i := strings.IndexByte(mediaType, ';'); i >= 0 {
		mediaType = mediaType[:i]
	}
	mediaType = strings.TrimSpace(strings.ToLower(mediaType))
	return mediaType == "application/json" || strings.HasSuffix(mediaType, "+json")
}

func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, vs := range h {
		if len(vs) > 0 {
			out[k] = vs[0]
		}
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}
