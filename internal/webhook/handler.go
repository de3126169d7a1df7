package webhook

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/quillpost/mailroom/internal/storage"
)

const maxInboundBodySize = 25 << 20 // 25MB, matches typical relay message caps

// Enqueuer abstracts the durable queue for the receiving path. The webhook
// handler only ever writes new jobs; it never reads or mutates job status.
type Enqueuer interface {
	EnqueueJob(payload string) (storage.Job, error)
}

type Deps struct {
	Queue  Enqueuer
	Wake   func() // optional; signals the worker that a job was enqueued
	Logger *slog.Logger
}

// NewHandler returns the provider-facing webhook router.
func NewHandler(deps Deps) http.Handler {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	r := chi.NewRouter()
	r.Get("/health", handleHealth)
	r.Post("/webhooks/inbound", handleInbound(deps))
	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

// handleInbound normalizes and durably enqueues one provider delivery.
// Anything that decoded gets a 200: returning non-200 after the payload is
// recorded only provokes redelivery storms from the upstream relay, so
// enqueue errors are logged and still acknowledged.
func handleInbound(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxInboundBodySize)
		defer r.Body.Close()

		body, err := io.ReadAll(r.Body)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "reading body: %v", err)
			return
		}

		payload, err := Normalize(r.Header.Get("Content-Type"), body)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "undecodable webhook body: %v", err)
			return
		}

		encoded, err := json.Marshal(payload)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "encoding payload: %v", err)
			return
		}

		job, err := deps.Queue.EnqueueJob(string(encoded))
		if err != nil {
			deps.Logger.Error("enqueue failed after successful decode", "error", err, "kind", payload.Kind)
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			w.Write([]byte("accepted"))
			return
		}

		deps.Logger.Info("inbound payload enqueued", "job_id", job.ID, "kind", payload.Kind)
		if deps.Wake != nil {
			deps.Wake()
		}

		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Write([]byte("queued"))
	}
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
