package webhook

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/quillpost/mailroom/internal/storage"
)

type AdminDeps struct {
	Store *storage.Store
	Token string
}

// NewAdminHandler returns the bearer-authed operational API: queue
// inspection, manual retry of failed jobs, and message/journal listings.
func NewAdminHandler(deps AdminDeps) http.Handler {
	r := chi.NewRouter()
	r.Use(BearerAuth(deps.Token))

	r.Get("/jobs", handleListJobs(deps))
	r.Get("/jobs/{id}", handleGetJob(deps))
	r.Post("/jobs/{id}/retry", handleRetryJob(deps))
	r.Get("/messages", handleListMessages(deps))
	r.Get("/conversations/{id}", handleGetConversation(deps))
	r.Get("/journal", handleListJournal(deps))

	return r
}

type jobView struct {
	ID           int64  `json:"id"`
	Status       string `json:"status"`
	Attempts     int    `json:"attempts"`
	ErrorMessage string `json:"error_message,omitempty"`
	CreatedAt    string `json:"created_at"`
	UpdatedAt    string `json:"updated_at"`
	ProcessedAt  string `json:"processed_at,omitempty"`
}

func toJobView(j storage.Job) jobView {
	v := jobView{
		ID:           j.ID,
		Status:       j.Status,
		Attempts:     j.Attempts,
		ErrorMessage: j.ErrorMessage,
		CreatedAt:    j.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:    j.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if !j.ProcessedAt.IsZero() {
		v.ProcessedAt = j.ProcessedAt.UTC().Format(time.RFC3339)
	}
	return v
}

type messageView struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id,omitempty"`
	InReplyTo      string `json:"in_reply_to,omitempty"`
	References     string `json:"references,omitempty"`
	Direction      string `json:"direction"`
	Sender         string `json:"sender"`
	Recipient      string `json:"recipient"`
	Subject        string `json:"subject"`
	Body           string `json:"body"`
	CreatedAt      string `json:"created_at"`
}

func toMessageView(m storage.Message) messageView {
	return messageView{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		MessageID:      m.MessageID,
		InReplyTo:      m.InReplyTo,
		References:     m.References,
		Direction:      m.Direction,
		Sender:         m.Sender,
		Recipient:      m.Recipient,
		Subject:        m.Subject,
		Body:           m.Body,
		CreatedAt:      m.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func toMessageViews(msgs []storage.Message) []messageView {
	views := make([]messageView, 0, len(msgs))
	for _, m := range msgs {
		views = append(views, toMessageView(m))
	}
	return views
}

type journalEntryView struct {
	ID        string          `json:"id"`
	UserID    string          `json:"user_id"`
	Title     string          `json:"title"`
	Content   string          `json:"content"`
	Mood      string          `json:"mood"`
	Tags      json.RawMessage `json:"tags"`
	CreatedAt string          `json:"created_at"`
}

func toJournalEntryView(e storage.JournalEntry) journalEntryView {
	tags := json.RawMessage(e.Tags)
	if !json.Valid(tags) || string(tags) == "null" {
		tags = json.RawMessage("[]")
	}
	return journalEntryView{
		ID:        e.ID,
		UserID:    e.UserID,
		Title:     e.Title,
		Content:   e.Content,
		Mood:      e.Mood,
		Tags:      tags,
		CreatedAt: e.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func handleListJobs(deps AdminDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", 20, 100)
		status := r.URL.Query().Get("status")

		jobs, err := deps.Store.ListJobs(status, limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list jobs: %v", err)
			return
		}

		views := make([]jobView, 0, len(jobs))
		for _, j := range jobs {
			views = append(views, toJobView(j))
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(views)
	}
}

func handleGetJob(deps AdminDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid job id")
			return
		}

		job, err := deps.Store.GetJob(id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "job not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get job: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(toJobView(job))
	}
}

func handleRetryJob(deps AdminDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid job id")
			return
		}

		err = deps.Store.RequeueJob(id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "no failed job with that id")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to requeue job: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "requeued"})
	}
}

func handleListMessages(deps AdminDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", 20, 100)

		msgs, err := deps.Store.ListMessages(limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list messages: %v", err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(toMessageViews(msgs))
	}
}

func handleGetConversation(deps AdminDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		msgs, err := deps.Store.ListConversation(id)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to load conversation: %v", err)
			return
		}
		if len(msgs) == 0 {
			httpError(w, http.StatusNotFound, "not_found", "conversation not found")
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(toMessageViews(msgs))
	}
}

func handleListJournal(deps AdminDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := r.URL.Query().Get("user_id")
		if userID == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "user_id is required")
			return
		}
		limit := parseIntParam(r, "limit", 20, 100)

		entries, err := deps.Store.ListJournalEntries(userID, limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list journal entries: %v", err)
			return
		}
		views := make([]journalEntryView, 0, len(entries))
		for _, e := range entries {
			views = append(views, toJournalEntryView(e))
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(views)
	}
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}
