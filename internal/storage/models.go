package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Job statuses. A job only moves pending -> processing -> completed|failed;
// a non-terminal failure puts it back to pending with attempts incremented.
const (
	JobPending    = "pending"
	JobProcessing = "processing"
	JobCompleted  = "completed"
	JobFailed     = "failed"
)

// MaxJobAttempts is the circuit breaker: a job that has failed this many
// times is terminally failed and never claimed again.
const MaxJobAttempts = 5

type Job struct {
	ID           int64
	Payload      string // normalized inbound payload, JSON-encoded
	Status       string
	Attempts     int
	ErrorMessage string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	ProcessedAt  time.Time // zero unless the job completed
}

// Message directions.
const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

// Message is one mail message that passed through the pipeline, inbound or
// outbound. MessageID is the RFC 5322 Message-ID header value; all messages
// belonging to one thread share a ConversationID.
type Message struct {
	ID             string
	ConversationID string
	MessageID      string
	InReplyTo      string
	References     string
	Direction      string
	Sender         string
	Recipient      string
	Subject        string
	Body           string
	CreatedAt      time.Time
}

type User struct {
	ID        string
	Email     string
	Name      string
	CreatedAt time.Time
}

type JournalEntry struct {
	ID        string
	UserID    string
	Title     string
	Content   string
	Mood      string
	Tags      string // JSON array stored as text
	CreatedAt time.Time
}

type Memory struct {
	ID        string
	UserID    string
	Content   string
	Kind      string
	CreatedAt time.Time
}
