// Package worker drives queued inbound payloads through extraction, dedup,
// routing, and the downstream side effects. One timer-driven poller
// processes a single job at a time; serializing jobs keeps queue state free
// of read-modify-write races without locking.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/quillpost/mailroom/internal/extract"
	"github.com/quillpost/mailroom/internal/mailer"
	"github.com/quillpost/mailroom/internal/reply"
	"github.com/quillpost/mailroom/internal/route"
	"github.com/quillpost/mailroom/internal/storage"
	"github.com/quillpost/mailroom/internal/webhook"
)

// DefaultPollInterval is how often the worker checks for pending jobs when
// no enqueue wakes it first.
const DefaultPollInterval = 10 * time.Second

// JobStore abstracts the durable queue operations.
type JobStore interface {
	ClaimNextJob() (*storage.Job, error)
	CompleteJob(id int64) error
	FailJob(id int64, reason string, terminal bool) error
}

// MessageStore persists pipeline messages and serves threading lookups.
type MessageStore interface {
	SaveMessage(m storage.Message) error
	ListConversation(conversationID string) ([]storage.Message, error)
}

// UserDirectory attributes a sender address to an account.
type UserDirectory interface {
	GetUserByEmail(email string) (storage.User, error)
}

// JournalStore persists journal entries.
type JournalStore interface {
	SaveJournalEntry(e storage.JournalEntry) error
}

// MemoryRecorder is the fire-and-forget enrichment sink; its failures are
// logged but never fail the job.
type MemoryRecorder interface {
	SaveMemory(m storage.Memory) error
}

// Guard is the dedup check for redelivered messages.
type Guard interface {
	IsDuplicate(receivedAt time.Time, msg extract.Message) (bool, error)
	Remember(receivedAt time.Time, msg extract.Message) error
}

// Resolver maps a message onto its conversation.
type Resolver interface {
	ResolveConversation(msg extract.Message) (string, error)
}

// ReplyGenerator produces outbound reply text.
type ReplyGenerator interface {
	Generate(ctx context.Context, req reply.Request) (reply.Reply, error)
}

// EmailSender delivers outbound mail and returns the assigned Message-ID.
type EmailSender interface {
	Send(ctx context.Context, e mailer.Email) (string, error)
}

type Deps struct {
	Jobs     JobStore
	Messages MessageStore
	Users    UserDirectory
	Journal  JournalStore
	Memories MemoryRecorder
	Guard    Guard
	Resolver Resolver
	Replies  ReplyGenerator
	Mailer   EmailSender
	From     string // address outbound messages are recorded under
}

// Worker polls the queue and fully processes one job per iteration.
type Worker struct {
	deps   Deps
	poll   time.Duration
	wake   chan struct{}
	logger *slog.Logger
}

// New creates a Worker. If pollInterval is <= 0 it defaults to
// DefaultPollInterval.
func New(deps Deps, pollInterval time.Duration) *Worker {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	return &Worker{
		deps:   deps,
		poll:   pollInterval,
		wake:   make(chan struct{}, 1),
		logger: slog.Default(),
	}
}

// Wake nudges the worker to check the queue immediately instead of waiting
// for the next tick. Safe to call from any goroutine; signals coalesce.
func (w *Worker) Wake() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Run polls for jobs until ctx is cancelled. It checks the queue once at
// startup, then on every tick or wake signal.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		did, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("worker iteration failed", "error", err)
		}
		if did {
			// Drain a backlog one job per iteration without waiting out the
			// full poll interval.
			w.Wake()
		}

		select {
		case <-ctx.Done():
			return
		case <-w.wake:
		case <-time.After(w.poll):
		}
	}
}

// RunOnce claims and processes at most one job. Returns true if a job was
// handled, regardless of success or failure.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.deps.Jobs.ClaimNextJob()
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	if job.Attempts >= storage.MaxJobAttempts {
		if err := w.deps.Jobs.FailJob(job.ID, "exceeded maximum attempts", true); err != nil {
			w.logger.Error("failed to mark exhausted job", "job_id", job.ID, "error", err)
		}
		return true, nil
	}

	if err := w.processJob(ctx, job); err != nil {
		terminal := errors.Is(err, extract.ErrNoContent)
		w.logger.Warn("job failed", "job_id", job.ID, "terminal", terminal, "error", err)
		if failErr := w.deps.Jobs.FailJob(job.ID, err.Error(), terminal); failErr != nil {
			w.logger.Error("failed to mark job as failed", "job_id", job.ID, "error", failErr)
		}
		return true, nil
	}

	if err := w.deps.Jobs.CompleteJob(job.ID); err != nil {
		return true, fmt.Errorf("completing job %d: %w", job.ID, err)
	}
	return true, nil
}

func (w *Worker) processJob(ctx context.Context, job *storage.Job) error {
	var payload webhook.RawInboundPayload
	if err := json.Unmarshal([]byte(job.Payload), &payload); err != nil {
		return fmt.Errorf("parsing payload: %w", err)
	}

	msg, err := extract.Extract(payload)
	if err != nil {
		return fmt.Errorf("extracting content: %w", err)
	}

	dup, err := w.deps.Guard.IsDuplicate(job.CreatedAt, msg)
	if err != nil {
		return fmt.Errorf("dedup check: %w", err)
	}
	if dup {
		w.logger.Info("duplicate delivery short-circuited", "job_id", job.ID, "sender", msg.Sender)
		return nil
	}

	user, err := w.deps.Users.GetUserByEmail(msg.Sender)
	if errors.Is(err, storage.ErrNotFound) {
		return w.processWelcome(ctx, job, msg)
	}
	if err != nil {
		return fmt.Errorf("looking up user %q: %w", msg.Sender, err)
	}

	decision := route.Classify(msg)
	conversationID, err := w.deps.Resolver.ResolveConversation(msg)
	if err != nil {
		return fmt.Errorf("resolving conversation: %w", err)
	}

	history, err := w.conversationHistory(decision, conversationID)
	if err != nil {
		return fmt.Errorf("loading conversation history: %w", err)
	}

	now := time.Now().UTC()
	inbound := storage.Message{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		MessageID:      msg.MessageID,
		InReplyTo:      msg.InReplyTo,
		References:     msg.References,
		Direction:      storage.DirectionInbound,
		Sender:         msg.Sender,
		Recipient:      w.deps.From,
		Subject:        msg.Subject,
		Body:           msg.Content,
		CreatedAt:      now,
	}
	if err := w.deps.Messages.SaveMessage(inbound); err != nil {
		return fmt.Errorf("saving inbound message: %w", err)
	}

	kind := reply.KindConversation
	if decision == route.DecisionJournal {
		kind = reply.KindJournalAck
		tags, err := json.Marshal(route.ExtractTags(msg.Content))
		if err != nil {
			return fmt.Errorf("encoding tags: %w", err)
		}
		entry := storage.JournalEntry{
			ID:        uuid.New().String(),
			UserID:    user.ID,
			Title:     route.EntryTitle(msg),
			Content:   msg.Content,
			Mood:      route.DetectMood(msg.Content),
			Tags:      string(tags),
			CreatedAt: now,
		}
		if err := w.deps.Journal.SaveJournalEntry(entry); err != nil {
			return fmt.Errorf("saving journal entry: %w", err)
		}
		w.logger.Info("journal entry created", "job_id", job.ID, "entry_id", entry.ID, "mood", entry.Mood)
	}

	generated, err := w.deps.Replies.Generate(ctx, reply.Request{
		Kind:     kind,
		UserName: user.Name,
		Subject:  msg.Subject,
		Content:  msg.Content,
		History:  history,
	})
	if err != nil {
		return fmt.Errorf("generating reply: %w", err)
	}

	refs := route.BuildReferences(msg)
	outboundID, err := w.deps.Mailer.Send(ctx, mailer.Email{
		To:         msg.Sender,
		Subject:    generated.Subject,
		Content:    generated.Content,
		InReplyTo:  msg.MessageID,
		References: refs,
	})
	if err != nil {
		return fmt.Errorf("sending reply: %w", err)
	}

	outbound := storage.Message{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		MessageID:      outboundID,
		InReplyTo:      msg.MessageID,
		References:     refs,
		Direction:      storage.DirectionOutbound,
		Sender:         w.deps.From,
		Recipient:      msg.Sender,
		Subject:        generated.Subject,
		Body:           generated.Content,
		CreatedAt:      time.Now().UTC(),
	}
	if err := w.deps.Messages.SaveMessage(outbound); err != nil {
		return fmt.Errorf("saving outbound message: %w", err)
	}

	// Memory enrichment is best-effort: a failure here must not fail the job.
	if err := w.deps.Memories.SaveMemory(storage.Memory{
		ID:        uuid.New().String(),
		UserID:    user.ID,
		Content:   msg.Content,
		Kind:      string(decision),
		CreatedAt: time.Now().UTC(),
	}); err != nil {
		w.logger.Warn("recording memory failed", "job_id", job.ID, "error", err)
	}

	if err := w.deps.Guard.Remember(job.CreatedAt, msg); err != nil {
		w.logger.Warn("remembering fingerprint failed", "job_id", job.ID, "error", err)
	}

	return nil
}

// processWelcome handles mail from addresses with no account: a short
// welcome email instead of journal or conversation processing.
func (w *Worker) processWelcome(ctx context.Context, job *storage.Job, msg extract.Message) error {
	generated, err := w.deps.Replies.Generate(ctx, reply.Request{
		Kind:    reply.KindWelcome,
		Subject: msg.Subject,
		Content: msg.Content,
	})
	if err != nil {
		return fmt.Errorf("generating welcome: %w", err)
	}

	if _, err := w.deps.Mailer.Send(ctx, mailer.Email{
		To:      msg.Sender,
		Subject: generated.Subject,
		Content: generated.Content,
	}); err != nil {
		return fmt.Errorf("sending welcome: %w", err)
	}

	w.logger.Info("welcome sent to unknown sender", "job_id", job.ID, "sender", msg.Sender)

	if err := w.deps.Guard.Remember(job.CreatedAt, msg); err != nil {
		w.logger.Warn("remembering fingerprint failed", "job_id", job.ID, "error", err)
	}
	return nil
}

// conversationHistory builds prior turns for conversational replies. The
// inbound message is not stored yet when this runs, so the history is
// exactly the earlier exchange.
func (w *Worker) conversationHistory(decision route.Decision, conversationID string) ([]reply.Turn, error) {
	if decision != route.DecisionConversation {
		return nil, nil
	}
	msgs, err := w.deps.Messages.ListConversation(conversationID)
	if err != nil {
		return nil, err
	}
	turns := make([]reply.Turn, 0, len(msgs))
	for _, m := range msgs {
		role := "user"
		if m.Direction == storage.DirectionOutbound {
			role = "assistant"
		}
		turns = append(turns, reply.Turn{Role: role, Content: m.Body})
	}
	return turns, nil
}
