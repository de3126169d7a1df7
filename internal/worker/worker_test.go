package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/quillpost/mailroom/internal/dedup"
	"github.com/quillpost/mailroom/internal/mailer"
	"github.com/quillpost/mailroom/internal/reply"
	"github.com/quillpost/mailroom/internal/route"
	"github.com/quillpost/mailroom/internal/storage"
	"github.com/quillpost/mailroom/internal/webhook"
)

type fakeReplies struct {
	reqs []reply.Request
	err  error
}

func (f *fakeReplies) Generate(ctx context.Context, req reply.Request) (reply.Reply, error) {
	f.reqs = append(f.reqs, req)
	if f.err != nil {
		return reply.Reply{}, f.err
	}
	return reply.Reply{Subject: "Re: " + req.Subject, Content: "generated reply"}, nil
}

type fakeMailer struct {
	sent []mailer.Email
	err  error
}

func (f *fakeMailer) Send(ctx context.Context, e mailer.Email) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.sent = append(f.sent, e)
	return fmt.Sprintf("out-%d@mail.test", len(f.sent)), nil
}

type failingMemories struct{ calls int }

func (f *failingMemories) SaveMemory(m storage.Memory) error {
	f.calls++
	return errors.New("memory sink unavailable")
}

type env struct {
	store   *storage.Store
	replies *fakeReplies
	mailer  *fakeMailer
	worker  *Worker
}

func newEnv(t *testing.T) *env {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	e := &env{
		store:   store,
		replies: &fakeReplies{},
		mailer:  &fakeMailer{},
	}
	e.worker = New(Deps{
		Jobs:     store,
		Messages: store,
		Users:    store,
		Journal:  store,
		Memories: store,
		Guard:    dedup.NewGuard(store, dedup.DefaultWindow, dedup.DefaultTTL),
		Resolver: route.NewRouter(store),
		Replies:  e.replies,
		Mailer:   e.mailer,
		From:     "journal@quillpost.app",
	}, time.Second)
	return e
}

func (e *env) enqueue(t *testing.T, fields map[string]string) storage.Job {
	t.Helper()
	b, err := json.Marshal(webhook.RawInboundPayload{Kind: webhook.KindMultipart, Fields: fields})
	if err != nil {
		t.Fatalf("marshaling payload: %v", err)
	}
	job, err := e.store.EnqueueJob(string(b))
	if err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	return job
}

func (e *env) addUser(t *testing.T, id, email, name string) {
	t.Helper()
	err := e.store.SaveUser(storage.User{ID: id, Email: email, Name: name, CreatedAt: time.Now().UTC()})
	if err != nil {
		t.Fatalf("SaveUser: %v", err)
	}
}

func TestJournalFlow(t *testing.T) {
	e := newEnv(t)
	e.addUser(t, "u1", "bob@example.com", "Bob")

	job := e.enqueue(t, map[string]string{
		"from":    "Bob <bob@example.com>",
		"subject": "the garden",
		"text":    "Today I spent the whole afternoon repotting the tomato seedlings in the garden and felt proud of the progress.",
	})

	did, err := e.worker.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if !did {
		t.Fatal("RunOnce did no work")
	}

	got, err := e.store.GetJob(job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.Status != storage.JobCompleted {
		t.Fatalf("job status = %q (error: %s)", got.Status, got.ErrorMessage)
	}

	entries, err := e.store.ListJournalEntries("u1", 10)
	if err != nil {
		t.Fatalf("ListJournalEntries: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("got %d journal entries, want 1", len(entries))
	}
	if entries[0].Title != "the garden" {
		t.Errorf("entry title = %q", entries[0].Title)
	}
	if entries[0].Tags != `["hobby"]` {
		t.Errorf("entry tags = %q", entries[0].Tags)
	}

	if len(e.replies.reqs) != 1 || e.replies.reqs[0].Kind != reply.KindJournalAck {
		t.Errorf("reply requests = %+v, want one journal ack", e.replies.reqs)
	}
	if len(e.mailer.sent) != 1 {
		t.Fatalf("sent %d emails, want 1", len(e.mailer.sent))
	}
	if e.mailer.sent[0].To != "bob@example.com" {
		t.Errorf("ack sent to %q", e.mailer.sent[0].To)
	}

	// Inbound and outbound both recorded under one conversation.
	msgs, err := e.store.ListMessages(10)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("stored %d messages, want inbound + outbound", len(msgs))
	}
}

func TestConversationFlowThreading(t *testing.T) {
	e := newEnv(t)
	e.addUser(t, "u1", "bob@example.com", "Bob")

	// A previous outbound turn establishes the thread.
	err := e.store.SaveMessage(storage.Message{
		ID:             "m-prior",
		ConversationID: "conv-A",
		MessageID:      "out-1@mail.quillpost.app",
		Direction:      storage.DirectionOutbound,
		Sender:         "journal@quillpost.app",
		Recipient:      "bob@example.com",
		Subject:        "Re: checking in",
		Body:           "How was your day?",
		CreatedAt:      time.Now().UTC().Add(-time.Hour),
	})
	if err != nil {
		t.Fatalf("SaveMessage: %v", err)
	}

	e.enqueue(t, map[string]string{
		"from":        "bob@example.com",
		"subject":     "Re: checking in",
		"text":        "Yes, let's do it.",
		"message-id":  "<reply-1@example.com>",
		"in-reply-to": "<out-1@mail.quillpost.app>",
	})

	if _, err := e.worker.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	if len(e.replies.reqs) != 1 {
		t.Fatalf("reply requests = %d, want 1", len(e.replies.reqs))
	}
	req := e.replies.reqs[0]
	if req.Kind != reply.KindConversation {
		t.Errorf("reply kind = %q, want conversation", req.Kind)
	}
	if len(req.History) != 1 || req.History[0].Role != "assistant" {
		t.Errorf("history = %+v, want the prior outbound turn as assistant", req.History)
	}

	// No journal entry for a conversational reply.
	entries, err := e.store.ListJournalEntries("u1", 10)
	if err != nil {
		t.Fatalf("ListJournalEntries: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("reply produced %d journal entries", len(entries))
	}

	// Prior turn, inbound reply, and new outbound all share the conversation.
	msgs, err := e.store.ListConversation("conv-A")
	if err != nil {
		t.Fatalf("ListConversation: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("conversation holds %d messages, want 3", len(msgs))
	}

	if len(e.mailer.sent) != 1 {
		t.Fatalf("sent %d emails, want 1", len(e.mailer.sent))
	}
	out := e.mailer.sent[0]
	if out.InReplyTo != "reply-1@example.com" {
		t.Errorf("outbound In-Reply-To = %q", out.InReplyTo)
	}
	if !strings.Contains(out.References, "<reply-1@example.com>") {
		t.Errorf("outbound References = %q, missing inbound id", out.References)
	}
}

func TestWelcomeForUnknownSender(t *testing.T) {
	e := newEnv(t)

	job := e.enqueue(t, map[string]string{
		"from": "stranger@example.com",
		"text": "Hello, what is this address for?",
	})

	if _, err := e.worker.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	got, err := e.store.GetJob(job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.Status != storage.JobCompleted {
		t.Errorf("job status = %q", got.Status)
	}

	if len(e.replies.reqs) != 1 || e.replies.reqs[0].Kind != reply.KindWelcome {
		t.Fatalf("reply requests = %+v, want one welcome", e.replies.reqs)
	}
	if len(e.mailer.sent) != 1 || e.mailer.sent[0].To != "stranger@example.com" {
		t.Fatalf("sent = %+v", e.mailer.sent)
	}

	// Unknown senders leave no message history behind.
	msgs, err := e.store.ListMessages(10)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(msgs) != 0 {
		t.Errorf("welcome path stored %d messages", len(msgs))
	}
}

func TestDuplicateDeliveryShortCircuits(t *testing.T) {
	e := newEnv(t)
	e.addUser(t, "u1", "bob@example.com", "Bob")

	fields := map[string]string{
		"from":       "bob@example.com",
		"subject":    "the garden",
		"message-id": "<dup-1@example.com>",
		"text":       "Today I spent the whole afternoon repotting the tomato seedlings in the garden and felt proud of the progress.",
	}
	e.enqueue(t, fields)
	e.enqueue(t, fields)

	for i := 0; i < 2; i++ {
		if _, err := e.worker.RunOnce(context.Background()); err != nil {
			t.Fatalf("RunOnce #%d: %v", i+1, err)
		}
	}

	// Both jobs complete, but only the first produced side effects.
	completed, err := e.store.CountJobs(storage.JobCompleted)
	if err != nil {
		t.Fatalf("CountJobs: %v", err)
	}
	if completed != 2 {
		t.Errorf("completed jobs = %d, want 2", completed)
	}
	if len(e.mailer.sent) != 1 {
		t.Errorf("sent %d emails, want 1", len(e.mailer.sent))
	}
	entries, err := e.store.ListJournalEntries("u1", 10)
	if err != nil {
		t.Fatalf("ListJournalEntries: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("journal entries = %d, want 1", len(entries))
	}
}

func TestUnrecoverableContentFailsTerminally(t *testing.T) {
	e := newEnv(t)

	job := e.enqueue(t, map[string]string{
		"from":    "bob@example.com",
		"subject": "nothing here",
	})

	if _, err := e.worker.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	got, err := e.store.GetJob(job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.Status != storage.JobFailed {
		t.Errorf("job status = %q, want failed", got.Status)
	}
	if got.Attempts != 1 {
		t.Errorf("attempts = %d, want 1 (no retries for unrecoverable content)", got.Attempts)
	}
	if !strings.Contains(got.ErrorMessage, "no recoverable message content") {
		t.Errorf("error message = %q", got.ErrorMessage)
	}
}

func TestTransientFailureRetries(t *testing.T) {
	e := newEnv(t)
	e.addUser(t, "u1", "bob@example.com", "Bob")
	e.mailer.err = errors.New("smtp relay down")

	job := e.enqueue(t, map[string]string{
		"from": "bob@example.com",
		"text": "Quick question about dinner.",
	})

	if _, err := e.worker.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	got, err := e.store.GetJob(job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.Status != storage.JobPending {
		t.Fatalf("job status = %q, want pending for retry", got.Status)
	}
	if got.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", got.Attempts)
	}

	// The relay recovers; the next tick drains the job.
	e.mailer.err = nil
	if _, err := e.worker.RunOnce(context.Background()); err != nil {
		t.Fatalf("second RunOnce: %v", err)
	}

	got, err = e.store.GetJob(job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.Status != storage.JobCompleted {
		t.Errorf("job status = %q, want completed after retry", got.Status)
	}
}

func TestMemoryFailureIsNonFatal(t *testing.T) {
	e := newEnv(t)
	e.addUser(t, "u1", "bob@example.com", "Bob")

	memories := &failingMemories{}
	e.worker.deps.Memories = memories

	job := e.enqueue(t, map[string]string{
		"from": "bob@example.com",
		"text": "Quick question about dinner.",
	})

	if _, err := e.worker.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	if memories.calls != 1 {
		t.Errorf("memory sink called %d times, want 1", memories.calls)
	}
	got, err := e.store.GetJob(job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.Status != storage.JobCompleted {
		t.Errorf("job status = %q, memory failure must not fail the job", got.Status)
	}
	if len(e.mailer.sent) != 1 {
		t.Errorf("sent %d emails, want 1", len(e.mailer.sent))
	}
}

type stubFailure struct {
	id       int64
	reason   string
	terminal bool
}

type stubJobs struct {
	queue     []*storage.Job
	completed []int64
	failures  []stubFailure
}

func (s *stubJobs) ClaimNextJob() (*storage.Job, error) {
	if len(s.queue) == 0 {
		return nil, nil
	}
	job := s.queue[0]
	s.queue = s.queue[1:]
	return job, nil
}

func (s *stubJobs) CompleteJob(id int64) error {
	s.completed = append(s.completed, id)
	return nil
}

func (s *stubJobs) FailJob(id int64, reason string, terminal bool) error {
	s.failures = append(s.failures, stubFailure{id, reason, terminal})
	return nil
}

func TestExhaustedJobIsNotProcessed(t *testing.T) {
	jobs := &stubJobs{queue: []*storage.Job{{
		ID:       7,
		Payload:  `{"kind":"multipart","fields":{"text":"hello"}}`,
		Status:   storage.JobProcessing,
		Attempts: storage.MaxJobAttempts,
	}}}
	w := New(Deps{Jobs: jobs}, time.Second)

	did, err := w.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if !did {
		t.Fatal("RunOnce did no work")
	}
	if len(jobs.completed) != 0 {
		t.Errorf("exhausted job was completed")
	}
	if len(jobs.failures) != 1 || !jobs.failures[0].terminal {
		t.Fatalf("failures = %+v, want one terminal failure", jobs.failures)
	}
	if jobs.failures[0].reason != "exceeded maximum attempts" {
		t.Errorf("failure reason = %q", jobs.failures[0].reason)
	}
}

func TestRunOnceEmptyQueue(t *testing.T) {
	e := newEnv(t)

	did, err := e.worker.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if did {
		t.Error("RunOnce reported work on an empty queue")
	}
}

func TestWakeNeverBlocks(t *testing.T) {
	w := New(Deps{Jobs: &stubJobs{}}, time.Second)
	for i := 0; i < 10; i++ {
		w.Wake()
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	w := New(Deps{Jobs: &stubJobs{}}, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancellation")
	}
}
