// Package route decides what an extracted message becomes: a journal entry
// or a turn in a conversational thread. The classification is a fixed,
// deterministic heuristic over word counts and keyword vocabularies; no
// model calls are involved.
package route

import (
	"errors"
	"strings"

	"github.com/google/uuid"

	"github.com/quillpost/mailroom/internal/extract"
	"github.com/quillpost/mailroom/internal/storage"
)

type Decision string

const (
	DecisionJournal      Decision = "journal"
	DecisionConversation Decision = "conversation"
)

var greetingTokens = []string{"hi", "hello", "hey", "thanks", "thank"}

// Classify decides whether a message reads like a journal entry. Replies
// are never journal entries; short messages, short questions, and messages
// opening with a greeting route to conversation. Long messages are journal
// entries outright, mid-length ones only when they carry at least one
// journal-indicator keyword.
func Classify(msg extract.Message) Decision {
	if msg.IsReply() {
		return DecisionConversation
	}

	content := strings.TrimSpace(msg.Content)
	words := strings.Fields(content)

	if len(words) < 10 {
		return DecisionConversation
	}
	if strings.HasSuffix(content, "?") && len(words) < 20 {
		return DecisionConversation
	}
	if startsWithGreeting(words) {
		return DecisionConversation
	}
	if len(words) > 30 {
		return DecisionJournal
	}
	if hasJournalIndicator(strings.ToLower(content)) {
		return DecisionJournal
	}
	return DecisionConversation
}

func startsWithGreeting(words []string) bool {
	if len(words) == 0 {
		return false
	}
	first := strings.ToLower(strings.Trim(words[0], ".,!?;:"))
	for _, tok := range greetingTokens {
		if first == tok {
			return true
		}
	}
	return false
}

// journalIndicators is the fixed vocabulary of temporal and reflective words
// that promote a mid-length message to a journal entry.
var journalIndicators = []string{
	"today", "yesterday", "tonight", "this morning", "this evening",
	"felt", "feel", "feeling", "realized", "noticed", "learned",
	"grateful", "thankful", "reflect", "remember", "thinking about",
	"happy", "sad", "angry", "anxious", "excited", "tired", "proud",
	"worried", "dream", "struggled", "accomplished",
}

func hasJournalIndicator(lower string) bool {
	for _, kw := range journalIndicators {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// ThreadStore resolves previously stored messages by Message-ID.
type ThreadStore interface {
	GetMessageByMessageID(messageID string) (storage.Message, error)
}

// Router resolves conversation identity against stored message history.
type Router struct {
	store ThreadStore
}

func NewRouter(store ThreadStore) *Router {
	return &Router{store: store}
}

// ResolveConversation returns the conversation the message belongs to: the
// prior message's conversation when In-Reply-To matches a stored Message-ID,
// otherwise a freshly minted identifier. Every message of one mail thread
// resolves to the same conversation id.
func (r *Router) ResolveConversation(msg extract.Message) (string, error) {
	if msg.InReplyTo != "" {
		prior, err := r.store.GetMessageByMessageID(msg.InReplyTo)
		if err == nil {
			return prior.ConversationID, nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return "", err
		}
	}
	return uuid.New().String(), nil
}

// BuildReferences accumulates the References value an outbound reply must
// carry: the inbound message's own References followed by its Message-ID,
// so mail clients render a coherent thread.
func BuildReferences(msg extract.Message) string {
	refs := strings.Fields(msg.References)
	if msg.MessageID != "" {
		refs = append(refs, "<"+msg.MessageID+">")
	}
	return strings.Join(refs, " ")
}

// EntryTitle derives a journal entry title: the subject when one was
// recovered, otherwise the opening words of the content.
func EntryTitle(msg extract.Message) string {
	if msg.Subject != "" && msg.Subject != extract.DefaultSubject {
		return msg.Subject
	}
	words := strings.Fields(msg.Content)
	if len(words) > 8 {
		words = words[:8]
		return strings.Join(words, " ") + "…"
	}
	return strings.Join(words, " ")
}
