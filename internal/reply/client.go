// Package reply generates outbound reply text through a hosted
// chat-completions API. Failures here must never crash the worker; they
// surface as job failures with the upstream error attached.
package reply

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"
)

const (
	defaultBaseURL = "https://openrouter.ai/api/v1"
	defaultTimeout = 60 * time.Second
	maxRetries     = 3
	initialBackoff = 500 * time.Millisecond
)

// Kind selects the system prompt and subject of the generated reply.
type Kind string

const (
	// KindConversation is a threaded reply in an ongoing exchange.
	KindConversation Kind = "conversation"
	// KindJournalAck acknowledges a captured journal entry.
	KindJournalAck Kind = "journal_ack"
	// KindWelcome greets a sender with no account.
	KindWelcome Kind = "welcome"
)

// Turn is one prior message of the conversation, oldest first.
type Turn struct {
	Role    string // "user" or "assistant"
	Content string
}

type Request struct {
	Kind     Kind
	UserName string
	Subject  string // inbound subject, used to derive the reply subject
	Content  string // cleaned inbound content
	History  []Turn
}

type Reply struct {
	Subject string
	Content string
}

// Client communicates with the chat-completions API.
type Client struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
}

// NewClient creates a reply client with the given API key and model.
func NewClient(apiKey, model string) *Client {
	return &Client{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		model:   model,
		httpClient: &http.Client{
			Timeout: defaultTimeout,
		},
	}
}

// NewClientWithBaseURL creates a client pointing at a custom base URL (for testing).
func NewClientWithBaseURL(apiKey, model, baseURL string) *Client {
	c := NewClient(apiKey, model)
	c.baseURL = strings.TrimRight(baseURL, "/")
	return c
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Generate produces the reply for one inbound message, retrying with
// exponential backoff when the upstream rate-limits.
func (c *Client) Generate(ctx context.Context, req Request) (Reply, error) {
	body, err := json.Marshal(chatRequest{
		Model:    c.model,
		Messages: buildMessages(req),
	})
	if err != nil {
		return Reply{}, fmt.Errorf("marshaling request: %w", err)
	}

	var lastErr error
	for attempt := range maxRetries {
		content, err := c.doChat(ctx, body)
		if err == nil {
			return Reply{
				Subject: subjectFor(req),
				Content: content,
			}, nil
		}

		if !isRateLimit(err) {
			return Reply{}, err
		}

		lastErr = err
		if attempt < maxRetries-1 {
			backoff := time.Duration(float64(initialBackoff) * math.Pow(2, float64(attempt)))
			select {
			case <-ctx.Done():
				return Reply{}, ctx.Err()
			case <-time.After(backoff):
			}
		}
	}

	return Reply{}, fmt.Errorf("rate limited after %d retries: %w", maxRetries, lastErr)
}

func (c *Client) doChat(ctx context.Context, body []byte) (string, error) {
	reqCtx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return "", &rateLimitError{status: resp.StatusCode}
	}
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(respBody))
	}

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("decoding response: %w", err)
	}
	if len(parsed.Choices) == 0 || strings.TrimSpace(parsed.Choices[0].Message.Content) == "" {
		return "", fmt.Errorf("empty completion")
	}
	return strings.TrimSpace(parsed.Choices[0].Message.Content), nil
}

// rateLimitError is returned on HTTP 429.
type rateLimitError struct {
	status int
}

func (e *rateLimitError) Error() string {
	return fmt.Sprintf("rate limited (HTTP %d)", e.status)
}

func isRateLimit(err error) bool {
	_, ok := err.(*rateLimitError)
	return ok
}

func buildMessages(req Request) []chatMessage {
	msgs := []chatMessage{{Role: "system", Content: systemPrompt(req)}}
	for _, turn := range req.History {
		msgs = append(msgs, chatMessage{Role: turn.Role, Content: turn.Content})
	}
	msgs = append(msgs, chatMessage{Role: "user", Content: req.Content})
	return msgs
}

func systemPrompt(req Request) string {
	name := req.UserName
	if name == "" {
		name = "the writer"
	}
	switch req.Kind {
	case KindJournalAck:
		return fmt.Sprintf("You are a warm journaling companion. %s just emailed in a journal entry. "+
			"Write a short, encouraging acknowledgement (2-3 sentences). Do not summarize the entry back.", name)
	case KindWelcome:
		return "Someone emailed the journaling address without an account. Write a short, friendly note " +
			"explaining how to sign up. Do not reference the content of their message."
	default:
		return fmt.Sprintf("You are a thoughtful journaling companion in an email conversation with %s. "+
			"Reply conversationally in 2-4 sentences, asking at most one gentle follow-up question.", name)
	}
}

func subjectFor(req Request) string {
	switch req.Kind {
	case KindJournalAck:
		return "Your journal entry was saved"
	case KindWelcome:
		return "Welcome! Let's get you set up"
	default:
		subject := strings.TrimSpace(req.Subject)
		if subject == "" {
			return "Re: your note"
		}
		if strings.HasPrefix(strings.ToLower(subject), "re:") {
			return subject
		}
		return "Re: " + subject
	}
}
