// Package mailer sends outbound mail through the transactional-email
// provider's HTTP API and assigns each outbound message an RFC 5322
// Message-ID so later inbound replies can be threaded back.
package mailer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	defaultBaseURL = "https://api.sendgrid.com/v3"
	defaultTimeout = 30 * time.Second
)

// Email is one outbound message. InReplyTo and References, when set, are
// emitted as headers so mail clients thread the reply correctly.
type Email struct {
	To         string
	Subject    string
	Content    string
	InReplyTo  string // bare message id, without angle brackets
	References string // space-separated bracketed ids
}

// Client talks to the provider's v3 mail-send endpoint.
type Client struct {
	apiKey     string
	baseURL    string
	from       string
	fromName   string
	domain     string // Message-ID domain
	httpClient *http.Client
}

func NewClient(apiKey, from, fromName, domain string) *Client {
	return &Client{
		apiKey:   apiKey,
		baseURL:  defaultBaseURL,
		from:     from,
		fromName: fromName,
		domain:   domain,
		httpClient: &http.Client{
			Timeout: defaultTimeout,
		},
	}
}

// NewClientWithBaseURL creates a client pointing at a custom base URL (for testing).
func NewClientWithBaseURL(apiKey, from, fromName, domain, baseURL string) *Client {
	c := NewClient(apiKey, from, fromName, domain)
	c.baseURL = strings.TrimRight(baseURL, "/")
	return c
}

type sendRequest struct {
	Personalizations []personalization `json:"personalizations"`
	From             address           `json:"from"`
	Subject          string            `json:"subject"`
	Content          []contentPart     `json:"content"`
	Headers          map[string]string `json:"headers,omitempty"`
}

type personalization struct {
	To []address `json:"to"`
}

type address struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

type contentPart struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// Send delivers the email and returns the bare Message-ID assigned to it.
func (c *Client) Send(ctx context.Context, e Email) (string, error) {
	messageID := fmt.Sprintf("%s@%s", uuid.New().String(), c.domain)

	headers := map[string]string{
		"Message-ID": "<" + messageID + ">",
	}
	if e.InReplyTo != "" {
		headers["In-Reply-To"] = "<" + e.InReplyTo + ">"
	}
	if e.References != "" {
		headers["References"] = e.References
	}

	body, err := json.Marshal(sendRequest{
		Personalizations: []personalization{{To: []address{{Email: e.To}}}},
		From:             address{Email: c.from, Name: c.fromName},
		Subject:          e.Subject,
		Content:          []contentPart{{Type: "text/plain", Value: e.Content}},
		Headers:          headers,
	})
	if err != nil {
		return "", fmt.Errorf("marshaling send request: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.baseURL+"/mail/send", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("executing send: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(respBody))
	}

	return messageID, nil
}
