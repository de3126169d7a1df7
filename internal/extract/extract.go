// Package extract recovers a human message from whatever shape the upstream
// mail relay delivered. Providers send inconsistent, sometimes double-encoded,
// sometimes quoted-printable payloads, so body recovery runs as a strategy
// chain: direct field lookup, structured MIME parse, HTML tag stripping, and
// finally a line-classification heuristic. The first tier producing non-empty
// content wins.
package extract

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/quillpost/mailroom/internal/webhook"
)

// DefaultSubject is used when no subject could be recovered.
const DefaultSubject = "(no subject)"

// ErrNoContent reports that every extraction strategy failed. This is the
// terminal failure signal for a job: there is no point retrying a payload
// whose content is fundamentally unrecoverable.
var ErrNoContent = errors.New("no recoverable message content")

// Message is the result of extraction. Content is cleaned plain text with
// signatures and quoted replies stripped; the threading identifiers are
// best-effort and may be empty.
type Message struct {
	Sender     string
	Subject    string
	Content    string
	MessageID  string
	InReplyTo  string
	References string
}

// IsReply reports whether the message is part of an existing thread, either
// via an In-Reply-To header or a "Re:" subject prefix.
func (m Message) IsReply() bool {
	if m.InReplyTo != "" {
		return true
	}
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(m.Subject)), "re:")
}

// Extract pulls a Message out of a normalized inbound payload. Sender,
// subject, and threading headers are extracted independently of the body, so
// a partially recovered message still threads correctly. A nil error means
// Content is non-empty.
func Extract(p webhook.RawInboundPayload) (Message, error) {
	fields := fieldMap(p)
	raw := rawEmail(p, fields)

	msg := Message{Subject: DefaultSubject}
	applyFieldHeaders(&msg, fields)
	if len(raw) > 0 {
		applyMIMEHeaders(&msg, raw)
	}

	// Tier 1: known plain-text field names, quoted-printable tolerant.
	if body := directFieldBody(fields); body != "" {
		msg.Content = body
		return msg, nil
	}

	// Tier 2: structured parse of the embedded raw MIME message.
	if len(raw) > 0 {
		if body := mimeBody(raw); body != "" {
			msg.Content = body
			return msg, nil
		}
	}

	// Tier 3: recover text from an HTML-only delivery.
	if body := htmlFieldBody(fields, raw); body != "" {
		msg.Content = body
		return msg, nil
	}

	// Tier 4: aggressive line classification over the raw text.
	if body := aggressiveExtract(aggressiveSource(fields, raw)); body != "" {
		msg.Content = body
		return msg, nil
	}

	return msg, ErrNoContent
}

// directFieldBody implements the first tier: look for the well-known
// plain-text field names, trim, decode quoted-printable escapes, clean.
func directFieldBody(fields map[string]string) string {
	for _, name := range []string{"text", "plain", "body-plain"} {
		val, ok := fields[name]
		if !ok || strings.TrimSpace(val) == "" {
			continue
		}
		if body := CleanBody(DecodeQuotedPrintable(val)); body != "" {
			return body
		}
	}
	return ""
}

// fieldMap flattens the payload into one string field map. Multipart
// deliveries already are one; JSON deliveries contribute their top-level
// string values so the same lookup tiers work for both.
func fieldMap(p webhook.RawInboundPayload) map[string]string {
	switch p.Kind {
	case webhook.KindMultipart:
		return p.Fields
	case webhook.KindJSON:
		fields := make(map[string]string, len(p.JSON))
		for k, v := range p.JSON {
			switch val := v.(type) {
			case string:
				fields[strings.ToLower(k)] = val
			case map[string]any, []any:
				if b, err := json.Marshal(val); err == nil {
					fields[strings.ToLower(k)] = string(b)
				}
			}
		}
		return fields
	default:
		return nil
	}
}

// rawEmail locates the full original MIME message: the whole body for
// raw-style delivery, or an "email" field the provider embedded it in.
func rawEmail(p webhook.RawInboundPayload, fields map[string]string) []byte {
	if p.Kind == webhook.KindRawMIME {
		return p.RawMIME
	}
	for _, name := range []string{"email", "raw", "raw_email", "message"} {
		if val, ok := fields[name]; ok && strings.TrimSpace(val) != "" {
			return []byte(val)
		}
	}
	return nil
}

// aggressiveSource picks the text the last-resort heuristic walks: the raw
// message when present, otherwise every field value concatenated.
func aggressiveSource(fields map[string]string, raw []byte) string {
	if len(raw) > 0 {
		return string(raw)
	}
	var sb strings.Builder
	for _, name := range []string{"text", "plain", "body-plain", "body", "content", "html"} {
		if val, ok := fields[name]; ok {
			sb.WriteString(val)
			sb.WriteString("\n")
		}
	}
	return sb.String()
}
