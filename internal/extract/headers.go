package extract

import (
	"bytes"
	"encoding/json"
	"net/mail"
	"strings"
)

// applyFieldHeaders fills sender and subject from the flattened field map:
// a "from" field (display form or bare address) or the provider's envelope
// JSON blob.
func applyFieldHeaders(msg *Message, fields map[string]string) {
	if from, ok := fields["from"]; ok {
		if addr := ParseAddress(from); addr != "" {
			msg.Sender = addr
		}
	}
	if msg.Sender == "" {
		if env, ok := fields["envelope"]; ok {
			msg.Sender = envelopeSender(env)
		}
	}
	if subject, ok := fields["subject"]; ok && strings.TrimSpace(subject) != "" {
		msg.Subject = strings.TrimSpace(subject)
	}
	msg.MessageID = canonicalMsgID(firstField(fields, "message-id", "message_id"))
	msg.InReplyTo = canonicalMsgID(firstField(fields, "in-reply-to", "in_reply_to"))
	msg.References = firstField(fields, "references")
}

func firstField(fields map[string]string, names ...string) string {
	for _, name := range names {
		if val, ok := fields[name]; ok && strings.TrimSpace(val) != "" {
			return strings.TrimSpace(val)
		}
	}
	return ""
}

// applyMIMEHeaders pulls threading identifiers (and sender/subject when the
// field map had none) from the raw message's headers.
func applyMIMEHeaders(msg *Message, raw []byte) {
	hdr := parseHeaders(raw)
	if hdr == nil {
		return
	}

	if msg.MessageID == "" {
		msg.MessageID = canonicalMsgID(hdr.Get("Message-Id"))
	}
	if msg.InReplyTo == "" {
		msg.InReplyTo = canonicalMsgID(hdr.Get("In-Reply-To"))
	}
	if msg.References == "" {
		msg.References = strings.TrimSpace(hdr.Get("References"))
	}
	if msg.Sender == "" {
		msg.Sender = ParseAddress(hdr.Get("From"))
	}
	if msg.Subject == DefaultSubject {
		if subject := strings.TrimSpace(hdr.Get("Subject")); subject != "" {
			msg.Subject = subject
		}
	}
}

// parseHeaders reads the header block of a raw message, tolerating a missing
// body. net/mail only needs the headers to be well-formed.
func parseHeaders(raw []byte) mail.Header {
	m, err := mail.ReadMessage(bytes.NewReader(raw))
	if err == nil {
		return m.Header
	}

	// Header block alone (no blank line separator); retry with one appended.
	m, err = mail.ReadMessage(bytes.NewReader(append(bytes.TrimRight(raw, "\r\n"), "\r\n\r\n"...)))
	if err != nil {
		return nil
	}
	return m.Header
}

// ParseAddress extracts the bare address from a display string, preferring
// the angle-bracket form ("Bob <bob@example.com>" yields "bob@example.com").
func ParseAddress(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if a, err := mail.ParseAddress(s); err == nil {
		return a.Address
	}
	if i := strings.LastIndex(s, "<"); i >= 0 {
		if j := strings.Index(s[i:], ">"); j > 1 {
			return strings.TrimSpace(s[i+1 : i+j])
		}
	}
	return s
}

// envelopeSender parses the relay's envelope JSON blob ({"from": "...", ...}).
func envelopeSender(env string) string {
	var parsed struct {
		From string `json:"from"`
	}
	if err := json.Unmarshal([]byte(env), &parsed); err != nil {
		return ""
	}
	return ParseAddress(parsed.From)
}

// canonicalMsgID strips the surrounding angle brackets of a Message-ID
// header value so lookups compare the bare identifier.
func canonicalMsgID(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "<")
	s = strings.TrimSuffix(s, ">")
	return s
}
